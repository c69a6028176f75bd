package models

import "errors"

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotFound          = errors.New("requested resource not found")
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrAlreadyAccepted and ErrAlreadyCaptured report a lost race on a
	// single-winner resource. They are final for the caller.
	ErrAlreadyAccepted = errors.New("request no longer available")
	ErrAlreadyCaptured = errors.New("payment already captured for request")

	ErrNotAccepted  = errors.New("request has not been accepted")
	ErrNotCompleted = errors.New("request has not been completed")
	ErrNotStarted   = errors.New("trip is not running")

	ErrOutOfOrderSample = errors.New("route sample is older than the last recorded sample")
	ErrInvalidState     = errors.New("payment state does not allow this operation")
	ErrAlreadyReviewed  = errors.New("review already submitted")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrInvalidInput, "invalid_input"},
	{ErrNotFound, "not_found"},
	{ErrInvalidTransition, "invalid_transition"},
	{ErrAlreadyAccepted, "already_accepted"},
	{ErrAlreadyCaptured, "already_captured"},
	{ErrNotAccepted, "not_accepted"},
	{ErrNotCompleted, "not_completed"},
	{ErrNotStarted, "not_started"},
	{ErrOutOfOrderSample, "out_of_order_sample"},
	{ErrInvalidState, "invalid_state"},
	{ErrAlreadyReviewed, "already_reviewed"},
}

// Code returns the stable error code for err, or "internal" when err does not
// wrap one of the domain errors.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}
