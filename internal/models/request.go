package models

import (
	"fmt"
	"time"
)

type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusAccepted   RequestStatus = "accepted"
	StatusInProgress RequestStatus = "in_progress"
	StatusCompleted  RequestStatus = "completed"
	StatusCancelled  RequestStatus = "cancelled"
)

// SystemActor performs transitions triggered by the service itself, such as
// the cancellation that follows a refund.
const SystemActor = "system"

var requestEdges = map[RequestStatus][]RequestStatus{
	StatusPending:    {StatusAccepted, StatusCancelled},
	StatusAccepted:   {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted},
}

func ParseRequestStatus(s string) (RequestStatus, error) {
	st := RequestStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: unknown request status %q", ErrInvalidInput, s)
	}
	return st, nil
}

func (s RequestStatus) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Engaged reports whether a driver is bound to a live request, i.e. the
// status is accepted or later on the happy path.
func (s RequestStatus) Engaged() bool {
	return s == StatusAccepted || s == StatusInProgress || s == StatusCompleted
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to RequestStatus) bool {
	for _, next := range requestEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Request is one car relocation job. Status only changes through Advance and
// Accept.
type Request struct {
	ID                string        `json:"id"`
	OwnerID           string        `json:"owner_id"`
	DriverID          string        `json:"driver_id,omitempty"`
	Title             string        `json:"title,omitempty"`
	Description       string        `json:"description,omitempty"`
	Pickup            Location      `json:"pickup"`
	Dropoff           Location      `json:"dropoff"`
	ProposedPayment   int64         `json:"proposed_payment"`
	Status            RequestStatus `json:"status"`
	CancelledBy       string        `json:"cancelled_by,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
	ScheduledAt       *time.Time    `json:"scheduled_at,omitempty"`
	EstimatedDuration *int          `json:"estimated_duration_min,omitempty"`
	ActualDuration    *int          `json:"actual_duration_min,omitempty"`
}

// Accept binds driverID to a pending request. A request that is no longer
// pending yields ErrAlreadyAccepted, or ErrInvalidTransition once cancelled.
func (r *Request) Accept(driverID string, at time.Time) error {
	switch {
	case r.Status == StatusCancelled:
		return fmt.Errorf("%w: request %s is cancelled", ErrInvalidTransition, r.ID)
	case r.Status != StatusPending:
		return fmt.Errorf("%w: request %s is %s", ErrAlreadyAccepted, r.ID, r.Status)
	case driverID == "":
		return fmt.Errorf("%w: driver id is required", ErrInvalidInput)
	case driverID == r.OwnerID:
		return fmt.Errorf("%w: owner cannot accept own request", ErrInvalidTransition)
	}
	r.DriverID = driverID
	if err := r.Advance(StatusAccepted, driverID, at); err != nil {
		r.DriverID = ""
		return err
	}
	return nil
}

// Advance moves the request along the lifecycle on behalf of actor.
func (r *Request) Advance(to RequestStatus, actor string, at time.Time) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown request status %q", ErrInvalidInput, to)
	}
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	if !r.permits(to, actor) {
		return fmt.Errorf("%w: %q may not move request %s to %s", ErrInvalidTransition, actor, r.ID, to)
	}
	switch to {
	case StatusAccepted:
		if r.DriverID == "" {
			return fmt.Errorf("%w: accepting requires a driver", ErrInvalidTransition)
		}
	case StatusCancelled:
		r.CancelledBy = actor
	}
	r.Status = to
	r.UpdatedAt = at
	return nil
}

func (r *Request) permits(to RequestStatus, actor string) bool {
	if actor == SystemActor {
		return true
	}
	if actor == "" {
		return false
	}
	switch to {
	case StatusAccepted, StatusInProgress:
		return actor == r.DriverID
	case StatusCompleted:
		return actor == r.DriverID || actor == r.OwnerID
	case StatusCancelled:
		if r.Status == StatusPending {
			return actor == r.OwnerID
		}
		return actor == r.OwnerID || actor == r.DriverID
	}
	return false
}

// Party reports whether userID is the owner or the assigned driver.
func (r Request) Party(userID string) bool {
	return userID != "" && (userID == r.OwnerID || userID == r.DriverID)
}

// Counterpart returns the other party of the request for userID.
func (r Request) Counterpart(userID string) string {
	if userID == r.OwnerID {
		return r.DriverID
	}
	return r.OwnerID
}

// Parties lists the owner and, when assigned, the driver.
func (r Request) Parties() []string {
	if r.DriverID == "" {
		return []string{r.OwnerID}
	}
	return []string{r.OwnerID, r.DriverID}
}
