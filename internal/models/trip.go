package models

import (
	"fmt"
	"time"
)

type TripStatus string

const (
	TripStarted    TripStatus = "started"
	TripInProgress TripStatus = "in_progress"
	TripCompleted  TripStatus = "completed"
	TripCancelled  TripStatus = "cancelled"
)

func (s TripStatus) Terminal() bool {
	return s == TripCompleted || s == TripCancelled
}

type RouteSample struct {
	Coord Coord     `json:"coord"`
	At    time.Time `json:"timestamp"`
}

// Trip is the tracked execution of an accepted request. A trip moves from
// started to in_progress on its first sample.
type Trip struct {
	ID          string        `json:"id"`
	RequestID   string        `json:"request_id"`
	DriverID    string        `json:"driver_id"`
	StartTime   time.Time     `json:"start_time"`
	EndTime     *time.Time    `json:"end_time,omitempty"`
	CancelledAt *time.Time    `json:"cancelled_at,omitempty"`
	Route       []RouteSample `json:"route"`
	Status      TripStatus    `json:"status"`
}

// Append adds s to the route. Samples must not go back in time.
func (t *Trip) Append(s RouteSample) error {
	if t.Status.Terminal() {
		return fmt.Errorf("%w: trip %s is %s", ErrNotStarted, t.ID, t.Status)
	}
	if !s.Coord.Valid() {
		return fmt.Errorf("%w: coordinate out of range", ErrInvalidInput)
	}
	if n := len(t.Route); n > 0 && s.At.Before(t.Route[n-1].At) {
		return fmt.Errorf("%w: %s before %s", ErrOutOfOrderSample,
			s.At.Format(time.RFC3339Nano), t.Route[n-1].At.Format(time.RFC3339Nano))
	}
	t.Route = append(t.Route, s)
	t.Status = TripInProgress
	return nil
}

func (t *Trip) Finish(at time.Time) error {
	if t.Status.Terminal() {
		return fmt.Errorf("%w: trip %s is %s", ErrNotStarted, t.ID, t.Status)
	}
	t.Status = TripCompleted
	t.EndTime = &at
	return nil
}

func (t *Trip) Cancel(at time.Time) error {
	if t.Status.Terminal() {
		return fmt.Errorf("%w: trip %s is %s", ErrNotStarted, t.ID, t.Status)
	}
	t.Status = TripCancelled
	t.EndTime = &at
	t.CancelledAt = &at
	return nil
}

// Clone copies the route so the result can be mutated independently.
func (t Trip) Clone() Trip {
	t.Route = append([]RouteSample(nil), t.Route...)
	return t
}
