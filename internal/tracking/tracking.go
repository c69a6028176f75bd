// Package tracking records the route of a relocation while it is driven.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/car-relocation/internal/events"
	"github.com/example/car-relocation/internal/models"
	"github.com/example/car-relocation/internal/observability"
	"github.com/example/car-relocation/internal/requests"
	"github.com/example/car-relocation/internal/storage"
)

type Tracker struct {
	Requests *requests.Service
}

// Start opens a trip for the assigned driver and moves the request to
// in_progress. A driver whose trip was cancelled may start again.
func (t *Tracker) Start(ctx context.Context, requestID, driverID string) (models.Trip, error) {
	var trip models.Trip
	r, err := t.Requests.Update(ctx, requestID, func(tx storage.RequestTx, r *models.Request, at time.Time) error {
		switch r.Status {
		case models.StatusAccepted:
		case models.StatusInProgress:
			cur, err := tx.CurrentTrip()
			if err != nil && !errors.Is(err, models.ErrNotFound) {
				return err
			}
			if err == nil && !cur.Status.Terminal() {
				return fmt.Errorf("%w: trip %s is already running", models.ErrInvalidTransition, cur.ID)
			}
		default:
			return fmt.Errorf("%w: request %s is %s", models.ErrNotAccepted, r.ID, r.Status)
		}
		if driverID == "" || driverID != r.DriverID {
			return fmt.Errorf("%w: only the assigned driver can start the trip", models.ErrInvalidTransition)
		}
		trip = models.Trip{
			ID:        uuid.NewString(),
			RequestID: r.ID,
			DriverID:  driverID,
			StartTime: at,
			Status:    models.TripStarted,
		}
		if err := tx.PutTrip(trip); err != nil {
			return err
		}
		if r.Status == models.StatusAccepted {
			return r.Advance(models.StatusInProgress, driverID, at)
		}
		return nil
	})
	if err != nil {
		return models.Trip{}, err
	}
	observability.ActiveTrips.Inc()
	t.publish(ctx, events.TripStarted, r, trip.StartTime, trip)
	return trip, nil
}

// AppendSample adds a route point. Samples older than the last one are
// rejected and not stored.
func (t *Tracker) AppendSample(ctx context.Context, tripID string, c models.Coord, at time.Time) error {
	requestID, err := t.requestOf(ctx, tripID)
	if err != nil {
		return err
	}
	var pos models.TripPosition
	var r models.Request
	err = t.Requests.Store.WithinRequest(ctx, requestID, func(tx storage.RequestTx) error {
		tr, err := tx.Trip(tripID)
		if err != nil {
			return err
		}
		if at.IsZero() {
			at = t.now()
		}
		if err := tr.Append(models.RouteSample{Coord: c, At: at.UTC()}); err != nil {
			return err
		}
		r = tx.Request()
		pos = models.TripPosition{TripID: tr.ID, RequestID: tr.RequestID, DriverID: tr.DriverID, Coord: c, At: at.UnixMilli()}
		return tx.PutTrip(tr)
	})
	observability.TripSamples.WithLabelValues(observability.Outcome(models.Code(err))).Inc()
	if err != nil {
		return err
	}
	t.Requests.Publish(ctx, events.Event{Type: events.TripSample, RequestID: r.ID, Recipients: []string{r.OwnerID}, At: at, Data: pos})
	return nil
}

// Finish completes the trip and its request. When actualMinutes is zero the
// duration is measured from the trip's start.
func (t *Tracker) Finish(ctx context.Context, tripID string, actualMinutes int) (models.Trip, error) {
	if actualMinutes < 0 {
		return models.Trip{}, fmt.Errorf("%w: actual duration must not be negative", models.ErrInvalidInput)
	}
	requestID, err := t.requestOf(ctx, tripID)
	if err != nil {
		return models.Trip{}, err
	}
	var trip models.Trip
	r, err := t.Requests.Update(ctx, requestID, func(tx storage.RequestTx, r *models.Request, at time.Time) error {
		var err error
		if trip, err = tx.Trip(tripID); err != nil {
			return err
		}
		if err := trip.Finish(at); err != nil {
			return err
		}
		minutes := actualMinutes
		if minutes == 0 {
			minutes = requests.TripMinutes(trip.StartTime, at)
		}
		r.ActualDuration = &minutes
		if err := r.Advance(models.StatusCompleted, trip.DriverID, at); err != nil {
			return err
		}
		return tx.PutTrip(trip)
	})
	if err != nil {
		return models.Trip{}, err
	}
	observability.ActiveTrips.Dec()
	t.publish(ctx, events.TripFinished, r, *trip.EndTime, trip)
	return trip, nil
}

// Cancel stops a running trip. The request stays in progress so the driver
// can start a new trip.
func (t *Tracker) Cancel(ctx context.Context, tripID, actor string) (models.Trip, error) {
	requestID, err := t.requestOf(ctx, tripID)
	if err != nil {
		return models.Trip{}, err
	}
	var trip models.Trip
	var r models.Request
	err = t.Requests.Store.WithinRequest(ctx, requestID, func(tx storage.RequestTx) error {
		r = tx.Request()
		if !r.Party(actor) {
			return fmt.Errorf("%w: %q is not a party of request %s", models.ErrInvalidTransition, actor, r.ID)
		}
		var err error
		if trip, err = tx.Trip(tripID); err != nil {
			return err
		}
		if err := trip.Cancel(t.now()); err != nil {
			return err
		}
		return tx.PutTrip(trip)
	})
	if err != nil {
		return models.Trip{}, err
	}
	observability.ActiveTrips.Dec()
	t.publish(ctx, events.TripCancelled, r, *trip.CancelledAt, trip)
	return trip, nil
}

func (t *Tracker) Get(ctx context.Context, tripID string) (models.Trip, error) {
	return t.Requests.Store.GetTrip(ctx, tripID)
}

// ForRequest returns the most recent trip of a request.
func (t *Tracker) ForRequest(ctx context.Context, requestID string) (models.Trip, error) {
	var trip models.Trip
	err := t.Requests.Store.WithinRequest(ctx, requestID, func(tx storage.RequestTx) error {
		var err error
		trip, err = tx.CurrentTrip()
		return err
	})
	return trip, err
}

func (t *Tracker) requestOf(ctx context.Context, tripID string) (string, error) {
	tr, err := t.Requests.Store.GetTrip(ctx, tripID)
	if err != nil {
		return "", err
	}
	return tr.RequestID, nil
}

func (t *Tracker) publish(ctx context.Context, typ string, r models.Request, at time.Time, trip models.Trip) {
	t.Requests.Publish(ctx, events.Event{Type: typ, RequestID: r.ID, Recipients: r.Parties(), At: at, Data: trip})
}

func (t *Tracker) now() time.Time {
	if t.Requests.Now != nil {
		return t.Requests.Now().UTC()
	}
	return time.Now().UTC()
}
