// Package requests is the single source of truth for relocation requests and
// the only place their status changes are committed.
package requests

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/car-relocation/internal/eta"
	"github.com/example/car-relocation/internal/events"
	"github.com/example/car-relocation/internal/geo"
	"github.com/example/car-relocation/internal/models"
	"github.com/example/car-relocation/internal/observability"
	"github.com/example/car-relocation/internal/storage"
)

// Settler settles the money of a request that is being cancelled. It runs
// inside the request's critical section and returns the events to publish
// once the cancellation is committed.
type Settler interface {
	Settle(ctx context.Context, tx storage.RequestTx, at time.Time) ([]events.Event, error)
}

type Service struct {
	Store   storage.Store
	Geo     geo.Geo          // optional pickup index
	ETA     *eta.Estimator   // optional duration estimates
	Events  events.Publisher // optional
	Settler Settler          // optional
	Logger  *slog.Logger
	Now     func() time.Time
}

// NewRequest is the owner input for Create.
type NewRequest struct {
	OwnerID           string
	Title             string
	Description       string
	Pickup            models.Location
	Dropoff           models.Location
	ProposedPayment   int64
	ScheduledAt       *time.Time
	EstimatedDuration *int
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Service) Create(ctx context.Context, in NewRequest) (models.Request, error) {
	switch {
	case strings.TrimSpace(in.OwnerID) == "":
		return models.Request{}, fmt.Errorf("%w: owner id is required", models.ErrInvalidInput)
	case !models.ValidAmount(in.ProposedPayment):
		return models.Request{}, fmt.Errorf("%w: proposed payment must be within 1..%d", models.ErrInvalidInput, models.MaxAmount)
	case !in.Pickup.Present():
		return models.Request{}, fmt.Errorf("%w: pickup location is required", models.ErrInvalidInput)
	case !in.Dropoff.Present():
		return models.Request{}, fmt.Errorf("%w: dropoff location is required", models.ErrInvalidInput)
	case in.EstimatedDuration != nil && *in.EstimatedDuration <= 0:
		return models.Request{}, fmt.Errorf("%w: estimated duration must be positive", models.ErrInvalidInput)
	}

	at := s.now()
	r := models.Request{
		ID:                uuid.NewString(),
		OwnerID:           in.OwnerID,
		Title:             in.Title,
		Description:       in.Description,
		Pickup:            in.Pickup,
		Dropoff:           in.Dropoff,
		ProposedPayment:   in.ProposedPayment,
		Status:            models.StatusPending,
		CreatedAt:         at,
		UpdatedAt:         at,
		ScheduledAt:       in.ScheduledAt,
		EstimatedDuration: in.EstimatedDuration,
	}
	if r.EstimatedDuration == nil && s.ETA != nil {
		m := s.ETA.Minutes(ctx, r.Pickup.Coord, r.Dropoff.Coord)
		r.EstimatedDuration = &m
	}
	if err := s.Store.CreateRequest(ctx, r); err != nil {
		return models.Request{}, err
	}

	if s.Geo != nil {
		s.indexPickup(ctx, r.ID)
	}
	observability.RequestsCreated.Inc()
	observability.PendingRequests.Inc()
	s.publish(ctx, events.Event{Type: events.RequestCreated, RequestID: r.ID, Recipients: []string{r.OwnerID}, At: at, Data: r})
	return r, nil
}

// indexPickup adds the pickup under the request's lock, and only while the
// request is still pending, so it cannot undo the removal done by a
// concurrent accept or cancel.
func (s *Service) indexPickup(ctx context.Context, id string) {
	err := s.Store.WithinRequest(ctx, id, func(tx storage.RequestTx) error {
		r := tx.Request()
		if r.Status != models.StatusPending {
			return nil
		}
		return s.Geo.Upsert(ctx, r.ID, r.Pickup.Coord)
	})
	if err != nil {
		s.logger().Warn("geo index upsert failed", "request_id", id, "error", err)
	}
}

func (s *Service) Get(ctx context.Context, id string) (models.Request, error) {
	return s.Store.GetRequest(ctx, id)
}

// ListByStatus yields requests in creation order, filtered by status when
// status is not empty. Ranging again starts a new scan.
func (s *Service) ListByStatus(ctx context.Context, status models.RequestStatus) iter.Seq2[models.Request, error] {
	return s.filter(ctx, func(r models.Request) bool {
		return status == "" || r.Status == status
	})
}

// ListByOwner yields the owner's requests that fall in view.
func (s *Service) ListByOwner(ctx context.Context, ownerID string, view View) iter.Seq2[models.Request, error] {
	return s.filter(ctx, func(r models.Request) bool {
		return r.OwnerID == ownerID && view.Includes(r.Status)
	})
}

func (s *Service) filter(ctx context.Context, keep func(models.Request) bool) iter.Seq2[models.Request, error] {
	return func(yield func(models.Request, error) bool) {
		for r, err := range s.Store.Requests(ctx) {
			if err != nil {
				yield(models.Request{}, err)
				return
			}
			if keep(r) && !yield(r, nil) {
				return
			}
		}
	}
}

// Transition moves request id to status to on behalf of actor.
func (s *Service) Transition(ctx context.Context, id string, to models.RequestStatus, actor string) (models.Request, error) {
	return s.Update(ctx, id, func(_ storage.RequestTx, r *models.Request, at time.Time) error {
		return r.Advance(to, actor, at)
	})
}

// Update applies fn to request id under its lock and commits the result
// together with whatever fn staged on tx. Status changes made by fn are
// indexed, counted and published after the commit.
func (s *Service) Update(ctx context.Context, id string, fn func(tx storage.RequestTx, r *models.Request, at time.Time) error) (models.Request, error) {
	var before, after models.Request
	var settled []events.Event
	var closed *models.Trip
	err := s.Store.WithinRequest(ctx, id, func(tx storage.RequestTx) error {
		at := s.now()
		before = tx.Request()
		after = before
		if err := fn(tx, &after, at); err != nil {
			return err
		}
		if before.Status == models.StatusInProgress && after.Status != models.StatusInProgress {
			var err error
			if closed, err = closeRunningTrip(tx, &after, at); err != nil {
				return err
			}
		}
		if after.Status == models.StatusCancelled && before.Status != models.StatusCancelled && s.Settler != nil {
			evs, err := s.Settler.Settle(ctx, tx, at)
			if err != nil {
				return err
			}
			settled = evs
		}
		return tx.PutRequest(after)
	})
	if err != nil {
		return models.Request{}, err
	}
	s.Committed(ctx, before, after)
	if closed != nil {
		observability.ActiveTrips.Dec()
		s.publish(ctx, events.Event{Type: events.TripFinished, RequestID: after.ID, Recipients: after.Parties(), At: *closed.EndTime, Data: *closed})
	}
	for _, ev := range settled {
		s.publish(ctx, ev)
	}
	return after, nil
}

// closeRunningTrip finishes the current trip of a request that is leaving
// in_progress, so no trip outlives its request. A request completed this way
// takes its actual duration from the trip when none was given. It returns
// nil when no trip was running.
func closeRunningTrip(tx storage.RequestTx, r *models.Request, at time.Time) (*models.Trip, error) {
	trip, err := tx.CurrentTrip()
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if trip.Status.Terminal() {
		return nil, nil
	}
	if err := trip.Finish(at); err != nil {
		return nil, err
	}
	if r.Status == models.StatusCompleted && r.ActualDuration == nil {
		minutes := TripMinutes(trip.StartTime, at)
		r.ActualDuration = &minutes
	}
	if err := tx.PutTrip(trip); err != nil {
		return nil, err
	}
	return &trip, nil
}

// TripMinutes is the driven time from start to end in whole minutes, rounded
// up and never below one.
func TripMinutes(start, end time.Time) int {
	return max(int(math.Ceil(end.Sub(start).Minutes())), 1)
}

// Committed runs the side effects of a committed change from before to
// after.
func (s *Service) Committed(ctx context.Context, before, after models.Request) {
	if before.Status == after.Status {
		return
	}
	if before.Status == models.StatusPending {
		observability.PendingRequests.Dec()
		if s.Geo != nil {
			if err := s.Geo.Remove(ctx, after.ID); err != nil {
				s.logger().Warn("geo index remove failed", "request_id", after.ID, "error", err)
			}
		}
	}
	observability.RequestTransitions.WithLabelValues(string(after.Status)).Inc()

	typ := events.RequestTransitioned
	switch after.Status {
	case models.StatusAccepted:
		typ = events.RequestAccepted
	case models.StatusCancelled:
		typ = events.RequestCancelled
	}
	s.publish(ctx, events.Event{Type: typ, RequestID: after.ID, Recipients: after.Parties(), At: after.UpdatedAt, Data: after})
}

// Reindex loads the pickups of all pending requests into the geo index.
func (s *Service) Reindex(ctx context.Context) (int, error) {
	if s.Geo == nil {
		return 0, nil
	}
	n := 0
	for r, err := range s.ListByStatus(ctx, models.StatusPending) {
		if err != nil {
			return n, err
		}
		if err := s.Geo.Upsert(ctx, r.ID, r.Pickup.Coord); err != nil {
			return n, err
		}
		n++
	}
	observability.PendingRequests.Set(float64(n))
	return n, nil
}

func (s *Service) Publish(ctx context.Context, ev events.Event) { s.publish(ctx, ev) }

func (s *Service) publish(ctx context.Context, ev events.Event) {
	if s.Events == nil {
		return
	}
	if err := s.Events.Publish(ctx, ev); err != nil {
		s.logger().Warn("event publish failed", "type", ev.Type, "request_id", ev.RequestID, "error", err)
	}
}
