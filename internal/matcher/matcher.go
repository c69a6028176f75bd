package matcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/car-relocation/internal/eta"
	"github.com/example/car-relocation/internal/geo"
	"github.com/example/car-relocation/internal/models"
	"github.com/example/car-relocation/internal/observability"
	"github.com/example/car-relocation/internal/requests"
	"github.com/example/car-relocation/internal/storage"
)

// Service binds drivers to pending requests. Accept is first-wins: the
// status check and the driver assignment happen under the request's lock.
type Service struct {
	Requests *requests.Service
	Geo      geo.Geo
	ETA      *eta.Estimator
	RadiusM  float64
	Limit    int
}

// Candidate is a pending request offered to a driver.
type Candidate struct {
	Request    models.Request `json:"request"`
	DistanceM  float64        `json:"distance_m"`
	ETASeconds float64        `json:"eta_seconds"`
}

// Accept assigns driverID to the pending request. Losers get
// ErrAlreadyAccepted and must not retry.
func (s *Service) Accept(ctx context.Context, requestID, driverID string) (models.Request, error) {
	r, err := s.Requests.Update(ctx, requestID, func(_ storage.RequestTx, r *models.Request, at time.Time) error {
		return r.Accept(driverID, at)
	})
	observability.AcceptOutcomes.WithLabelValues(observability.Outcome(models.Code(err))).Inc()
	return r, err
}

// Cancel cancels a pending or accepted request. Owners may cancel pending
// requests; either party may cancel once accepted. A live payment is
// refunded as part of the cancellation.
func (s *Service) Cancel(ctx context.Context, requestID, actor string) (models.Request, error) {
	return s.Requests.Update(ctx, requestID, func(_ storage.RequestTx, r *models.Request, at time.Time) error {
		if r.Status != models.StatusPending && r.Status != models.StatusAccepted {
			return fmt.Errorf("%w: request %s is %s", models.ErrInvalidTransition, r.ID, r.Status)
		}
		return r.Advance(models.StatusCancelled, actor, at)
	})
}

// Nearby lists pending requests whose pickup is within radiusM of from,
// quickest to reach first. Equal ETAs prefer the higher payment.
func (s *Service) Nearby(ctx context.Context, from models.Coord, radiusM float64, limit int) ([]Candidate, error) {
	start := time.Now()
	defer func() { observability.NearbyLatency.Observe(time.Since(start).Seconds()) }()

	if !from.Valid() {
		return nil, fmt.Errorf("%w: coordinate out of range", models.ErrInvalidInput)
	}
	if radiusM <= 0 {
		radiusM = s.RadiusM
	}
	if radiusM <= 0 {
		radiusM = 5000
	}
	if limit <= 0 {
		limit = s.Limit
	}
	if limit <= 0 {
		limit = 20
	}

	// the closest pickups are not always the quickest, so rank from a
	// wider set
	hits, err := s.Geo.Nearby(ctx, from, radiusM, limit*2)
	if err != nil {
		return nil, err
	}

	cands := make([]Candidate, len(hits))
	keep := make([]bool, len(hits))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, h := range hits {
		g.Go(func() error {
			r, err := s.Requests.Get(gctx, h.ID)
			if errors.Is(err, models.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if r.Status != models.StatusPending {
				return nil
			}
			cands[i] = Candidate{Request: r, DistanceM: h.DistanceM, ETASeconds: s.etaSeconds(gctx, from, r.Pickup.Coord)}
			keep[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(cands))
	for i, c := range cands {
		if keep[i] {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ETASeconds != b.ETASeconds {
			return a.ETASeconds < b.ETASeconds
		}
		if a.Request.ProposedPayment != b.Request.ProposedPayment {
			return a.Request.ProposedPayment > b.Request.ProposedPayment
		}
		return a.Request.ID < b.Request.ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Service) etaSeconds(ctx context.Context, from, to models.Coord) float64 {
	if s.ETA != nil {
		return s.ETA.Seconds(ctx, from, to)
	}
	return eta.EstimateSeconds(from, to, 0)
}
