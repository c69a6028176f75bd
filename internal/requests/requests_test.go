package requests

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/car-relocation/internal/eta"
	"github.com/example/car-relocation/internal/events"
	"github.com/example/car-relocation/internal/geo"
	"github.com/example/car-relocation/internal/models"
	"github.com/example/car-relocation/internal/storage"
)

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) Publish(ctx context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.evs))
	for _, ev := range r.evs {
		out = append(out, ev.Type)
	}
	return out
}

var (
	pickup  = models.Location{Address: "Drottninggatan 1, Stockholm", Coord: models.Coord{Lat: 59.3303, Lon: 18.0586}}
	dropoff = models.Location{Address: "Arlanda Terminal 5", Coord: models.Coord{Lat: 59.6498, Lon: 17.9238}}
)

func newService() (*Service, *geo.Index, *recorder) {
	idx := geo.NewIndex()
	rec := &recorder{}
	s := &Service{
		Store:  storage.NewMemoryStore(),
		Geo:    idx,
		ETA:    &eta.Estimator{DefaultSpeedMps: 10},
		Events: rec,
	}
	return s, idx, rec
}

func create(t *testing.T, s *Service, owner string) models.Request {
	t.Helper()
	r, err := s.Create(context.Background(), NewRequest{OwnerID: owner, Pickup: pickup, Dropoff: dropoff, ProposedPayment: 500, Description: "Volvo XC60"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return r
}

func TestCreateValidatesInput(t *testing.T) {
	s, _, _ := newService()
	ctx := context.Background()
	cases := []NewRequest{
		{OwnerID: "o1", Pickup: pickup, Dropoff: dropoff, ProposedPayment: 0},
		{OwnerID: "o1", Pickup: pickup, Dropoff: dropoff, ProposedPayment: -5},
		{OwnerID: "o1", Pickup: pickup, Dropoff: dropoff, ProposedPayment: models.MaxAmount + 1},
		{OwnerID: "o1", Dropoff: dropoff, ProposedPayment: 500},
		{OwnerID: "o1", Pickup: pickup, Dropoff: models.Location{Address: "x", Coord: models.Coord{Lat: 120}}, ProposedPayment: 500},
		{Pickup: pickup, Dropoff: dropoff, ProposedPayment: 500},
	}
	for i, in := range cases {
		if _, err := s.Create(ctx, in); !errors.Is(err, models.ErrInvalidInput) {
			t.Fatalf("case %d: expected ErrInvalidInput, got %v", i, err)
		}
	}
}

func TestCreateEstimatesDurationAndIndexesPickup(t *testing.T) {
	s, idx, rec := newService()
	r := create(t, s, "o1")
	if r.Status != models.StatusPending || r.DriverID != "" {
		t.Fatalf("unexpected request %+v", r)
	}
	if r.EstimatedDuration == nil || *r.EstimatedDuration < 55 || *r.EstimatedDuration > 65 {
		t.Fatalf("expected ~61 minutes at 10 m/s, got %v", r.EstimatedDuration)
	}
	hits, _ := idx.Nearby(context.Background(), pickup.Coord, 100, 10)
	if len(hits) != 1 || hits[0].ID != r.ID {
		t.Fatalf("expected pickup indexed, got %+v", hits)
	}
	if got := rec.types(); len(got) != 1 || got[0] != events.RequestCreated {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestListByStatusIsRestartableAndOrdered(t *testing.T) {
	s, _, _ := newService()
	ctx := context.Background()
	a := create(t, s, "o1")
	b := create(t, s, "o2")
	c := create(t, s, "o1")
	if _, err := s.Transition(ctx, b.ID, models.StatusCancelled, "o2"); err != nil {
		t.Fatal(err)
	}

	seq := s.ListByStatus(ctx, models.StatusPending)
	for round := 0; round < 2; round++ {
		var ids []string
		for r, err := range seq {
			if err != nil {
				t.Fatal(err)
			}
			ids = append(ids, r.ID)
		}
		if len(ids) != 2 || ids[0] != a.ID || ids[1] != c.ID {
			t.Fatalf("round %d: unexpected ids %v", round, ids)
		}
	}

	n := 0
	for range s.ListByStatus(ctx, "") {
		n++
	}
	if n != 3 {
		t.Fatalf("expected 3 requests, got %d", n)
	}
}

func TestListByOwnerViews(t *testing.T) {
	s, _, _ := newService()
	ctx := context.Background()
	a := create(t, s, "o1")
	create(t, s, "o1")
	create(t, s, "o2")
	if _, err := s.Update(ctx, a.ID, func(_ storage.RequestTx, r *models.Request, at time.Time) error {
		return r.Accept("d1", at)
	}); err != nil {
		t.Fatal(err)
	}

	count := func(v View) int {
		n := 0
		for _, err := range s.ListByOwner(ctx, "o1", v) {
			if err != nil {
				t.Fatal(err)
			}
			n++
		}
		return n
	}
	if got := count(ViewAll); got != 2 {
		t.Fatalf("all: expected 2, got %d", got)
	}
	if got := count(ViewPending); got != 1 {
		t.Fatalf("pending: expected 1, got %d", got)
	}
	if got := count(ViewActive); got != 1 {
		t.Fatalf("active: expected 1, got %d", got)
	}
	if got := count(ViewCompleted); got != 0 {
		t.Fatalf("completed: expected 0, got %d", got)
	}
	if _, err := ParseView("archived"); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestTransitionRejectsIllegalEdges(t *testing.T) {
	s, _, _ := newService()
	ctx := context.Background()
	r := create(t, s, "o1")

	if _, err := s.Transition(ctx, r.ID, models.StatusCompleted, "o1"); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := s.Transition(ctx, r.ID, models.StatusCancelled, "stranger"); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for stranger, got %v", err)
	}
	if _, err := s.Transition(ctx, "missing", models.StatusCancelled, "o1"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	got, err := s.Get(ctx, r.ID)
	if err != nil || got.Status != models.StatusPending {
		t.Fatalf("request must stay pending, got %+v err=%v", got, err)
	}
}

func TestTransitionLeavingPendingRemovesPickup(t *testing.T) {
	s, idx, rec := newService()
	ctx := context.Background()
	r := create(t, s, "o1")
	out, err := s.Transition(ctx, r.ID, models.StatusCancelled, "o1")
	if err != nil {
		t.Fatal(err)
	}
	if out.CancelledBy != "o1" || !out.UpdatedAt.After(r.CreatedAt.Add(-time.Second)) {
		t.Fatalf("unexpected request %+v", out)
	}
	if hits, _ := idx.Nearby(ctx, pickup.Coord, 100, 10); len(hits) != 0 {
		t.Fatalf("expected pickup removed, got %+v", hits)
	}
	types := rec.types()
	if types[len(types)-1] != events.RequestCancelled {
		t.Fatalf("expected cancel event, got %v", types)
	}
}

func TestConcurrentTransitionsHaveOneWinner(t *testing.T) {
	s, _, _ := newService()
	ctx := context.Background()
	r := create(t, s, "o1")

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Transition(ctx, r.ID, models.StatusCancelled, "o1")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case !errors.Is(err, models.ErrInvalidTransition):
			t.Fatalf("unexpected error %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

type failingSettler struct{}

func (failingSettler) Settle(ctx context.Context, tx storage.RequestTx, at time.Time) ([]events.Event, error) {
	return nil, errors.New("gateway down")
}

func TestCancelIsRolledBackWhenSettlementFails(t *testing.T) {
	s, _, _ := newService()
	s.Settler = failingSettler{}
	ctx := context.Background()
	r := create(t, s, "o1")
	if _, err := s.Transition(ctx, r.ID, models.StatusCancelled, "o1"); err == nil {
		t.Fatal("expected settlement error")
	}
	got, _ := s.Get(ctx, r.ID)
	if got.Status != models.StatusPending {
		t.Fatalf("expected pending, got %s", got.Status)
	}
}

func TestReindexLoadsPendingPickups(t *testing.T) {
	s, _, _ := newService()
	ctx := context.Background()
	create(t, s, "o1")
	create(t, s, "o2")

	fresh := geo.NewIndex()
	s.Geo = fresh
	n, err := s.Reindex(ctx)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 indexed, got %d err=%v", n, err)
	}
	if hits, _ := fresh.Nearby(ctx, pickup.Coord, 100, 10); len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
}

// acceptingStore lets a driver accept every request right after it is
// stored, before Create returns.
type acceptingStore struct {
	*storage.MemoryStore
}

func (a acceptingStore) CreateRequest(ctx context.Context, r models.Request) error {
	if err := a.MemoryStore.CreateRequest(ctx, r); err != nil {
		return err
	}
	return a.MemoryStore.WithinRequest(ctx, r.ID, func(tx storage.RequestTx) error {
		req := tx.Request()
		if err := req.Accept("driver", time.Now()); err != nil {
			return err
		}
		return tx.PutRequest(req)
	})
}

func TestCreateSkipsPickupTakenMeanwhile(t *testing.T) {
	s, idx, _ := newService()
	s.Store = acceptingStore{MemoryStore: storage.NewMemoryStore()}

	r := create(t, s, "o1")
	got, _ := s.Get(context.Background(), r.ID)
	if got.Status != models.StatusAccepted {
		t.Fatalf("expected accepted, got %s", got.Status)
	}
	if hits, _ := idx.Nearby(context.Background(), pickup.Coord, 100, 10); len(hits) != 0 {
		t.Fatalf("expected no stale pickup in index, got %+v", hits)
	}
}
