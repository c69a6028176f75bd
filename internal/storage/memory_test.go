package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/car-relocation/internal/models"
)

func seedRequest(t *testing.T, m *MemoryStore, id string) models.Request {
	t.Helper()
	r := models.Request{ID: id, OwnerID: "owner", Status: models.StatusPending, ProposedPayment: 100}
	if err := m.CreateRequest(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestWithinRequestDiscardsOnError(t *testing.T) {
	m := NewMemoryStore()
	r := seedRequest(t, m, "r1")
	ctx := context.Background()

	boom := errors.New("boom")
	err := m.WithinRequest(ctx, r.ID, func(tx RequestTx) error {
		req := tx.Request()
		req.Status = models.StatusCancelled
		if err := tx.PutRequest(req); err != nil {
			return err
		}
		if err := tx.PutPayment(models.Payment{ID: "p1", RequestID: r.ID, Status: models.PaymentPending}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	got, _ := m.GetRequest(ctx, r.ID)
	if got.Status != models.StatusPending {
		t.Fatalf("expected pending, got %s", got.Status)
	}
	if _, err := m.GetPayment(ctx, "p1"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected staged payment discarded, got %v", err)
	}
}

func TestLivePaymentSeesStagedWrites(t *testing.T) {
	m := NewMemoryStore()
	r := seedRequest(t, m, "r1")
	ctx := context.Background()

	err := m.WithinRequest(ctx, r.ID, func(tx RequestTx) error {
		if _, err := tx.LivePayment(); !errors.Is(err, models.ErrNotFound) {
			t.Fatalf("expected no live payment, got %v", err)
		}
		if err := tx.PutPayment(models.Payment{ID: "p1", RequestID: r.ID, Status: models.PaymentPending}); err != nil {
			return err
		}
		p, err := tx.LivePayment()
		if err != nil || p.ID != "p1" {
			t.Fatalf("expected staged p1, got %+v err=%v", p, err)
		}
		return tx.PutPayment(models.Payment{ID: "other", RequestID: "r2"})
	})
	if !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("expected foreign payment rejected, got %v", err)
	}
}

func TestWithinRequestSerializesPerRequest(t *testing.T) {
	m := NewMemoryStore()
	r := seedRequest(t, m, "r1")
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.WithinRequest(ctx, r.ID, func(tx RequestTx) error {
				req := tx.Request()
				req.ProposedPayment++
				return tx.PutRequest(req)
			})
		}()
	}
	wg.Wait()
	got, _ := m.GetRequest(ctx, r.ID)
	if got.ProposedPayment != 100+n {
		t.Fatalf("expected %d, got %d", 100+n, got.ProposedPayment)
	}
}

func TestTripsAndCurrentTrip(t *testing.T) {
	m := NewMemoryStore()
	r := seedRequest(t, m, "r1")
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for _, id := range []string{"t1", "t2"} {
		err := m.WithinRequest(ctx, r.ID, func(tx RequestTx) error {
			return tx.PutTrip(models.Trip{ID: id, RequestID: r.ID, StartTime: at, Status: models.TripStarted})
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	err := m.WithinRequest(ctx, r.ID, func(tx RequestTx) error {
		cur, err := tx.CurrentTrip()
		if err != nil {
			return err
		}
		if cur.ID != "t2" {
			t.Fatalf("expected t2, got %s", cur.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.GetTrip(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
}

func TestMessagesAreSortedCopies(t *testing.T) {
	m := NewMemoryStore()
	seedRequest(t, m, "r1")
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := m.AppendMessage(ctx, models.ChatMessage{ID: "b", RequestID: "r1", Timestamp: base}); err != nil {
		t.Fatal(err)
	}
	if err := m.AppendMessage(ctx, models.ChatMessage{ID: "a", RequestID: "r1", Timestamp: base}); err != nil {
		t.Fatal(err)
	}
	if err := m.AppendMessage(ctx, models.ChatMessage{ID: "c", RequestID: "r1", Timestamp: base.Add(-time.Second)}); err != nil {
		t.Fatal(err)
	}
	if err := m.AppendMessage(ctx, models.ChatMessage{ID: "x", RequestID: "missing"}); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	msgs, _ := m.Messages(ctx, "r1")
	if len(msgs) != 3 || msgs[0].ID != "c" || msgs[1].ID != "a" || msgs[2].ID != "b" {
		t.Fatalf("unexpected order %+v", msgs)
	}
	msgs[0].Body = "mutated"
	again, _ := m.Messages(ctx, "r1")
	if again[0].Body == "mutated" {
		t.Fatal("messages must be returned as copies")
	}
}

func TestRequestsSequenceStopsEarly(t *testing.T) {
	m := NewMemoryStore()
	for _, id := range []string{"r1", "r2", "r3"} {
		seedRequest(t, m, id)
	}
	var seen []string
	for r, err := range m.Requests(context.Background()) {
		if err != nil {
			t.Fatal(err)
		}
		seen = append(seen, r.ID)
		if len(seen) == 2 {
			break
		}
	}
	if len(seen) != 2 || seen[0] != "r1" || seen[1] != "r2" {
		t.Fatalf("unexpected ids %v", seen)
	}
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	var k keyedMutex
	unlock := k.Lock("a")
	unlock()
	k.mu.Lock()
	n := len(k.locks)
	k.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected no retained locks, got %d", n)
	}
}
