package storage

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"

	"github.com/example/car-relocation/internal/models"
)

// MemoryStore keeps everything in process. Business logic for a request runs
// under that request's lock only; the store-wide lock is held just long
// enough to copy values in or out, so readers never observe half of a
// commit.
type MemoryStore struct {
	locks keyedMutex

	mu                sync.RWMutex
	requests          map[string]models.Request
	order             []string
	payments          map[string]models.Payment
	paymentsByRequest map[string][]string
	trips             map[string]models.Trip
	tripsByRequest    map[string][]string
	messages          map[string][]models.ChatMessage
	reviews           []models.Review
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:          make(map[string]models.Request),
		payments:          make(map[string]models.Payment),
		paymentsByRequest: make(map[string][]string),
		trips:             make(map[string]models.Trip),
		tripsByRequest:    make(map[string][]string),
		messages:          make(map[string][]models.ChatMessage),
	}
}

func (m *MemoryStore) CreateRequest(ctx context.Context, r models.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; ok {
		return fmt.Errorf("%w: request %s already exists", models.ErrInvalidInput, r.ID)
	}
	m.requests[r.ID] = r
	m.order = append(m.order, r.ID)
	return nil
}

func (m *MemoryStore) GetRequest(ctx context.Context, id string) (models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return models.Request{}, fmt.Errorf("request %s: %w", id, models.ErrNotFound)
	}
	return r, nil
}

func (m *MemoryStore) Requests(ctx context.Context) iter.Seq2[models.Request, error] {
	return func(yield func(models.Request, error) bool) {
		m.mu.RLock()
		n := len(m.order)
		m.mu.RUnlock()
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				yield(models.Request{}, err)
				return
			}
			m.mu.RLock()
			r := m.requests[m.order[i]]
			m.mu.RUnlock()
			if !yield(r, nil) {
				return
			}
		}
	}
}

func (m *MemoryStore) WithinRequest(ctx context.Context, requestID string, fn func(tx RequestTx) error) error {
	unlock := m.locks.Lock(requestID)
	defer unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	r, err := m.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	tx := &memTx{
		store:    m,
		request:  r,
		payments: make(map[string]models.Payment),
		trips:    make(map[string]models.Trip),
	}
	if err := fn(tx); err != nil {
		return err
	}
	m.commit(tx)
	return nil
}

func (m *MemoryStore) commit(tx *memTx) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := tx.request.ID
	if tx.requestDirty {
		m.requests[id] = tx.request
	}
	for pid, p := range tx.payments {
		if _, ok := m.payments[pid]; !ok {
			m.paymentsByRequest[id] = append(m.paymentsByRequest[id], pid)
		}
		m.payments[pid] = p
	}
	for _, tid := range tx.tripOrder {
		if _, ok := m.trips[tid]; !ok {
			m.tripsByRequest[id] = append(m.tripsByRequest[id], tid)
		}
	}
	for tid, t := range tx.trips {
		m.trips[tid] = t
	}
	m.reviews = append(m.reviews, tx.reviews...)
}

func (m *MemoryStore) GetPayment(ctx context.Context, id string) (models.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return models.Payment{}, fmt.Errorf("payment %s: %w", id, models.ErrNotFound)
	}
	return p, nil
}

func (m *MemoryStore) GetTrip(ctx context.Context, id string) (models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return models.Trip{}, fmt.Errorf("trip %s: %w", id, models.ErrNotFound)
	}
	return t.Clone(), nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, msg models.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[msg.RequestID]; !ok {
		return fmt.Errorf("request %s: %w", msg.RequestID, models.ErrNotFound)
	}
	m.messages[msg.RequestID] = append(m.messages[msg.RequestID], msg)
	return nil
}

func (m *MemoryStore) Messages(ctx context.Context, requestID string) ([]models.ChatMessage, error) {
	m.mu.RLock()
	out := append([]models.ChatMessage(nil), m.messages[requestID]...)
	m.mu.RUnlock()
	models.SortMessages(out)
	return out, nil
}

func (m *MemoryStore) ReviewsFor(ctx context.Context, revieweeID string) ([]models.Review, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Review
	for _, rv := range m.reviews {
		if rv.RevieweeID == revieweeID {
			out = append(out, rv)
		}
	}
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
func (m *MemoryStore) Close() error                   { return nil }

// memTx stages writes on top of the committed state of one request.
type memTx struct {
	store        *MemoryStore
	request      models.Request
	requestDirty bool
	payments     map[string]models.Payment
	trips        map[string]models.Trip
	tripOrder    []string
	reviews      []models.Review
}

func (t *memTx) Request() models.Request { return t.request }

func (t *memTx) PutRequest(r models.Request) error {
	if r.ID != t.request.ID {
		return fmt.Errorf("%w: transaction is bound to request %s", models.ErrInvalidInput, t.request.ID)
	}
	t.request = r
	t.requestDirty = true
	return nil
}

func (t *memTx) Payment(id string) (models.Payment, error) {
	if p, ok := t.payments[id]; ok {
		return p, nil
	}
	p, err := t.store.GetPayment(context.Background(), id)
	if err != nil {
		return models.Payment{}, err
	}
	if p.RequestID != t.request.ID {
		return models.Payment{}, fmt.Errorf("payment %s: %w", id, models.ErrNotFound)
	}
	return p, nil
}

func (t *memTx) paymentIDs() []string {
	t.store.mu.RLock()
	ids := append([]string(nil), t.store.paymentsByRequest[t.request.ID]...)
	t.store.mu.RUnlock()
	for id := range t.payments {
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (t *memTx) LivePayment() (models.Payment, error) {
	for _, id := range t.paymentIDs() {
		p, err := t.Payment(id)
		if err != nil {
			return models.Payment{}, err
		}
		if p.Live() {
			return p, nil
		}
	}
	return models.Payment{}, fmt.Errorf("live payment for request %s: %w", t.request.ID, models.ErrNotFound)
}

func (t *memTx) PutPayment(p models.Payment) error {
	if p.RequestID != t.request.ID {
		return fmt.Errorf("%w: payment belongs to request %s", models.ErrInvalidInput, p.RequestID)
	}
	t.payments[p.ID] = p
	return nil
}

func (t *memTx) Trip(id string) (models.Trip, error) {
	if tr, ok := t.trips[id]; ok {
		return tr.Clone(), nil
	}
	tr, err := t.store.GetTrip(context.Background(), id)
	if err != nil {
		return models.Trip{}, err
	}
	if tr.RequestID != t.request.ID {
		return models.Trip{}, fmt.Errorf("trip %s: %w", id, models.ErrNotFound)
	}
	return tr, nil
}

func (t *memTx) CurrentTrip() (models.Trip, error) {
	if n := len(t.tripOrder); n > 0 {
		return t.Trip(t.tripOrder[n-1])
	}
	t.store.mu.RLock()
	ids := t.store.tripsByRequest[t.request.ID]
	var last string
	if len(ids) > 0 {
		last = ids[len(ids)-1]
	}
	t.store.mu.RUnlock()
	if last == "" {
		return models.Trip{}, fmt.Errorf("trip for request %s: %w", t.request.ID, models.ErrNotFound)
	}
	return t.Trip(last)
}

func (t *memTx) PutTrip(tr models.Trip) error {
	if tr.RequestID != t.request.ID {
		return fmt.Errorf("%w: trip belongs to request %s", models.ErrInvalidInput, tr.RequestID)
	}
	if _, staged := t.trips[tr.ID]; !staged {
		if _, err := t.store.GetTrip(context.Background(), tr.ID); err != nil {
			t.tripOrder = append(t.tripOrder, tr.ID)
		}
	}
	t.trips[tr.ID] = tr.Clone()
	return nil
}

func (t *memTx) Reviews() ([]models.Review, error) {
	t.store.mu.RLock()
	var out []models.Review
	for _, rv := range t.store.reviews {
		if rv.RequestID == t.request.ID {
			out = append(out, rv)
		}
	}
	t.store.mu.RUnlock()
	return append(out, t.reviews...), nil
}

func (t *memTx) PutReview(rv models.Review) error {
	if rv.RequestID != t.request.ID {
		return fmt.Errorf("%w: review belongs to request %s", models.ErrInvalidInput, rv.RequestID)
	}
	t.reviews = append(t.reviews, rv)
	return nil
}
