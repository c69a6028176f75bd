package payments

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/example/car-relocation/internal/models"
)

// HoldRequest reserves Total from the owner for one escrow payment.
type HoldRequest struct {
	PaymentID string
	RequestID string
	OwnerID   string
	Total     int64
	Currency  string
}

// Charge moves Amount of a hold or a captured payment identified by Ref.
// Held is what the hold reserved.
type Charge struct {
	PaymentID string
	Ref       string
	Held      int64
	Amount    int64
	Currency  string
}

// Gateway is one payment rail.
type Gateway interface {
	// Hold reserves the funds and returns the processor reference.
	Hold(ctx context.Context, req HoldRequest) (string, error)
	// Capture keeps Amount of the hold and lets the remainder go back to the
	// owner. An Amount of zero releases the whole hold.
	Capture(ctx context.Context, c Charge) error
	// Refund returns Amount of previously captured funds.
	Refund(ctx context.Context, c Charge) error
}

// Rails routes each payment method to its gateway.
type Rails map[models.PaymentMethod]Gateway

func (r Rails) For(m models.PaymentMethod) (Gateway, error) {
	g, ok := r[m]
	if !ok || g == nil {
		return nil, fmt.Errorf("%w: payment method %q is not available", models.ErrInvalidInput, m)
	}
	return g, nil
}

// Sandbox is an in-process rail that accepts every operation. It backs
// local runs without processor credentials.
type Sandbox struct {
	Prefix string

	mu       sync.Mutex
	held     map[string]int64
	captured map[string]int64
	refunded map[string]int64
}

func NewSandbox(prefix string) *Sandbox {
	return &Sandbox{
		Prefix:   prefix,
		held:     make(map[string]int64),
		captured: make(map[string]int64),
		refunded: make(map[string]int64),
	}
}

func (s *Sandbox) Hold(ctx context.Context, req HoldRequest) (string, error) {
	if req.Total <= 0 {
		return "", fmt.Errorf("%w: hold amount must be positive", models.ErrInvalidInput)
	}
	ref := s.Prefix + uuid.NewString()
	s.mu.Lock()
	s.held[ref] = req.Total
	s.mu.Unlock()
	return ref, nil
}

func (s *Sandbox) Capture(ctx context.Context, c Charge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	held, ok := s.held[c.Ref]
	if !ok {
		return fmt.Errorf("sandbox: unknown hold %s", c.Ref)
	}
	if c.Amount > held {
		return fmt.Errorf("sandbox: capture %d exceeds hold %d", c.Amount, held)
	}
	delete(s.held, c.Ref)
	s.captured[c.Ref] = c.Amount
	return nil
}

func (s *Sandbox) Refund(ctx context.Context, c Charge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.Amount > s.captured[c.Ref]-s.refunded[c.Ref] {
		return fmt.Errorf("sandbox: refund %d exceeds captured funds of %s", c.Amount, c.Ref)
	}
	s.refunded[c.Ref] += c.Amount
	return nil
}

// Captured reports the captured and refunded totals for ref.
func (s *Sandbox) Captured(ref string) (captured, refunded int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captured[ref], s.refunded[ref]
}
