// Package escrow holds owner funds for a request until the relocation is
// completed, then settles them to the driver.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/car-relocation/internal/events"
	"github.com/example/car-relocation/internal/models"
	"github.com/example/car-relocation/internal/observability"
	"github.com/example/car-relocation/internal/payments"
	"github.com/example/car-relocation/internal/requests"
	"github.com/example/car-relocation/internal/storage"
)

// FeePolicy is the platform fee in basis points of the escrowed amount.
type FeePolicy struct {
	BasisPoints int64
}

// DefaultFee is 5%.
var DefaultFee = FeePolicy{BasisPoints: 500}

// Fee rounds half up to the nearest whole unit.
func (f FeePolicy) Fee(amount int64) int64 {
	return (amount*f.BasisPoints + 5000) / 10000
}

type Ledger struct {
	Requests *requests.Service
	Rails    payments.Rails
	Fees     FeePolicy
	Currency string
}

// Capture authorizes amount plus the platform fee from the owner of an
// accepted request.
func (l *Ledger) Capture(ctx context.Context, requestID string, amount int64, method models.PaymentMethod) (p models.Payment, err error) {
	defer func() { l.observe("capture", method, err, p.OwnerCharge) }()

	if !models.ValidAmount(amount) {
		return models.Payment{}, fmt.Errorf("%w: amount must be within 1..%d", models.ErrInvalidInput, models.MaxAmount)
	}
	gw, err := l.Rails.For(method)
	if err != nil {
		return models.Payment{}, err
	}

	err = l.Requests.Store.WithinRequest(ctx, requestID, func(tx storage.RequestTx) error {
		r := tx.Request()
		if !r.Status.Engaged() {
			return fmt.Errorf("%w: request %s is %s", models.ErrNotAccepted, r.ID, r.Status)
		}
		if live, err := tx.LivePayment(); err == nil {
			return fmt.Errorf("%w: payment %s", models.ErrAlreadyCaptured, live.ID)
		} else if !errors.Is(err, models.ErrNotFound) {
			return err
		}

		fee := l.Fees.Fee(amount)
		p = models.Payment{
			ID:               uuid.NewString(),
			RequestID:        r.ID,
			Amount:           amount,
			Fee:              fee,
			OwnerCharge:      amount + fee,
			DriverSettlement: amount,
			Currency:         l.currency(),
			Method:           method,
			Status:           models.PaymentPending,
			CreatedAt:        l.now(),
		}
		ref, err := gw.Hold(ctx, payments.HoldRequest{
			PaymentID: p.ID,
			RequestID: r.ID,
			OwnerID:   r.OwnerID,
			Total:     p.OwnerCharge,
			Currency:  p.Currency,
		})
		if err != nil {
			return fmt.Errorf("hold %s: %w", method, err)
		}
		p.SetProcessorRef(ref)
		return tx.PutPayment(p)
	})
	if err != nil {
		return models.Payment{}, err
	}
	l.publish(ctx, events.PaymentCaptured, p)
	return p, nil
}

// Release settles a payment to the driver once its request is completed.
// Releasing a completed payment again returns it unchanged.
func (l *Ledger) Release(ctx context.Context, paymentID string) (p models.Payment, err error) {
	defer func() { l.observe("release", p.Method, err, p.DriverSettlement) }()

	current, err := l.Requests.Store.GetPayment(ctx, paymentID)
	if err != nil {
		return models.Payment{}, err
	}
	released := false
	err = l.Requests.Store.WithinRequest(ctx, current.RequestID, func(tx storage.RequestTx) error {
		var err error
		if p, err = tx.Payment(paymentID); err != nil {
			return err
		}
		switch p.Status {
		case models.PaymentCompleted:
			return nil
		case models.PaymentRefunded:
			return fmt.Errorf("%w: payment %s is refunded", models.ErrInvalidState, p.ID)
		}
		if r := tx.Request(); r.Status != models.StatusCompleted {
			return fmt.Errorf("%w: request %s is %s", models.ErrNotCompleted, r.ID, r.Status)
		}
		if err := p.Complete(l.now()); err != nil {
			return err
		}
		gw, err := l.Rails.For(p.Method)
		if err != nil {
			return err
		}
		if err := gw.Capture(ctx, l.charge(p, p.OwnerCharge)); err != nil {
			return fmt.Errorf("capture %s: %w", p.Method, err)
		}
		released = true
		return tx.PutPayment(p)
	})
	if err != nil {
		return models.Payment{}, err
	}
	if released {
		l.publish(ctx, events.PaymentReleased, p)
	}
	return p, nil
}

// Refund returns the escrowed amount to the owner and cancels the request
// when it is still open. The platform fee is not refunded. Requests that are
// in progress cannot be cancelled, so their payments cannot be refunded.
func (l *Ledger) Refund(ctx context.Context, paymentID string) (p models.Payment, err error) {
	defer func() { l.observe("refund", p.Method, err, p.RefundedAmount) }()

	current, err := l.Requests.Store.GetPayment(ctx, paymentID)
	if err != nil {
		return models.Payment{}, err
	}
	_, err = l.Requests.Update(ctx, current.RequestID, func(tx storage.RequestTx, r *models.Request, at time.Time) error {
		var err error
		if p, err = tx.Payment(paymentID); err != nil {
			return err
		}
		if r.Status == models.StatusInProgress {
			return fmt.Errorf("%w: request %s is in progress", models.ErrInvalidTransition, r.ID)
		}
		if err := l.refund(ctx, tx, &p, at); err != nil {
			return err
		}
		if !r.Status.Terminal() {
			return r.Advance(models.StatusCancelled, models.SystemActor, at)
		}
		return nil
	})
	if err != nil {
		return models.Payment{}, err
	}
	l.publish(ctx, events.PaymentRefunded, p)
	return p, nil
}

// Settle refunds the live payment of a request being cancelled. It runs
// inside the cancellation's critical section.
func (l *Ledger) Settle(ctx context.Context, tx storage.RequestTx, at time.Time) ([]events.Event, error) {
	p, err := tx.LivePayment()
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	err = l.refund(ctx, tx, &p, at)
	l.observe("refund", p.Method, err, p.RefundedAmount)
	if err != nil {
		return nil, err
	}
	return []events.Event{l.event(events.PaymentRefunded, tx.Request(), p)}, nil
}

// refund moves the gateway money for p and stages the refunded payment. A
// pending hold keeps only the fee; captured funds give back the amount.
func (l *Ledger) refund(ctx context.Context, tx storage.RequestTx, p *models.Payment, at time.Time) error {
	prev := p.Status
	if err := p.Refund(at); err != nil {
		return err
	}
	gw, err := l.Rails.For(p.Method)
	if err != nil {
		return err
	}
	switch prev {
	case models.PaymentPending:
		err = gw.Capture(ctx, l.charge(*p, p.Fee))
	case models.PaymentCompleted:
		err = gw.Refund(ctx, l.charge(*p, p.Amount))
	}
	if err != nil {
		return fmt.Errorf("refund %s: %w", p.Method, err)
	}
	return tx.PutPayment(*p)
}

func (l *Ledger) Get(ctx context.Context, paymentID string) (models.Payment, error) {
	return l.Requests.Store.GetPayment(ctx, paymentID)
}

// ForRequest returns the live payment of a request.
func (l *Ledger) ForRequest(ctx context.Context, requestID string) (models.Payment, error) {
	var p models.Payment
	err := l.Requests.Store.WithinRequest(ctx, requestID, func(tx storage.RequestTx) error {
		var err error
		p, err = tx.LivePayment()
		return err
	})
	return p, err
}

func (l *Ledger) charge(p models.Payment, amount int64) payments.Charge {
	return payments.Charge{
		PaymentID: p.ID,
		Ref:       p.ProcessorRef(),
		Held:      p.OwnerCharge,
		Amount:    amount,
		Currency:  p.Currency,
	}
}

func (l *Ledger) currency() string {
	if l.Currency == "" {
		return "sek"
	}
	return strings.ToLower(l.Currency)
}

func (l *Ledger) now() time.Time {
	if l.Requests.Now != nil {
		return l.Requests.Now().UTC()
	}
	return time.Now().UTC()
}

func (l *Ledger) publish(ctx context.Context, typ string, p models.Payment) {
	r, err := l.Requests.Get(ctx, p.RequestID)
	if err != nil {
		return
	}
	l.Requests.Publish(ctx, l.event(typ, r, p))
}

func (l *Ledger) event(typ string, r models.Request, p models.Payment) events.Event {
	return events.Event{Type: typ, RequestID: r.ID, Recipients: r.Parties(), At: l.now(), Data: p}
}

func (l *Ledger) observe(op string, method models.PaymentMethod, err error, amount int64) {
	observability.EscrowOperations.WithLabelValues(op, string(method), observability.Outcome(models.Code(err))).Inc()
	if err == nil && amount > 0 {
		observability.EscrowVolume.WithLabelValues(op).Add(float64(amount))
	}
}
