package models

import (
	"fmt"
	"time"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// PaymentMethod selects the payment rail. Each rail stores its own processor
// reference on the Payment.
type PaymentMethod string

const (
	MethodStripe PaymentMethod = "stripe"
	MethodSwish  PaymentMethod = "swish"
)

func ParsePaymentMethod(s string) (PaymentMethod, error) {
	m := PaymentMethod(s)
	switch m {
	case MethodStripe, MethodSwish:
		return m, nil
	}
	return "", fmt.Errorf("%w: unknown payment method %q", ErrInvalidInput, s)
}

// MaxAmount bounds proposed payments and escrowed amounts in whole currency
// units. Fee arithmetic in basis points and conversion to minor units stay
// well inside int64 below it.
const MaxAmount int64 = 1_000_000_000_000

// ValidAmount reports whether v is a positive amount no larger than
// MaxAmount.
func ValidAmount(v int64) bool { return v > 0 && v <= MaxAmount }

// Payment is the escrow record of a request. Amounts are whole units of
// Currency.
type Payment struct {
	ID                    string        `json:"id"`
	RequestID             string        `json:"request_id"`
	Amount                int64         `json:"amount"`
	Fee                   int64         `json:"platform_fee"`
	OwnerCharge           int64         `json:"owner_charge"`
	DriverSettlement      int64         `json:"driver_settlement"`
	RefundedAmount        int64         `json:"refunded_amount,omitempty"`
	Currency              string        `json:"currency"`
	Method                PaymentMethod `json:"method"`
	Status                PaymentStatus `json:"status"`
	StripePaymentIntentID string        `json:"stripe_payment_intent_id,omitempty"`
	SwishTransactionID    string        `json:"swish_transaction_id,omitempty"`
	CreatedAt             time.Time     `json:"created_at"`
	CompletedAt           *time.Time    `json:"completed_at,omitempty"`
	RefundedAt            *time.Time    `json:"refunded_at,omitempty"`
}

// Live is true until the payment is refunded. A request has at most one live
// payment.
func (p Payment) Live() bool { return p.Status != PaymentRefunded }

// ProcessorRef returns the reference of whichever rail carried the payment.
func (p Payment) ProcessorRef() string {
	if p.Method == MethodSwish {
		return p.SwishTransactionID
	}
	return p.StripePaymentIntentID
}

// SetProcessorRef stores ref in the field of the payment's rail and clears
// the other one.
func (p *Payment) SetProcessorRef(ref string) {
	p.StripePaymentIntentID, p.SwishTransactionID = "", ""
	if p.Method == MethodSwish {
		p.SwishTransactionID = ref
		return
	}
	p.StripePaymentIntentID = ref
}

func (p *Payment) Complete(at time.Time) error {
	if p.Status != PaymentPending {
		return fmt.Errorf("%w: payment %s is %s", ErrInvalidState, p.ID, p.Status)
	}
	p.Status = PaymentCompleted
	p.CompletedAt = &at
	return nil
}

// Refund returns the escrowed amount to the owner. The platform fee is kept.
func (p *Payment) Refund(at time.Time) error {
	if p.Status != PaymentPending && p.Status != PaymentCompleted {
		return fmt.Errorf("%w: payment %s is %s", ErrInvalidState, p.ID, p.Status)
	}
	p.Status = PaymentRefunded
	p.RefundedAmount = p.Amount
	p.RefundedAt = &at
	return nil
}
