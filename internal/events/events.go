package events

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	RequestCreated      = "request.created"
	RequestAccepted     = "request.accepted"
	RequestCancelled    = "request.cancelled"
	RequestTransitioned = "request.transitioned"
	PaymentCaptured     = "payment.captured"
	PaymentReleased     = "payment.released"
	PaymentRefunded     = "payment.refunded"
	ChatMessage         = "chat.message"
	TripStarted         = "trip.started"
	TripSample          = "trip.sample"
	TripFinished        = "trip.finished"
	TripCancelled       = "trip.cancelled"
	ReviewSubmitted     = "review.submitted"
)

// Event is a lifecycle notification. Recipients are the user ids that should
// receive it on their live sessions; sinks that broadcast ignore them.
type Event struct {
	Type       string    `json:"type"`
	RequestID  string    `json:"request_id"`
	Recipients []string  `json:"recipients,omitempty"`
	At         time.Time `json:"at"`
	Data       any       `json:"data,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Fanout delivers every event to all sinks and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BestEffort logs publish failures instead of returning them, so a broker
// outage never fails the operation that produced the event.
type BestEffort struct {
	Next   Publisher
	Logger *slog.Logger
}

func (b BestEffort) Publish(ctx context.Context, ev Event) error {
	if b.Next == nil {
		return nil
	}
	if err := b.Next.Publish(ctx, ev); err != nil && b.Logger != nil {
		b.Logger.Warn("event publish failed", "type", ev.Type, "request_id", ev.RequestID, "error", err)
	}
	return nil
}
