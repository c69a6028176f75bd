package storage

import (
	"context"
	"iter"

	"github.com/example/car-relocation/internal/models"
)

// Store persists requests together with the payments, trips, messages and
// reviews that reference them.
type Store interface {
	CreateRequest(ctx context.Context, r models.Request) error
	GetRequest(ctx context.Context, id string) (models.Request, error)
	// Requests yields every request in creation order. Each range over the
	// sequence starts a fresh scan.
	Requests(ctx context.Context) iter.Seq2[models.Request, error]

	// WithinRequest runs fn while holding the lock of requestID. Writes
	// staged on tx become visible together when fn returns nil and are
	// discarded otherwise.
	WithinRequest(ctx context.Context, requestID string, fn func(tx RequestTx) error) error

	GetPayment(ctx context.Context, id string) (models.Payment, error)
	GetTrip(ctx context.Context, id string) (models.Trip, error)

	AppendMessage(ctx context.Context, m models.ChatMessage) error
	Messages(ctx context.Context, requestID string) ([]models.ChatMessage, error)

	ReviewsFor(ctx context.Context, revieweeID string) ([]models.Review, error)

	Ping(ctx context.Context) error
	Close() error
}

// RequestTx is the view of one locked request and its dependents.
type RequestTx interface {
	Request() models.Request
	PutRequest(r models.Request) error

	Payment(id string) (models.Payment, error)
	// LivePayment returns the non-refunded payment, or ErrNotFound.
	LivePayment() (models.Payment, error)
	PutPayment(p models.Payment) error

	Trip(id string) (models.Trip, error)
	// CurrentTrip returns the most recently started trip, or ErrNotFound.
	CurrentTrip() (models.Trip, error)
	// PutTrip persists t. Routes are append-only, so only samples beyond the
	// stored ones are written.
	PutTrip(t models.Trip) error

	Reviews() ([]models.Review, error)
	PutReview(rv models.Review) error
}
