package httpapi

import (
	"time"

	"github.com/example/car-relocation/internal/models"
	"github.com/example/car-relocation/internal/requests"
)

type coordBody struct {
	Lat *float64 `json:"lat" validate:"required,gte=-90,lte=90"`
	Lon *float64 `json:"lon" validate:"required,gte=-180,lte=180"`
}

func (c coordBody) coord() models.Coord { return models.Coord{Lat: *c.Lat, Lon: *c.Lon} }

type locationBody struct {
	Address     string    `json:"address" validate:"required,max=300"`
	Coordinates coordBody `json:"coordinates"`
}

func (l locationBody) location() models.Location {
	return models.Location{Address: l.Address, Coord: l.Coordinates.coord()}
}

type createRequestBody struct {
	OwnerID           string        `json:"owner_id" validate:"required"`
	Title             string        `json:"title" validate:"max=120"`
	Description       string        `json:"description" validate:"max=2000"`
	Pickup            *locationBody `json:"pickup" validate:"required"`
	Dropoff           *locationBody `json:"dropoff" validate:"required"`
	ProposedPayment   int64         `json:"proposed_payment" validate:"gt=0,lte=1000000000000"`
	ScheduledAt       *time.Time    `json:"scheduled_at"`
	EstimatedDuration *int          `json:"estimated_duration_min" validate:"omitempty,gt=0"`
}

func (b createRequestBody) toNew() requests.NewRequest {
	return requests.NewRequest{
		OwnerID:           b.OwnerID,
		Title:             b.Title,
		Description:       b.Description,
		Pickup:            b.Pickup.location(),
		Dropoff:           b.Dropoff.location(),
		ProposedPayment:   b.ProposedPayment,
		ScheduledAt:       b.ScheduledAt,
		EstimatedDuration: b.EstimatedDuration,
	}
}

type transitionBody struct {
	Status string `json:"status" validate:"required,oneof=pending accepted in_progress completed cancelled"`
	Actor  string `json:"actor" validate:"required"`
}

type acceptBody struct {
	DriverID string `json:"driver_id" validate:"required"`
}

type actorBody struct {
	Actor string `json:"actor" validate:"required"`
}

type captureBody struct {
	Amount int64  `json:"amount" validate:"gt=0,lte=1000000000000"`
	Method string `json:"method" validate:"required,oneof=stripe swish"`
}

type messageBody struct {
	SenderID string `json:"sender_id" validate:"required"`
	Message  string `json:"message" validate:"required,max=4000"`
	Type     string `json:"type" validate:"omitempty,oneof=text image location"`
}

type startTripBody struct {
	DriverID string `json:"driver_id" validate:"required"`
}

type sampleBody struct {
	Lat       *float64   `json:"lat" validate:"required,gte=-90,lte=90"`
	Lon       *float64   `json:"lon" validate:"required,gte=-180,lte=180"`
	Timestamp *time.Time `json:"timestamp"`
}

type finishBody struct {
	ActualDurationMin int `json:"actual_duration_min" validate:"gte=0"`
}

type reviewBody struct {
	ReviewerID string `json:"reviewer_id" validate:"required"`
	Rating     int    `json:"rating" validate:"required,min=1,max=5"`
	Comment    string `json:"comment" validate:"max=1000"`
}

type listResponse[T any] struct {
	Items  []T `json:"items"`
	Count  int `json:"count"`
	Offset int `json:"offset"`
}
