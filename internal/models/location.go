package models

import (
	"strings"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether c is a real point on the globe.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type Location struct {
	Address string `json:"address"`
	Coord   Coord  `json:"coordinates"`
}

// Present is false for the zero location or one with a blank address or an
// impossible coordinate.
func (l Location) Present() bool {
	return strings.TrimSpace(l.Address) != "" && l.Coord.Valid()
}

// TripPosition is the payload published for every accepted route sample.
type TripPosition struct {
	TripID    string `json:"trip_id"`
	RequestID string `json:"request_id"`
	DriverID  string `json:"driver_id"`
	Coord     Coord  `json:"coord"`
	At        int64  `json:"at_unix_ms"`
}
