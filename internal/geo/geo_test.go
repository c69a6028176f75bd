package geo

import (
	"context"
	"math"
	"testing"

	"github.com/example/car-relocation/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineStockholmArlanda(t *testing.T) {
	// Central Station to Arlanda is roughly 37 km as the crow flies.
	d := Distance(models.Coord{Lat: 59.3303, Lon: 18.0586}, models.Coord{Lat: 59.6498, Lon: 17.9238})
	if math.Abs(d-36500) > 1500 {
		t.Fatalf("unexpected distance %f", d)
	}
}

func TestIndexNearbyFiltersByRadiusAndSorts(t *testing.T) {
	ctx := context.Background()
	g := NewIndex()
	center := models.Coord{Lat: 59.3303, Lon: 18.0586}
	_ = g.Upsert(ctx, "far", models.Coord{Lat: 59.6498, Lon: 17.9238})
	_ = g.Upsert(ctx, "near", models.Coord{Lat: 59.3310, Lon: 18.0590})
	_ = g.Upsert(ctx, "mid", models.Coord{Lat: 59.3400, Lon: 18.0700})

	hits, err := g.Nearby(ctx, center, 5000, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits within 5km, got %d", len(hits))
	}
	if hits[0].ID != "near" || hits[1].ID != "mid" {
		t.Fatalf("unexpected order %v", hits)
	}

	_ = g.Remove(ctx, "near")
	hits, _ = g.Nearby(ctx, center, 5000, 1)
	if len(hits) != 1 || hits[0].ID != "mid" {
		t.Fatalf("unexpected hits after remove %v", hits)
	}
}
