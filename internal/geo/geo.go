package geo

import (
	"cmp"
	"context"
	"math"
	"slices"
	"sync"

	"github.com/example/car-relocation/internal/models"
)

// Hit is an indexed point found by a radius search.
type Hit struct {
	ID        string
	Coord     models.Coord
	DistanceM float64
}

// Geo indexes the pickup points of open requests.
type Geo interface {
	Upsert(ctx context.Context, id string, c models.Coord) error
	Remove(ctx context.Context, id string) error
	// Nearby returns at most limit points within radiusM meters, closest
	// first.
	Nearby(ctx context.Context, c models.Coord, radiusM float64, limit int) ([]Hit, error)
}

type Index struct {
	mu     sync.RWMutex
	points map[string]models.Coord
}

func NewIndex() *Index {
	return &Index{points: make(map[string]models.Coord)}
}

func (g *Index) Upsert(ctx context.Context, id string, c models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.points[id] = c
	return nil
}

func (g *Index) Remove(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.points, id)
	return nil
}

// Nearby scans every point. Open requests of one city fit comfortably.
func (g *Index) Nearby(ctx context.Context, c models.Coord, radiusM float64, limit int) ([]Hit, error) {
	g.mu.RLock()
	hits := make([]Hit, 0, len(g.points))
	for id, p := range g.points {
		if d := Distance(c, p); d <= radiusM {
			hits = append(hits, Hit{ID: id, Coord: p, DistanceM: d})
		}
	}
	g.mu.RUnlock()

	slices.SortFunc(hits, func(a, b Hit) int {
		if n := cmp.Compare(a.DistanceM, b.DistanceM); n != 0 {
			return n
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

const earthRadiusM = 6371008.8

// Haversine returns the great-circle distance in meters between two points
// given in degrees.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	p1, p2 := radians(lat1), radians(lat2)
	dLat, dLon := radians(lat2-lat1), radians(lon2-lon1)
	h := hav(dLat) + math.Cos(p1)*math.Cos(p2)*hav(dLon)
	return 2 * earthRadiusM * math.Asin(math.Sqrt(min(h, 1)))
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

func hav(rad float64) float64 {
	s := math.Sin(rad / 2)
	return s * s
}

func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}
