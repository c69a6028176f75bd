package eta

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/example/car-relocation/internal/geo"
	"github.com/example/car-relocation/internal/models"
)

// Client is a routing engine that knows real driving times.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// Cache remembers routing answers for ttl. Coordinates are keyed at about
// one meter of precision.
type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[routeKey]cached
}

type routeKey struct{ fromLat, fromLon, toLat, toLon int64 }

type cached struct {
	seconds float64
	expires time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, now: time.Now, entries: make(map[routeKey]cached)}
}

func keyOf(from, to models.Coord) routeKey {
	q := func(v float64) int64 { return int64(math.Round(v * 1e5)) }
	return routeKey{q(from.Lat), q(from.Lon), q(to.Lat), q(to.Lon)}
}

func (k routeKey) String() string {
	return fmt.Sprintf("%d,%d;%d,%d", k.fromLat, k.fromLon, k.toLat, k.toLon)
}

func (c *Cache) Get(from, to models.Coord) (float64, bool) {
	k := keyOf(from, to)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok {
		return 0, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, k)
		return 0, false
	}
	return e.seconds, true
}

func (c *Cache) Set(from, to models.Coord, seconds float64) {
	c.mu.Lock()
	c.entries[keyOf(from, to)] = cached{seconds: seconds, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// fallbackSpeedMps is used when no speed is configured.
const fallbackSpeedMps = 8.0

// EstimateSeconds is the straight-line travel time at speedMps.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = fallbackSpeedMps
	}
	return geo.Distance(from, to) / speedMps
}

// Estimator answers ETA questions from the cache, then the routing client,
// then the straight-line estimate. Concurrent lookups of the same pair share
// one routing call.
type Estimator struct {
	Client          Client // optional
	Cache           *Cache // optional
	DefaultSpeedMps float64

	group singleflight.Group
}

func (e *Estimator) Seconds(ctx context.Context, from, to models.Coord) float64 {
	if e.Cache != nil {
		if v, ok := e.Cache.Get(from, to); ok {
			return v
		}
	}
	if e.Client != nil {
		v, err, _ := e.group.Do(keyOf(from, to).String(), func() (any, error) {
			return e.Client.EstimateSeconds(ctx, from, to)
		})
		if err == nil {
			secs := v.(float64)
			if e.Cache != nil {
				e.Cache.Set(from, to, secs)
			}
			return secs
		}
	}
	return EstimateSeconds(from, to, e.DefaultSpeedMps)
}

// Minutes rounds Seconds up to whole minutes, never below one.
func (e *Estimator) Minutes(ctx context.Context, from, to models.Coord) int {
	m := int(math.Ceil(e.Seconds(ctx, from, to) / 60))
	if m < 1 {
		m = 1
	}
	return m
}
