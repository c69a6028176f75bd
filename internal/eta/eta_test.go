package eta

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/car-relocation/internal/models"
)

type fakeClient struct {
	secs  float64
	err   error
	calls atomic.Int32
}

func (f *fakeClient) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	f.calls.Add(1)
	return f.secs, f.err
}

var (
	central = models.Coord{Lat: 59.3303, Lon: 18.0586}
	arlanda = models.Coord{Lat: 59.6498, Lon: 17.9238}
)

func TestEstimatorUsesCacheBeforeClient(t *testing.T) {
	c := &fakeClient{secs: 2400}
	e := &Estimator{Client: c, Cache: NewCache(time.Minute), DefaultSpeedMps: 10}
	ctx := context.Background()

	if got := e.Seconds(ctx, central, arlanda); got != 2400 {
		t.Fatalf("expected 2400, got %f", got)
	}
	if got := e.Seconds(ctx, central, arlanda); got != 2400 {
		t.Fatalf("expected cached 2400, got %f", got)
	}
	if n := c.calls.Load(); n != 1 {
		t.Fatalf("expected 1 client call, got %d", n)
	}
	if got := e.Minutes(ctx, central, arlanda); got != 40 {
		t.Fatalf("expected 40 minutes, got %d", got)
	}
}

func TestEstimatorFallsBackOnClientError(t *testing.T) {
	e := &Estimator{Client: &fakeClient{err: errors.New("down")}, DefaultSpeedMps: 10}
	got := e.Seconds(context.Background(), central, arlanda)
	want := EstimateSeconds(central, arlanda, 10)
	if got != want {
		t.Fatalf("expected fallback %f, got %f", want, got)
	}
}

func TestCacheExpires(t *testing.T) {
	c := NewCache(time.Second)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }
	c.Set(central, arlanda, 5)
	if _, ok := c.Get(central, arlanda); !ok {
		t.Fatal("expected hit")
	}
	now = now.Add(2 * time.Second)
	if _, ok := c.Get(central, arlanda); ok {
		t.Fatal("expected expiry")
	}
}

func TestOSRMClientParsesDuration(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"duration":1834.5,"distance":38000}]}`))
	}))
	defer srv.Close()
	o := NewOSRMClient(srv.URL)
	got, err := o.EstimateSeconds(context.Background(), central, arlanda)
	if err != nil {
		t.Fatal(err)
	}
	if got != 1834.5 {
		t.Fatalf("expected 1834.5, got %f", got)
	}
	if !strings.HasPrefix(path, "/route/v1/driving/") || !strings.Contains(path, ";") {
		t.Fatalf("unexpected route path %s", path)
	}
}

func TestOSRMClientNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"NoRoute","message":"Impossible route"}`))
	}))
	defer srv.Close()
	if _, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), central, arlanda); err == nil {
		t.Fatal("expected error for NoRoute")
	}
}
