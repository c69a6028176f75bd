package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/example/car-relocation/internal/chat"
	"github.com/example/car-relocation/internal/escrow"
	"github.com/example/car-relocation/internal/eta"
	"github.com/example/car-relocation/internal/geo"
	"github.com/example/car-relocation/internal/matcher"
	"github.com/example/car-relocation/internal/models"
	"github.com/example/car-relocation/internal/payments"
	"github.com/example/car-relocation/internal/requests"
	"github.com/example/car-relocation/internal/reviews"
	"github.com/example/car-relocation/internal/storage"
	"github.com/example/car-relocation/internal/tracking"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store := storage.NewMemoryStore()
	idx := geo.NewIndex()
	est := &eta.Estimator{DefaultSpeedMps: 10}
	rs := &requests.Service{Store: store, Geo: idx, ETA: est}
	ledger := &escrow.Ledger{
		Requests: rs,
		Rails:    payments.Rails{models.MethodStripe: payments.NewSandbox("pi_"), models.MethodSwish: payments.NewSandbox("sw_")},
		Fees:     escrow.DefaultFee,
		Currency: "sek",
	}
	rs.Settler = ledger
	srv := NewServer(Services{
		Requests: rs,
		Matcher:  &matcher.Service{Requests: rs, Geo: idx, ETA: est, RadiusM: 5000, Limit: 20},
		Ledger:   ledger,
		Chat:     &chat.Channel{Store: store},
		Tracker:  &tracking.Tracker{Requests: rs},
		Reviews:  &reviews.Service{Requests: rs},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, ts *httptest.Server, method, path string, body any, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func createBody(owner string, payment int64) map[string]any {
	return map[string]any{
		"owner_id":         owner,
		"title":            "Move my Volvo",
		"pickup":           map[string]any{"address": "Drottninggatan 1", "coordinates": map[string]float64{"lat": 59.3303, "lon": 18.0586}},
		"dropoff":          map[string]any{"address": "Arlanda T5", "coordinates": map[string]float64{"lat": 59.6498, "lon": 17.9238}},
		"proposed_payment": payment,
	}
}

func TestCreateAndGetRequest(t *testing.T) {
	ts := newTestServer(t)
	var created models.Request
	if code := do(t, ts, http.MethodPost, "/api/v1/requests", createBody("owner", 500), &created); code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", code)
	}
	if created.Status != models.StatusPending || created.EstimatedDuration == nil {
		t.Fatalf("unexpected request %+v", created)
	}
	var got models.Request
	if code := do(t, ts, http.MethodGet, "/api/v1/requests/"+created.ID, nil, &got); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if got.ID != created.ID || got.Pickup.Address != "Drottninggatan 1" {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestErrorsUseStableCodes(t *testing.T) {
	ts := newTestServer(t)
	var e errorBody

	if code := do(t, ts, http.MethodPost, "/api/v1/requests", createBody("owner", 0), &e); code != http.StatusBadRequest || e.Error.Code != "invalid_input" {
		t.Fatalf("expected 400 invalid_input, got %d %+v", code, e)
	}
	missing := createBody("owner", 500)
	delete(missing, "pickup")
	if code := do(t, ts, http.MethodPost, "/api/v1/requests", missing, &e); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing pickup, got %d", code)
	}
	if code := do(t, ts, http.MethodGet, "/api/v1/requests/nope", nil, &e); code != http.StatusNotFound || e.Error.Code != "not_found" {
		t.Fatalf("expected 404 not_found, got %d %+v", code, e)
	}
	if code := do(t, ts, http.MethodGet, "/api/v1/requests?status=parked", nil, &e); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad status, got %d", code)
	}
}

func TestRelocationFlow(t *testing.T) {
	ts := newTestServer(t)
	var req models.Request
	do(t, ts, http.MethodPost, "/api/v1/requests", createBody("owner", 500), &req)
	base := "/api/v1/requests/" + req.ID

	var e errorBody
	if code := do(t, ts, http.MethodPost, base+"/payment", map[string]any{"amount": 500, "method": "stripe"}, &e); code != http.StatusPreconditionFailed || e.Error.Code != "not_accepted" {
		t.Fatalf("expected 412 not_accepted, got %d %+v", code, e)
	}

	if code := do(t, ts, http.MethodPost, base+"/accept", map[string]string{"driver_id": "driver"}, &req); code != http.StatusOK {
		t.Fatalf("accept: expected 200, got %d", code)
	}
	if code := do(t, ts, http.MethodPost, base+"/accept", map[string]string{"driver_id": "late"}, &e); code != http.StatusConflict || e.Error.Code != "already_accepted" {
		t.Fatalf("expected 409 already_accepted, got %d %+v", code, e)
	}

	var p models.Payment
	if code := do(t, ts, http.MethodPost, base+"/payment", map[string]any{"amount": 500, "method": "stripe"}, &p); code != http.StatusCreated {
		t.Fatalf("capture: expected 201, got %d", code)
	}
	if p.OwnerCharge != 525 || p.DriverSettlement != 500 {
		t.Fatalf("unexpected payment %+v", p)
	}
	if code := do(t, ts, http.MethodPost, base+"/payment", map[string]any{"amount": 500, "method": "swish"}, &e); code != http.StatusConflict || e.Error.Code != "already_captured" {
		t.Fatalf("expected 409 already_captured, got %d %+v", code, e)
	}

	var trip models.Trip
	if code := do(t, ts, http.MethodPost, base+"/trip", map[string]string{"driver_id": "driver"}, &trip); code != http.StatusCreated {
		t.Fatalf("start: expected 201, got %d", code)
	}
	tripPath := "/api/v1/trips/" + trip.ID
	if code := do(t, ts, http.MethodPost, tripPath+"/samples", map[string]any{"lat": 59.34, "lon": 18.05, "timestamp": "2030-01-01T10:00:00Z"}, nil); code != http.StatusNoContent {
		t.Fatalf("sample: expected 204, got %d", code)
	}
	if code := do(t, ts, http.MethodPost, tripPath+"/samples", map[string]any{"lat": 59.35, "lon": 18.04, "timestamp": "2030-01-01T09:59:00Z"}, &e); code != http.StatusUnprocessableEntity || e.Error.Code != "out_of_order_sample" {
		t.Fatalf("expected 422 out_of_order_sample, got %d %+v", code, e)
	}
	if code := do(t, ts, http.MethodPost, "/api/v1/payments/"+p.ID+"/refund", nil, &e); code != http.StatusConflict || e.Error.Code != "invalid_transition" {
		t.Fatalf("refund in progress: expected 409 invalid_transition, got %d %+v", code, e)
	}
	if code := do(t, ts, http.MethodPost, tripPath+"/finish", map[string]int{"actual_duration_min": 48}, &trip); code != http.StatusOK {
		t.Fatalf("finish: expected 200, got %d", code)
	}

	if code := do(t, ts, http.MethodPost, "/api/v1/payments/"+p.ID+"/release", nil, &p); code != http.StatusOK || p.Status != models.PaymentCompleted {
		t.Fatalf("release: expected 200 completed, got %d %+v", code, p)
	}
	if code := do(t, ts, http.MethodPost, "/api/v1/payments/"+p.ID+"/release", nil, &p); code != http.StatusOK || p.Status != models.PaymentCompleted {
		t.Fatalf("second release: expected 200 completed, got %d %+v", code, p)
	}

	var live models.Payment
	if code := do(t, ts, http.MethodGet, base+"/payment", nil, &live); code != http.StatusOK || live.ID != p.ID {
		t.Fatalf("live payment: expected %s, got %d %+v", p.ID, code, live)
	}
	var cur models.Trip
	if code := do(t, ts, http.MethodGet, base+"/trip", nil, &cur); code != http.StatusOK || cur.Status != models.TripCompleted {
		t.Fatalf("trip for request: expected completed, got %d %+v", code, cur)
	}

	do(t, ts, http.MethodGet, base, nil, &req)
	if req.Status != models.StatusCompleted || req.ActualDuration == nil || *req.ActualDuration != 48 {
		t.Fatalf("unexpected request %+v", req)
	}

	var rv models.Review
	if code := do(t, ts, http.MethodPost, base+"/reviews", map[string]any{"reviewer_id": "owner", "rating": 5}, &rv); code != http.StatusCreated {
		t.Fatalf("review: expected 201, got %d", code)
	}
	var sum reviews.Summary
	if code := do(t, ts, http.MethodGet, "/api/v1/users/driver/reviews", nil, &sum); code != http.StatusOK || sum.Average != 5 {
		t.Fatalf("expected average 5, got %d %+v", code, sum)
	}
}

func TestMessagesAndNearby(t *testing.T) {
	ts := newTestServer(t)
	var req models.Request
	do(t, ts, http.MethodPost, "/api/v1/requests", createBody("owner", 700), &req)

	for _, m := range []string{"Hi, is the car still available?", "Yes"} {
		if code := do(t, ts, http.MethodPost, "/api/v1/requests/"+req.ID+"/messages", map[string]string{"sender_id": "driver", "message": m}, nil); code != http.StatusCreated {
			t.Fatalf("post: expected 201, got %d", code)
		}
	}
	var history listResponse[models.ChatMessage]
	if code := do(t, ts, http.MethodGet, "/api/v1/requests/"+req.ID+"/messages", nil, &history); code != http.StatusOK || history.Count != 2 {
		t.Fatalf("expected 2 messages, got %d %+v", code, history)
	}
	if history.Items[0].Type != models.MessageText {
		t.Fatalf("expected default text type, got %s", history.Items[0].Type)
	}

	var nearby struct {
		Items []matcher.Candidate `json:"items"`
		Count int                 `json:"count"`
	}
	if code := do(t, ts, http.MethodGet, "/api/v1/requests/nearby?lat=59.331&lon=18.059", nil, &nearby); code != http.StatusOK || nearby.Count != 1 {
		t.Fatalf("expected 1 nearby request, got %d %+v", code, nearby)
	}
	if nearby.Items[0].Request.ID != req.ID {
		t.Fatalf("unexpected candidate %+v", nearby.Items[0])
	}

	var owned listResponse[models.Request]
	if code := do(t, ts, http.MethodGet, "/api/v1/owners/owner/requests?view=pending", nil, &owned); code != http.StatusOK || owned.Count != 1 {
		t.Fatalf("expected 1 owned request, got %d %+v", code, owned)
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("expected request id header")
	}
}
