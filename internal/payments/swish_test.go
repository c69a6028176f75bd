package payments

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type swishCall struct {
	path string
	body map[string]any
}

func newSwishServer(t *testing.T, status int) (*httptest.Server, *[]swishCall) {
	t.Helper()
	var mu sync.Mutex
	calls := []swishCall{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", r.Method)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		calls = append(calls, swishCall{path: r.URL.Path, body: body})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestSwishHoldSendsPaymentRequest(t *testing.T) {
	srv, calls := newSwishServer(t, http.StatusCreated)
	g := NewSwishGateway(srv.URL+"/", "1231181189", srv.Client())

	ref, err := g.Hold(context.Background(), HoldRequest{PaymentID: "p1", RequestID: "r1", Total: 525, Currency: "sek"})
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	if len(ref) != 32 || strings.ToUpper(ref) != ref {
		t.Fatalf("unexpected instruction id %q", ref)
	}
	if len(*calls) != 1 {
		t.Fatalf("expected one call, got %d", len(*calls))
	}
	c := (*calls)[0]
	if c.path != "/api/v2/paymentrequests/"+ref {
		t.Fatalf("unexpected path %s", c.path)
	}
	if c.body["amount"] != "525.00" || c.body["currency"] != "SEK" || c.body["payeePaymentReference"] != "p1" {
		t.Fatalf("unexpected body %v", c.body)
	}
}

func TestSwishCaptureRefundsRemainder(t *testing.T) {
	srv, calls := newSwishServer(t, http.StatusCreated)
	g := NewSwishGateway(srv.URL, "1231181189", srv.Client())

	if err := g.Capture(context.Background(), Charge{PaymentID: "p1", Ref: "ABC", Held: 525, Amount: 525, Currency: "sek"}); err != nil {
		t.Fatalf("full capture: %v", err)
	}
	if len(*calls) != 0 {
		t.Fatalf("full capture should not call swish, got %d calls", len(*calls))
	}
	if err := g.Capture(context.Background(), Charge{PaymentID: "p1", Ref: "ABC", Held: 525, Amount: 25, Currency: "sek"}); err != nil {
		t.Fatalf("partial capture: %v", err)
	}
	if len(*calls) != 1 || (*calls)[0].body["amount"] != "500.00" || (*calls)[0].body["originalPaymentReference"] != "ABC" {
		t.Fatalf("expected refund of 500, got %v", *calls)
	}
}

func TestSwishErrorStatus(t *testing.T) {
	srv, _ := newSwishServer(t, http.StatusUnprocessableEntity)
	g := NewSwishGateway(srv.URL, "1231181189", srv.Client())
	if _, err := g.Hold(context.Background(), HoldRequest{PaymentID: "p1", Total: 10, Currency: "sek"}); err == nil {
		t.Fatal("expected error on 422")
	}
}

func TestSandboxRefundLimitedToCaptured(t *testing.T) {
	s := NewSandbox("sb_")
	ctx := context.Background()
	ref, err := s.Hold(ctx, HoldRequest{Total: 105})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Capture(ctx, Charge{Ref: ref, Held: 105, Amount: 105}); err != nil {
		t.Fatal(err)
	}
	if err := s.Refund(ctx, Charge{Ref: ref, Amount: 100}); err != nil {
		t.Fatal(err)
	}
	if err := s.Refund(ctx, Charge{Ref: ref, Amount: 10}); err == nil {
		t.Fatal("expected refund beyond captured funds to fail")
	}
	captured, refunded := s.Captured(ref)
	if captured != 105 || refunded != 100 {
		t.Fatalf("captured=%d refunded=%d", captured, refunded)
	}
}
