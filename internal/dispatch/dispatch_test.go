package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/car-relocation/internal/events"
)

func TestPushDispatcherSkipsConnectedAndPostsOthers(t *testing.T) {
	var got pushPayload
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get("X-Event-Type") != events.ChatMessage {
			t.Errorf("missing event type header")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := NewPushDispatcher(srv.URL, nil)
	ev := events.Event{Type: events.ChatMessage, RequestID: "r1", Recipients: []string{"u1", "u2"}, At: time.Now()}
	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	if len(got.Recipients) != 2 || got.Event.RequestID != "r1" {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestPushDispatcherNoRecipients(t *testing.T) {
	p := NewPushDispatcher("http://127.0.0.1:0", nil)
	if err := p.Publish(context.Background(), events.Event{Type: events.RequestCreated}); err != nil {
		t.Fatalf("expected no call, got %v", err)
	}
}

func TestWSRegistryDeliversToRecipient(t *testing.T) {
	reg := NewWSRegistry(nil)
	upgrader := websocket.Upgrader{}
	ready := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		reg.Add("driver-1", conn)
		close(ready)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	<-ready

	ev := events.Event{Type: events.RequestAccepted, RequestID: "r1", Recipients: []string{"owner-1", "driver-1"}}
	if err := reg.Publish(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got events.Event
	if err := client.ReadJSON(&got); err != nil {
		t.Fatal(err)
	}
	if got.Type != events.RequestAccepted || got.RequestID != "r1" {
		t.Fatalf("unexpected event %+v", got)
	}
	if err := reg.Send("owner-1", ev); err != ErrNoSession {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}
