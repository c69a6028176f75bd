package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/car-relocation/internal/events"
)

// PushDispatcher forwards events to a push provider endpoint for recipients
// that have no live websocket session.
type PushDispatcher struct {
	Endpoint string // e.g. provider HTTP endpoint
	Client   *http.Client
	WS       *WSRegistry // optional; connected users are skipped
}

func NewPushDispatcher(endpoint string, ws *WSRegistry) *PushDispatcher {
	return &PushDispatcher{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}, WS: ws}
}

type pushPayload struct {
	Recipients []string     `json:"recipients"`
	Event      events.Event `json:"event"`
}

func (p *PushDispatcher) Publish(ctx context.Context, ev events.Event) error {
	offline := make([]string, 0, len(ev.Recipients))
	for _, id := range ev.Recipients {
		if p.WS != nil && p.WS.Connected(id) {
			continue
		}
		offline = append(offline, id)
	}
	if len(offline) == 0 {
		return nil
	}
	b, err := json.Marshal(pushPayload{Recipients: offline, Event: ev})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", ev.Type)
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push %s: unexpected status %d", ev.Type, resp.StatusCode)
	}
	return nil
}
