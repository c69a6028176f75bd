// Package chat is the append-only message channel of a request.
package chat

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/car-relocation/internal/events"
	"github.com/example/car-relocation/internal/models"
	"github.com/example/car-relocation/internal/observability"
	"github.com/example/car-relocation/internal/storage"
)

const maxBodyLen = 4000

type Channel struct {
	Store  storage.Store
	Events events.Publisher // optional
	Logger *slog.Logger
	Now    func() time.Time
}

// Post appends a message to the request's channel.
func (c *Channel) Post(ctx context.Context, requestID, senderID, body string, typ models.MessageType) (models.ChatMessage, error) {
	if strings.TrimSpace(senderID) == "" {
		return models.ChatMessage{}, fmt.Errorf("%w: sender id is required", models.ErrInvalidInput)
	}
	if strings.TrimSpace(body) == "" || len(body) > maxBodyLen {
		return models.ChatMessage{}, fmt.Errorf("%w: message body must be 1..%d bytes", models.ErrInvalidInput, maxBodyLen)
	}
	typ, err := models.ParseMessageType(string(typ))
	if err != nil {
		return models.ChatMessage{}, err
	}
	r, err := c.Store.GetRequest(ctx, requestID)
	if err != nil {
		return models.ChatMessage{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return models.ChatMessage{}, err
	}
	msg := models.ChatMessage{
		ID:        id.String(),
		RequestID: r.ID,
		SenderID:  senderID,
		Body:      body,
		Type:      typ,
		Timestamp: c.now(),
	}
	if err := c.Store.AppendMessage(ctx, msg); err != nil {
		return models.ChatMessage{}, err
	}
	observability.ChatMessages.WithLabelValues(string(typ)).Inc()

	if c.Events != nil {
		recipients := make([]string, 0, 2)
		for _, p := range r.Parties() {
			if p != senderID {
				recipients = append(recipients, p)
			}
		}
		ev := events.Event{Type: events.ChatMessage, RequestID: r.ID, Recipients: recipients, At: msg.Timestamp, Data: msg}
		if err := c.Events.Publish(ctx, ev); err != nil {
			c.logger().Warn("event publish failed", "type", ev.Type, "request_id", ev.RequestID, "message_id", msg.ID, "error", err)
		}
	}
	return msg, nil
}

// History yields the request's messages by timestamp, then id. Each range
// reads a fresh snapshot.
func (c *Channel) History(ctx context.Context, requestID string) iter.Seq2[models.ChatMessage, error] {
	return func(yield func(models.ChatMessage, error) bool) {
		if _, err := c.Store.GetRequest(ctx, requestID); err != nil {
			yield(models.ChatMessage{}, err)
			return
		}
		msgs, err := c.Store.Messages(ctx, requestID)
		if err != nil {
			yield(models.ChatMessage{}, err)
			return
		}
		for _, m := range msgs {
			if !yield(m, nil) {
				return
			}
		}
	}
}

func (c *Channel) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Channel) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}
