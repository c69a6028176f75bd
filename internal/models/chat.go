package models

import (
	"cmp"
	"fmt"
	"slices"
	"time"
)

type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageLocation MessageType = "location"
)

func ParseMessageType(s string) (MessageType, error) {
	if s == "" {
		return MessageText, nil
	}
	t := MessageType(s)
	switch t {
	case MessageText, MessageImage, MessageLocation:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown message type %q", ErrInvalidInput, s)
}

// ChatMessage is immutable once appended to a request's channel.
type ChatMessage struct {
	ID        string      `json:"id"`
	RequestID string      `json:"request_id"`
	SenderID  string      `json:"sender_id"`
	Body      string      `json:"message"`
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// CompareMessages orders by timestamp, then id.
func CompareMessages(a, b ChatMessage) int {
	if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func SortMessages(msgs []ChatMessage) {
	slices.SortStableFunc(msgs, CompareMessages)
}
