// Package store persists chat messages and answers pair-history queries.
//
// Two implementations share the same validation and id/timestamp issuing:
// MemoryStore for tests and single-node development, PostgresStore for
// production.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/agrilink/chat-app/internal/chat"
	"github.com/agrilink/chat-app/internal/metrics"
)

// Store is the message persistence contract.
type Store interface {
	// Create validates and persists a message, issuing its id and timestamp.
	Create(ctx context.Context, nm NewMessage) (chat.Message, error)

	// Query returns every message exchanged between a and b, in either
	// direction, ascending by timestamp with ties in insertion order.
	// Query(a, b) and Query(b, a) return the same sequence.
	Query(ctx context.Context, a, b chat.UserID) ([]chat.Message, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// NewMessage is a create request. Type is the raw wire value; an empty type
// means text.
type NewMessage struct {
	SenderID   chat.UserID
	ReceiverID chat.UserID
	Type       string
	Content    chat.Content
}

// prepare validates nm and builds the message to persist.
func prepare(nm NewMessage) (chat.Message, error) {
	if err := chat.ValidateUserID("senderId", nm.SenderID); err != nil {
		return chat.Message{}, err
	}
	if err := chat.ValidateUserID("receiverId", nm.ReceiverID); err != nil {
		return chat.Message{}, err
	}
	t, err := chat.ParseMessageType(nm.Type)
	if err != nil {
		return chat.Message{}, err
	}
	if err := chat.ValidateContent(t, nm.Content); err != nil {
		return chat.Message{}, err
	}

	return chat.Message{
		ID:         uuid.New().String(),
		SenderID:   nm.SenderID,
		ReceiverID: nm.ReceiverID,
		Type:       t,
		Content:    nm.Content,
		Timestamp:  issueTimestamp(),
	}, nil
}

// issueTimestamp returns the current UTC time at microsecond precision (what
// PostgreSQL stores), rounded up so it is never earlier than the call.
func issueTimestamp() time.Time {
	now := time.Now()
	ts := now.Truncate(time.Microsecond)
	if ts.Before(now) {
		ts = ts.Add(time.Microsecond)
	}
	return ts.UTC()
}

func validatePair(a, b chat.UserID) error {
	if err := chat.ValidateUserID("senderId", a); err != nil {
		return err
	}
	return chat.ValidateUserID("receiverId", b)
}

func recordCreated(m chat.Message) {
	metrics.MessagesCreated.WithLabelValues(string(m.Type)).Inc()
}
