// Package relay forwards ephemeral chat events from a sender's connection to
// the receiver's connection as found in the presence registry. Delivery is
// best effort: events for offline receivers are dropped, never queued.
package relay

import (
	"fmt"
	"log"

	"github.com/agrilink/chat-app/internal/chat"
	"github.com/agrilink/chat-app/internal/metrics"
	"github.com/agrilink/chat-app/internal/presence"
	"github.com/agrilink/chat-app/internal/protocol"
)

// Kind is the relay event kind.
type Kind string

const (
	KindMessage     Kind = "message"
	KindTypingStart Kind = "typing-start"
	KindTypingStop  Kind = "typing-stop"
)

// Outcome reports what happened to a relayed event. Only Delivered means the
// frame reached the receiver's connection; every other outcome is a silent
// drop from the sender's point of view.
type Outcome string

const (
	Delivered          Outcome = "delivered"
	DroppedOffline     Outcome = "offline"
	DroppedSelf        Outcome = "self"
	DroppedWriteFailed Outcome = "write_failed"
)

// Event is one relay request. For KindMessage, Message carries the text or
// the stored media path; raw media bytes never travel through the relay.
type Event struct {
	Kind        Kind
	SenderID    string
	ReceiverID  string
	Message     string
	MessageType chat.MessageType
	ContentType string
}

// Relay routes events using a presence registry.
type Relay struct {
	registry *presence.Registry
}

// New creates a Relay bound to registry.
func New(registry *presence.Registry) *Relay {
	return &Relay{registry: registry}
}

// Relay delivers ev to the receiver's connection. from is the connection the
// event arrived on; the relay never writes back to it.
func (r *Relay) Relay(from presence.Handle, ev Event) Outcome {
	outcome := r.deliver(from, ev)
	metrics.RelayEvents.WithLabelValues(string(ev.Kind), string(outcome)).Inc()
	return outcome
}

func (r *Relay) deliver(from presence.Handle, ev Event) Outcome {
	if ev.ReceiverID == ev.SenderID {
		return DroppedSelf
	}

	h, ok := r.registry.Lookup(ev.ReceiverID)
	if !ok {
		if ev.Kind == KindMessage {
			log.Printf("[relay] receiver %s offline, dropping message from %s", ev.ReceiverID, ev.SenderID)
		}
		return DroppedOffline
	}
	if from != nil && h == from {
		return DroppedSelf
	}

	frame, err := Frame(ev)
	if err != nil {
		log.Printf("[relay] encode %s from %s: %v", ev.Kind, ev.SenderID, err)
		return DroppedWriteFailed
	}
	if err := h.Send(frame); err != nil {
		log.Printf("[relay] write %s to %s failed: %v", ev.Kind, ev.ReceiverID, err)
		return DroppedWriteFailed
	}
	return Delivered
}

// Frame encodes ev as the server -> client frame the receiver expects.
func Frame(ev Event) ([]byte, error) {
	switch ev.Kind {
	case KindMessage:
		return protocol.NewServerMessage(protocol.TypeReceiveMessage, protocol.ReceiveMessageMsg{
			SenderID:    ev.SenderID,
			Message:     ev.Message,
			MessageType: string(ev.MessageType),
			ContentType: ev.ContentType,
		})
	case KindTypingStart:
		return protocol.NewServerMessage(protocol.TypeUserTyping, protocol.TypingEventMsg{
			SenderID:   ev.SenderID,
			ReceiverID: ev.ReceiverID,
		})
	case KindTypingStop:
		return protocol.NewServerMessage(protocol.TypeUserStoppedTyping, protocol.TypingEventMsg{
			SenderID:   ev.SenderID,
			ReceiverID: ev.ReceiverID,
		})
	}
	return nil, fmt.Errorf("relay: unknown event kind %q", ev.Kind)
}
