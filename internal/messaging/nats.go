// Package messaging provides a NATS client wrapper for pub/sub messaging
// between the chat server and its background services. The chat server
// publishes an event for every persisted message; the moderator consumes
// them.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/agrilink/chat-app/internal/chat"
)

// NATS subjects used across chat services.
const (
	SubjectMessageCreated = "chat.message.created"
	SubjectModeration     = "moderation.flagged" // + .<message_id>
)

// MessageCreatedEvent is published after the store accepted a message.
type MessageCreatedEvent struct {
	Message chat.Message `json:"message"`
	Server  string       `json:"server"`
}

// FlaggedEvent is published by the moderator for a message that failed
// screening.
type FlaggedEvent struct {
	MessageID string `json:"messageId"`
	SenderID  string `json:"senderId"`
	Reason    string `json:"reason"`
	Term      string `json:"term,omitempty"`
	Strikes   int64  `json:"strikes,omitempty"` // sender's flags in the last 24h
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "agrichat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// QueueSubscribe is Subscribe with a queue group, so that several moderator
// instances share the event stream instead of each seeing every event.
func (c *NATSClient) QueueSubscribe(subject, queue string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.QueueSubscribe(subject, queue, handler)
	if err != nil {
		return fmt.Errorf("nats queue subscribe %s/%s: %w", subject, queue, err)
	}

	c.mu.Lock()
	c.subs[subject+"#"+queue] = sub
	c.mu.Unlock()

	return nil
}

// PublishMessageCreated publishes a message-created event.
func (c *NATSClient) PublishMessageCreated(m chat.Message, server string) error {
	data, err := json.Marshal(MessageCreatedEvent{Message: m, Server: server})
	if err != nil {
		return fmt.Errorf("nats: marshal message event: %w", err)
	}
	return c.Publish(SubjectMessageCreated, data)
}

// SubscribeMessageCreated delivers decoded message-created events to handler.
// An empty queue subscribes every instance to every event.
func (c *NATSClient) SubscribeMessageCreated(queue string, handler func(MessageCreatedEvent)) error {
	cb := func(msg *nats.Msg) {
		var ev MessageCreatedEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("[nats] bad %s payload: %v", msg.Subject, err)
			return
		}
		handler(ev)
	}
	if queue == "" {
		return c.Subscribe(SubjectMessageCreated, cb)
	}
	return c.QueueSubscribe(SubjectMessageCreated, queue, cb)
}

// PublishFlagged publishes a moderation result for one message.
func (c *NATSClient) PublishFlagged(ev FlaggedEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("nats: marshal flagged event: %w", err)
	}
	return c.Publish(SubjectModeration+"."+ev.MessageID, data)
}

// SubscribeFlagged delivers every moderation verdict to handler.
func (c *NATSClient) SubscribeFlagged(handler func(FlaggedEvent)) error {
	return c.Subscribe(SubjectModeration+".*", func(msg *nats.Msg) {
		var ev FlaggedEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("[nats] bad %s payload: %v", msg.Subject, err)
			return
		}
		handler(ev)
	})
}

// Flush waits until the server has processed everything published so far.
func (c *NATSClient) Flush() error {
	return c.conn.Flush()
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
