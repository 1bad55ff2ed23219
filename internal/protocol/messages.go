// Package protocol defines the WebSocket message types and structures used for
// communication between the chat client and the relay server. All messages
// are serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoin        = "join"
	TypeSendMessage = "sendMessage"
	TypeTyping      = "typing"
	TypeStopTyping  = "stopTyping"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeConnected         = "connected"
	TypeJoined            = "joined"
	TypeReceiveMessage    = "receiveMessage"
	TypeUserTyping        = "userTyping"
	TypeUserStoppedTyping = "userStoppedTyping"
	TypeRateLimited       = "rate_limited"
	TypeError             = "error"
	TypePong              = "pong"
)

// ---------------------------------------------------------------------------
// Envelope: first-pass decode that extracts the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinMsg registers the connection as the live handle for a user identity.
type JoinMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	Role   string `json:"role,omitempty"`
}

// SendMessageMsg asks the server to relay a message that has already been
// persisted. Message is the text itself or the stored media path.
type SendMessageMsg struct {
	Type        string `json:"type"`
	SenderID    string `json:"senderId"`
	ReceiverID  string `json:"receiverId"`
	Message     string `json:"message"`
	MessageType string `json:"messageType"`
	ContentType string `json:"contentType,omitempty"`
}

// TypingMsg is sent for both typing and stopTyping; the envelope type tells
// them apart.
type TypingMsg struct {
	Type       string `json:"type"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg is sent by the server when a new connection is established.
type ConnectedMsg struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
}

// JoinedMsg confirms a join.
type JoinedMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// ReceiveMessageMsg is a message relayed from the peer.
type ReceiveMessageMsg struct {
	Type        string `json:"type"`
	SenderID    string `json:"senderId"`
	Message     string `json:"message"`
	MessageType string `json:"messageType"`
	ContentType string `json:"contentType,omitempty"`
}

// TypingEventMsg relays the peer's typing state; used for both userTyping and
// userStoppedTyping.
type TypingEventMsg struct {
	Type       string `json:"type"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retryAfter"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoin:
		var m JoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping, TypeStopTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// ParseServerMessage is the client-side counterpart of ParseClientMessage.
func ParseServerMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeConnected:
		var m ConnectedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoined:
		var m JoinedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReceiveMessage:
		var m ReceiveMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUserTyping, TypeUserStoppedTyping:
		var m TypingEventMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRateLimited:
		var m RateLimitedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeError:
		var m ErrorMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePong:
		var m PongMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown server message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	return encode(msgType, payload)
}

// NewClientMessage creates a JSON-encoded byte slice for a client message.
func NewClientMessage(msgType string, payload interface{}) ([]byte, error) {
	return encode(msgType, payload)
}

// encode marshals the payload struct to a generic map so the "type" field is
// present and correct regardless of what the caller set.
func encode(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal message: %w", err)
	}
	return out, nil
}
