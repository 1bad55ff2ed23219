// Package chat holds the domain types shared by the server and the client:
// user identities, messages with their tagged content, the client-side
// delivery lifecycle and the error taxonomy used across the API.
package chat

import (
	"fmt"
	"strings"
	"time"
)

// UserID is an opaque, stable user identifier.
type UserID = string

// Role distinguishes the two classes of users.
type Role string

const (
	RoleFarmer Role = "farmer"
	RoleExpert Role = "expert"
)

// ParseRole converts a string to a Role.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(s)) {
	case RoleFarmer:
		return RoleFarmer, nil
	case RoleExpert:
		return RoleExpert, nil
	}
	return "", &ValidationError{Field: "role", Reason: fmt.Sprintf("must be %q or %q", RoleFarmer, RoleExpert)}
}

// Peer returns the opposite role, used for display labels.
func (r Role) Peer() Role {
	if r == RoleFarmer {
		return RoleExpert
	}
	return RoleFarmer
}

// MessageType is the kind of payload a message carries.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeAudio MessageType = "audio"
)

// ParseMessageType converts a wire value to a MessageType. An empty value
// defaults to text.
func ParseMessageType(s string) (MessageType, error) {
	switch MessageType(s) {
	case "", TypeText:
		return TypeText, nil
	case TypeImage:
		return TypeImage, nil
	case TypeAudio:
		return TypeAudio, nil
	}
	return "", &ValidationError{Field: "messageType", Reason: fmt.Sprintf("unknown message type %q", s)}
}

// IsMedia reports whether the type references an uploaded file.
func (t MessageType) IsMedia() bool {
	return t == TypeImage || t == TypeAudio
}

// State is the client-only delivery lifecycle of a locally originated
// message. The store never sees pending or failed messages.
type State string

const (
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
	StateFailed    State = "failed"
)

// MediaRef points at a file persisted by media ingestion.
type MediaRef struct {
	Path        string `json:"path"`
	ContentType string `json:"contentType,omitempty"`
}

// Content is either literal text or a reference to stored media. Exactly one
// of Text and Media is set on a valid message.
type Content struct {
	Text  string    `json:"text,omitempty"`
	Media *MediaRef `json:"media,omitempty"`
}

// TextContent wraps literal text.
func TextContent(text string) Content {
	return Content{Text: text}
}

// MediaContent wraps a stored media reference.
func MediaContent(path, contentType string) Content {
	return Content{Media: &MediaRef{Path: path, ContentType: contentType}}
}

// ContentFromWire rebuilds the tagged content from the flat relay form, where
// a single string carries either the text or the media path.
func ContentFromWire(t MessageType, value, contentType string) Content {
	if t.IsMedia() {
		return MediaContent(value, contentType)
	}
	return TextContent(value)
}

// IsMedia reports whether the content is a media reference.
func (c Content) IsMedia() bool {
	return c.Media != nil
}

// Wire returns the flat string form used on the relay: the text itself or
// the media path.
func (c Content) Wire() string {
	if c.Media != nil {
		return c.Media.Path
	}
	return c.Text
}

// ContentType returns the media content type, or "" for text.
func (c Content) ContentType() string {
	if c.Media != nil {
		return c.Media.ContentType
	}
	return ""
}

// Message is a single chat message between two users.
type Message struct {
	ID         string      `json:"id"`
	SenderID   UserID      `json:"senderId"`
	ReceiverID UserID      `json:"receiverId"`
	Type       MessageType `json:"messageType"`
	Content    Content     `json:"content"`
	Timestamp  time.Time   `json:"timestamp"`
	State      State       `json:"state,omitempty"` // client side only
}

// PairKey returns a key identifying the unordered pair (a, b), so that
// PairKey(a, b) == PairKey(b, a).
func PairKey(a, b UserID) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}
