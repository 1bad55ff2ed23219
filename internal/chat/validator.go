package chat

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxTextBytes = 4096 // 4KB max text payload
	MaxTextChars = 2000 // max character count
	MaxUserIDLen = 64
	MaxMediaPath = 512
)

// ValidateUserID checks that id is present and well formed: 1..64 characters
// from [A-Za-z0-9_-].
func ValidateUserID(field, id string) error {
	if id == "" {
		return &ValidationError{Field: field, Reason: "is required"}
	}
	if len(id) > MaxUserIDLen {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("exceeds %d characters", MaxUserIDLen)}
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return &ValidationError{Field: field, Reason: "is not a well-formed identifier"}
		}
	}
	return nil
}

// ValidateText checks that a text message meets content requirements.
func ValidateText(text string) error {
	if len(text) == 0 {
		return &ValidationError{Field: "content", Reason: "is required for text messages"}
	}
	if len(text) > MaxTextBytes {
		return &ValidationError{Field: "content", Reason: fmt.Sprintf("exceeds %d byte limit", MaxTextBytes)}
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return &ValidationError{Field: "content", Reason: fmt.Sprintf("exceeds %d character limit", MaxTextChars)}
	}
	if !utf8.ValidString(text) {
		return &ValidationError{Field: "content", Reason: "contains invalid UTF-8"}
	}
	return nil
}

// ValidateContent checks that content matches the message type: text
// messages carry text, image and audio messages carry a media reference.
func ValidateContent(t MessageType, c Content) error {
	if !t.IsMedia() {
		if c.Media != nil {
			return &ValidationError{Field: "content", Reason: "text messages cannot reference media"}
		}
		return ValidateText(c.Text)
	}
	if c.Media == nil || c.Media.Path == "" {
		return &ValidationError{Field: "content", Reason: fmt.Sprintf("a media reference is required for %s messages", t)}
	}
	if len(c.Media.Path) > MaxMediaPath {
		return &ValidationError{Field: "content", Reason: fmt.Sprintf("media path exceeds %d characters", MaxMediaPath)}
	}
	if c.Text != "" {
		return &ValidationError{Field: "content", Reason: "media messages cannot carry text"}
	}
	return nil
}
