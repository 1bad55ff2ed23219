package chat

import (
	"errors"
	"fmt"
)

// Sentinel errors for matching with errors.Is. The concrete error types below
// report themselves as these sentinels.
var (
	ErrValidation      = errors.New("validation failed")
	ErrUnsupportedType = errors.New("unsupported content type")
	ErrPayloadTooLarge = errors.New("payload too large")
)

// ValidationError reports a missing or malformed identifier or field. It is
// surfaced to the caller as a rejected request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// UnsupportedTypeError is returned by media ingestion for content types that
// are not accepted.
type UnsupportedTypeError struct {
	ContentType string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported file type: %s", e.ContentType)
}

func (e *UnsupportedTypeError) Is(target error) bool {
	return target == ErrUnsupportedType
}

// PayloadTooLargeError is returned when an upload exceeds the size ceiling.
type PayloadTooLargeError struct {
	Limit int64
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("payload exceeds %d byte limit", e.Limit)
}

func (e *PayloadTooLargeError) Is(target error) bool {
	return target == ErrPayloadTooLarge
}
