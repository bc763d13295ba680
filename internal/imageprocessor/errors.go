package imageprocessor

import (
	"errors"
	"fmt"
)

var (
	// ErrPayloadTooLarge is returned when decoded bytes exceed the size ceiling.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrInvalidImageData is returned for empty, undecodable or unsupported input.
	ErrInvalidImageData = errors.New("invalid image data")
)

// DecodeError carries a client-facing message for a rejected payload.
type DecodeError struct {
	Kind    error
	Message string
}

func (e *DecodeError) Error() string {
	return e.Message
}

func (e *DecodeError) Unwrap() error {
	return e.Kind
}

// TooLargeError builds the size-limit error for callers that reject a payload
// before it reaches the decoder.
func TooLargeError(maxBytes int) error {
	return tooLarge(maxBytes)
}

func tooLarge(maxBytes int) error {
	return &DecodeError{
		Kind:    ErrPayloadTooLarge,
		Message: fmt.Sprintf("Image too large. Maximum size: %s", formatMiB(maxBytes)),
	}
}

func invalid(format string, args ...any) error {
	return &DecodeError{
		Kind:    ErrInvalidImageData,
		Message: "Invalid image data: " + fmt.Sprintf(format, args...),
	}
}

func formatMiB(n int) string {
	if n%(1<<20) == 0 {
		return fmt.Sprintf("%dMB", n>>20)
	}
	return fmt.Sprintf("%.1fMB", float64(n)/float64(1<<20))
}
