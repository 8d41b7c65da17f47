package gateway

import (
	"fmt"
	"unicode/utf8"
)

const (
	MaxContentBytes = 4000 // max encoded size of message content
	MaxContentRunes = 2000 // max character count
)

// ValidateContent checks that message content meets size and encoding
// requirements.
func ValidateContent(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("%w: content is empty", ErrInvalidPayload)
	}
	if len(text) > MaxContentBytes {
		return fmt.Errorf("%w: content exceeds %d byte limit", ErrInvalidPayload, MaxContentBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: content contains invalid UTF-8", ErrInvalidPayload)
	}
	if utf8.RuneCountInString(text) > MaxContentRunes {
		return fmt.Errorf("%w: content exceeds %d character limit", ErrInvalidPayload, MaxContentRunes)
	}
	return nil
}
