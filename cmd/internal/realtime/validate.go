package realtime

import (
	"fmt"
	"strings"
	"unicode/utf8"

	v1 "dmrelay/shared/contracts/relay/v1"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// validatePayload runs struct tag validation and wraps failures in ErrInvalidPayload.
func validatePayload(p any) error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// normalizeSend trims the content and enforces the non-blank, length and self-message rules.
func normalizeSend(senderID string, p v1.SendMessagePayload) (v1.SendMessagePayload, error) {
	p.ReceiverID = strings.TrimSpace(p.ReceiverID)
	p.Content = strings.TrimSpace(p.Content)

	if err := validatePayload(p); err != nil {
		return p, err
	}
	if utf8.RuneCountInString(p.Content) > maxContentRunes {
		return p, fmt.Errorf("%w: content exceeds %d characters", ErrInvalidPayload, maxContentRunes)
	}
	if p.ReceiverID == senderID {
		return p, fmt.Errorf("%w: cannot message yourself", ErrInvalidPayload)
	}
	return p, nil
}
