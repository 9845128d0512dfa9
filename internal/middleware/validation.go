package middleware

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// ValidatePeerID validates a user or group id taken from a request.
func ValidatePeerID(id string) error {
	if len(id) == 0 {
		return errors.New("id cannot be empty")
	}
	if len(id) > 64 {
		return errors.New("id exceeds maximum length")
	}
	if strings.ContainsAny(id, ".*> \t\r\n/") {
		return errors.New("id contains invalid characters")
	}
	return nil
}

// ValidateMessageID validates a message id.
func ValidateMessageID(id string) error {
	if len(id) > 128 {
		return errors.New("message ID exceeds maximum length")
	}
	if !utf8.ValidString(id) {
		return errors.New("message ID must be valid UTF-8")
	}
	return nil
}

// ValidateMeetingID validates a provider meeting id.
func ValidateMeetingID(id string) error {
	if len(id) > 256 {
		return errors.New("meeting ID exceeds maximum length")
	}
	if !utf8.ValidString(id) {
		return errors.New("meeting ID must be valid UTF-8")
	}
	return nil
}
