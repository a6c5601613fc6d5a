package app

import (
	"errors"
	"fmt"
)

// Rule-level errors returned by the service. Store-level errors
// (insufficient funds, not found) pass through from the store package.
var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUserInactive       = errors.New("user account is inactive")
	ErrInvalidAmount      = errors.New("amount must be a positive number of paise")
	ErrInvalidQuantity    = errors.New("page count or copies out of the accepted range")
	ErrDocumentTooLarge   = errors.New("document exceeds the maximum allowed size")
	ErrInvalidUsername    = errors.New("username must not be empty")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
	ErrUnknownRole        = errors.New("unknown role")
	ErrUnknownPaymentType = errors.New("unknown payment type")
)

// RateLimitError is returned when a subject has exceeded its submission
// budget for the current window.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry in %ds", e.RetryAfterSeconds)
}
