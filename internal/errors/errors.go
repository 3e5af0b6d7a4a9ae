package errors

import "errors"

// Client errors.
var (
	ErrInvalidCredentials   = errors.New("invalid email or password")
	ErrInvalidToken         = errors.New("invalid or expired token")
	ErrConversationNotFound = errors.New("conversation not found")
)

// Transport errors.
var (
	ErrNotConnected = errors.New("transport not connected")
	ErrAPIRequest   = errors.New("API request failed")
	ErrAPIResponse  = errors.New("unexpected API response")
)
