package domain

import "errors"

// Domain errors - use these for consistent error handling
var (
	// Auth errors
	ErrTokenExpired = errors.New("token has expired")
	ErrTokenInvalid = errors.New("invalid token")

	// Event errors
	ErrMissingChatID      = errors.New("chat id is required")
	ErrMissingParticipant = errors.New("participant id is required")
	ErrUnknownEvent       = errors.New("unknown event type")
)
