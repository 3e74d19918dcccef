package errors

import (
	"errors"
	"fmt"
)

// Common error types for the platform client
var (
	// Session errors
	ErrNoSession        = errors.New("no active session")
	ErrMalformedSession = errors.New("malformed session")
	ErrSessionExpired   = errors.New("session expired")
	ErrSessionChanged   = errors.New("session changed during refresh")

	// Credential errors
	ErrRefreshRejected   = errors.New("refresh token rejected")
	ErrInvalidToken      = errors.New("invalid token")
	ErrInvalidSessionKey = errors.New("invalid session key")
)

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
