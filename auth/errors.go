package auth

import (
	"github.com/jrsteele09/go-auth-client/authapi"
	"github.com/jrsteele09/go-auth-client/internal/utils"
	"github.com/pkg/errors"
)

// Messages used when the server gives no reason of its own.
const (
	DefaultLoginMessage    = "Login failed. Please check your credentials."
	DefaultRegisterMessage = "Registration failed. Please try again."
)

// AuthenticationError is a login or registration failure reported by the
// server, or a request rejected before it was sent. It never ends a session.
type AuthenticationError struct {
	// Status is the HTTP status, 0 when the request was not sent.
	Status  int
	Message string
	cause   error
}

func (e *AuthenticationError) Error() string {
	return e.Message
}

func (e *AuthenticationError) Unwrap() error {
	return e.cause
}

// authenticationError converts an API rejection into an AuthenticationError.
// Any other error (network, context) is returned unchanged.
func authenticationError(err error, fallback string) error {
	var apiErr *authapi.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	return &AuthenticationError{
		Status:  apiErr.Status,
		Message: utils.FirstNonEmpty(apiErr.Message, fallback),
		cause:   err,
	}
}
