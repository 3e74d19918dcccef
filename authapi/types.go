package authapi

import (
	"github.com/jrsteele09/go-auth-client/session"
)

// LoginRequest is the body of POST /api/auth/login.
type LoginRequest struct {
	// Identifier is an email address or a username.
	Identifier string `json:"identifier" validate:"required"`
	Password   string `json:"password" validate:"required"`
}

// RegisterRequest is the body of POST /api/auth/register.
type RegisterRequest struct {
	Username string `json:"username" validate:"required"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// RefreshRequest is the body of POST /api/auth/refresh-token.
type RefreshRequest struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// ResendVerificationRequest is the body of POST /api/EmailVerification/resend.
type ResendVerificationRequest struct {
	Email string `json:"email"`
}

// SessionPayload is the Session-shaped response of the login and refresh endpoints.
type SessionPayload struct {
	// AccessToken is the short-lived JWT sent as "Authorization: Bearer <access_token>".
	AccessToken string `json:"accessToken"`

	// RefreshToken is the opaque credential exchanged for a new pair.
	// Rotates on every refresh.
	RefreshToken string `json:"refreshToken"`

	// User is the profile snapshot. The refresh endpoint may omit it.
	User *session.UserPayload `json:"user,omitempty"`
}

// errorBody covers the error shapes the platform returns: {message}, the
// problem-details {title, errors} form and a bare {error}.
type errorBody struct {
	Message string              `json:"message"`
	Title   string              `json:"title"`
	Error   string              `json:"error"`
	Errors  map[string][]string `json:"errors"`
}
