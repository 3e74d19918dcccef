// Package session holds the client's credential record: the access/refresh
// token pair and the user profile snapshot returned at login.
package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	apperrors "github.com/jrsteele09/go-auth-client/internal/errors"
)

// Role is the platform role carried on the user profile.
type Role string

const (
	RolePlayer    Role = "player"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

// UserSummary is the denormalized identity/profile snapshot stored with a
// session. Build it with NewUserSummary so every default is applied.
type UserSummary struct {
	ID            string    `json:"id"`
	Username      string    `json:"username"`
	Email         string    `json:"email"`
	Role          Role      `json:"role"`
	EmailVerified bool      `json:"emailVerified"`
	AvatarURL     string    `json:"avatarUrl,omitempty"`
	Level         int       `json:"level"`
	Experience    int64     `json:"experience"`
	Balance       float64   `json:"balance"`
	ClanID        string    `json:"clanId,omitempty"`
	ClanRole      string    `json:"clanRole,omitempty"`
	Country       string    `json:"country,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// IsAdmin reports whether the user holds the admin role. Role names are compared case-insensitively.
func (u UserSummary) IsAdmin() bool {
	return strings.EqualFold(string(u.Role), string(RoleAdmin))
}

// Session is the only entity the client owns. Both tokens are present or the
// session does not exist.
type Session struct {
	AccessToken  string      `json:"accessToken" validate:"required"`
	RefreshToken string      `json:"refreshToken" validate:"required"`
	User         UserSummary `json:"user"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks structural presence of both tokens.
func (s *Session) Validate() error {
	if s == nil {
		return apperrors.ErrMalformedSession
	}
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrMalformedSession, err)
	}
	return nil
}

// Clone returns a copy that can be handed out without sharing state with the store.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
