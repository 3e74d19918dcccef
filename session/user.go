package session

import (
	"strings"
	"time"

	"github.com/jrsteele09/go-auth-client/internal/utils"
)

const (
	// DefaultUsername is used when neither a username nor an email is known.
	DefaultUsername = "player"
	// DefaultLevel is the level of an account the server reports no progress for.
	DefaultLevel = 1
)

// UserPayload is the profile object as it arrives from the API. Every field is
// optional; NewUserSummary decides what an absent field means.
type UserPayload struct {
	ID            *string    `json:"id,omitempty"`
	Username      *string    `json:"username,omitempty"`
	Email         *string    `json:"email,omitempty"`
	Role          *string    `json:"role,omitempty"`
	EmailVerified *bool      `json:"emailVerified,omitempty"`
	AvatarURL     *string    `json:"avatarUrl,omitempty"`
	Level         *int       `json:"level,omitempty"`
	Experience    *int64     `json:"experience,omitempty"`
	Balance       *float64   `json:"balance,omitempty"`
	ClanID        *string    `json:"clanId,omitempty"`
	ClanRole      *string    `json:"clanRole,omitempty"`
	Country       *string    `json:"country,omitempty"`
	CreatedAt     *time.Time `json:"createdAt,omitempty"`
}

// NewUserSummary builds a UserSummary from a payload, one named rule per field.
func NewUserSummary(p UserPayload) UserSummary {
	email := strings.TrimSpace(utils.Value(p.Email))
	return UserSummary{
		ID:            strings.TrimSpace(utils.Value(p.ID)),
		Username:      usernameOrDefault(p.Username, email),
		Email:         email,
		Role:          roleOrDefault(p.Role),
		EmailVerified: utils.ValueOr(p.EmailVerified, false),
		AvatarURL:     utils.Value(p.AvatarURL),
		Level:         levelOrDefault(p.Level),
		Experience:    nonNegative(utils.Value(p.Experience)),
		Balance:       utils.ValueOr(p.Balance, 0),
		ClanID:        utils.Value(p.ClanID),
		ClanRole:      clanRoleOrDefault(p.ClanID, p.ClanRole),
		Country:       strings.ToUpper(utils.Value(p.Country)),
		CreatedAt:     utils.Value(p.CreatedAt),
	}
}

// usernameOrDefault falls back to the local part of the email, then to DefaultUsername.
func usernameOrDefault(username *string, email string) string {
	if name := strings.TrimSpace(utils.Value(username)); name != "" {
		return name
	}
	if local, _, ok := strings.Cut(email, "@"); ok && local != "" {
		return local
	}
	return DefaultUsername
}

func roleOrDefault(role *string) Role {
	r := strings.TrimSpace(utils.Value(role))
	if r == "" {
		return RolePlayer
	}
	return Role(r)
}

func levelOrDefault(level *int) int {
	if l := utils.Value(level); l >= DefaultLevel {
		return l
	}
	return DefaultLevel
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// clanRoleOrDefault drops a clan role that has no clan to belong to.
func clanRoleOrDefault(clanID, clanRole *string) string {
	if utils.Value(clanID) == "" {
		return ""
	}
	return utils.Value(clanRole)
}
