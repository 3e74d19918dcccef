package session

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	apperrors "github.com/jrsteele09/go-auth-client/internal/errors"
)

// AccessTokenExpiry reads the exp claim of a JWT access token without verifying
// its signature; the client has no key and only needs the hint. ok is false
// when the token carries no exp claim.
func AccessTokenExpiry(rawToken string) (exp time.Time, ok bool, err error) {
	if strings.TrimSpace(rawToken) == "" {
		return time.Time{}, false, apperrors.ErrInvalidToken
	}

	token, _, err := jwt.NewParser().ParseUnverified(rawToken, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false, apperrors.Wrapf(apperrors.ErrInvalidToken, "%v", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return time.Time{}, false, apperrors.Wrapf(apperrors.ErrInvalidToken, "error extracting claims")
	}

	expClaim, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, false, apperrors.Wrapf(apperrors.ErrInvalidToken, "exp claim")
	}
	if expClaim == nil {
		return time.Time{}, false, nil
	}
	return expClaim.Time, true, nil
}

// AccessTokenExpired reports whether the access token's exp claim is at or
// before now+skew. A token that cannot be parsed counts as expired; one without
// an exp claim does not.
func AccessTokenExpired(rawToken string, now time.Time, skew time.Duration) bool {
	exp, ok, err := AccessTokenExpiry(rawToken)
	if err != nil {
		return true
	}
	if !ok {
		return false
	}
	return !exp.After(now.Add(skew))
}
