package authapi

import (
	"context"
	"fmt"

	apperrors "github.com/jrsteele09/go-auth-client/internal/errors"
	"github.com/jrsteele09/go-auth-client/session"
)

// Refresher exchanges a session's refresh token through the refresh-token endpoint.
type Refresher struct {
	client *Client
}

// NewRefresher returns a Refresher calling the endpoint through client. The
// client must not be routed through the authenticated pipeline itself.
func NewRefresher(client *Client) *Refresher {
	return &Refresher{client: client}
}

// Refresh returns the session that replaces current. A non-2xx answer or a
// payload missing the access token is reported as ErrRefreshRejected;
// transport errors are returned as they are.
func (r *Refresher) Refresh(ctx context.Context, current *session.Session) (*session.Session, error) {
	if current == nil || current.RefreshToken == "" {
		return nil, apperrors.Wrapf(apperrors.ErrRefreshRejected, "[Refresher.Refresh] no refresh token")
	}

	payload, err := r.client.Refresh(ctx, RefreshRequest{
		AccessToken:  current.AccessToken,
		RefreshToken: current.RefreshToken,
	})
	if err != nil {
		var apiErr *APIError
		if apperrors.As(err, &apiErr) {
			return nil, fmt.Errorf("%w: %w", apperrors.ErrRefreshRejected, err)
		}
		return nil, err
	}

	next := &session.Session{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		User:         current.User,
	}
	// some deployments rotate only the access token
	if next.RefreshToken == "" {
		next.RefreshToken = current.RefreshToken
	}
	if payload.User != nil {
		next.User = session.NewUserSummary(*payload.User)
	}
	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrRefreshRejected, err)
	}
	return next, nil
}
