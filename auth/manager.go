// Package auth is the application-facing session API: login, registration,
// logout, startup restore and the predicates views are gated on.
package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jrsteele09/go-auth-client/authapi"
	apperrors "github.com/jrsteele09/go-auth-client/internal/errors"
	"github.com/jrsteele09/go-auth-client/internal/utils"
	"github.com/jrsteele09/go-auth-client/session"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// AccountAPI holds the endpoints called without credentials.
type AccountAPI interface {
	Login(ctx context.Context, req authapi.LoginRequest) (*authapi.SessionPayload, error)
	Register(ctx context.Context, req authapi.RegisterRequest) error
}

// SessionAPI holds the endpoints called through the authenticated pipeline.
type SessionAPI interface {
	Validate(ctx context.Context, path string) error
	ResendVerification(ctx context.Context, email string) (bool, error)
}

// Terminator ends the active session without a user-facing notice.
type Terminator interface {
	End(ctx context.Context) error
}

// Status is where the manager is in the session lifecycle.
type Status int

const (
	// StatusRestoring holds until RestoreSession has completed. Protected views wait on it.
	StatusRestoring Status = iota
	StatusAuthenticated
	StatusUnauthenticated
)

func (s Status) String() string {
	switch s {
	case StatusRestoring:
		return "restoring"
	case StatusAuthenticated:
		return "authenticated"
	case StatusUnauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

// SessionManager is the facade the application uses for everything session related.
type SessionManager struct {
	store        *session.Store
	accounts     AccountAPI
	api          SessionAPI
	terminator   Terminator
	logger       zerolog.Logger
	nowTime      func() time.Time // nowTime function (injectable for testing)
	validatePath string
	expirySkew   time.Duration

	ready     chan struct{}
	readyOnce sync.Once
}

// SessionManagerOption defines a function type to modify the SessionManager instance.
type SessionManagerOption func(*SessionManager)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) SessionManagerOption {
	return func(m *SessionManager) {
		m.nowTime = nowFunc
	}
}

func WithLogger(logger zerolog.Logger) SessionManagerOption {
	return func(m *SessionManager) {
		m.logger = logger
	}
}

// WithValidatePath sets the endpoint RestoreSession calls to confirm a
// restored session. Without it only the token expiry is checked.
func WithValidatePath(path string) SessionManagerOption {
	return func(m *SessionManager) {
		m.validatePath = path
	}
}

// WithExpirySkew treats access tokens expiring within skew as already expired on restore.
func WithExpirySkew(skew time.Duration) SessionManagerOption {
	return func(m *SessionManager) {
		m.expirySkew = skew
	}
}

// NewSessionManager wires the manager. accounts must not go through the
// authenticated pipeline; api must.
func NewSessionManager(
	store *session.Store,
	accounts AccountAPI,
	api SessionAPI,
	terminator Terminator,
	options ...SessionManagerOption,
) (*SessionManager, error) {
	if store == nil {
		return nil, errors.New("[NewSessionManager] store is required")
	}
	if accounts == nil {
		return nil, errors.New("[NewSessionManager] accounts api is required")
	}
	if api == nil {
		return nil, errors.New("[NewSessionManager] session api is required")
	}
	if terminator == nil {
		return nil, errors.New("[NewSessionManager] terminator is required")
	}

	m := &SessionManager{
		store:      store,
		accounts:   accounts,
		api:        api,
		terminator: terminator,
		logger:     log.Logger,
		nowTime:    time.Now,
		ready:      make(chan struct{}),
	}
	for _, opt := range options {
		opt(m)
	}
	return m, nil
}

// Login exchanges credentials for a session and makes it the active one.
// identifier is an email address or a username.
func (m *SessionManager) Login(ctx context.Context, identifier, secret string) (*session.Session, error) {
	req := authapi.LoginRequest{Identifier: strings.TrimSpace(identifier), Password: secret}
	if err := validateRequest(req, DefaultLoginMessage); err != nil {
		return nil, err
	}

	payload, err := m.accounts.Login(ctx, req)
	if err != nil {
		return nil, authenticationError(err, DefaultLoginMessage)
	}

	sess := &session.Session{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		User:         session.NewUserSummary(utils.Value(payload.User)),
	}
	if err := sess.Validate(); err != nil {
		return nil, &AuthenticationError{Message: DefaultLoginMessage, cause: err}
	}
	if err := m.store.Save(ctx, sess); err != nil {
		return nil, errors.Wrap(err, "[SessionManager.Login] failed to save session")
	}

	m.logger.Info().Str("user_id", sess.User.ID).Msg("logged in")
	return sess.Clone(), nil
}

// Register creates an account. It never establishes a session: the account
// stays inert until its email is verified and the user logs in.
func (m *SessionManager) Register(ctx context.Context, req authapi.RegisterRequest) error {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if err := validateRequest(req, DefaultRegisterMessage); err != nil {
		return err
	}

	if err := m.accounts.Register(ctx, req); err != nil {
		return authenticationError(err, DefaultRegisterMessage)
	}
	m.logger.Info().Str("username", req.Username).Msg("account registered")
	return nil
}

// Logout ends the active session. Unlike a failed refresh it emits no notice.
func (m *SessionManager) Logout(ctx context.Context) error {
	if err := m.terminator.End(ctx); err != nil {
		return errors.Wrap(err, "[SessionManager.Logout] failed to end session")
	}
	return nil
}

// RestoreSession reinstates the persisted session at startup. A malformed or
// expired session, or one the validation endpoint rejects, is cleared without
// a notice. It always closes Ready, whatever the outcome.
func (m *SessionManager) RestoreSession(ctx context.Context) error {
	defer m.readyOnce.Do(func() { close(m.ready) })

	sess, err := m.store.Load(ctx)
	switch {
	case apperrors.Is(err, apperrors.ErrMalformedSession):
		m.logger.Warn().Err(err).Msg("discarding malformed session")
		return m.discard(ctx)
	case err != nil:
		return errors.Wrap(err, "[SessionManager.RestoreSession] failed to load session")
	case sess == nil:
		return nil
	}

	if session.AccessTokenExpired(sess.AccessToken, m.nowTime(), m.expirySkew) {
		m.logger.Info().Msg("discarding expired session")
		return m.discard(ctx)
	}
	if err := m.store.Save(ctx, sess); err != nil {
		return errors.Wrap(err, "[SessionManager.RestoreSession] failed to activate session")
	}
	if m.validatePath == "" {
		return nil
	}

	err = m.api.Validate(ctx, m.validatePath)
	var apiErr *authapi.APIError
	switch {
	case err == nil:
	case apperrors.Is(err, apperrors.ErrSessionExpired):
		// the pipeline could not refresh and has already ended the session
	case errors.As(err, &apiErr) && apiErr.Unauthorized():
		m.logger.Info().Int("status", apiErr.Status).Msg("restored session rejected")
		return m.discard(ctx)
	default:
		m.logger.Warn().Err(err).Msg("could not validate restored session, keeping it")
	}
	return nil
}

func (m *SessionManager) discard(ctx context.Context) error {
	if _, err := m.store.Clear(ctx); err != nil {
		return errors.Wrap(err, "[SessionManager.discard] failed to clear session")
	}
	return nil
}

// Ready is closed once RestoreSession has completed.
func (m *SessionManager) Ready() <-chan struct{} {
	return m.ready
}

func (m *SessionManager) Status() Status {
	select {
	case <-m.ready:
	default:
		return StatusRestoring
	}
	if m.store.Current() == nil {
		return StatusUnauthenticated
	}
	return StatusAuthenticated
}

func (m *SessionManager) IsAuthenticated() bool {
	return m.store.Current() != nil
}

// CurrentUser returns the active user, or nil without a session.
func (m *SessionManager) CurrentUser() *session.UserSummary {
	current := m.store.Current()
	if current == nil {
		return nil
	}
	return &current.User
}

func (m *SessionManager) IsAdmin() bool {
	user := m.CurrentUser()
	return user != nil && user.IsAdmin()
}

func (m *SessionManager) IsEmailVerified() bool {
	user := m.CurrentUser()
	return user != nil && user.EmailVerified
}

// ResendVerification asks for another verification email for the active
// user. Failures are logged and reported as false.
func (m *SessionManager) ResendVerification(ctx context.Context) bool {
	user := m.CurrentUser()
	if user == nil || user.Email == "" {
		m.logger.Warn().Msg("resend verification without an active user email")
		return false
	}

	ok, err := m.api.ResendVerification(ctx, user.Email)
	if err != nil {
		m.logger.Warn().Err(err).Msg("resend verification failed")
		return false
	}
	return ok
}
