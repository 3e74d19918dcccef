package pipeline

import (
	"context"
	"time"

	"github.com/jrsteele09/go-auth-client/session"
	"github.com/rs/zerolog"
)

// Reason says why a session ended.
type Reason string

const (
	ReasonRefreshFailed Reason = "refresh_failed"
	ReasonLogout        Reason = "logout"
	ReasonInvalid       Reason = "invalid_session"
)

// Notice is the user-facing message emitted when a session is ended for the user.
type Notice struct {
	Reason  Reason
	Title   string
	Message string
	At      time.Time
}

// Notifier surfaces a Notice to the user.
type Notifier interface {
	Notify(Notice)
}

type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

// Navigator moves the application to its unauthenticated entry state.
type Navigator interface {
	ToUnauthenticated()
}

type NavigatorFunc func()

func (f NavigatorFunc) ToUnauthenticated() { f() }

// Terminator ends sessions. Only the call that actually clears an active
// session notifies and navigates, so concurrent or repeated calls act once.
type Terminator struct {
	store     *session.Store
	notifier  Notifier
	navigator Navigator
	metrics   *Metrics
	logger    zerolog.Logger
	nowTime   func() time.Time
}

// Terminate clears the session and, if one was active, emits one notice and navigates away.
func (t *Terminator) Terminate(ctx context.Context, reason Reason) error {
	return t.terminate(ctx, reason, true)
}

// End clears the session without a notice. Used for an explicit logout.
func (t *Terminator) End(ctx context.Context) error {
	return t.terminate(ctx, ReasonLogout, false)
}

func (t *Terminator) terminate(ctx context.Context, reason Reason, notify bool) error {
	had, err := t.store.Clear(ctx)
	if err != nil {
		t.logger.Error().Err(err).Str("reason", string(reason)).Msg("failed to clear persisted session")
	}
	if !had {
		return err
	}

	t.metrics.terminated()
	t.logger.Info().Str("reason", string(reason)).Msg("session ended")
	if notify {
		t.notifier.Notify(noticeFor(reason, t.nowTime()))
	}
	t.navigator.ToUnauthenticated()
	return err
}

func noticeFor(reason Reason, at time.Time) Notice {
	n := Notice{Reason: reason, Title: "Session ended", At: at}
	switch reason {
	case ReasonRefreshFailed:
		n.Message = "Your session has expired. Please log in again."
	case ReasonInvalid:
		n.Message = "Your session is no longer valid. Please log in again."
	default:
		n.Message = "You have been signed out."
	}
	return n
}

// logNotifier is the default Notifier; it writes the notice to the log.
type logNotifier struct {
	logger zerolog.Logger
}

func (l logNotifier) Notify(n Notice) {
	l.logger.Warn().Str("reason", string(n.Reason)).Str("title", n.Title).Msg(n.Message)
}
