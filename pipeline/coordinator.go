package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"sync"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/jrsteele09/go-auth-client/internal/errors"
	"github.com/jrsteele09/go-auth-client/session"
	"github.com/rs/zerolog"
)

type result struct {
	resp *http.Response
	err  error
}

// waiter is a request suspended on the in-flight refresh.
type waiter struct {
	req    *http.Request
	result chan result
}

// coordinator is the Idle/Refreshing state machine. inFlight and waiters only
// change together under mu, so the decision to start a refresh or to queue
// behind one is a single step.
type coordinator struct {
	store      *session.Store
	refresher  Refresher
	terminator *Terminator
	send       func(ctx context.Context, req *http.Request, token string) (*http.Response, error)
	metrics    *Metrics
	logger     zerolog.Logger
	// timeout bounds the refresh call and the replays of abandoned waiters.
	timeout time.Duration

	mu       sync.Mutex
	inFlight bool
	waiters  []*waiter
}

// handleUnauthorized handles a 401 for req, which was sent with the access token sent.
func (c *coordinator) handleUnauthorized(ctx context.Context, req *http.Request, sent string, resp *http.Response) (*http.Response, error) {
	c.mu.Lock()
	if c.inFlight {
		w := c.enqueue(req)
		c.mu.Unlock()
		discard(resp)
		return c.await(ctx, w)
	}

	current := c.store.Current()
	switch {
	case current == nil && sent == "":
		// nothing was sent and nothing can be renewed
		c.mu.Unlock()
		return resp, nil
	case current != nil && current.AccessToken != sent:
		// a refresh completed after this request went out
		c.mu.Unlock()
		discard(resp)
		c.metrics.replayed()
		return c.send(ctx, req, current.AccessToken)
	}

	c.inFlight = true
	w := c.enqueue(req)
	c.mu.Unlock()
	discard(resp)

	go c.refresh(context.WithoutCancel(ctx), uuid.NewString(), current)
	return c.await(ctx, w)
}

// enqueue must be called with mu held.
func (c *coordinator) enqueue(req *http.Request) *waiter {
	w := &waiter{req: req, result: make(chan result, 1)}
	c.waiters = append(c.waiters, w)
	c.metrics.waiting(1)
	return w
}

// drain takes every waiter and returns to Idle. It must be called with mu held.
func (c *coordinator) drain() []*waiter {
	waiters := c.waiters
	c.waiters = nil
	c.inFlight = false
	c.metrics.waiting(-len(waiters))
	return waiters
}

// await blocks until the waiter's result arrives or its caller gives up. An
// abandoned waiter's result is still received and its body closed.
func (c *coordinator) await(ctx context.Context, w *waiter) (*http.Response, error) {
	select {
	case r := <-w.result:
		return r.resp, r.err
	case <-ctx.Done():
		go func() {
			if r := <-w.result; r.resp != nil {
				discard(r.resp)
			}
		}()
		return nil, ctx.Err()
	}
}

func (c *coordinator) refresh(ctx context.Context, refreshID string, current *session.Session) {
	logger := c.logger.With().Str("refresh_id", refreshID).Logger()
	logger.Debug().Msg("refreshing session")

	exchangeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	next, err := c.exchange(exchangeCtx, current)
	cancel()
	if err != nil {
		logger.Warn().Err(err).Msg("session refresh failed")
		c.fail(ctx, logger, err)
		return
	}

	c.mu.Lock()
	err = c.store.CompareAndSave(ctx, current.RefreshToken, next)
	if err != nil && !apperrors.Is(err, apperrors.ErrSessionChanged) {
		c.mu.Unlock()
		logger.Error().Err(err).Msg("failed to persist refreshed session")
		c.fail(ctx, logger, err)
		return
	}
	waiters := c.drain()
	c.mu.Unlock()

	if err == nil {
		c.metrics.refreshed(outcomeSuccess)
		logger.Debug().Int("waiters", len(waiters)).Msg("session refreshed")
		c.replay(waiters, next.AccessToken)
		return
	}

	// a logout or a new login won the race; the refreshed tokens are discarded
	c.metrics.refreshed(outcomeSuperseded)
	if latest := c.store.Current(); latest != nil {
		logger.Debug().Int("waiters", len(waiters)).Msg("session replaced during refresh")
		c.replay(waiters, latest.AccessToken)
		return
	}
	logger.Debug().Int("waiters", len(waiters)).Msg("session ended during refresh")
	c.release(waiters, fmt.Errorf("%w: %w", apperrors.ErrSessionExpired, err))
}

// exchange calls the refresher. No session or no refresh token counts as a failed refresh.
func (c *coordinator) exchange(ctx context.Context, current *session.Session) (*session.Session, error) {
	if current == nil || current.RefreshToken == "" {
		return nil, fmt.Errorf("[coordinator.exchange] %w: %w", apperrors.ErrRefreshRejected, apperrors.ErrNoSession)
	}
	return c.refresher.Refresh(ctx, current)
}

// fail ends the session while still Refreshing, so 401s arriving meanwhile
// queue up and share the failure, then releases every waiter.
func (c *coordinator) fail(ctx context.Context, logger zerolog.Logger, cause error) {
	c.metrics.refreshed(outcomeFailure)
	if err := c.terminator.Terminate(ctx, ReasonRefreshFailed); err != nil {
		logger.Error().Err(err).Msg("failed to terminate session")
	}

	c.mu.Lock()
	waiters := c.drain()
	c.mu.Unlock()

	c.release(waiters, fmt.Errorf("%w: %w", apperrors.ErrSessionExpired, cause))
}

// replay re-sends the waiters in arrival order. Each request is written
// before the next one is sent, but no replay waits on another's response.
// A transport that does not report WroteRequest makes the replays sequential.
func (c *coordinator) replay(waiters []*waiter, token string) {
	for _, w := range waiters {
		written := make(chan struct{})
		var once sync.Once
		ctx, cancel := c.replayContext(w.req.Context())
		ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
			WroteRequest: func(httptrace.WroteRequestInfo) { once.Do(func() { close(written) }) },
		})

		done := make(chan struct{})
		go func() {
			defer close(done)
			resp, err := c.send(ctx, w.req, token)
			if err != nil {
				cancel()
			} else {
				resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
			}
			c.metrics.replayed()
			w.result <- result{resp: resp, err: err}
		}()

		select {
		case <-written:
		case <-done:
		}
	}
}

// replayContext keeps a live waiter's own deadline. A waiter whose caller has
// gone is still replayed, bounded by the coordinator timeout.
func (c *coordinator) replayContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
}

// cancelOnClose releases a replay's context once its body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func (c *coordinator) release(waiters []*waiter, err error) {
	for _, w := range waiters {
		w.result <- result{err: err}
	}
}

// refreshing reports whether a refresh is in flight.
func (c *coordinator) refreshing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// pendingWaiters reports the queue length.
func (c *coordinator) pendingWaiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	resp.Body.Close()
}
