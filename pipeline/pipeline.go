// Package pipeline is the authenticated request pipeline: an http.RoundTripper
// that injects the bearer token, recovers from an expired access token with a
// single refresh call, and ends the session when the refresh is impossible.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jrsteele09/go-auth-client/authapi"
	"github.com/jrsteele09/go-auth-client/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultRefreshTimeout = 30 * time.Second

// Refresher exchanges the current session for a renewed one.
type Refresher interface {
	Refresh(ctx context.Context, current *session.Session) (*session.Session, error)
}

// Pipeline is owned by the application root and shared by every client that
// calls protected endpoints. The refresh state lives on the value, so separate
// pipelines never share it.
type Pipeline struct {
	store       *session.Store
	base        http.RoundTripper
	injector    *Injector
	terminator  *Terminator
	coordinator *coordinator
	refreshPath string
	timeout     time.Duration
	logger      zerolog.Logger

	notifier   Notifier
	navigator  Navigator
	registerer prometheus.Registerer
	nowTime    func() time.Time
}

// Option defines a function type to modify the Pipeline instance.
type Option func(*Pipeline)

// WithBaseTransport sets the transport requests are finally sent through.
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(p *Pipeline) {
		p.base = rt
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithNotifier sets where session-ended notices go. Defaults to the log.
func WithNotifier(n Notifier) Option {
	return func(p *Pipeline) {
		p.notifier = n
	}
}

// WithNavigator sets how the application returns to its unauthenticated state.
func WithNavigator(n Navigator) Option {
	return func(p *Pipeline) {
		p.navigator = n
	}
}

// WithRefreshPath sets the path of the refresh endpoint, whose responses never
// start a refresh.
func WithRefreshPath(path string) Option {
	return func(p *Pipeline) {
		p.refreshPath = path
	}
}

// WithRefreshTimeout bounds the refresh call. A refresh that takes longer
// fails and ends the session. Defaults to DefaultRefreshTimeout.
func WithRefreshTimeout(timeout time.Duration) Option {
	return func(p *Pipeline) {
		p.timeout = timeout
	}
}

// WithMetrics registers the pipeline collectors on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(p *Pipeline) {
		p.registerer = reg
	}
}

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(p *Pipeline) {
		p.nowTime = nowFunc
	}
}

func New(store *session.Store, refresher Refresher, options ...Option) (*Pipeline, error) {
	if store == nil {
		return nil, errors.New("[New] store is required")
	}
	if refresher == nil {
		return nil, errors.New("[New] refresher is required")
	}

	p := &Pipeline{
		store:       store,
		base:        http.DefaultTransport,
		refreshPath: authapi.RouteRefreshToken,
		timeout:     DefaultRefreshTimeout,
		logger:      log.Logger,
		navigator:   NavigatorFunc(func() {}),
		nowTime:     time.Now,
	}
	for _, opt := range options {
		opt(p)
	}
	if p.timeout <= 0 {
		return nil, errors.New("[New] refresh timeout must be positive")
	}
	if p.notifier == nil {
		p.notifier = logNotifier{logger: p.logger}
	}

	metrics, err := NewMetrics(p.registerer)
	if err != nil {
		return nil, fmt.Errorf("[New] register metrics: %w", err)
	}

	p.injector = NewInjector(store)
	p.terminator = &Terminator{
		store:     store,
		notifier:  p.notifier,
		navigator: p.navigator,
		metrics:   metrics,
		logger:    p.logger,
		nowTime:   p.nowTime,
	}
	p.coordinator = &coordinator{
		store:      store,
		refresher:  refresher,
		terminator: p.terminator,
		send:       p.send,
		metrics:    metrics,
		logger:     p.logger,
		timeout:    p.timeout,
	}
	return p, nil
}

// Terminator returns the terminator the pipeline ends sessions with.
func (p *Pipeline) Terminator() *Terminator {
	return p.terminator
}

// Client returns an http.Client whose requests go through the pipeline.
func (p *Pipeline) Client(timeout time.Duration) *http.Client {
	return &http.Client{Transport: p, Timeout: timeout}
}

// RoundTrip sends req with the current access token. A 401 from any endpoint
// but the refresh endpoint is handed to the coordinator and never reaches the
// caller unless there was no credential to renew.
func (p *Pipeline) RoundTrip(req *http.Request) (*http.Response, error) {
	buffered, err := bufferBody(req)
	if err != nil {
		return nil, err
	}

	out, err := outgoing(req.Context(), buffered)
	if err != nil {
		return nil, err
	}
	sent := p.injector.Inject(out)

	resp, err := p.base.RoundTrip(out)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || p.exempt(req) {
		return resp, nil
	}

	p.logger.Debug().Str("method", req.Method).Str("path", req.URL.Path).Msg("access token rejected")
	return p.coordinator.handleUnauthorized(req.Context(), buffered, sent, resp)
}

func (p *Pipeline) exempt(req *http.Request) bool {
	return p.refreshPath != "" && strings.HasSuffix(req.URL.Path, p.refreshPath)
}

// send re-issues req with token. It bypasses the coordinator, so a replayed
// request's response is returned as is.
func (p *Pipeline) send(ctx context.Context, req *http.Request, token string) (*http.Response, error) {
	out, err := outgoing(ctx, req)
	if err != nil {
		return nil, err
	}
	Attach(out, token)
	return p.base.RoundTrip(out)
}

// outgoing clones req with a fresh copy of its buffered body.
func outgoing(ctx context.Context, req *http.Request) (*http.Request, error) {
	out := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("[Pipeline.outgoing] body: %w", err)
		}
		out.Body = body
	}
	return out, nil
}

// bufferBody reads the body once so the request can be sent again after a
// refresh. The caller's body is always closed.
func bufferBody(req *http.Request) (*http.Request, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return req, nil
	}
	raw, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("[Pipeline.bufferBody] read: %w", err)
	}

	buffered := req.Clone(req.Context())
	buffered.ContentLength = int64(len(raw))
	buffered.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(raw)), nil
	}
	buffered.Body, _ = buffered.GetBody()
	return buffered, nil
}
