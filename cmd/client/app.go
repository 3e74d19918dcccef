package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/jrsteele09/go-auth-client/auth"
	"github.com/jrsteele09/go-auth-client/authapi"
	"github.com/jrsteele09/go-auth-client/internal/config"
	"github.com/jrsteele09/go-auth-client/pipeline"
	"github.com/jrsteele09/go-auth-client/session"
	"github.com/jrsteele09/go-auth-client/session/filekv"
	"github.com/jrsteele09/go-auth-client/session/memkv"
	"github.com/jrsteele09/go-auth-client/session/rediskv"
	"github.com/jrsteele09/go-auth-client/session/sqlitekv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// app is the application root: it owns the one pipeline every command's
// HTTP calls go through.
type app struct {
	cfg      config.Config
	store    *session.Store
	pipeline *pipeline.Pipeline
	api      *authapi.Client
	manager  *auth.SessionManager
	registry *prometheus.Registry
	out      io.Writer
	closeKV  func() error
}

func newApp(ctx context.Context, cfg config.Config, out io.Writer) (*app, error) {
	kv, closeKV, err := openKV(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, out: out, closeKV: closeKV, registry: prometheus.NewRegistry()}
	a.store = session.NewStore(kv, session.WithKeyPrefix(cfg.GetKeyPrefix()))

	public := authapi.New(cfg.GetBaseURL(),
		authapi.WithHTTPClient(&http.Client{Timeout: cfg.GetTimeout()}),
		authapi.WithLogger(log.Logger),
	)
	a.pipeline, err = pipeline.New(a.store, authapi.NewRefresher(public),
		pipeline.WithMetrics(a.registry),
		pipeline.WithRefreshTimeout(cfg.GetTimeout()),
		pipeline.WithNotifier(pipeline.NotifierFunc(func(n pipeline.Notice) {
			fmt.Fprintf(os.Stderr, "%s: %s\n", n.Title, n.Message)
		})),
		pipeline.WithNavigator(pipeline.NavigatorFunc(func() {
			fmt.Fprintln(os.Stderr, "Signed out.")
		})),
	)
	if err != nil {
		_ = closeKV()
		return nil, err
	}

	a.api = authapi.New(cfg.GetBaseURL(), authapi.WithHTTPClient(a.pipeline.Client(cfg.GetTimeout())))
	a.manager, err = auth.NewSessionManager(a.store, public, a.api, a.pipeline.Terminator(),
		auth.WithValidatePath(cfg.GetValidatePath()),
		auth.WithExpirySkew(cfg.GetExpirySkew()),
	)
	if err != nil {
		_ = closeKV()
		return nil, err
	}
	return a, nil
}

// printMetrics writes the pipeline counters in a "name{labels} value" form.
func (a *app) printMetrics(w io.Writer) error {
	families, err := a.registry.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := make([]string, 0, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue()))
			}
			value := m.GetCounter().GetValue() + m.GetGauge().GetValue()
			fmt.Fprintf(w, "%s{%s} %g\n", mf.GetName(), strings.Join(labels, ","), value)
		}
	}
	return nil
}

func (a *app) Close() error {
	return a.closeKV()
}

// openKV builds the session backend selected by SESSION_STORE.
func openKV(ctx context.Context, cfg config.StoreConfig) (session.KV, func() error, error) {
	noop := func() error { return nil }

	switch kind := cfg.GetStoreKind(); kind {
	case config.StoreMemory:
		return memkv.New(), noop, nil
	case config.StoreFile:
		key, err := cfg.GetSessionKey()
		if err != nil {
			return nil, nil, err
		}
		var options []filekv.Option
		if key != nil {
			options = append(options, filekv.WithKey(key))
		}
		kv, err := filekv.New(cfg.GetSessionFile(), options...)
		if err != nil {
			return nil, nil, err
		}
		return kv, noop, nil
	case config.StoreRedis:
		kv, err := rediskv.Dial(ctx, cfg.GetRedisAddr(), cfg.GetRedisPassword(), cfg.GetRedisDB())
		if err != nil {
			return nil, nil, err
		}
		return kv, kv.Close, nil
	case config.StoreSQLite:
		kv, err := sqlitekv.Open(ctx, cfg.GetSQLitePath())
		if err != nil {
			return nil, nil, err
		}
		return kv, kv.Close, nil
	default:
		return nil, nil, fmt.Errorf("[openKV] unknown SESSION_STORE %q", kind)
	}
}

func configureLogging(cfg config.EnvConfig) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.GetLogLevel()))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if !strings.EqualFold(cfg.GetEnv(), "PROD") {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
