package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jrsteele09/go-auth-client/authapi"
	apperrors "github.com/jrsteele09/go-auth-client/internal/errors"
	"github.com/jrsteele09/go-auth-client/session"
	"github.com/jrsteele09/go-auth-client/session/memkv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const (
	protectedPath = "/api/missions"
	slowPath      = "/api/reports"
	waitFor       = 2 * time.Second
	tick          = 5 * time.Millisecond
)

// seenRequest is a protected request the fake API accepted.
type seenRequest struct {
	Seq    string
	Method string
	Body   string
	Trace  string
}

// fakeAPI accepts protected calls only with access token A2 and exchanges
// refresh token R1 for A2/R2.
type fakeAPI struct {
	srv           *httptest.Server
	refreshCalls  atomic.Int32
	rejectRefresh atomic.Bool
	gate          chan struct{}
	openGate      func()
	slow          chan struct{}
	releaseSlow   func()

	mu       sync.Mutex
	accepted []seenRequest
}

func newFakeAPI(t *testing.T, gated bool) *fakeAPI {
	t.Helper()
	api := &fakeAPI{openGate: func() {}, slow: make(chan struct{})}
	var slowOnce sync.Once
	api.releaseSlow = func() { slowOnce.Do(func() { close(api.slow) }) }
	if gated {
		api.gate = make(chan struct{})
		var once sync.Once
		api.openGate = func() { once.Do(func() { close(api.gate) }) }
	}

	mux := http.NewServeMux()
	mux.HandleFunc(authapi.RouteRefreshToken, func(w http.ResponseWriter, r *http.Request) {
		api.refreshCalls.Add(1)
		if api.gate != nil {
			<-api.gate
		}
		var req authapi.RefreshRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken != "R1" || api.rejectRefresh.Load() {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"message":"refresh token expired"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"accessToken":"A2","refreshToken":"R2"}`)
	})
	mux.HandleFunc(protectedPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer A2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		api.mu.Lock()
		api.accepted = append(api.accepted, seenRequest{
			Seq:    r.URL.Query().Get("seq"),
			Method: r.Method,
			Body:   string(body),
			Trace:  r.Header.Get("X-Trace-Id"),
		})
		api.mu.Unlock()
		w.Header().Set("X-Authorization", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc(slowPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer A2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		select {
		case <-api.slow:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusOK)
	})

	api.srv = httptest.NewServer(mux)
	t.Cleanup(api.srv.Close)
	t.Cleanup(api.openGate)
	t.Cleanup(api.releaseSlow)
	return api
}

func (api *fakeAPI) acceptedRequests() []seenRequest {
	api.mu.Lock()
	defer api.mu.Unlock()
	return append([]seenRequest(nil), api.accepted...)
}

type testFixture struct {
	api         *fakeAPI
	kv          *memkv.KV
	store       *session.Store
	pipeline    *Pipeline
	client      *http.Client
	mu          sync.Mutex
	notices     []Notice
	navigations atomic.Int32
}

func setupTestFixture(t *testing.T, gated bool, options ...Option) *testFixture {
	t.Helper()

	f := &testFixture{api: newFakeAPI(t, gated), kv: memkv.New()}
	f.store = session.NewStore(f.kv)

	options = append([]Option{
		WithMetrics(prometheus.NewRegistry()),
		WithNotifier(NotifierFunc(func(n Notice) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.notices = append(f.notices, n)
		})),
		WithNavigator(NavigatorFunc(func() { f.navigations.Add(1) })),
	}, options...)

	p, err := New(f.store, authapi.NewRefresher(authapi.New(f.api.srv.URL)), options...)
	require.NoError(t, err)
	f.pipeline = p
	f.client = p.Client(10 * time.Second)
	return f
}

func (f *testFixture) login(t *testing.T) {
	t.Helper()
	require.NoError(t, f.store.Save(context.Background(), &session.Session{
		AccessToken:  "A1",
		RefreshToken: "R1",
		User:         session.NewUserSummary(session.UserPayload{}),
	}))
}

func (f *testFixture) noticeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notices)
}

func (f *testFixture) get(ctx context.Context, seq int) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s%s?seq=%d", f.api.srv.URL, protectedPath, seq), nil)
	if err != nil {
		return nil, err
	}
	return f.client.Do(req)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, authapi.NewRefresher(authapi.New("http://localhost")))
	require.EqualError(t, err, "[New] store is required")

	_, err = New(session.NewStore(memkv.New()), nil)
	require.EqualError(t, err, "[New] refresher is required")

	_, err = New(session.NewStore(memkv.New()), authapi.NewRefresher(authapi.New("http://localhost")), WithRefreshTimeout(0))
	require.EqualError(t, err, "[New] refresh timeout must be positive")

	reg := prometheus.NewRegistry()
	_, err = New(session.NewStore(memkv.New()), authapi.NewRefresher(authapi.New("http://localhost")), WithMetrics(reg))
	require.NoError(t, err)
	_, err = New(session.NewStore(memkv.New()), authapi.NewRefresher(authapi.New("http://localhost")), WithMetrics(reg))
	require.Error(t, err, "collectors registered twice on one registry")
}

func TestInjector(t *testing.T) {
	store := session.NewStore(memkv.New())
	injector := NewInjector(store)

	req := httptest.NewRequest(http.MethodGet, "/api/clans", nil)
	req.Header.Set("Authorization", "Bearer leftover")
	require.Empty(t, injector.Inject(req))
	require.Empty(t, req.Header.Get("Authorization"))

	require.NoError(t, store.Save(context.Background(), &session.Session{AccessToken: "A1", RefreshToken: "R1"}))
	require.Equal(t, "A1", injector.Inject(req))
	require.Equal(t, "Bearer A1", req.Header.Get("Authorization"))
}

// Two protected calls fail with 401, one refresh happens and both succeed with A2.
func TestPipeline_RefreshesOnceForConcurrentFailures(t *testing.T) {
	f := setupTestFixture(t, true)
	f.login(t)

	const n = 5
	responses := make([]*http.Response, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			resp, err := f.get(context.Background(), i)
			responses[i] = resp
			return err
		})
	}

	require.Eventually(t, func() bool { return f.pipeline.coordinator.pendingWaiters() == n }, waitFor, tick)
	require.Equal(t, float64(n), testutil.ToFloat64(f.pipeline.coordinator.metrics.waiters))
	f.api.openGate()
	require.NoError(t, g.Wait())

	require.EqualValues(t, 1, f.api.refreshCalls.Load())
	for _, resp := range responses {
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "Bearer A2", resp.Header.Get("X-Authorization"))
		resp.Body.Close()
	}

	current := f.store.Current()
	require.Equal(t, "A2", current.AccessToken)
	require.Equal(t, "R2", current.RefreshToken)
	loaded, err := session.NewStore(f.kv).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "A2", loaded.AccessToken)
	require.Equal(t, "R2", loaded.RefreshToken)

	m := f.pipeline.coordinator.metrics
	require.Equal(t, float64(1), testutil.ToFloat64(m.refreshes.WithLabelValues(outcomeSuccess)))
	require.Equal(t, float64(n), testutil.ToFloat64(m.replays))
	require.Zero(t, testutil.ToFloat64(m.waiters))
	require.Zero(t, f.noticeCount())
}

// sendOrder records the seq of every request sent with the refreshed token.
type sendOrder struct {
	mu   sync.Mutex
	seqs []string
}

func (o *sendOrder) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Authorization") == "Bearer A2" {
		o.mu.Lock()
		o.seqs = append(o.seqs, req.URL.Query().Get("seq"))
		o.mu.Unlock()
	}
	return http.DefaultTransport.RoundTrip(req)
}

func (o *sendOrder) sent() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.seqs...)
}

func TestPipeline_ReplaysInArrivalOrder(t *testing.T) {
	order := &sendOrder{}
	f := setupTestFixture(t, true, WithBaseTransport(order))
	f.login(t)

	const n = 4
	var g errgroup.Group
	for i := 1; i <= n; i++ {
		g.Go(func() error {
			req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("%s%s?seq=%d", f.api.srv.URL, protectedPath, i), strings.NewReader("payload-"+strconv.Itoa(i)))
			if err != nil {
				return err
			}
			req.Header.Set("X-Trace-Id", "trace-"+strconv.Itoa(i))
			resp, err := f.client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("request %d: status %d", i, resp.StatusCode)
			}
			return nil
		})
		// the next request fails only after this one is queued
		require.Eventually(t, func() bool { return f.pipeline.coordinator.pendingWaiters() == i }, waitFor, tick)
	}

	f.api.openGate()
	require.NoError(t, g.Wait())
	require.EqualValues(t, 1, f.api.refreshCalls.Load())
	require.Equal(t, []string{"1", "2", "3", "4"}, order.sent())

	accepted := f.api.acceptedRequests()
	require.Len(t, accepted, n)
	for _, seen := range accepted {
		require.Equal(t, http.MethodPost, seen.Method)
		require.Equal(t, "payload-"+seen.Seq, seen.Body)
		require.Equal(t, "trace-"+seen.Seq, seen.Trace)
	}
}

// A replay that hangs does not hold back the waiters queued behind it.
func TestPipeline_SlowReplayDoesNotDelayLaterWaiters(t *testing.T) {
	f := setupTestFixture(t, true)
	f.login(t)

	slowDone := make(chan error, 1)
	go func() {
		req, err := http.NewRequest(http.MethodGet, f.api.srv.URL+slowPath+"?seq=1", nil)
		if err != nil {
			slowDone <- err
			return
		}
		resp, err := f.client.Do(req)
		if resp != nil {
			resp.Body.Close()
		}
		slowDone <- err
	}()
	require.Eventually(t, func() bool { return f.pipeline.coordinator.pendingWaiters() == 1 }, waitFor, tick)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	fastDone := make(chan error, 1)
	go func() {
		resp, err := f.get(ctx, 2)
		if resp != nil {
			resp.Body.Close()
		}
		fastDone <- err
	}()
	require.Eventually(t, func() bool { return f.pipeline.coordinator.pendingWaiters() == 2 }, waitFor, tick)

	f.api.openGate()
	require.NoError(t, <-fastDone)
	require.Equal(t, "2", f.api.acceptedRequests()[0].Seq)
	select {
	case err := <-slowDone:
		t.Fatalf("slow replay finished early: %v", err)
	default:
	}

	f.api.releaseSlow()
	require.NoError(t, <-slowDone)
}

// A refresh call that never answers fails like a rejected one: the session
// ends and the coordinator goes back to Idle.
func TestPipeline_StalledRefreshTimesOut(t *testing.T) {
	f := setupTestFixture(t, true, WithRefreshTimeout(100*time.Millisecond))
	f.login(t)

	resp, err := f.get(context.Background(), 1)
	if resp != nil {
		resp.Body.Close()
	}
	require.ErrorIs(t, err, apperrors.ErrSessionExpired)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.False(t, f.pipeline.coordinator.refreshing())
	require.Zero(t, f.pipeline.coordinator.pendingWaiters())
	require.Zero(t, testutil.ToFloat64(f.pipeline.coordinator.metrics.waiters))
	require.Nil(t, f.store.Current())
	require.Equal(t, 1, f.noticeCount())

	// later calls see no session instead of queueing behind the stalled refresh
	resp, err = f.get(context.Background(), 2)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.EqualValues(t, 1, f.api.refreshCalls.Load())
}

func TestCoordinator_ExchangeWithoutSession(t *testing.T) {
	f := setupTestFixture(t, false)

	_, err := f.pipeline.coordinator.exchange(context.Background(), nil)
	require.ErrorIs(t, err, apperrors.ErrRefreshRejected)
	require.ErrorIs(t, err, apperrors.ErrNoSession)

	_, err = f.pipeline.coordinator.exchange(context.Background(), &session.Session{AccessToken: "A1"})
	require.ErrorIs(t, err, apperrors.ErrNoSession)
	require.Zero(t, f.api.refreshCalls.Load())
}

// The refresh call itself is rejected: every waiter fails, the store is empty
// and exactly one notice is emitted.
func TestPipeline_RefreshRejectedTerminatesOnce(t *testing.T) {
	f := setupTestFixture(t, true)
	f.login(t)
	f.api.rejectRefresh.Store(true)

	var g errgroup.Group
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		g.Go(func() error {
			resp, err := f.get(context.Background(), i)
			if resp != nil {
				resp.Body.Close()
			}
			errs[i] = err
			return nil
		})
	}
	require.Eventually(t, func() bool { return f.pipeline.coordinator.pendingWaiters() == 2 }, waitFor, tick)
	f.api.openGate()
	require.NoError(t, g.Wait())

	for _, err := range errs {
		require.ErrorIs(t, err, apperrors.ErrSessionExpired)
		require.ErrorIs(t, err, apperrors.ErrRefreshRejected)
	}
	require.EqualValues(t, 1, f.api.refreshCalls.Load())
	require.Nil(t, f.store.Current())
	require.Zero(t, f.kv.Len())
	require.Equal(t, 1, f.noticeCount())
	require.Equal(t, ReasonRefreshFailed, f.notices[0].Reason)
	require.EqualValues(t, 1, f.navigations.Load())

	m := f.pipeline.coordinator.metrics
	require.Equal(t, float64(1), testutil.ToFloat64(m.refreshes.WithLabelValues(outcomeFailure)))
	require.Equal(t, float64(1), testutil.ToFloat64(m.terminations))
}

func TestPipeline_RefreshEndpointNeverRefreshes(t *testing.T) {
	f := setupTestFixture(t, false)
	f.login(t)

	body := strings.NewReader(`{"accessToken":"A1","refreshToken":"stolen"}`)
	resp, err := f.client.Post(f.api.srv.URL+authapi.RouteRefreshToken, "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.EqualValues(t, 1, f.api.refreshCalls.Load())
	require.NotNil(t, f.store.Current())
	require.Zero(t, f.noticeCount())
}

func TestPipeline_NoSessionPassesUnauthorizedThrough(t *testing.T) {
	f := setupTestFixture(t, false)

	resp, err := f.get(context.Background(), 1)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Zero(t, f.api.refreshCalls.Load())
	require.Zero(t, f.navigations.Load())
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func TestPipeline_NetworkErrorPassesThrough(t *testing.T) {
	errReset := errors.New("connection reset by peer")
	f := setupTestFixture(t, false, WithBaseTransport(roundTripperFunc(func(*http.Request) (*http.Response, error) {
		return nil, errReset
	})))
	f.login(t)

	_, err := f.get(context.Background(), 1)
	require.ErrorIs(t, err, errReset)
	require.Zero(t, f.api.refreshCalls.Load())
	require.Equal(t, "A1", f.store.Current().AccessToken)
	require.Zero(t, f.noticeCount())
}

func TestPipeline_StaleTokenReplaysWithoutRefresh(t *testing.T) {
	f := setupTestFixture(t, false)
	require.NoError(t, f.store.Save(context.Background(), &session.Session{AccessToken: "A2", RefreshToken: "R2"}))

	req, err := http.NewRequest(http.MethodGet, f.api.srv.URL+protectedPath+"?seq=1", nil)
	require.NoError(t, err)
	unauthorized := &http.Response{StatusCode: http.StatusUnauthorized, Body: io.NopCloser(strings.NewReader(""))}

	resp, err := f.pipeline.coordinator.handleUnauthorized(context.Background(), req, "A1", unauthorized)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "Bearer A2", resp.Header.Get("X-Authorization"))
	require.Zero(t, f.api.refreshCalls.Load())
}

func TestPipeline_AbandonedWaiterStillReplays(t *testing.T) {
	f := setupTestFixture(t, true)
	f.login(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		resp, err := f.get(ctx, 7)
		if resp != nil {
			resp.Body.Close()
		}
		done <- err
	}()

	require.Eventually(t, func() bool { return f.pipeline.coordinator.pendingWaiters() == 1 }, waitFor, tick)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	f.api.openGate()
	require.Eventually(t, func() bool { return len(f.api.acceptedRequests()) == 1 }, waitFor, tick)
	require.Equal(t, "7", f.api.acceptedRequests()[0].Seq)
	require.Equal(t, "A2", f.store.Current().AccessToken)
}

func TestPipeline_LogoutDuringRefreshDiscardsTokens(t *testing.T) {
	f := setupTestFixture(t, true)
	f.login(t)

	done := make(chan error, 1)
	go func() {
		resp, err := f.get(context.Background(), 1)
		if resp != nil {
			resp.Body.Close()
		}
		done <- err
	}()
	require.Eventually(t, func() bool { return f.pipeline.coordinator.pendingWaiters() == 1 }, waitFor, tick)

	require.NoError(t, f.pipeline.Terminator().End(context.Background()))
	f.api.openGate()

	require.ErrorIs(t, <-done, apperrors.ErrSessionChanged)
	require.Nil(t, f.store.Current())
	require.Zero(t, f.kv.Len(), "refreshed tokens must not resurrect the session")
	require.Zero(t, f.noticeCount())
	require.EqualValues(t, 1, f.navigations.Load())
}

func TestTerminator_Idempotent(t *testing.T) {
	f := setupTestFixture(t, false)
	terminator := f.pipeline.Terminator()

	require.NoError(t, terminator.Terminate(context.Background(), ReasonRefreshFailed))
	require.Zero(t, f.noticeCount(), "no session, no notice")
	require.Zero(t, f.navigations.Load())

	f.login(t)
	var g errgroup.Group
	for i := 0; i < 3; i++ {
		g.Go(func() error { return terminator.Terminate(context.Background(), ReasonRefreshFailed) })
	}
	require.NoError(t, g.Wait())

	require.Equal(t, 1, f.noticeCount())
	require.EqualValues(t, 1, f.navigations.Load())
	require.Nil(t, f.store.Current())
	require.Zero(t, f.kv.Len())
}

func TestTerminator_EndIsQuiet(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f := setupTestFixture(t, false, WithNowTime(func() time.Time { return now }))
	f.login(t)

	require.NoError(t, f.pipeline.Terminator().End(context.Background()))
	require.Zero(t, f.noticeCount())
	require.EqualValues(t, 1, f.navigations.Load())

	f.login(t)
	require.NoError(t, f.pipeline.Terminator().Terminate(context.Background(), ReasonInvalid))
	require.Equal(t, 1, f.noticeCount())
	require.Equal(t, Notice{
		Reason:  ReasonInvalid,
		Title:   "Session ended",
		Message: "Your session is no longer valid. Please log in again.",
		At:      now,
	}, f.notices[0])
}

func TestPipeline_BackToBackCallsShareOneRefresh(t *testing.T) {
	f := setupTestFixture(t, false)
	f.login(t)

	var g errgroup.Group
	auth := make([]string, 2)
	for i := range auth {
		g.Go(func() error {
			resp, err := f.get(context.Background(), i)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			auth[i] = resp.Header.Get("X-Authorization")
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.EqualValues(t, 1, f.api.refreshCalls.Load())
	require.Equal(t, []string{"Bearer A2", "Bearer A2"}, auth)
	require.Equal(t, "A2", f.store.Current().AccessToken)
}
