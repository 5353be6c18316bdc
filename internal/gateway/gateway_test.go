package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careplane/careplane/internal/apierrors"
	"github.com/careplane/careplane/internal/domain"
	"github.com/careplane/careplane/internal/session"
)

type fakeRefresher struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context) (*domain.Session, error)
}

func (f *fakeRefresher) PerformRefresh(ctx context.Context) (*domain.Session, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fn == nil {
		return nil, errors.New("unexpected refresh")
	}
	return f.fn(ctx)
}

func (f *fakeRefresher) refreshCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func sessionWithToken(token string) *domain.Session {
	return &domain.Session{
		Credential: domain.Credential{
			AccessToken:  token,
			RefreshToken: "refresh-" + token,
			ExpiresAt:    time.Now().Add(time.Hour),
			SubjectID:    "subject-123",
		},
	}
}

func newTestGateway(t *testing.T, serverURL string, store *session.Store, r refresher, onAuthLost func(string)) *Gateway {
	t.Helper()
	return New(Config{
		BaseURL:           serverURL,
		AnonKey:           "anon-key",
		DefaultTimeout:    2 * time.Second,
		DefaultMaxRetries: 3,
		RetryBackoff:      time.Millisecond,
		OnAuthLost:        onAuthLost,
	}, store, r)
}

func TestExecute_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		assert.Equal(t, "anon-key", r.Header.Get("apikey"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"appt-1","patient":"p-9"}`))
	}))
	defer server.Close()

	store := session.NewStore(clockwork.NewRealClock())
	store.Set(sessionWithToken("token-1"))
	g := newTestGateway(t, server.URL, store, &fakeRefresher{}, nil)

	resp, err := g.Execute(context.Background(), Request{
		Method:  http.MethodGet,
		Path:    "/rest/v1/appointments",
		Query:   url.Values{"select": {"*"}},
		UseAuth: true,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		ID string `json:"id"`
	}
	require.NoError(t, resp.DecodeJSON(&payload))
	assert.Equal(t, "appt-1", payload.ID)
}

func TestExecute_UnauthenticatedWhenNoSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := session.NewStore(clockwork.NewRealClock())
	g := newTestGateway(t, server.URL, store, &fakeRefresher{}, nil)

	_, err := g.Execute(context.Background(), Request{Method: http.MethodGet, Path: "/health", UseAuth: true})
	assert.NoError(t, err)
}

func TestExecute_RetriesServerErrorsThenSucceeds(t *testing.T) {
	// Scenario: 500 three times, then 200. With maxRetries=3 the fourth
	// attempt succeeds.
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) <= 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	store := session.NewStore(clockwork.NewRealClock())
	g := newTestGateway(t, server.URL, store, &fakeRefresher{}, nil)

	resp, err := g.Execute(context.Background(), Request{Method: http.MethodGet, Path: "/x", MaxRetries: 3})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(4), requests.Load())
}

func TestExecute_ServerErrorAfterExhaustedRetries(t *testing.T) {
	// Same sequence with maxRetries=2 surfaces the server error after
	// exactly 2 retries (3 attempts).
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	store := session.NewStore(clockwork.NewRealClock())
	g := newTestGateway(t, server.URL, store, &fakeRefresher{}, nil)

	_, err := g.Execute(context.Background(), Request{Method: http.MethodGet, Path: "/x", MaxRetries: 2})
	require.Error(t, err)
	assert.True(t, apierrors.IsType(err, apierrors.TypeServer))
	assert.Equal(t, int32(3), requests.Load())
}

func TestExecute_PermissionDeniedNeverRetried(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"role lacks access to appointments"}`))
	}))
	defer server.Close()

	store := session.NewStore(clockwork.NewRealClock())
	store.Set(sessionWithToken("token-1"))
	r := &fakeRefresher{}
	g := newTestGateway(t, server.URL, store, r, nil)

	_, err := g.Execute(context.Background(), Request{Method: http.MethodGet, Path: "/x", UseAuth: true, MaxRetries: 3})
	require.Error(t, err)
	assert.True(t, apierrors.IsType(err, apierrors.TypePermissionDenied))
	assert.Equal(t, int32(1), requests.Load(), "403 must be retried zero times")
	assert.Zero(t, r.refreshCalls(), "403 must not trigger a refresh")
}

func TestExecute_ClientErrorSurfacesServerMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"message":"appointment slot already taken"}`))
	}))
	defer server.Close()

	store := session.NewStore(clockwork.NewRealClock())
	g := newTestGateway(t, server.URL, store, &fakeRefresher{}, nil)

	_, err := g.Execute(context.Background(), Request{Method: http.MethodPost, Path: "/x"})
	require.Error(t, err)

	var apiErr *apierrors.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierrors.TypeClient, apiErr.Type)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "appointment slot already taken", apiErr.Message)
}

func TestExecute_RefreshesAndRetriesOnceOn401(t *testing.T) {
	store := session.NewStore(clockwork.NewRealClock())
	store.Set(sessionWithToken("stale"))

	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.Header.Get("Authorization") == "Bearer fresh" {
			_, _ = w.Write([]byte(`{"ok":true}`))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	r := &fakeRefresher{fn: func(context.Context) (*domain.Session, error) {
		next := sessionWithToken("fresh")
		store.Set(next)
		return next, nil
	}}
	g := newTestGateway(t, server.URL, store, r, nil)

	resp, err := g.Execute(context.Background(), Request{Method: http.MethodGet, Path: "/x", UseAuth: true})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, r.refreshCalls())
	assert.Equal(t, int32(2), requests.Load())
}

func TestExecute_Second401AfterRefreshIsTerminal(t *testing.T) {
	store := session.NewStore(clockwork.NewRealClock())
	store.Set(sessionWithToken("stale"))

	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	r := &fakeRefresher{fn: func(context.Context) (*domain.Session, error) {
		next := sessionWithToken("fresh")
		store.Set(next)
		return next, nil
	}}
	g := newTestGateway(t, server.URL, store, r, nil)

	_, err := g.Execute(context.Background(), Request{Method: http.MethodGet, Path: "/x", UseAuth: true})
	require.Error(t, err)
	assert.True(t, apierrors.IsType(err, apierrors.TypeAuthExpired))
	assert.Equal(t, 1, r.refreshCalls(), "no second refresh after the post-refresh retry")
	assert.Equal(t, int32(2), requests.Load())
}

func TestExecute_RefreshFailureForcesAuthLost(t *testing.T) {
	store := session.NewStore(clockwork.NewRealClock())
	store.Set(sessionWithToken("stale"))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	r := &fakeRefresher{fn: func(context.Context) (*domain.Session, error) {
		store.Clear()
		return nil, errors.New("refresh token revoked")
	}}

	var reason string
	g := newTestGateway(t, server.URL, store, r, func(r string) { reason = r })

	_, err := g.Execute(context.Background(), Request{Method: http.MethodGet, Path: "/x", UseAuth: true})
	require.Error(t, err)
	assert.True(t, apierrors.IsType(err, apierrors.TypeAuthUnrecoverable))
	assert.Equal(t, "credential refresh failed", reason)
}

func TestExecute_ConcurrentExpiry_SingleRefresh(t *testing.T) {
	// N concurrent requests all hit a 401 against the stale token; the
	// shared scheduler must issue exactly one refresh call.
	const concurrency = 4

	clock := clockwork.NewRealClock()
	store := session.NewStore(clock)
	store.Set(sessionWithToken("stale"))

	var staleRequests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer fresh" {
			_, _ = w.Write([]byte(`{"ok":true}`))
			return
		}
		staleRequests.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	release := make(chan struct{})
	provider := &countingProvider{
		refreshFn: func(context.Context, string) (*domain.Credential, error) {
			<-release
			cred := sessionWithToken("fresh").Credential
			return &cred, nil
		},
	}
	scheduler := session.NewRefreshScheduler(store, provider, clock, time.Minute)
	g := newTestGateway(t, server.URL, store, scheduler, nil)

	var wg sync.WaitGroup
	errs := make([]error, concurrency)
	for i := 0; i < concurrency; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = g.Execute(context.Background(), Request{Method: http.MethodGet, Path: "/x", UseAuth: true})
		}()
	}

	// Hold the refresh open until every request has observed its 401 and
	// joined the in-flight refresh.
	require.Eventually(t, func() bool {
		return staleRequests.Load() == concurrency
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	close(release)

	wg.Wait()
	for i, err := range errs {
		assert.NoError(t, err, "request %d", i)
	}
	assert.Equal(t, 1, provider.calls())
}

func TestExecute_TimeoutClassifiedAsNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer server.Close()

	store := session.NewStore(clockwork.NewRealClock())
	g := newTestGateway(t, server.URL, store, &fakeRefresher{}, nil)

	start := time.Now()
	_, err := g.Execute(context.Background(), Request{
		Method:     http.MethodGet,
		Path:       "/slow",
		Timeout:    20 * time.Millisecond,
		MaxRetries: -1, // disable transient retries for a crisp assertion
	})
	require.Error(t, err)
	assert.True(t, apierrors.IsType(err, apierrors.TypeNetwork))
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestServerMessage(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"message field", `{"message":"slot taken"}`, "slot taken"},
		{"error field", `{"error":"bad request"}`, "bad request"},
		{"msg field", `{"msg":"nope"}`, "nope"},
		{"empty body", ``, ""},
		{"not json", `<html>irrelevant</html>`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, serverMessage([]byte(tt.body)))
		})
	}
}

// countingProvider drives the real scheduler in the concurrency test.
type countingProvider struct {
	mu           sync.Mutex
	refreshCalls int
	refreshFn    func(ctx context.Context, refreshToken string) (*domain.Credential, error)
}

func (p *countingProvider) SignIn(context.Context, string, string) (*domain.Credential, error) {
	return nil, errors.New("not implemented")
}

func (p *countingProvider) RefreshCredential(ctx context.Context, refreshToken string) (*domain.Credential, error) {
	p.mu.Lock()
	p.refreshCalls++
	p.mu.Unlock()
	return p.refreshFn(ctx, refreshToken)
}

func (p *countingProvider) SignOut(context.Context, string) error { return nil }

func (p *countingProvider) CurrentSession(context.Context) (*domain.Credential, error) {
	return nil, nil
}

func (p *countingProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshCalls
}
