// Package gateway executes outbound API calls: it attaches the current
// credential, bounds every attempt with a timeout, retries transient
// failures with a fixed backoff and transparently retries exactly once after
// a credential refresh on 401.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/careplane/careplane/internal/apierrors"
	"github.com/careplane/careplane/internal/domain"
	"github.com/careplane/careplane/internal/metrics"
	"github.com/careplane/careplane/internal/platform/requestid"
	"github.com/careplane/careplane/internal/platform/retry"
	"github.com/careplane/careplane/internal/session"
)

// maxErrorBody bounds how much of an error response body is read for the
// server-provided message.
const maxErrorBody = 64 << 10

// refresher is the slice of the scheduler the gateway needs.
type refresher interface {
	PerformRefresh(ctx context.Context) (*domain.Session, error)
}

// Request describes one logical outbound call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	// Body is marshalled to JSON when non-nil. []byte and json.RawMessage
	// are passed through as-is.
	Body    any
	UseAuth bool
	// Timeout bounds each attempt; zero uses the gateway default.
	Timeout time.Duration
	// MaxRetries bounds transient retries (5xx/network). Zero uses the
	// gateway default; a negative value disables transient retries.
	MaxRetries int
}

// Response is the raw outcome of a successful call.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// DecodeJSON unmarshals the response body, surfacing a parse error on
// malformed payloads.
func (r *Response) DecodeJSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return apierrors.Parse(err)
	}
	return nil
}

// Config carries the gateway's construction parameters.
type Config struct {
	BaseURL string
	AnonKey string

	DefaultTimeout    time.Duration
	DefaultMaxRetries int
	RetryBackoff      time.Duration

	// RateLimit caps outbound attempts per second; 0 disables the limiter.
	RateLimit float64

	HTTPClient *http.Client
	Clock      clockwork.Clock

	// OnAuthLost is invoked when a refresh triggered by a 401 fails; the
	// app escalates it to the process-wide sign-out effect.
	OnAuthLost func(reason string)
}

// Gateway executes outbound calls against the backend API.
type Gateway struct {
	baseURL   string
	anonKey   string
	store     *session.Store
	refresher refresher

	defaultTimeout    time.Duration
	defaultMaxRetries int
	backoff           time.Duration

	http       *http.Client
	clock      clockwork.Clock
	limiter    *rate.Limiter
	onAuthLost func(reason string)
}

// New creates a gateway reading credentials from store and delegating
// refreshes to the scheduler.
func New(cfg Config, store *session.Store, r refresher) *Gateway {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	return &Gateway{
		baseURL:           strings.TrimRight(cfg.BaseURL, "/"),
		anonKey:           cfg.AnonKey,
		store:             store,
		refresher:         r,
		defaultTimeout:    cfg.DefaultTimeout,
		defaultMaxRetries: cfg.DefaultMaxRetries,
		backoff:           cfg.RetryBackoff,
		http:              httpClient,
		clock:             clock,
		limiter:           limiter,
		onAuthLost:        cfg.OnAuthLost,
	}
}

// Execute runs one logical call including its retries. At most one
// refresh-and-retry happens per call; a 401 on the post-refresh attempt is
// terminal.
func (g *Gateway) Execute(ctx context.Context, req Request) (*Response, error) {
	id := requestid.New()
	ctx = requestid.WithID(ctx, id)

	refreshed := false
	for {
		resp, err := g.attemptWithRetry(ctx, req, id)
		if err == nil {
			return resp, nil
		}

		if apierrors.IsType(err, apierrors.TypeAuthExpired) && req.UseAuth && !refreshed {
			refreshed = true
			slog.InfoContext(ctx, "Credential rejected, refreshing and retrying once",
				"method", req.Method, "path", req.Path)

			if _, rerr := g.refresher.PerformRefresh(ctx); rerr != nil {
				if g.onAuthLost != nil {
					g.onAuthLost("credential refresh failed")
				}
				return nil, apierrors.AuthUnrecoverable("credential refresh failed", rerr)
			}
			metrics.RequestAuthRetriesTotal.Inc()
			continue
		}

		return nil, err
	}
}

// attemptWithRetry runs the transient retry loop around single attempts.
// Only 5xx and network/timeout failures are retried; everything else stops
// the loop immediately.
func (g *Gateway) attemptWithRetry(ctx context.Context, req Request, id string) (*Response, error) {
	maxRetries := req.MaxRetries
	switch {
	case maxRetries == 0:
		maxRetries = g.defaultMaxRetries
	case maxRetries < 0:
		maxRetries = 0
	}

	policy := retry.Policy{
		MaxAttempts: maxRetries + 1,
		Backoff:     g.backoff,
		Clock:       g.clock,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			metrics.RequestRetriesTotal.Inc()
			slog.WarnContext(ctx, "Transient request failure, retrying",
				"method", req.Method, "path", req.Path,
				"attempt", attempt, "backoff", backoff, "error", err)
		},
	}

	classify := func(err error) retry.Action {
		if apiErr := apierrors.As(err); apiErr.Retryable() {
			return retry.Retry
		}
		return retry.Stop
	}

	return retry.Do(ctx, policy, classify, func() (*Response, error) {
		return g.doOnce(ctx, req, id)
	})
}

func (g *Gateway) doOnce(ctx context.Context, req Request, id string) (*Response, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, apierrors.Network(err)
		}
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = g.defaultTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := g.buildRequest(attemptCtx, req, id)
	if err != nil {
		return nil, err
	}

	resp, err := g.http.Do(httpReq)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues("network").Inc()
		return nil, apierrors.Network(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues("network").Inc()
		return nil, apierrors.Network(err)
	}

	return g.classify(resp, body)
}

func (g *Gateway) buildRequest(ctx context.Context, req Request, id string) (*http.Request, error) {
	target := g.baseURL + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var bodyReader io.Reader
	switch b := req.Body.(type) {
	case nil:
	case []byte:
		bodyReader = bytes.NewReader(b)
	case json.RawMessage:
		bodyReader = bytes.NewReader(b)
	default:
		encoded, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	if bodyReader != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set(requestid.Header, id)
	if g.anonKey != "" {
		httpReq.Header.Set("apikey", g.anonKey)
	}

	// The token is read fresh on every attempt so the post-refresh retry
	// picks up the renewed credential.
	if req.UseAuth {
		if s := g.store.Get(); s != nil {
			httpReq.Header.Set("Authorization", "Bearer "+s.Credential.AccessToken)
		}
	}

	return httpReq, nil
}

func (g *Gateway) classify(resp *http.Response, body []byte) (*Response, error) {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		metrics.RequestsTotal.WithLabelValues("2xx").Inc()
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil

	case resp.StatusCode == http.StatusUnauthorized:
		metrics.RequestsTotal.WithLabelValues("4xx").Inc()
		return nil, apierrors.AuthExpired(serverMessage(body))

	case resp.StatusCode == http.StatusForbidden:
		metrics.RequestsTotal.WithLabelValues("4xx").Inc()
		return nil, apierrors.PermissionDenied(serverMessage(body))

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		metrics.RequestsTotal.WithLabelValues("4xx").Inc()
		return nil, apierrors.Client(resp.StatusCode, serverMessage(body))

	default:
		metrics.RequestsTotal.WithLabelValues("5xx").Inc()
		return nil, apierrors.Server(resp.StatusCode, serverMessage(body))
	}
}

// serverMessage extracts the error message from a JSON error body, trying
// the conventional fields in order.
func serverMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}

	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
		Msg     string `json:"msg"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	switch {
	case payload.Message != "":
		return payload.Message
	case payload.Error != "":
		return payload.Error
	default:
		return payload.Msg
	}
}
