// Package app is the application layer: the only component that references
// multiple session and transport components. It wires them together and
// orchestrates the sign-in, resume and sign-out use cases.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/careplane/careplane/internal/config"
	"github.com/careplane/careplane/internal/domain"
	"github.com/careplane/careplane/internal/gateway"
	"github.com/careplane/careplane/internal/identity"
	"github.com/careplane/careplane/internal/metrics"
	"github.com/careplane/careplane/internal/realtime"
	"github.com/careplane/careplane/internal/session"
)

const signOutTimeout = 5 * time.Second

// Core owns the session lifecycle and hands out the request gateway and
// subscription manager built on top of it.
type Core struct {
	cfg      *config.Config
	clock    clockwork.Clock
	provider domain.IdentityProvider

	store     *session.Store
	scheduler *session.RefreshScheduler
	validator *session.Validator
	gateway   *gateway.Gateway

	transport *realtime.WebsocketTransport
	manager   *realtime.Manager

	mu              sync.Mutex
	signOutFired    bool
	onForcedSignOut func(reason string)
}

// Option tweaks Core construction, mostly for tests.
type Option func(*coreOptions)

type coreOptions struct {
	clock      clockwork.Clock
	provider   domain.IdentityProvider
	httpClient *http.Client
}

// WithClock substitutes the wall clock.
func WithClock(clock clockwork.Clock) Option {
	return func(o *coreOptions) { o.clock = clock }
}

// WithIdentityProvider substitutes the auth backend client.
func WithIdentityProvider(p domain.IdentityProvider) Option {
	return func(o *coreOptions) { o.provider = p }
}

// WithHTTPClient substitutes the HTTP client used for API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *coreOptions) { o.httpClient = c }
}

// New wires the full client core from configuration. The realtime layer is
// only constructed when a realtime URL is configured.
func New(cfg *config.Config, opts ...Option) *Core {
	var o coreOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	if o.provider == nil {
		o.provider = identity.NewClient(identity.Config{
			BaseURL:    cfg.BaseURL,
			AnonKey:    cfg.AnonKey,
			Timeout:    cfg.HTTPTimeout,
			HTTPClient: o.httpClient,
			Clock:      o.clock,
		})
	}

	c := &Core{
		cfg:      cfg,
		clock:    o.clock,
		provider: o.provider,
	}

	c.store = session.NewStore(o.clock)
	c.scheduler = session.NewRefreshScheduler(c.store, c.provider, o.clock, cfg.RefreshMargin)
	c.validator = session.NewValidator(
		c.store, c.scheduler, o.clock,
		cfg.RefreshMargin, cfg.ValidationInterval, cfg.DebounceWindow,
		c.forcedSignOut,
	)
	c.gateway = gateway.New(gateway.Config{
		BaseURL:           cfg.BaseURL,
		AnonKey:           cfg.AnonKey,
		DefaultTimeout:    cfg.HTTPTimeout,
		DefaultMaxRetries: cfg.MaxRetries,
		RetryBackoff:      cfg.RetryBackoff,
		RateLimit:         cfg.RequestRateLimit,
		HTTPClient:        o.httpClient,
		Clock:             o.clock,
		OnAuthLost:        c.forcedSignOut,
	}, c.store, c.scheduler)

	if cfg.RealtimeURL != "" {
		c.transport = realtime.NewWebsocketTransport(cfg.RealtimeURL, cfg.AnonKey, c.store, o.clock)
		c.manager = realtime.NewManager(c.transport, c.store, o.clock)
	}

	return c
}

// Gateway returns the request gateway.
func (c *Core) Gateway() *gateway.Gateway { return c.gateway }

// Subscriptions returns the subscription manager, or nil when no realtime
// URL is configured.
func (c *Core) Subscriptions() *realtime.Manager { return c.manager }

// Store returns the session store for read access.
func (c *Core) Store() *session.Store { return c.store }

// OnForcedSignOut registers the single process-wide effect invoked when the
// session is lost without an explicit SignOut. Fired at most once per
// authenticated session.
func (c *Core) OnForcedSignOut(fn func(reason string)) {
	c.mu.Lock()
	c.onForcedSignOut = fn
	c.mu.Unlock()
}

// SignIn authenticates, installs the session and starts the background
// refresh and validation machinery.
func (c *Core) SignIn(ctx context.Context, identifier, secret string) error {
	c.validator.MarkAuthenticating()

	cred, err := c.provider.SignIn(ctx, identifier, secret)
	if err != nil {
		c.validator.MarkUnauthenticated()
		return fmt.Errorf("sign in: %w", err)
	}

	sess := &domain.Session{Credential: *cred, IssuedAt: c.clock.Now()}
	c.installSession(sess)
	slog.Info("Signed in", "subject_id", cred.SubjectID, "expires_at", cred.ExpiresAt)
	return nil
}

// Resume adopts an existing provider session, for example after a process
// restart. Returns domain.ErrNoSession when the provider has none.
func (c *Core) Resume(ctx context.Context) error {
	cred, err := c.provider.CurrentSession(ctx)
	if err != nil {
		return fmt.Errorf("resume session: %w", err)
	}
	if cred == nil {
		return domain.ErrNoSession
	}

	sess := &domain.Session{Credential: *cred, IssuedAt: c.clock.Now()}
	c.installSession(sess)
	slog.Info("Resumed session", "subject_id", cred.SubjectID, "expires_at", cred.ExpiresAt)
	return nil
}

// SignOut revokes the credential (best effort), stops the refresh machinery
// and clears the local session. Clearing the store cascades into the
// subscription manager, which tears down every open channel.
func (c *Core) SignOut(ctx context.Context) error {
	sess := c.store.Get()

	c.scheduler.Cancel()

	c.mu.Lock()
	c.signOutFired = true // explicit sign-out, no forced effect
	c.mu.Unlock()

	c.store.Clear()

	if sess == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, signOutTimeout)
	defer cancel()
	if err := c.provider.SignOut(ctx, sess.Credential.AccessToken); err != nil {
		slog.Warn("Provider sign-out failed, local session cleared anyway", "error", err)
	}
	slog.Info("Signed out", "subject_id", sess.Credential.SubjectID)
	return nil
}

// Validate runs an on-demand session check, subject to the debounce window.
func (c *Core) Validate(ctx context.Context) (bool, error) {
	return c.validator.Validate(ctx)
}

// State returns the current session lifecycle state.
func (c *Core) State() session.State {
	return c.validator.State()
}

// OpenRealtime dials the realtime endpoint; call after a session exists.
func (c *Core) OpenRealtime(ctx context.Context) error {
	if c.transport == nil {
		return fmt.Errorf("no realtime URL configured")
	}
	return c.transport.Open(ctx)
}

// Stop shuts everything down without revoking the credential.
func (c *Core) Stop() {
	c.scheduler.Cancel()
	c.validator.Stop()
	if c.manager != nil {
		c.manager.Close()
	}
	if c.transport != nil {
		_ = c.transport.Close()
	}
}

func (c *Core) installSession(sess *domain.Session) {
	c.mu.Lock()
	c.signOutFired = false
	c.mu.Unlock()

	c.store.Set(sess)
	c.scheduler.ScheduleNextRefresh(sess)
	c.validator.Start()
}

// forcedSignOut is the funnel for every involuntary session loss: failed
// scheduled refreshes, failed 401-triggered refreshes and failed validation
// refreshes all end up here, but the user-visible effect fires only once.
func (c *Core) forcedSignOut(reason string) {
	c.mu.Lock()
	if c.signOutFired {
		c.mu.Unlock()
		return
	}
	c.signOutFired = true
	fn := c.onForcedSignOut
	c.mu.Unlock()

	metrics.ForcedSignOutsTotal.Inc()
	slog.Warn("Session lost, sign-in required", "reason", reason)
	if fn != nil {
		fn(reason)
	}
}
