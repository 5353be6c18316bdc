package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/careplane/careplane/internal/domain"
	"github.com/careplane/careplane/internal/metrics"
)

// RefreshScheduler proactively renews the credential before expiry and
// guarantees at most one refresh in flight process-wide. It is the only
// writer of renewed credentials.
type RefreshScheduler struct {
	store    *Store
	provider domain.IdentityProvider
	clock    clockwork.Clock
	margin   time.Duration

	group singleflight.Group

	mu    sync.Mutex
	timer clockwork.Timer
}

// NewRefreshScheduler creates a scheduler. margin is the safety window before
// expiry at which the proactive refresh fires.
func NewRefreshScheduler(store *Store, provider domain.IdentityProvider, clock clockwork.Clock, margin time.Duration) *RefreshScheduler {
	return &RefreshScheduler{
		store:    store,
		provider: provider,
		clock:    clock,
		margin:   margin,
	}
}

// ScheduleNextRefresh arms a one-shot timer that fires margin before the
// session's expiry (immediately if already inside the margin). Any
// previously armed timer is cancelled first; last write wins.
func (rs *RefreshScheduler) ScheduleNextRefresh(session *domain.Session) {
	if session == nil {
		return
	}

	delay := session.Credential.ExpiresAt.Sub(rs.clock.Now()) - rs.margin
	if delay < 0 {
		delay = 0
	}

	rs.mu.Lock()
	if rs.timer != nil {
		rs.timer.Stop()
	}
	rs.timer = rs.clock.AfterFunc(delay, func() {
		if _, err := rs.PerformRefresh(context.Background()); err != nil {
			slog.Error("Scheduled credential refresh failed", "error", err)
		}
	})
	rs.mu.Unlock()

	metrics.RefreshTimersArmed.Inc()
	slog.Debug("Refresh timer armed", "delay", delay, "subject_id", session.Credential.SubjectID)
}

// PerformRefresh renews the credential. Single-flight: concurrent callers
// (gateway retries, validator, the armed timer) share one underlying network
// call and receive the same result.
func (rs *RefreshScheduler) PerformRefresh(ctx context.Context) (*domain.Session, error) {
	v, err, _ := rs.group.Do("refresh", func() (any, error) {
		return rs.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Session), nil
}

// Cancel stops the armed timer. An in-flight refresh is left to settle; its
// result is discarded by the store's generation guard once the logout has
// cleared the store.
func (rs *RefreshScheduler) Cancel() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.timer != nil {
		rs.timer.Stop()
		rs.timer = nil
	}
}

func (rs *RefreshScheduler) refresh(ctx context.Context) (*domain.Session, error) {
	current := rs.store.Get()
	if current == nil {
		return nil, domain.ErrNoSession
	}
	gen := rs.store.Generation()

	cred, err := rs.provider.RefreshCredential(ctx, current.Credential.RefreshToken)
	if err != nil {
		metrics.RefreshesTotal.WithLabelValues("failure").Inc()
		rs.Cancel()
		rs.store.Clear()
		return nil, fmt.Errorf("refresh credential: %w", err)
	}

	if !cred.ExpiresAt.After(current.Credential.ExpiresAt) {
		slog.Warn("Refreshed credential does not extend expiry",
			"old_expiry", current.Credential.ExpiresAt,
			"new_expiry", cred.ExpiresAt,
		)
	}

	next := &domain.Session{Credential: *cred, IssuedAt: rs.clock.Now()}
	if !rs.store.SetIfGeneration(next, gen) {
		// Logout (or a competing sign-in) advanced the generation while the
		// refresh was in flight. The renewed credential must not be written.
		metrics.RefreshesTotal.WithLabelValues("discarded").Inc()
		slog.Info("Discarding refreshed credential, session changed during refresh",
			"subject_id", cred.SubjectID,
		)
		return nil, domain.ErrSessionRevoked
	}

	metrics.RefreshesTotal.WithLabelValues("success").Inc()
	slog.Info("Credential refreshed",
		"subject_id", cred.SubjectID,
		"expires_at", cred.ExpiresAt,
	)

	rs.ScheduleNextRefresh(next)
	return next, nil
}
