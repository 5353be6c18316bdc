package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/careplane/careplane/internal/domain"
	"github.com/careplane/careplane/internal/metrics"
)

// State is the validator's view of the session lifetime.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthenticating  State = "authenticating"
	StateValid           State = "valid"
	StateNearExpiry      State = "near_expiry"
	StateRefreshing      State = "refreshing"
)

// refresher is the slice of the scheduler the validator needs. Kept on the
// consumer side so tests can substitute fakes.
type refresher interface {
	PerformRefresh(ctx context.Context) (*domain.Session, error)
	Cancel()
}

// Validator implements the validate-or-refresh-or-logout policy used by
// access guards, plus a periodic background check.
type Validator struct {
	store     *Store
	scheduler refresher
	clock     clockwork.Clock

	margin   time.Duration
	interval time.Duration
	debounce time.Duration

	onForcedSignOut func(reason string)

	group singleflight.Group

	mu        sync.Mutex
	state     State
	lastOK    time.Time
	hasLastOK bool

	stopCh     chan struct{}
	stopOnce   sync.Once
	startOnce  sync.Once
	wg         sync.WaitGroup
	unsubStore func()
}

// NewValidator creates a validator. onForcedSignOut is invoked when a refresh
// fails terminally; it is the only escalation to a process-wide effect.
func NewValidator(store *Store, scheduler refresher, clock clockwork.Clock, margin, interval, debounce time.Duration, onForcedSignOut func(reason string)) *Validator {
	v := &Validator{
		store:           store,
		scheduler:       scheduler,
		clock:           clock,
		margin:          margin,
		interval:        interval,
		debounce:        debounce,
		onForcedSignOut: onForcedSignOut,
		state:           StateUnauthenticated,
		stopCh:          make(chan struct{}),
	}

	// Keep the state machine consistent with out-of-band store changes
	// (sign-in, logout, scheduler writes).
	v.unsubStore = store.OnChange(func(s *domain.Session) {
		v.mu.Lock()
		defer v.mu.Unlock()
		if s == nil {
			v.state = StateUnauthenticated
			v.hasLastOK = false
		} else {
			v.state = StateValid
		}
	})

	return v
}

// State returns the current lifecycle state.
func (v *Validator) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// MarkAuthenticating flags an in-progress interactive sign-in.
func (v *Validator) MarkAuthenticating() {
	v.setState(StateAuthenticating)
}

// MarkUnauthenticated resets the state after an abandoned sign-in attempt.
func (v *Validator) MarkUnauthenticated() {
	v.setState(StateUnauthenticated)
}

// Validate reports whether the caller may proceed. A missing session yields
// false immediately; a near-expiry session triggers one shared refresh; a
// failed refresh forces sign-out. Single-flight: concurrent callers share one
// outcome. Successful validations inside the debounce window are answered
// from the cached result to avoid refresh storms.
func (v *Validator) Validate(ctx context.Context) (bool, error) {
	res, err, _ := v.group.Do("validate", func() (any, error) {
		return v.validate(ctx)
	})
	ok, _ := res.(bool)
	return ok, err
}

// Start launches the periodic background check. Safe to call once.
func (v *Validator) Start() {
	v.startOnce.Do(func() {
		ticker := v.clock.NewTicker(v.interval)
		v.wg.Add(1)
		go func() {
			defer v.wg.Done()
			defer ticker.Stop()
			for {
				select {
				case <-ticker.Chan():
					if _, err := v.Validate(context.Background()); err != nil {
						slog.Warn("Periodic session validation failed", "error", err)
					}
				case <-v.stopCh:
					return
				}
			}
		}()
		slog.Info("Session validator started", "interval", v.interval)
	})
}

// Stop halts the background check and detaches from the store.
func (v *Validator) Stop() {
	v.stopOnce.Do(func() {
		close(v.stopCh)
	})
	v.wg.Wait()
	v.unsubStore()
}

func (v *Validator) validate(ctx context.Context) (bool, error) {
	session := v.store.Get()
	if session == nil {
		v.setState(StateUnauthenticated)
		metrics.ValidationsTotal.WithLabelValues("unauthenticated").Inc()
		return false, nil
	}

	if v.debounced() {
		metrics.ValidationsTotal.WithLabelValues("debounced").Inc()
		return true, nil
	}

	if session.Valid(v.clock.Now(), v.margin) {
		v.setState(StateValid)
		v.recordOK()
		metrics.ValidationsTotal.WithLabelValues("valid").Inc()
		return true, nil
	}

	v.setState(StateNearExpiry)
	v.setState(StateRefreshing)

	if _, err := v.scheduler.PerformRefresh(ctx); err != nil {
		if errors.Is(err, domain.ErrSessionRevoked) {
			// A logout won the race; nothing to escalate.
			v.setState(StateUnauthenticated)
			return false, nil
		}
		// The scheduler has already cleared the store.
		v.scheduler.Cancel()
		v.setState(StateUnauthenticated)
		metrics.ValidationsTotal.WithLabelValues("signed_out").Inc()
		if v.onForcedSignOut != nil {
			v.onForcedSignOut("credential refresh failed")
		}
		return false, err
	}

	v.setState(StateValid)
	v.recordOK()
	metrics.ValidationsTotal.WithLabelValues("refreshed").Inc()
	return true, nil
}

func (v *Validator) debounced() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.hasLastOK && v.clock.Since(v.lastOK) < v.debounce
}

func (v *Validator) recordOK() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lastOK = v.clock.Now()
	v.hasLastOK = true
}

func (v *Validator) setState(s State) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state = s
}
