// Package realtime manages live, filtered change-event channels scoped to
// the authenticated identity. The manager owns subscription bookkeeping and
// dispatch; connection handling and reconnects live in the transport below
// it.
package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/careplane/careplane/internal/domain"
	"github.com/careplane/careplane/internal/metrics"
	"github.com/careplane/careplane/internal/session"
)

const (
	commandTimeout    = 5 * time.Second
	transportTimeout  = 5 * time.Second
	commandBufferSize = 256
)

// EventHandlers receives dispatched events for one subscription. Nil fields
// are skipped. OnStatus is informational only; transport reconnects are
// handled below the manager.
type EventHandlers struct {
	OnInsert func(domain.Event)
	OnUpdate func(domain.Event)
	OnDelete func(domain.Event)
	OnStatus func(domain.ChannelStatus, error)
}

// Handle identifies one subscription.
type Handle struct {
	id string
}

// ChannelID returns the unique channel identifier of the subscription.
func (h *Handle) ChannelID() string { return h.id }

type subscription struct {
	binding  domain.ChannelBinding
	match    func(domain.Event) bool
	handlers EventHandlers
	status   domain.ChannelStatus
	tornDown bool
}

// --- Command types ---

type managerCmd interface{ managerCmd() }

type subscribeCmd struct {
	sub   *subscription
	ctx   context.Context
	errCh chan error
}

func (subscribeCmd) managerCmd() {}

type unsubscribeCmd struct {
	id    string
	ackCh chan struct{}
}

func (unsubscribeCmd) managerCmd() {}

type deliverCmd struct {
	id    string
	event domain.Event
}

func (deliverCmd) managerCmd() {}

type statusCmd struct {
	id     string
	status domain.ChannelStatus
	err    error
}

func (statusCmd) managerCmd() {}

type teardownAllCmd struct{}

func (teardownAllCmd) managerCmd() {}

type countCmd struct {
	replyCh chan int
}

func (countCmd) managerCmd() {}

type stopCmd struct {
	ackCh chan struct{}
}

func (stopCmd) managerCmd() {}

// Manager opens, keeps and tears down live event channels. All bookkeeping
// runs on a single goroutine fed by a command channel, so dispatch and
// teardown serialize: once Unsubscribe returns, no handler can run again for
// that handle.
type Manager struct {
	transport domain.Transport
	store     *session.Store
	clock     clockwork.Clock

	cmdCh      chan managerCmd
	done       chan struct{}
	unsubStore func()
}

// NewManager creates a manager bound to the given transport and session
// store. When the store transitions to unauthenticated, every open channel
// is torn down.
func NewManager(transport domain.Transport, store *session.Store, clock clockwork.Clock) *Manager {
	m := &Manager{
		transport: transport,
		store:     store,
		clock:     clock,
		cmdCh:     make(chan managerCmd, commandBufferSize),
		done:      make(chan struct{}),
	}

	m.unsubStore = store.OnChange(func(s *domain.Session) {
		if s == nil {
			m.send(teardownAllCmd{})
		}
	})

	go m.run()
	return m
}

// Subscribe opens one logical channel for resource with a server-side filter
// expression and an optional client-side match predicate. Repeated
// subscriptions to the same resource get distinct channels.
func (m *Manager) Subscribe(ctx context.Context, resource, filter string, match func(domain.Event) bool, handlers EventHandlers) (*Handle, error) {
	if m.store.Get() == nil {
		return nil, domain.ErrNoSession
	}

	sub := &subscription{
		binding: domain.ChannelBinding{
			ChannelID: uuid.NewString(),
			Resource:  resource,
			Filter:    filter,
		},
		match:    match,
		handlers: handlers,
		status:   domain.ChannelConnected,
	}

	errCh := make(chan error, 1)
	if !m.send(subscribeCmd{sub: sub, ctx: ctx, errCh: errCh}) {
		return nil, domain.ErrChannelClosed
	}

	select {
	case err := <-errCh:
		if err != nil {
			return nil, err
		}
		return &Handle{id: sub.binding.ChannelID}, nil
	case <-ctx.Done():
		// The actor may still complete the subscribe after we give up.
		// Without a handle the caller could never tear it down, so drain
		// the result and roll back a late success.
		go func() {
			select {
			case err := <-errCh:
				if err == nil {
					m.Unsubscribe(&Handle{id: sub.binding.ChannelID})
				}
			case <-m.done:
			}
		}()
		return nil, ctx.Err()
	}
}

// Unsubscribe tears down the channel. Idempotent. After it returns, no
// further handler invocation occurs for the handle, including events already
// dequeued from the transport but not yet dispatched.
func (m *Manager) Unsubscribe(handle *Handle) {
	if handle == nil {
		return
	}

	ackCh := make(chan struct{}, 1)
	if !m.send(unsubscribeCmd{id: handle.id, ackCh: ackCh}) {
		return
	}

	timer := m.clock.NewTimer(commandTimeout)
	defer timer.Stop()
	select {
	case <-ackCh:
	case <-m.done:
	case <-timer.Chan():
		slog.Warn("Unsubscribe command timed out", "channel_id", handle.id)
	}
}

// Count returns the number of open channels. Returns -1 on timeout.
func (m *Manager) Count() int {
	replyCh := make(chan int, 1)
	if !m.send(countCmd{replyCh: replyCh}) {
		return 0
	}

	timer := m.clock.NewTimer(commandTimeout)
	defer timer.Stop()
	select {
	case n := <-replyCh:
		return n
	case <-timer.Chan():
		return -1
	}
}

// Close tears down every channel, detaches from the store and stops the
// manager goroutine.
func (m *Manager) Close() {
	m.unsubStore()

	ackCh := make(chan struct{}, 1)
	if !m.send(stopCmd{ackCh: ackCh}) {
		return
	}

	timer := m.clock.NewTimer(commandTimeout)
	defer timer.Stop()
	select {
	case <-ackCh:
	case <-timer.Chan():
		slog.Warn("Manager stop timed out")
	}
}

// send enqueues a command unless the manager has stopped.
func (m *Manager) send(cmd managerCmd) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.cmdCh <- cmd:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) run() {
	subs := make(map[string]*subscription)

	for cmd := range m.cmdCh {
		switch c := cmd.(type) {
		case subscribeCmd:
			m.handleSubscribe(subs, c)
		case unsubscribeCmd:
			m.handleUnsubscribe(subs, c.id)
			c.ackCh <- struct{}{}
		case deliverCmd:
			m.handleDeliver(subs, c)
		case statusCmd:
			m.handleStatus(subs, c)
		case teardownAllCmd:
			m.teardownAll(subs)
		case countCmd:
			c.replyCh <- len(subs)
		case stopCmd:
			m.teardownAll(subs)
			close(m.done)
			c.ackCh <- struct{}{}
			return
		}
	}
}

// cmdRelay forwards transport callbacks to the manager. Until drained it
// buffers commands instead of posting them, so callbacks fired while the
// actor goroutine itself is inside transport.Subscribe cannot block on the
// actor's own queue. Once drained, callbacks post normally.
type cmdRelay struct {
	m *Manager

	mu       sync.Mutex
	settled  bool
	buffered []managerCmd
}

func (r *cmdRelay) post(cmd managerCmd) {
	r.mu.Lock()
	if !r.settled {
		r.buffered = append(r.buffered, cmd)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.m.send(cmd)
}

func (r *cmdRelay) drain() []managerCmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settled = true
	buffered := r.buffered
	r.buffered = nil
	return buffered
}

func (m *Manager) handleSubscribe(subs map[string]*subscription, c subscribeCmd) {
	id := c.sub.binding.ChannelID

	// The transport may invoke deliver/status synchronously from inside
	// Subscribe, which runs on the actor goroutine here. Posting those to
	// the command channel would deadlock when the queue is full, so the
	// relay buffers them until the subscribe settles and they are applied
	// inline below.
	relay := &cmdRelay{m: m}
	deliver := func(e domain.Event) {
		relay.post(deliverCmd{id: id, event: e})
	}
	status := func(s domain.ChannelStatus, err error) {
		relay.post(statusCmd{id: id, status: s, err: err})
	}

	if err := m.transport.Subscribe(c.ctx, c.sub.binding, deliver, status); err != nil {
		relay.drain()
		c.errCh <- fmt.Errorf("subscribe %s: %w", c.sub.binding.Resource, err)
		return
	}

	subs[id] = c.sub
	metrics.ActiveSubscriptions.Set(float64(len(subs)))
	slog.Info("Channel opened",
		"channel_id", id,
		"resource", c.sub.binding.Resource,
		"filter", c.sub.binding.Filter,
	)
	c.errCh <- nil

	for _, cmd := range relay.drain() {
		switch buffered := cmd.(type) {
		case deliverCmd:
			m.handleDeliver(subs, buffered)
		case statusCmd:
			m.handleStatus(subs, buffered)
		}
	}
}

func (m *Manager) handleUnsubscribe(subs map[string]*subscription, id string) {
	sub, ok := subs[id]
	if !ok {
		return
	}

	sub.tornDown = true
	delete(subs, id)
	metrics.ActiveSubscriptions.Set(float64(len(subs)))

	ctx, cancel := context.WithTimeout(context.Background(), transportTimeout)
	defer cancel()
	if err := m.transport.Unsubscribe(ctx, id); err != nil {
		slog.Warn("Transport unsubscribe failed", "channel_id", id, "error", err)
	}
	slog.Info("Channel closed", "channel_id", id, "resource", sub.binding.Resource)
}

func (m *Manager) handleDeliver(subs map[string]*subscription, c deliverCmd) {
	sub, ok := subs[c.id]
	if !ok || sub.tornDown {
		metrics.EventsDroppedTotal.WithLabelValues("torn_down").Inc()
		return
	}

	// The server-side filter is not assumed exclusive: an event that does
	// not match the subscription's own predicate is dropped rather than
	// leaked across subjects.
	if sub.match != nil && !sub.match(c.event) {
		metrics.EventsDroppedTotal.WithLabelValues("unmatched").Inc()
		return
	}

	metrics.EventsDispatchedTotal.WithLabelValues(string(c.event.Kind)).Inc()
	switch c.event.Kind {
	case domain.EventInsert:
		if sub.handlers.OnInsert != nil {
			sub.handlers.OnInsert(c.event)
		}
	case domain.EventUpdate:
		if sub.handlers.OnUpdate != nil {
			sub.handlers.OnUpdate(c.event)
		}
	case domain.EventDelete:
		if sub.handlers.OnDelete != nil {
			sub.handlers.OnDelete(c.event)
		}
	default:
		metrics.EventsDroppedTotal.WithLabelValues("unknown_kind").Inc()
	}
}

func (m *Manager) handleStatus(subs map[string]*subscription, c statusCmd) {
	sub, ok := subs[c.id]
	if !ok || sub.tornDown {
		return
	}

	sub.status = c.status
	if sub.handlers.OnStatus != nil {
		sub.handlers.OnStatus(c.status, c.err)
	}
}

func (m *Manager) teardownAll(subs map[string]*subscription) {
	if len(subs) == 0 {
		return
	}

	slog.Info("Tearing down all channels", "count", len(subs))
	for id := range subs {
		m.handleUnsubscribe(subs, id)
	}
}
