package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/careplane/careplane/internal/domain"
	"github.com/careplane/careplane/internal/metrics"
	"github.com/careplane/careplane/internal/session"
)

const (
	writeTimeout         = 5 * time.Second
	initialReconnectWait = 1 * time.Second
	maxReconnectWait     = 30 * time.Second
)

// frame is the wire format of the realtime endpoint, both directions.
type frame struct {
	Action   string          `json:"action,omitempty"` // outbound: subscribe | unsubscribe
	Channel  string          `json:"channel"`
	Resource string          `json:"resource,omitempty"`
	Filter   string          `json:"filter,omitempty"`
	Token    string          `json:"token,omitempty"`
	Type     string          `json:"type,omitempty"` // inbound: insert | update | delete | error
	Payload  json.RawMessage `json:"payload,omitempty"`
	Message  string          `json:"message,omitempty"`
}

type boundChannel struct {
	binding domain.ChannelBinding
	deliver func(domain.Event)
	status  func(domain.ChannelStatus, error)
}

// WebsocketTransport is the realtime transport over a single multiplexed
// websocket connection. It owns reconnection: on connection loss every bound
// channel is flipped to error status, the connection is re-dialed with a
// capped doubling backoff, subscriptions are replayed and status flips back
// to connected.
type WebsocketTransport struct {
	url     string
	anonKey string
	store   *session.Store
	clock   clockwork.Clock
	dialer  *websocket.Dialer

	mu       sync.Mutex
	conn     *websocket.Conn
	channels map[string]*boundChannel
	closed   bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWebsocketTransport creates a transport; Open must be called before
// subscribing.
func NewWebsocketTransport(url, anonKey string, store *session.Store, clock clockwork.Clock) *WebsocketTransport {
	return &WebsocketTransport{
		url:      url,
		anonKey:  anonKey,
		store:    store,
		clock:    clock,
		dialer:   websocket.DefaultDialer,
		channels: make(map[string]*boundChannel),
		done:     make(chan struct{}),
	}
}

// Open dials the realtime endpoint, announces any channels bound before the
// connection existed and starts the read loop.
func (t *WebsocketTransport) Open(ctx context.Context) error {
	conn, err := t.dial(ctx)
	if err != nil {
		return fmt.Errorf("open realtime connection: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	if t.replayBindings(conn) > 0 {
		t.broadcastStatus(domain.ChannelConnected, nil)
	}

	t.wg.Add(1)
	go t.readLoop(conn)
	return nil
}

// replayBindings announces every bound channel on conn and returns how many
// were replayed.
func (t *WebsocketTransport) replayBindings(conn *websocket.Conn) int {
	t.mu.Lock()
	bindings := make([]domain.ChannelBinding, 0, len(t.channels))
	for _, ch := range t.channels {
		bindings = append(bindings, ch.binding)
	}
	t.mu.Unlock()

	for _, b := range bindings {
		if err := t.writeFrame(conn, t.subscribeFrame(b)); err != nil {
			slog.Warn("Channel replay failed", "channel_id", b.ChannelID, "error", err)
		}
	}
	return len(bindings)
}

// Subscribe binds a channel and announces it to the server. The binding is
// remembered so it survives reconnects.
func (t *WebsocketTransport) Subscribe(ctx context.Context, binding domain.ChannelBinding, deliver func(domain.Event), status func(domain.ChannelStatus, error)) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return domain.ErrChannelClosed
	}
	t.channels[binding.ChannelID] = &boundChannel{binding: binding, deliver: deliver, status: status}
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		// Not connected yet; the binding is replayed once Open succeeds
		// or the reconnect loop re-establishes the connection.
		return nil
	}

	if err := t.writeFrame(conn, t.subscribeFrame(binding)); err != nil {
		return fmt.Errorf("announce channel %s: %w", binding.ChannelID, err)
	}
	status(domain.ChannelConnected, nil)
	return nil
}

// Unsubscribe releases a channel. Idempotent; events for unknown channels
// are dropped by the read loop.
func (t *WebsocketTransport) Unsubscribe(ctx context.Context, channelID string) error {
	t.mu.Lock()
	_, known := t.channels[channelID]
	delete(t.channels, channelID)
	conn := t.conn
	t.mu.Unlock()

	if !known || conn == nil {
		return nil
	}
	return t.writeFrame(conn, frame{Action: "unsubscribe", Channel: channelID})
}

// Close shuts the connection down for good; no reconnect follows.
func (t *WebsocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	close(t.done)
	if conn != nil {
		_ = conn.Close()
	}
	t.wg.Wait()
	return nil
}

func (t *WebsocketTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	header := make(map[string][]string)
	if t.anonKey != "" {
		header["apikey"] = []string{t.anonKey}
	}
	if s := t.store.Get(); s != nil {
		header["Authorization"] = []string{"Bearer " + s.Credential.AccessToken}
	}

	conn, resp, err := t.dialer.DialContext(ctx, t.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

func (t *WebsocketTransport) subscribeFrame(binding domain.ChannelBinding) frame {
	f := frame{
		Action:   "subscribe",
		Channel:  binding.ChannelID,
		Resource: binding.Resource,
		Filter:   binding.Filter,
	}
	if s := t.store.Get(); s != nil {
		f.Token = s.Credential.AccessToken
	}
	return f
}

func (t *WebsocketTransport) writeFrame(conn *websocket.Conn, f frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(f)
}

func (t *WebsocketTransport) readLoop(conn *websocket.Conn) {
	defer t.wg.Done()

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return
			}
			slog.Warn("Realtime connection lost", "error", err)
			t.broadcastStatus(domain.ChannelError, err)
			t.reconnect()
			return
		}
		t.route(f)
	}
}

func (t *WebsocketTransport) route(f frame) {
	t.mu.Lock()
	ch, ok := t.channels[f.Channel]
	t.mu.Unlock()
	if !ok {
		// Channel already torn down; the message is dropped, not delivered.
		metrics.EventsDroppedTotal.WithLabelValues("unknown_channel").Inc()
		return
	}

	switch f.Type {
	case "insert", "update", "delete":
		ch.deliver(domain.Event{
			Kind:     domain.EventKind(f.Type),
			Resource: f.Resource,
			Payload:  f.Payload,
		})
	case "error":
		ch.status(domain.ChannelError, errors.New(f.Message))
	default:
		slog.Debug("Ignoring unknown frame type", "type", f.Type, "channel_id", f.Channel)
	}
}

// reconnect re-dials with a capped doubling backoff, replays all bound
// channels and restarts the read loop. Runs until success or Close.
func (t *WebsocketTransport) reconnect() {
	wait := initialReconnectWait

	for {
		select {
		case <-t.done:
			return
		case <-t.clock.After(wait):
		}

		metrics.TransportReconnectsTotal.Inc()
		ctx, cancel := context.WithTimeout(context.Background(), transportTimeout)
		conn, err := t.dial(ctx)
		cancel()
		if err != nil {
			slog.Warn("Realtime reconnect failed", "error", err, "next_wait", wait)
			wait *= 2
			if wait > maxReconnectWait {
				wait = maxReconnectWait
			}
			continue
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			_ = conn.Close()
			return
		}
		t.conn = conn
		t.mu.Unlock()

		replayed := t.replayBindings(conn)
		slog.Info("Realtime connection re-established", "channels", replayed)
		t.broadcastStatus(domain.ChannelConnected, nil)

		t.wg.Add(1)
		go t.readLoop(conn)
		return
	}
}

func (t *WebsocketTransport) broadcastStatus(status domain.ChannelStatus, err error) {
	t.mu.Lock()
	statuses := make([]func(domain.ChannelStatus, error), 0, len(t.channels))
	for _, ch := range t.channels {
		statuses = append(statuses, ch.status)
	}
	t.mu.Unlock()

	for _, fn := range statuses {
		fn(status, err)
	}
}
