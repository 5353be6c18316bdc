package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/careplane/careplane/internal/domain"
)

type wsTestServer struct {
	srv      *httptest.Server
	conns    chan *websocket.Conn
	upgrader websocket.Upgrader
	headers  chan http.Header
}

func newWSTestServer(t *testing.T) *wsTestServer {
	t.Helper()
	ws := &wsTestServer{
		conns:   make(chan *websocket.Conn, 4),
		headers: make(chan http.Header, 4),
	}
	ws.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws.headers <- r.Header.Clone()
		conn, err := ws.upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		ws.conns <- conn
	}))
	t.Cleanup(ws.srv.Close)
	return ws
}

func (ws *wsTestServer) url() string {
	return "ws" + strings.TrimPrefix(ws.srv.URL, "http")
}

func (ws *wsTestServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-ws.conns:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for websocket connection")
		return nil
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func writeFrameTo(t *testing.T, conn *websocket.Conn, f frame) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(f))
}

type statusRecord struct {
	status domain.ChannelStatus
	err    error
}

func setupTransport(t *testing.T) (*WebsocketTransport, *wsTestServer, *websocket.Conn, *clockwork.FakeClock) {
	t.Helper()
	ws := newWSTestServer(t)
	clock := clockwork.NewFakeClock()
	store := authenticatedStore(t, clock)
	transport := NewWebsocketTransport(ws.url(), "anon-key", store, clock)
	require.NoError(t, transport.Open(context.Background()))
	t.Cleanup(func() { _ = transport.Close() })
	return transport, ws, ws.accept(t), clock
}

func TestWebsocketTransportDialSendsAuthHeaders(t *testing.T) {
	_, ws, _, _ := setupTransport(t)

	header := <-ws.headers
	assert.Equal(t, "anon-key", header.Get("apikey"))
	assert.Equal(t, "Bearer access-token", header.Get("Authorization"))
}

func TestWebsocketTransportSubscribeAnnouncesBinding(t *testing.T) {
	transport, _, serverConn, _ := setupTransport(t)

	statuses := make(chan statusRecord, 4)
	binding := domain.ChannelBinding{ChannelID: "ch-1", Resource: "appointments", Filter: "clinic_id=eq.1"}
	err := transport.Subscribe(context.Background(), binding, func(domain.Event) {}, func(s domain.ChannelStatus, err error) {
		statuses <- statusRecord{status: s, err: err}
	})
	require.NoError(t, err)

	f := readFrame(t, serverConn)
	assert.Equal(t, "subscribe", f.Action)
	assert.Equal(t, "ch-1", f.Channel)
	assert.Equal(t, "appointments", f.Resource)
	assert.Equal(t, "clinic_id=eq.1", f.Filter)
	assert.Equal(t, "access-token", f.Token)

	select {
	case rec := <-statuses:
		assert.Equal(t, domain.ChannelConnected, rec.status)
		assert.NoError(t, rec.err)
	case <-time.After(time.Second):
		t.Fatal("no status callback")
	}
}

func TestWebsocketTransportOpenAnnouncesEarlyBindings(t *testing.T) {
	ws := newWSTestServer(t)
	clock := clockwork.NewFakeClock()
	store := authenticatedStore(t, clock)
	transport := NewWebsocketTransport(ws.url(), "anon-key", store, clock)
	t.Cleanup(func() { _ = transport.Close() })

	statuses := make(chan statusRecord, 4)
	binding := domain.ChannelBinding{ChannelID: "ch-1", Resource: "appointments", Filter: "clinic_id=eq.1"}
	require.NoError(t, transport.Subscribe(context.Background(), binding, func(domain.Event) {}, func(s domain.ChannelStatus, err error) {
		statuses <- statusRecord{status: s, err: err}
	}))

	// No connection yet, so the binding cannot have been announced.
	select {
	case <-statuses:
		t.Fatal("status callback before the connection was opened")
	default:
	}

	require.NoError(t, transport.Open(context.Background()))
	serverConn := ws.accept(t)

	f := readFrame(t, serverConn)
	assert.Equal(t, "subscribe", f.Action)
	assert.Equal(t, "ch-1", f.Channel)
	assert.Equal(t, "appointments", f.Resource)
	assert.Equal(t, "clinic_id=eq.1", f.Filter)
	assert.Equal(t, "access-token", f.Token)

	select {
	case rec := <-statuses:
		assert.Equal(t, domain.ChannelConnected, rec.status)
		assert.NoError(t, rec.err)
	case <-time.After(time.Second):
		t.Fatal("no status callback after open")
	}
}

func TestWebsocketTransportRoutesEventsToBoundChannel(t *testing.T) {
	transport, _, serverConn, _ := setupTransport(t)

	events := make(chan domain.Event, 4)
	binding := domain.ChannelBinding{ChannelID: "ch-1", Resource: "appointments"}
	require.NoError(t, transport.Subscribe(context.Background(), binding, func(e domain.Event) {
		events <- e
	}, func(domain.ChannelStatus, error) {}))
	readFrame(t, serverConn) // subscribe announcement

	writeFrameTo(t, serverConn, frame{
		Channel:  "ch-1",
		Type:     "insert",
		Resource: "appointments",
		Payload:  json.RawMessage(`{"id":"a-1"}`),
	})
	writeFrameTo(t, serverConn, frame{
		Channel: "other-channel",
		Type:    "insert",
		Payload: json.RawMessage(`{"id":"a-2"}`),
	})
	writeFrameTo(t, serverConn, frame{
		Channel: "ch-1",
		Type:    "delete",
		Payload: json.RawMessage(`{"id":"a-1"}`),
	})

	e := <-events
	assert.Equal(t, domain.EventInsert, e.Kind)
	assert.Equal(t, "appointments", e.Resource)
	assert.JSONEq(t, `{"id":"a-1"}`, string(e.Payload))

	// The frame for the unknown channel is dropped, so the next delivery
	// is the delete.
	e = <-events
	assert.Equal(t, domain.EventDelete, e.Kind)
}

func TestWebsocketTransportErrorFrameFlipsStatus(t *testing.T) {
	transport, _, serverConn, _ := setupTransport(t)

	statuses := make(chan statusRecord, 4)
	binding := domain.ChannelBinding{ChannelID: "ch-1", Resource: "appointments"}
	require.NoError(t, transport.Subscribe(context.Background(), binding, func(domain.Event) {}, func(s domain.ChannelStatus, err error) {
		statuses <- statusRecord{status: s, err: err}
	}))
	readFrame(t, serverConn)
	<-statuses // connected

	writeFrameTo(t, serverConn, frame{Channel: "ch-1", Type: "error", Message: "filter rejected"})

	rec := <-statuses
	assert.Equal(t, domain.ChannelError, rec.status)
	assert.EqualError(t, rec.err, "filter rejected")
}

func TestWebsocketTransportUnsubscribeStopsDelivery(t *testing.T) {
	transport, _, serverConn, _ := setupTransport(t)

	events := make(chan domain.Event, 4)
	binding := domain.ChannelBinding{ChannelID: "ch-1", Resource: "appointments"}
	require.NoError(t, transport.Subscribe(context.Background(), binding, func(e domain.Event) {
		events <- e
	}, func(domain.ChannelStatus, error) {}))
	readFrame(t, serverConn)

	require.NoError(t, transport.Unsubscribe(context.Background(), "ch-1"))
	f := readFrame(t, serverConn)
	assert.Equal(t, "unsubscribe", f.Action)
	assert.Equal(t, "ch-1", f.Channel)

	// Unsubscribing again is a no-op and sends nothing.
	require.NoError(t, transport.Unsubscribe(context.Background(), "ch-1"))

	writeFrameTo(t, serverConn, frame{Channel: "ch-1", Type: "insert", Payload: json.RawMessage(`{}`)})
	select {
	case <-events:
		t.Fatal("event delivered after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWebsocketTransportReconnectReplaysBindings(t *testing.T) {
	transport, ws, serverConn, fakeClock := setupTransport(t)

	statuses := make(chan statusRecord, 8)
	binding := domain.ChannelBinding{ChannelID: "ch-1", Resource: "appointments", Filter: "clinic_id=eq.1"}
	require.NoError(t, transport.Subscribe(context.Background(), binding, func(domain.Event) {}, func(s domain.ChannelStatus, err error) {
		statuses <- statusRecord{status: s, err: err}
	}))
	readFrame(t, serverConn)
	rec := <-statuses
	require.Equal(t, domain.ChannelConnected, rec.status)

	// Kill the connection from the server side.
	require.NoError(t, serverConn.Close())

	rec = <-statuses
	require.Equal(t, domain.ChannelError, rec.status)
	require.Error(t, rec.err)

	// The reconnect loop is now waiting out the backoff.
	fakeClock.BlockUntil(1)
	fakeClock.Advance(time.Second)

	newConn := ws.accept(t)
	f := readFrame(t, newConn)
	assert.Equal(t, "subscribe", f.Action)
	assert.Equal(t, "ch-1", f.Channel)
	assert.Equal(t, "appointments", f.Resource)
	assert.Equal(t, "clinic_id=eq.1", f.Filter)

	rec = <-statuses
	assert.Equal(t, domain.ChannelConnected, rec.status)
	assert.NoError(t, rec.err)
}
