package domain

import (
	"context"
	"encoding/json"
)

// EventKind tags a change event from the realtime transport.
type EventKind string

const (
	EventInsert EventKind = "insert"
	EventUpdate EventKind = "update"
	EventDelete EventKind = "delete"
)

// Event is one change delivered on a channel.
type Event struct {
	Kind     EventKind
	Resource string
	Payload  json.RawMessage
}

// ChannelStatus is the informational connection state of one channel.
type ChannelStatus string

const (
	ChannelConnected ChannelStatus = "connected"
	ChannelError     ChannelStatus = "error"
)

// ChannelBinding describes one logical channel on the transport: a resource
// plus a server-side filter expression, keyed by a unique channel ID so
// repeated subscriptions to the same resource never collide.
type ChannelBinding struct {
	ChannelID string
	Resource  string
	Filter    string
}

// Transport is the realtime event stream the subscription manager rides on.
// Reconnection is the transport's own concern; consumers only observe it as
// status changes on their channels.
type Transport interface {
	// Subscribe binds a channel. deliver and status are invoked from the
	// transport's read loop; both must be non-blocking.
	Subscribe(ctx context.Context, binding ChannelBinding, deliver func(Event), status func(ChannelStatus, error)) error

	// Unsubscribe releases a channel. Idempotent.
	Unsubscribe(ctx context.Context, channelID string) error

	Close() error
}
