// Package metrics defines the Prometheus instrumentation of the client core.
// Metrics are informational; exposition is left to the embedding application.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session lifecycle metrics
var (
	// RefreshesTotal tracks credential refresh outcomes (success/failure/discarded)
	RefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "careplane_credential_refreshes_total",
			Help: "Credential refresh attempts by outcome",
		},
		[]string{"outcome"},
	)

	// RefreshTimersArmed tracks proactive refresh timers armed by the scheduler
	RefreshTimersArmed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "careplane_refresh_timers_armed_total",
			Help: "Proactive refresh timers armed",
		},
	)

	// ForcedSignOutsTotal tracks process-wide forced sign-outs after unrecoverable auth failures
	ForcedSignOutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "careplane_forced_sign_outs_total",
			Help: "Forced sign-outs caused by unrecoverable auth failures",
		},
	)

	// ValidationsTotal tracks session validations by outcome (valid/debounced/refreshed/unauthenticated)
	ValidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "careplane_session_validations_total",
			Help: "Session validations by outcome",
		},
		[]string{"outcome"},
	)
)

// Request gateway metrics
var (
	// RequestsTotal tracks outbound requests by status class (2xx/4xx/5xx/network)
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "careplane_requests_total",
			Help: "Outbound requests by status class",
		},
		[]string{"class"},
	)

	// RequestRetriesTotal tracks transient retries issued by the gateway
	RequestRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "careplane_request_retries_total",
			Help: "Transient request retries",
		},
	)

	// RequestAuthRetriesTotal tracks the retry-after-refresh path
	RequestAuthRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "careplane_request_auth_retries_total",
			Help: "Requests retried once after a credential refresh",
		},
	)
)

// Realtime subscription metrics
var (
	// ActiveSubscriptions tracks currently open channels
	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "careplane_active_subscriptions",
			Help: "Currently open realtime channels",
		},
	)

	// EventsDispatchedTotal tracks delivered events by kind
	EventsDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "careplane_events_dispatched_total",
			Help: "Realtime events dispatched to handlers by kind",
		},
		[]string{"kind"},
	)

	// EventsDroppedTotal tracks events dropped before dispatch (torn_down/unmatched/unknown_channel)
	EventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "careplane_events_dropped_total",
			Help: "Realtime events dropped before dispatch by reason",
		},
		[]string{"reason"},
	)

	// TransportReconnectsTotal tracks realtime transport reconnect attempts
	TransportReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "careplane_transport_reconnects_total",
			Help: "Realtime transport reconnect attempts",
		},
	)
)
