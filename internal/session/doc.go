// Package session owns the authenticated session lifecycle: the single
// mutable session store, the proactive refresh scheduler and the
// validate-or-refresh-or-logout policy used by access guards.
//
// The store is the single source of truth. The scheduler is the only writer
// of renewed credentials and guarantees at most one refresh in flight.
// Everything else reads snapshots.
package session
