package session

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/careplane/careplane/internal/domain"
)

type listenerEntry struct {
	id int
	fn func(*domain.Session)
}

// Store holds the current session and notifies listeners on change. It is
// the only mutable session state in the process; all writes go through Set,
// SetIfGeneration and Clear.
type Store struct {
	clock clockwork.Clock

	mu        sync.Mutex
	session   *domain.Session
	gen       uint64
	nextID    int
	listeners []listenerEntry
}

// NewStore creates an empty (unauthenticated) store.
func NewStore(clock clockwork.Clock) *Store {
	return &Store{clock: clock}
}

// Get returns the current session snapshot, or nil when unauthenticated.
// Callers must not mutate the returned session.
func (s *Store) Get() *domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// Set replaces the whole session and synchronously notifies listeners in
// registration order. Listeners run without the store lock held, so they may
// call back into the store.
func (s *Store) Set(session *domain.Session) {
	s.mu.Lock()
	s.session = session
	s.gen++
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	notify(listeners, session)
}

// SetIfGeneration replaces the session only when the store's generation still
// matches gen, so a refresh that raced a logout cannot resurrect a cleared
// session. Reports whether the write was applied.
func (s *Store) SetIfGeneration(session *domain.Session, gen uint64) bool {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return false
	}
	s.session = session
	s.gen++
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	notify(listeners, session)
	return true
}

// Clear empties the store. Idempotent: clearing an already empty store does
// not notify listeners and does not advance the generation.
func (s *Store) Clear() {
	s.mu.Lock()
	if s.session == nil {
		s.mu.Unlock()
		return
	}
	s.session = nil
	s.gen++
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	notify(listeners, nil)
}

// Generation returns the current write generation. Writers that may settle
// after a logout snapshot it before starting and use SetIfGeneration.
func (s *Store) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Valid reports whether a session is present and its credential expires more
// than margin from now. Pure read, no side effects.
func (s *Store) Valid(margin time.Duration) bool {
	return s.Get().Valid(s.clock.Now(), margin)
}

// OnChange registers a listener invoked on every effective change with the
// new session (nil on clear). Returns an unsubscribe function.
func (s *Store) OnChange(fn func(*domain.Session)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners = append(s.listeners, listenerEntry{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, l := range s.listeners {
			if l.id == id {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

func (s *Store) snapshotListeners() []listenerEntry {
	out := make([]listenerEntry, len(s.listeners))
	copy(out, s.listeners)
	return out
}

func notify(listeners []listenerEntry, session *domain.Session) {
	for _, l := range listeners {
		l.fn(session)
	}
}
