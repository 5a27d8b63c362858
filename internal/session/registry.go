package session

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/decave27/discodo/internal/metrics"
)

// Session wraps an external playback handle with the state the control plane
// tracks for it: the bound latch and the single event relay subscription.
// At most one connection relays events for a session at a time; a rebind
// force-detaches the previous subscriber.
type Session struct {
	UserID int64
	Handle Handle

	bound *Latch

	mu          sync.Mutex
	relay       *Subscription
	destroyOnce sync.Once
}

// Subscription identifies one relay attachment so a closing connection can
// unbind its own subscription without disturbing a later rebind.
type Subscription struct {
	cancel func()
}

func newSession(userID int64, handle Handle) *Session {
	return &Session{
		UserID: userID,
		Handle: handle,
		bound:  NewLatch(),
	}
}

// Bound returns the latch indicating attachment to a live connection.
func (s *Session) Bound() *Latch {
	return s.bound
}

// AttachRelay subscribes l to the session's events, force-detaching any
// previous subscriber. Last attach wins.
func (s *Session) AttachRelay(l Listener) *Subscription {
	sub := &Subscription{cancel: s.Handle.Subscribe(l)}

	s.mu.Lock()
	previous := s.relay
	s.relay = sub
	s.mu.Unlock()

	if previous != nil {
		previous.cancel()
	}

	return sub
}

// Unbind detaches the subscription and clears the bound latch in one step,
// reporting whether sub was still the active subscription. When a rebind has
// already replaced it, the latch belongs to the new binder and is left
// alone; callers must not start a grace-period wait in that case.
func (s *Session) Unbind(sub *Subscription) bool {
	s.mu.Lock()
	if s.relay != sub {
		s.mu.Unlock()
		return false
	}
	s.relay = nil
	s.bound.Clear()
	s.mu.Unlock()

	sub.cancel()
	return true
}

// destroy tears the session down exactly once.
func (s *Session) destroy() {
	s.destroyOnce.Do(func() {
		s.mu.Lock()
		relay := s.relay
		s.relay = nil
		s.mu.Unlock()

		if relay != nil {
			relay.cancel()
		}

		s.Handle.Destroy()
	})
}

// Registry is the process-wide map from owner id to playback session. It is
// the lifecycle authority for sessions: creation on first bind, reuse across
// reconnects, and destruction when the grace period elapses.
type Registry struct {
	mu       sync.Mutex
	sessions map[int64]*Session

	factory Factory
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRegistry creates an empty session registry.
func NewRegistry(factory Factory, logger *slog.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		sessions: make(map[int64]*Session),
		factory:  factory,
		logger:   logger,
		metrics:  m,
	}
}

// LookupOrNone returns the live session for the owner id, or nil.
func (r *Registry) LookupOrNone(userID int64) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[userID]
}

// Create builds a new session through the factory and registers it. The
// owner id must not already be registered; callers re-check under the same
// external flow (bind) so a duplicate indicates a logic error.
func (r *Registry) Create(userID int64) (*Session, error) {
	handle, err := r.factory(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to create session for %d: %w", userID, err)
	}

	session := newSession(userID, handle)

	r.mu.Lock()
	if existing, ok := r.sessions[userID]; ok {
		// Lost the creation race to a concurrent bind; reuse the winner.
		r.mu.Unlock()
		handle.Destroy()
		return existing, nil
	}
	r.sessions[userID] = session
	count := len(r.sessions)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SessionsCreated.Inc()
		r.metrics.SessionsActive.Set(float64(count))
	}

	r.logger.Info("Playback session created",
		slog.Int64("user_id", userID),
		slog.Int("active_sessions", count),
	)

	return session, nil
}

// Register inserts an externally constructed session, replacing nothing.
func (r *Registry) Register(userID int64, session *Session) {
	r.mu.Lock()
	r.sessions[userID] = session
	count := len(r.sessions)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SessionsActive.Set(float64(count))
	}
}

// Remove deletes the owner id from the registry. It reports whether the
// entry was present, making duplicate expiry triggers idempotent.
func (r *Registry) Remove(userID int64) bool {
	r.mu.Lock()
	_, ok := r.sessions[userID]
	if ok {
		delete(r.sessions, userID)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if ok && r.metrics != nil {
		r.metrics.SessionsActive.Set(float64(count))
	}

	return ok
}

// Destroy removes the session and releases its handle. The removal decides
// ownership: only the caller that actually removed the entry performs the
// teardown, so duplicate expiry triggers destroy exactly once.
func (r *Registry) Destroy(session *Session) bool {
	if !r.Remove(session.UserID) {
		return false
	}

	session.destroy()

	if r.metrics != nil {
		r.metrics.SessionsDestroyed.Inc()
	}

	r.logger.Info("Playback session destroyed",
		slog.Int64("user_id", session.UserID),
	)

	return true
}

// Expire removes and destroys the session unless it has been rebound. The
// bound check and the removal share the registry lock, so a bind that set
// the latch and then observed the session still registered always wins over
// a concurrent expiry.
func (r *Registry) Expire(session *Session) bool {
	r.mu.Lock()
	if r.sessions[session.UserID] != session || session.Bound().IsSet() {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, session.UserID)
	count := len(r.sessions)
	r.mu.Unlock()

	session.destroy()

	if r.metrics != nil {
		r.metrics.SessionsActive.Set(float64(count))
		r.metrics.SessionsDestroyed.Inc()
	}

	r.logger.Info("Playback session expired",
		slog.Int64("user_id", session.UserID),
	)

	return true
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot returns the currently registered sessions (for monitoring).
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}

	return sessions
}

// Stop destroys all remaining sessions. Called at server shutdown.
func (r *Registry) Stop() {
	for _, session := range r.Snapshot() {
		r.Destroy(session)
	}

	r.logger.Info("Session registry stopped")
}
