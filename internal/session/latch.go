package session

import (
	"context"
	"sync"
	"time"
)

// Latch is a binary signal indicating that a session is attached to a live
// connection. Clearing and re-setting it drives the reconnect grace period:
// a waiter blocks until the latch is set again or its timeout elapses.
type Latch struct {
	mu  sync.Mutex
	set bool
	ch  chan struct{} // closed while set
}

// NewLatch returns a cleared latch.
func NewLatch() *Latch {
	return &Latch{ch: make(chan struct{})}
}

// Set marks the latch and wakes all waiters.
func (l *Latch) Set() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.set {
		l.set = true
		close(l.ch)
	}
}

// Clear unmarks the latch. Subsequent waiters block until Set is called again.
func (l *Latch) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.set {
		l.set = false
		l.ch = make(chan struct{})
	}
}

// IsSet reports whether the latch is currently set.
func (l *Latch) IsSet() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.set
}

// WaitSet blocks until the latch is set, the timeout elapses, or the context
// is cancelled. It returns true only if the latch was set in time.
func (l *Latch) WaitSet(ctx context.Context, timeout time.Duration) bool {
	l.mu.Lock()
	if l.set {
		l.mu.Unlock()
		return true
	}
	ch := l.ch
	l.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
