package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
)

// fakeHandle implements Handle for registry tests
type fakeHandle struct {
	mu        sync.Mutex
	channels  map[int64]int64
	listeners map[int]Listener
	nextID    int
	destroyed atomic.Int32
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{
		channels:  make(map[int64]int64),
		listeners: make(map[int]Listener),
	}
}

func (f *fakeHandle) CurrentChannels() map[int64]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	channels := make(map[int64]int64, len(f.channels))
	for guild, channel := range f.channels {
		channels[guild] = channel
	}
	return channels
}

func (f *fakeHandle) Subscribe(l Listener) func() {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID++
	f.listeners[id] = l

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners, id)
	}
}

func (f *fakeHandle) HandleOperation(ctx context.Context, op string, data json.RawMessage) error {
	return ErrUnknownOperation
}

func (f *fakeHandle) Destroy() {
	f.destroyed.Add(1)
}

func (f *fakeHandle) emit(ev Event) {
	f.mu.Lock()
	listeners := make([]Listener, 0, len(f.listeners))
	for _, l := range f.listeners {
		listeners = append(listeners, l)
	}
	f.mu.Unlock()

	for _, l := range listeners {
		l(ev)
	}
}

func (f *fakeHandle) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestRegistry(t *testing.T) (*Registry, *fakeHandle) {
	t.Helper()

	handle := newFakeHandle()
	factory := func(userID int64) (Handle, error) {
		return handle, nil
	}

	return NewRegistry(factory, testLogger(), nil), handle
}

func TestLookupOrNoneUnknownOwner(t *testing.T) {
	reg, _ := newTestRegistry(t)

	if reg.LookupOrNone(42) != nil {
		t.Error("Expected nil for unknown owner id")
	}
}

func TestCreateRegistersSession(t *testing.T) {
	reg, _ := newTestRegistry(t)

	session, err := reg.Create(42)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	if session.UserID != 42 {
		t.Errorf("Expected user id 42, got %d", session.UserID)
	}

	if reg.LookupOrNone(42) != session {
		t.Error("Expected lookup to return the created session")
	}

	if reg.Count() != 1 {
		t.Errorf("Expected 1 registered session, got %d", reg.Count())
	}
}

func TestCreateDuplicateReusesWinner(t *testing.T) {
	reg, _ := newTestRegistry(t)

	first, err := reg.Create(42)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	second, err := reg.Create(42)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	if first != second {
		t.Error("Expected duplicate create to return the existing session")
	}

	if reg.Count() != 1 {
		t.Errorf("Expected 1 registered session, got %d", reg.Count())
	}
}

func TestDestroyRemovesExactlyOnce(t *testing.T) {
	reg, handle := newTestRegistry(t)

	session, err := reg.Create(42)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	if !reg.Destroy(session) {
		t.Error("Expected first destroy to report removal")
	}

	// Duplicate expiry trigger must be a no-op
	if reg.Destroy(session) {
		t.Error("Expected second destroy to be idempotent")
	}

	if got := handle.destroyed.Load(); got != 1 {
		t.Errorf("Expected handle destroyed exactly once, got %d", got)
	}

	if reg.LookupOrNone(42) != nil {
		t.Error("Expected session to be removed from registry")
	}
}

func TestAttachRelayForceDetachesPrevious(t *testing.T) {
	reg, handle := newTestRegistry(t)

	session, err := reg.Create(42)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	var firstEvents, secondEvents atomic.Int32
	first := session.AttachRelay(func(Event) { firstEvents.Add(1) })
	second := session.AttachRelay(func(Event) { secondEvents.Add(1) })

	handle.emit(Event{GuildID: 1, Name: "SongStart"})

	if firstEvents.Load() != 0 {
		t.Error("Expected detached subscriber to receive no events")
	}

	if secondEvents.Load() != 1 {
		t.Errorf("Expected active subscriber to receive 1 event, got %d", secondEvents.Load())
	}

	// Unbinding the stale subscription must not disturb the active one
	if session.Unbind(first) {
		t.Error("Expected unbind of a replaced subscription to report inactive")
	}
	handle.emit(Event{GuildID: 1, Name: "SongEnd"})

	if secondEvents.Load() != 2 {
		t.Errorf("Expected active subscriber to receive 2 events, got %d", secondEvents.Load())
	}

	if !session.Unbind(second) {
		t.Error("Expected unbind of the active subscription to report active")
	}
	if handle.listenerCount() != 0 {
		t.Errorf("Expected no remaining listeners, got %d", handle.listenerCount())
	}
}

func TestUnbindOfReplacedSubscriptionKeepsLatch(t *testing.T) {
	reg, _ := newTestRegistry(t)

	session, err := reg.Create(42)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	first := session.AttachRelay(func(Event) {})
	session.Bound().Set()

	// A second connection rebinds; its subscription replaces the first.
	session.AttachRelay(func(Event) {})

	if session.Unbind(first) {
		t.Error("Expected unbind of a replaced subscription to report inactive")
	}
	if !session.Bound().IsSet() {
		t.Error("Expected the rebinder's latch to stay set")
	}
}

func TestUnbindOfActiveSubscriptionClearsLatch(t *testing.T) {
	reg, _ := newTestRegistry(t)

	session, err := reg.Create(42)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	sub := session.AttachRelay(func(Event) {})
	session.Bound().Set()

	if !session.Unbind(sub) {
		t.Error("Expected unbind of the active subscription to report active")
	}
	if session.Bound().IsSet() {
		t.Error("Expected the latch to be cleared by unbind")
	}
}

func TestExpireSkipsBoundSession(t *testing.T) {
	reg, handle := newTestRegistry(t)

	session, err := reg.Create(42)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	session.Bound().Set()

	if reg.Expire(session) {
		t.Error("Expected expire of a bound session to be refused")
	}
	if reg.LookupOrNone(42) != session {
		t.Error("Expected the bound session to stay registered")
	}
	if handle.destroyed.Load() != 0 {
		t.Errorf("Expected no destruction, got %d", handle.destroyed.Load())
	}

	session.Bound().Clear()

	if !reg.Expire(session) {
		t.Error("Expected expire of an unbound session to proceed")
	}
	if reg.Count() != 0 {
		t.Errorf("Expected empty registry after expiry, got %d sessions", reg.Count())
	}
	if handle.destroyed.Load() != 1 {
		t.Errorf("Expected handle destroyed exactly once, got %d", handle.destroyed.Load())
	}
}

func TestExpireSkipsReplacedSession(t *testing.T) {
	reg, handle := newTestRegistry(t)

	old, err := reg.Create(42)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	if !reg.Remove(42) {
		t.Fatal("Failed to remove session")
	}

	replacement, err := reg.Create(42)
	if err != nil {
		t.Fatalf("Failed to create replacement session: %v", err)
	}

	if reg.Expire(old) {
		t.Error("Expected expire of an unregistered session to be refused")
	}
	if reg.LookupOrNone(42) != replacement {
		t.Error("Expected the replacement session to stay registered")
	}
	if handle.destroyed.Load() != 0 {
		t.Errorf("Expected no destruction, got %d", handle.destroyed.Load())
	}
}

func TestDestroyCancelsRelaySubscription(t *testing.T) {
	reg, handle := newTestRegistry(t)

	session, err := reg.Create(42)
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	session.AttachRelay(func(Event) {})
	reg.Destroy(session)

	if handle.listenerCount() != 0 {
		t.Errorf("Expected destroy to cancel the relay subscription, got %d listeners", handle.listenerCount())
	}
}

func TestStopDestroysAllSessions(t *testing.T) {
	handles := make(map[int64]*fakeHandle)
	factory := func(userID int64) (Handle, error) {
		h := newFakeHandle()
		handles[userID] = h
		return h, nil
	}
	reg := NewRegistry(factory, testLogger(), nil)

	for _, id := range []int64{1, 2, 3} {
		if _, err := reg.Create(id); err != nil {
			t.Fatalf("Failed to create session %d: %v", id, err)
		}
	}

	reg.Stop()

	if reg.Count() != 0 {
		t.Errorf("Expected empty registry after Stop, got %d sessions", reg.Count())
	}

	for id, h := range handles {
		if h.destroyed.Load() != 1 {
			t.Errorf("Expected handle %d destroyed exactly once, got %d", id, h.destroyed.Load())
		}
	}
}
