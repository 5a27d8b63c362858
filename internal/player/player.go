// Package player provides the in-process playback collaborator shim. The
// queue, decoding, and voice transport live behind it; the control plane only
// sees the session.Handle contract: the guild to channel mapping, the event
// stream, and opaque operations dispatched by name.
package player

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/decave27/discodo/internal/session"
)

// Operations understood by the shim.
const (
	OpVoiceConnect    = "VC_CONNECT"
	OpVoiceDisconnect = "VC_DISCONNECT"
)

// Events emitted by the shim.
const (
	EventVoiceConnected    = "VC_CONNECTED"
	EventVoiceDisconnected = "VC_DISCONNECTED"
)

// Player tracks the voice channel attachments of one owner's session and
// fans events out to subscribers in emission order.
type Player struct {
	userID int64

	mu        sync.Mutex
	channels  map[int64]int64
	listeners map[int]session.Listener
	nextID    int
	destroyed bool
}

// New creates a player session for the owner id.
func New(userID int64) *Player {
	return &Player{
		userID:    userID,
		channels:  make(map[int64]int64),
		listeners: make(map[int]session.Listener),
	}
}

// Factory adapts New to the session factory contract.
func Factory(userID int64) (session.Handle, error) {
	return New(userID), nil
}

// CurrentChannels returns a copy of the guild to voice channel mapping.
func (p *Player) CurrentChannels() map[int64]int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	channels := make(map[int64]int64, len(p.channels))
	for guild, channel := range p.channels {
		channels[guild] = channel
	}
	return channels
}

// Subscribe attaches an any-event listener and returns its cancel function.
func (p *Player) Subscribe(l session.Listener) func() {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++
	p.listeners[id] = l

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.listeners, id)
	}
}

// HandleOperation executes a client operation by name.
func (p *Player) HandleOperation(ctx context.Context, op string, data json.RawMessage) error {
	switch op {
	case OpVoiceConnect:
		return p.voiceConnect(data)
	case OpVoiceDisconnect:
		return p.voiceDisconnect(data)
	default:
		return session.ErrUnknownOperation
	}
}

// Destroy releases the session. Subsequent events are not emitted.
func (p *Player) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.destroyed = true
	p.channels = make(map[int64]int64)
	p.listeners = make(map[int]session.Listener)
}

func (p *Player) voiceConnect(data json.RawMessage) error {
	var d struct {
		GuildID   int64 `json:"guild_id"`
		ChannelID int64 `json:"channel_id"`
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return fmt.Errorf("invalid %s payload: %w", OpVoiceConnect, err)
	}

	if d.GuildID == 0 {
		return fmt.Errorf("%s requires guild_id", OpVoiceConnect)
	}

	if d.ChannelID == 0 {
		return fmt.Errorf("%s requires channel_id", OpVoiceConnect)
	}

	p.mu.Lock()
	p.channels[d.GuildID] = d.ChannelID
	p.mu.Unlock()

	p.emit(session.Event{
		GuildID: d.GuildID,
		Name:    EventVoiceConnected,
		Data:    map[string]interface{}{"channel_id": d.ChannelID},
	})

	return nil
}

func (p *Player) voiceDisconnect(data json.RawMessage) error {
	var d struct {
		GuildID int64 `json:"guild_id"`
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return fmt.Errorf("invalid %s payload: %w", OpVoiceDisconnect, err)
	}

	p.mu.Lock()
	_, connected := p.channels[d.GuildID]
	delete(p.channels, d.GuildID)
	p.mu.Unlock()

	if !connected {
		return fmt.Errorf("guild %d has no voice connection", d.GuildID)
	}

	p.emit(session.Event{
		GuildID: d.GuildID,
		Name:    EventVoiceDisconnected,
		Data:    map[string]interface{}{},
	})

	return nil
}

func (p *Player) emit(ev session.Event) {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	listeners := make([]session.Listener, 0, len(p.listeners))
	for _, l := range p.listeners {
		listeners = append(listeners, l)
	}
	p.mu.Unlock()

	for _, l := range listeners {
		l(ev)
	}
}
