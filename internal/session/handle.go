package session

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrUnknownOperation is returned by a Handle for operations it does not
// implement. The gateway drops such frames silently instead of echoing an
// error to the client.
var ErrUnknownOperation = errors.New("unknown operation")

// Event is a single event emitted by the playback collaborator.
type Event struct {
	GuildID int64
	Name    string
	Data    map[string]interface{}
}

// Listener receives session events in emission order.
type Listener func(Event)

// Handle is the contract of the external playback collaborator. The control
// plane never looks inside the player; it only binds connections to handles,
// relays events, and forwards opaque operations by name.
type Handle interface {
	// CurrentChannels returns the guild id to voice channel id mapping of
	// the session, used to build the RESUMED payload.
	CurrentChannels() map[int64]int64

	// Subscribe attaches an any-event listener and returns a cancel
	// function. Events are delivered in emission order.
	Subscribe(l Listener) (cancel func())

	// HandleOperation executes a client operation by name. Operations the
	// collaborator does not know return ErrUnknownOperation.
	HandleOperation(ctx context.Context, op string, data json.RawMessage) error

	// Destroy releases all resources held by the session.
	Destroy()
}

// Factory creates a new playback session handle for an owner id.
type Factory func(userID int64) (Handle, error)
