package gateway

import (
	"log/slog"
	"sync/atomic"

	"github.com/decave27/discodo/internal/protocol"
	"github.com/decave27/discodo/internal/session"
)

// Relay bridges session events to protocol frames on one connection. Each
// event (guildID, name, fields) becomes {"op": name, "d": {"guild_id": ...,
// ...fields}}, written in emission order. Once a write fails the relay stops
// silently; connection teardown is already in progress at that point.
type Relay struct {
	send    func(*protocol.Frame) error
	logger  *slog.Logger
	stopped atomic.Bool
}

// NewRelay creates a relay writing through the given frame sender.
func NewRelay(send func(*protocol.Frame) error, logger *slog.Logger) *Relay {
	return &Relay{
		send:   send,
		logger: logger,
	}
}

// Listener returns the session listener translating events to frames.
func (r *Relay) Listener() session.Listener {
	return func(ev session.Event) {
		if r.stopped.Load() {
			return
		}

		payload := make(map[string]interface{}, len(ev.Data)+1)
		for key, value := range ev.Data {
			payload[key] = value
		}
		payload["guild_id"] = ev.GuildID

		frame, err := protocol.New(ev.Name, payload)
		if err != nil {
			r.logger.Warn("Failed to encode session event",
				slog.String("event", ev.Name),
				slog.String("error", err.Error()),
			)
			return
		}

		if err := r.send(frame); err != nil {
			r.stopped.Store(true)
			r.logger.Debug("Event relay stopped",
				slog.String("event", ev.Name),
				slog.String("error", err.Error()),
			)
		}
	}
}
