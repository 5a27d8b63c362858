package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/decave27/discodo/internal/metrics"
	"github.com/decave27/discodo/internal/protocol"
	"github.com/decave27/discodo/internal/session"
)

// Time allowed to write a frame to the peer.
const writeWait = 10 * time.Second

// Config contains the connection protocol parameters
type Config struct {
	Password          string
	HeartbeatInterval time.Duration // advertised in HELLO
	ReadTimeout       time.Duration // per-frame read deadline
	RebindTimeout     time.Duration // session grace period after disconnect
}

// opFunc is the signature of a dispatched operation handler.
type opFunc func(ctx context.Context, data json.RawMessage) error

// Handler owns one websocket connection and drives it through the protocol
// state machine: handshake, HELLO, the dispatch loop, and teardown with the
// rebind grace period. It references at most one session but never owns it;
// the registry remains the lifecycle authority.
type Handler struct {
	id       string
	conn     *websocket.Conn
	cfg      Config
	registry *session.Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics

	state atomic.Int32

	// Outbound frames are serialized; relay writes, error echoes, and the
	// handshake share the connection.
	writeMu sync.Mutex

	mu       sync.Mutex
	bound    *session.Session
	relaySub *session.Subscription

	ops map[string]opFunc
}

// NewHandler creates a protocol handler for an accepted connection.
func NewHandler(conn *websocket.Conn, cfg Config, registry *session.Registry, logger *slog.Logger, m *metrics.Metrics) *Handler {
	h := &Handler{
		id:       uuid.NewString()[:8],
		conn:     conn,
		cfg:      cfg,
		registry: registry,
		metrics:  m,
	}
	h.logger = logger.With(slog.String("connection_id", h.id))
	h.ops = map[string]opFunc{
		protocol.OpIdentify: h.handleIdentify,
	}
	h.state.Store(int32(StateConnecting))

	return h
}

// State returns the current handler state.
func (h *Handler) State() State {
	return State(h.state.Load())
}

func (h *Handler) setState(s State) {
	h.state.Store(int32(s))
}

// Run drives the connection until a terminal condition: handshake failure,
// read timeout, or disconnect. It returns once the handler reaches CLOSED;
// the grace-period wait for a bound session continues in the background.
func (h *Handler) Run(authorization string) {
	h.metrics.ConnectionsTotal.Inc()
	h.metrics.ConnectionsActive.Inc()
	defer h.metrics.ConnectionsActive.Dec()

	h.logger.Info("New websocket connection created")
	h.setState(StateAuthenticating)

	if subtle.ConstantTimeCompare([]byte(authorization), []byte(h.cfg.Password)) != 1 {
		h.logger.Warn("Websocket connection forbidden: password mismatch")
		h.metrics.HandshakeFailures.Inc()
		h.sendForbidden("Password mismatch.")
		h.close()
		return
	}

	if err := h.sendHello(); err != nil {
		h.logger.Warn("Failed to send HELLO", slog.String("error", err.Error()))
		h.close()
		return
	}

	h.setState(StateActive)
	h.readLoop()
	h.close()
}

// readLoop reads frames until timeout or disconnect. Frames are dispatched
// in arrival order; handler bodies run concurrently with the loop.
func (h *Handler) readLoop() {
	for {
		if err := h.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout)); err != nil {
			return
		}

		_, raw, err := h.conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				h.logger.Info("Websocket connection closing because of timeout",
					slog.Duration("timeout", h.cfg.ReadTimeout),
				)
				h.metrics.ReadTimeouts.Inc()
			} else {
				h.logger.Info("Websocket connection disconnected",
					slog.String("reason", err.Error()),
				)
			}
			return
		}

		h.metrics.FramesReceived.Inc()

		frame, err := protocol.Parse(raw)
		if err != nil {
			// Malformed frames are dropped, not fatal.
			h.metrics.FramesDropped.Inc()
			h.logger.Debug("Dropping malformed frame", slog.String("error", err.Error()))
			continue
		}

		fn, ok := h.ops[frame.Op]
		if !ok {
			fn = h.sessionOp(frame.Op)
			if fn == nil {
				h.metrics.FramesDropped.Inc()
				h.logger.Debug("Dropping unknown operation", slog.String("op", frame.Op))
				continue
			}
		}

		h.metrics.FramesDispatched.Inc()
		h.logger.Debug("Operation dispatched", slog.String("op", frame.Op))

		go h.runOperation(frame.Op, fn, frame.Data)
	}
}

// sessionOp forwards a non-core operation to the bound session by name, or
// returns nil when no session is bound.
func (h *Handler) sessionOp(op string) opFunc {
	h.mu.Lock()
	bound := h.bound
	h.mu.Unlock()

	if bound == nil {
		return nil
	}

	return func(ctx context.Context, data json.RawMessage) error {
		return bound.Handle.HandleOperation(ctx, op, data)
	}
}

// runOperation executes one dispatched handler. Failures are echoed back as
// an error frame on the same connection and never terminate it.
func (h *Handler) runOperation(op string, fn opFunc, data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			h.reportOperationError(op, fmt.Errorf("operation panicked: %v", r))
		}
	}()

	if err := fn(context.Background(), data); err != nil {
		if errors.Is(err, session.ErrUnknownOperation) {
			// The collaborator does not know this operation; drop silently.
			h.metrics.FramesDropped.Inc()
			h.logger.Debug("Session does not support operation", slog.String("op", op))
			return
		}
		h.reportOperationError(op, err)
	}
}

func (h *Handler) reportOperationError(op string, err error) {
	h.metrics.HandlerErrors.Inc()
	h.logger.Warn("Operation handler failed",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)

	if sendErr := h.sendFrame(protocol.ErrorFrame(op, err)); sendErr != nil {
		h.logger.Debug("Failed to echo operation error",
			slog.String("op", op),
			slog.String("error", sendErr.Error()),
		)
	}
}

// handleIdentify binds the connection to the session for the given owner id,
// reusing a session that is still inside its grace period. A session whose
// grace period expires between the lookup and the bind is abandoned and the
// bind retried against a fresh one.
func (h *Handler) handleIdentify(ctx context.Context, data json.RawMessage) error {
	var d protocol.IdentifyData
	if err := json.Unmarshal(data, &d); err != nil {
		return fmt.Errorf("invalid IDENTIFY payload: %w", err)
	}

	relay := NewRelay(h.sendFrame, h.logger)

	var (
		sess    *session.Session
		sub     *session.Subscription
		resumed bool
	)
	for {
		sess = h.registry.LookupOrNone(d.UserID)
		resumed = sess != nil

		if !resumed {
			created, err := h.registry.Create(d.UserID)
			if err != nil {
				return err
			}
			sess = created
		}

		// Attach before setting the latch so the previous binder's teardown
		// can tell the session has moved on.
		sub = sess.AttachRelay(relay.Listener())
		sess.Bound().Set()

		// An expiry that timed out just before the set may have removed the
		// session in the meantime; only a registered session may be bound.
		if h.registry.LookupOrNone(d.UserID) == sess {
			break
		}
		sess.Unbind(sub)
	}

	h.mu.Lock()
	h.bound = sess
	h.relaySub = sub
	h.mu.Unlock()

	if !resumed {
		h.logger.Info("Session initialized", slog.Int64("user_id", d.UserID))
		return nil
	}

	h.metrics.SessionsResumed.Inc()
	h.logger.Info("Session resumed", slog.Int64("user_id", d.UserID))

	channels := sess.Handle.CurrentChannels()
	if channels == nil {
		channels = map[int64]int64{}
	}

	frame, err := protocol.New(protocol.OpResumed, protocol.ResumedData{Channels: channels})
	if err != nil {
		return err
	}

	return h.sendFrame(frame)
}

// close transitions the handler to CLOSED. If the handler is still the
// session's current binder its grace period starts in the background; a
// session another connection already rebound is left untouched.
func (h *Handler) close() {
	if State(h.state.Load()) >= StateClosing {
		return
	}
	h.setState(StateClosing)

	h.mu.Lock()
	bound := h.bound
	sub := h.relaySub
	h.bound = nil
	h.relaySub = nil
	h.mu.Unlock()

	_ = h.conn.Close()

	if bound != nil {
		if bound.Unbind(sub) {
			go h.waitForRebind(bound)
		} else {
			h.logger.Debug("Session already rebound, skipping grace period",
				slog.Int64("user_id", bound.UserID),
			)
		}
	}

	h.setState(StateClosed)
	h.logger.Info("Websocket connection closed")
}

// waitForRebind waits for a future connection to set the session's bound
// latch again; the Unbind that started this wait already cleared it. On
// timeout the session is expired; an early set means another handler owns
// it now.
func (h *Handler) waitForRebind(s *session.Session) {
	if s.Bound().WaitSet(context.Background(), h.cfg.RebindTimeout) {
		h.logger.Debug("Session rebound within grace period",
			slog.Int64("user_id", s.UserID),
		)
		return
	}

	if h.registry.Expire(s) {
		h.logger.Info("Session expired without rebind",
			slog.Int64("user_id", s.UserID),
			slog.Duration("rebind_timeout", h.cfg.RebindTimeout),
		)
	}
}

func (h *Handler) sendHello() error {
	frame, err := protocol.New(protocol.OpHello, protocol.HelloData{
		HeartbeatInterval: h.cfg.HeartbeatInterval.Seconds(),
	})
	if err != nil {
		return err
	}

	return h.sendFrame(frame)
}

func (h *Handler) sendForbidden(reason string) {
	frame, err := protocol.New(protocol.OpForbidden, reason)
	if err != nil {
		return
	}

	if err := h.sendFrame(frame); err != nil {
		h.logger.Debug("Failed to send FORBIDDEN", slog.String("error", err.Error()))
	}
}

// sendFrame writes one frame to the connection. Writes are serialized and
// bounded by writeWait so a stalled peer cannot wedge dispatched handlers.
func (h *Handler) sendFrame(frame *protocol.Frame) error {
	data, err := frame.Encode()
	if err != nil {
		return err
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if err := h.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}

	if err := h.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", frame.Op, err)
	}

	h.metrics.FramesSent.Inc()
	return nil
}
