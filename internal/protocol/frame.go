package protocol

import (
	"encoding/json"
	"fmt"
)

// Server-sent operation names. Operation matching is case-sensitive.
const (
	OpHello     = "HELLO"
	OpForbidden = "FORBIDDEN"
	OpResumed   = "RESUMED"
)

// OpIdentify is the client bind operation carrying the owner id.
const OpIdentify = "IDENTIFY"

// Frame is one operation-coded message unit.
// Wire shape: {"op": <string>, "d": <any>}
type Frame struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"d,omitempty"`
}

// Parse decodes a raw inbound message into a frame. A frame without an
// operation name is rejected; callers drop such frames silently.
func Parse(data []byte) (*Frame, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	if frame.Op == "" {
		return nil, fmt.Errorf("frame missing operation name")
	}

	return &frame, nil
}

// New builds an outbound frame with the given payload.
func New(op string, data interface{}) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", op, err)
	}

	return &Frame{Op: op, Data: raw}, nil
}

// Encode serializes the frame for the wire.
func (f *Frame) Encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame %s: %w", f.Op, err)
	}

	return data, nil
}

// HelloData is the HELLO payload advertising the heartbeat pacing the
// client must honor, in seconds.
type HelloData struct {
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

// ResumedData is the RESUMED payload enumerating the session's current
// guild to voice channel mapping so a reconnecting client can reconcile.
type ResumedData struct {
	Channels map[int64]int64 `json:"channels"`
}

// IdentifyData is the IDENTIFY payload binding the connection to a session.
type IdentifyData struct {
	UserID int64 `json:"user_id"`
}

// ErrorFrame builds the error echo for a failed operation handler:
// {"op": <name>, "d": {"traceback": {<errorKind>: <message>}}}
func ErrorFrame(op string, err error) *Frame {
	traceback := map[string]map[string]string{
		"traceback": {fmt.Sprintf("%T", err): err.Error()},
	}

	frame, encodeErr := New(op, traceback)
	if encodeErr != nil {
		// The payload above always marshals; keep the op name either way.
		return &Frame{Op: op}
	}

	return frame
}
