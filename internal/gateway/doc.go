// Package gateway implements the connection protocol handler: the per-connection
// handshake, heartbeat timeout enforcement, operation dispatch, and the
// session rebind grace period, plus the relay bridging session events to frames.
package gateway
