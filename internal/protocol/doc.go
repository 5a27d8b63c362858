// Package protocol implements the operation-coded frame format exchanged
// over the persistent websocket connection. It handles frame parsing and
// encoding, the server operation names, and the typed handshake payloads.
package protocol
