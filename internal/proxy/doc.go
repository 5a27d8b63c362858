// Package proxy implements the streaming reverse proxy for remote audio byte
// streams. It opens an upstream connection on behalf of a caller, mirrors the
// upstream status, headers and body, and guarantees the upstream response is
// released exactly once on every termination path.
package proxy
