// Package version exposes the node name and version reported by the HTTP API.
package version

const (
	Name    = "discodo"
	Version = "1.0.0"
)
