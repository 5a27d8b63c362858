// Package config provides configuration loading and validation for the discodo node.
// It handles YAML-based configuration with struct validation and exposes the
// connection protocol, stream proxy and logging parameters consumed by the server.
package config
