// Package session provides the playback session registry and lifecycle handling.
// It maps owner ids to session handles, tracks whether a session is bound to a
// live connection, and destroys sessions whose reconnect grace period expires.
package session
