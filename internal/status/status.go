// Package status collects the process health snapshot served by the HTTP API.
package status

import (
	"runtime"
	"time"

	"github.com/decave27/discodo/internal/session"
)

// Status is the point-in-time health snapshot of the node.
type Status struct {
	Name          string  `json:"name"`
	Version       string  `json:"version"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Goroutines    int     `json:"goroutines"`
	HeapUsed      uint64  `json:"heap_used"`
	HeapTotal     uint64  `json:"heap_total"`
	Sessions      int     `json:"sessions"`
	Players       int     `json:"players"`
	Timestamp     string  `json:"timestamp"`
}

// Collector builds status snapshots from the registry and runtime.
type Collector struct {
	name     string
	version  string
	start    time.Time
	registry *session.Registry
}

// NewCollector creates a status collector.
func NewCollector(name, version string, registry *session.Registry) *Collector {
	return &Collector{
		name:     name,
		version:  version,
		start:    time.Now(),
		registry: registry,
	}
}

// Collect returns the current snapshot. Players counts active voice
// connections across all sessions.
func (c *Collector) Collect() Status {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	players := 0
	sessions := c.registry.Snapshot()
	for _, s := range sessions {
		players += len(s.Handle.CurrentChannels())
	}

	return Status{
		Name:          c.name,
		Version:       c.version,
		UptimeSeconds: time.Since(c.start).Seconds(),
		Goroutines:    runtime.NumGoroutine(),
		HeapUsed:      memStats.HeapAlloc,
		HeapTotal:     memStats.HeapSys,
		Sessions:      len(sessions),
		Players:       players,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
}
