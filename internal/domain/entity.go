// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import "time"

// EventKind identifies a playback lifecycle event.
type EventKind string

const (
	EventPlaybackStart    EventKind = "PlaybackStart"
	EventPlaybackProgress EventKind = "PlaybackProgress"
	EventPlaybackStop     EventKind = "PlaybackStop"
)

// PlaybackEvent is a single playback notification produced by an event source.
// It is consumed once and discarded.
type PlaybackEvent struct {
	Kind     EventKind
	DeviceID string

	// Start only
	HasMediaInfo bool
	HasUsers     bool
	IsThemeMedia bool

	// Progress only
	DeviceName  string
	LastCheckin time.Time // UTC
}

// Qualifies reports whether a start event counts as real playback.
// Theme media and sessions without media info or users are ignored.
func (e PlaybackEvent) Qualifies() bool {
	return e.HasMediaInfo && e.HasUsers && !e.IsThemeMedia
}

// InhibitState is a point-in-time snapshot of the debounce controller.
type InhibitState struct {
	Blocking        bool
	LastLiveness    time.Time
	HandleAvailable bool
	StoppedDevices  int
	UnblockDelay    time.Duration
}

// StatusEntry is what the running daemon publishes for the status command.
// Persisted to a JSON file and refreshed on every heartbeat.
type StatusEntry struct {
	Version         int       `json:"version"`
	PID             int       `json:"pid"`
	StartedAt       time.Time `json:"started_at"`
	LastHeartbeat   int64     `json:"last_heartbeat"`
	Blocking        bool      `json:"blocking"`
	LastLiveness    time.Time `json:"last_liveness"`
	HandleAvailable bool      `json:"handle_available"`
	StoppedDevices  int       `json:"stopped_devices"`
	UnblockDelay    string    `json:"unblock_delay"`
	Inhibitor       string    `json:"inhibitor"`
	Sources         []string  `json:"sources,omitempty"`
	AppVersion      string    `json:"app_version,omitempty"`
}
