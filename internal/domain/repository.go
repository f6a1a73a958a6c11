package domain

import (
	"context"
	"time"
)

// InhibitHandle is an acquired OS capability to block system sleep.
// The handle does not remember whether it is currently set; that
// bookkeeping belongs to the owner.
type InhibitHandle interface {
	// Set requests that the system stays awake.
	Set() error

	// Clear releases a previous Set.
	Clear() error

	// Close disposes the OS resource. A second call returns ErrHandleDisposed.
	Close() error
}

// InhibitProvider acquires inhibit handles from the platform.
// Implementations: systemd-logind (linux), power requests (windows),
// caffeinate (darwin), log-only (dry run).
type InhibitProvider interface {
	// Name returns the backend name (e.g., "logind").
	Name() string

	// Create acquires a handle tagged with a human-readable reason.
	Create(reason string) (InhibitHandle, error)
}

// EventHandler receives playback events from the bus.
type EventHandler func(PlaybackEvent)

// Token identifies a bus subscription.
type Token uint64

// EventBus delivers playback events to subscribers.
// Events for one device arrive in generation order; no cross-device ordering.
type EventBus interface {
	// Subscribe registers a handler for one event kind.
	Subscribe(kind EventKind, handler EventHandler) Token

	// Unsubscribe removes a handler. Unknown tokens are ignored.
	Unsubscribe(token Token)

	// Publish delivers an event to all handlers of its kind.
	Publish(event PlaybackEvent)
}

// DelaySource provides the unblock delay and notifies on changes.
type DelaySource interface {
	UnblockDelay() time.Duration
	OnUnblockDelayChange(callback func(time.Duration))
}

// EventSource feeds playback events into the bus.
type EventSource interface {
	// ID returns a short identifier (e.g., "webhook").
	ID() string

	// Run publishes events until ctx is canceled.
	Run(ctx context.Context, bus EventBus) error
}

// ProcessManager handles OS process queries.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// GetCurrentPID returns the current process PID.
	GetCurrentPID() int
}

// StatusStore persists the daemon status for the CLI.
// Implementation: JSON file in the state directory.
type StatusStore interface {
	// Write replaces the stored status.
	Write(entry StatusEntry) error

	// Read returns the stored status, or nil when none exists.
	Read() (*StatusEntry, error)

	// Clear removes the stored status.
	Clear() error

	// Path returns the backing file path.
	Path() string
}

// ServiceManager installs stayawake as a background service.
// Implementation: launchd on macOS, systemd on Linux.
type ServiceManager interface {
	// Install writes the unit for execPath (and optional configPath) and starts it.
	Install(execPath, configPath string) error

	// Uninstall stops the service and removes the unit.
	Uninstall() error

	// IsInstalled checks if the unit file exists.
	IsInstalled() bool

	// NeedsUpdate checks if the installed unit differs from the expected one.
	NeedsUpdate(execPath, configPath string) bool

	// UnitPath returns the unit file path.
	UnitPath() string

	// Kind returns the service manager name ("launchd", "systemd").
	Kind() string
}
