package infra

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/eliteGoblin/focusd/stayawake/internal/domain"
)

// StatusVersion is the current status file schema version.
const StatusVersion = 1

// StatusFile implements domain.StatusStore using a JSON file.
// Writers serialize on a sidecar lock file so a status command running
// as another process never sees a torn entry.
type StatusFile struct {
	path string
}

// NewStatusFile creates a status store at path.
func NewStatusFile(path string) *StatusFile {
	return &StatusFile{path: ExpandHome(path)}
}

// Path returns the status file path.
func (s *StatusFile) Path() string {
	return s.path
}

// Write replaces the stored status.
func (s *StatusFile) Write(entry domain.StatusEntry) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	if entry.Version == 0 {
		entry.Version = StatusVersion
	}
	if entry.LastHeartbeat == 0 {
		entry.LastHeartbeat = time.Now().Unix()
	}
	return s.atomicWrite(&entry)
}

// Read returns the stored status, or nil when no daemon has written one.
func (s *StatusFile) Read() (*domain.StatusEntry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entry domain.StatusEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("corrupt status file %s: %w", s.path, err)
	}
	return &entry, nil
}

// Clear removes the status file. Missing files are not an error.
func (s *StatusFile) Clear() error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *StatusFile) lock() (func(), error) {
	lockPath := s.path + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return func() {
		_ = unlockFile(f)
		f.Close()
	}, nil
}

// atomicWrite writes the entry to a temp file and renames it into place.
func (s *StatusFile) atomicWrite(entry *domain.StatusEntry) error {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return err
	}

	// Unique per process to avoid races with a concurrent writer
	tmpPath := fmt.Sprintf("%s.%d.tmp", s.path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// DaemonState classifies a status entry for display.
type DaemonState string

const (
	DaemonRunning    DaemonState = "RUNNING"
	DaemonStale      DaemonState = "STALE"
	DaemonNotRunning DaemonState = "NOT RUNNING"
)

// ClassifyStatus decides whether the daemon behind entry is alive.
// An entry whose pid is gone is NOT RUNNING; a live pid whose heartbeat is
// older than maxAge is STALE.
func ClassifyStatus(entry *domain.StatusEntry, pm domain.ProcessManager, now time.Time, maxAge time.Duration) DaemonState {
	if entry == nil || !pm.IsRunning(entry.PID) {
		return DaemonNotRunning
	}
	if maxAge > 0 && now.Sub(time.Unix(entry.LastHeartbeat, 0)) > maxAge {
		return DaemonStale
	}
	return DaemonRunning
}

// Ensure StatusFile implements domain.StatusStore.
var _ domain.StatusStore = (*StatusFile)(nil)
