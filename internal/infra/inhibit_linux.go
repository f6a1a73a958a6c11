//go:build linux

package infra

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/coreos/go-systemd/v22/login1"
	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/stayawake/internal/domain"
)

const defaultInhibitor = "logind"

var platformInhibitors = map[string]providerFactory{
	"logind": func(logger *zap.Logger) domain.InhibitProvider { return NewLogindProvider(logger) },
}

const (
	logindWho  = "stayawake"
	logindWhat = "sleep"
	logindMode = "block"
)

// LogindProvider implements domain.InhibitProvider with systemd-logind.
// The handle is a system bus connection; Set takes a "sleep" block lock
// and holds its file descriptor, Clear closes the descriptor.
type LogindProvider struct {
	logger *zap.Logger
}

// NewLogindProvider creates a systemd-logind provider.
func NewLogindProvider(logger *zap.Logger) *LogindProvider {
	return &LogindProvider{logger: logger}
}

func (p *LogindProvider) Name() string { return "logind" }

// Create connects to logind over the system bus.
func (p *LogindProvider) Create(reason string) (domain.InhibitHandle, error) {
	conn, err := login1.New()
	if err != nil {
		return nil, domain.NewSystemCallError("login1.New", domain.ErrHandleCreation, describeDBusError(err))
	}
	return &logindHandle{conn: conn, why: reason, logger: p.logger}, nil
}

type logindHandle struct {
	mu     sync.Mutex
	conn   *login1.Conn
	why    string
	lock   *os.File
	closed bool
	logger *zap.Logger
}

// Set takes a new block lock. A lock left from an earlier Set is released
// only after the new one is held, so there is no window where sleep is allowed.
func (h *logindHandle) Set() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return domain.ErrHandleDisposed
	}

	f, err := h.conn.Inhibit(logindWhat, logindWho, h.why, logindMode)
	if err != nil {
		return domain.NewSystemCallError("Inhibit", domain.ErrSetInhibit, describeDBusError(err))
	}

	if h.lock != nil {
		if err := h.lock.Close(); err != nil {
			h.logger.Warn("failed to release previous logind lock", zap.Error(err))
		}
	}
	h.lock = f
	return nil
}

// Clear closes the lock descriptor, which makes logind drop the block.
func (h *logindHandle) Clear() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return domain.ErrHandleDisposed
	}
	if h.lock == nil {
		return nil
	}

	err := h.lock.Close()
	h.lock = nil
	if err != nil {
		return domain.NewSystemCallError("close inhibitor fd", domain.ErrClearInhibit, err)
	}
	return nil
}

// Close releases any held lock and the bus connection.
func (h *logindHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return domain.ErrHandleDisposed
	}
	h.closed = true

	var err error
	if h.lock != nil {
		err = h.lock.Close()
		h.lock = nil
	}
	if h.conn != nil {
		h.conn.Close()
		h.conn = nil
	}
	return err
}

// describeDBusError prefixes D-Bus error replies with their error name,
// e.g. org.freedesktop.DBus.Error.AccessDenied.
func describeDBusError(err error) error {
	var derr dbus.Error
	if errors.As(err, &derr) {
		return fmt.Errorf("%s: %w", derr.Name, err)
	}
	return err
}

// Ensure LogindProvider implements domain.InhibitProvider.
var _ domain.InhibitProvider = (*LogindProvider)(nil)
