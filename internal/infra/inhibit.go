package infra

import (
	"fmt"
	"runtime"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/stayawake/internal/domain"
)

// InhibitorAuto selects the platform default backend.
const InhibitorAuto = "auto"

// InhibitorNone is the log-only backend.
const InhibitorNone = "none"

type providerFactory func(logger *zap.Logger) domain.InhibitProvider

// NewInhibitProvider returns the backend registered under name for this OS.
// "auto" (or empty) picks the platform default, "none" never touches the OS.
func NewInhibitProvider(name string, logger *zap.Logger) (domain.InhibitProvider, error) {
	switch name {
	case "", InhibitorAuto:
		name = defaultInhibitor
	}
	if name == InhibitorNone {
		return NewLogProvider(logger), nil
	}

	factory, ok := platformInhibitors[name]
	if !ok {
		return nil, fmt.Errorf("%w: inhibitor %q on %s", domain.ErrUnsupportedPlatform, name, runtime.GOOS)
	}
	return factory(logger), nil
}

// AvailableInhibitors lists backend names usable on this OS.
func AvailableInhibitors() []string {
	names := []string{InhibitorAuto, InhibitorNone}
	for name := range platformInhibitors {
		names = append(names, name)
	}
	sort.Strings(names[2:])
	return names
}

// LogProvider implements domain.InhibitProvider without touching the OS.
// Useful as a dry run and on platforms without a backend.
type LogProvider struct {
	logger *zap.Logger
}

// NewLogProvider creates a log-only provider.
func NewLogProvider(logger *zap.Logger) *LogProvider {
	return &LogProvider{logger: logger}
}

func (p *LogProvider) Name() string { return InhibitorNone }

// Create always succeeds.
func (p *LogProvider) Create(reason string) (domain.InhibitHandle, error) {
	p.logger.Info("dry run inhibitor in use, sleep will not actually be blocked",
		zap.String("reason", reason))
	return &logHandle{logger: p.logger}, nil
}

type logHandle struct {
	mu     sync.Mutex
	logger *zap.Logger
	closed bool
}

func (h *logHandle) Set() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return domain.ErrHandleDisposed
	}
	h.logger.Info("dry run: would block sleep")
	return nil
}

func (h *logHandle) Clear() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return domain.ErrHandleDisposed
	}
	h.logger.Info("dry run: would unblock sleep")
	return nil
}

func (h *logHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return domain.ErrHandleDisposed
	}
	h.closed = true
	return nil
}

// Ensure LogProvider implements domain.InhibitProvider.
var _ domain.InhibitProvider = (*LogProvider)(nil)
