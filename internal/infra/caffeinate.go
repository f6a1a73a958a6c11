package infra

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/stayawake/internal/domain"
)

// CaffeinateProvider implements domain.InhibitProvider on macOS by running
// caffeinate as a child process for as long as sleep must be blocked.
type CaffeinateProvider struct {
	binary string
	args   []string
	logger *zap.Logger
}

// NewCaffeinateProvider creates a provider that runs
// `caffeinate -s -i -w <pid>`: prevent system and idle sleep, and exit on
// its own if this process dies without clearing.
func NewCaffeinateProvider(logger *zap.Logger) *CaffeinateProvider {
	return &CaffeinateProvider{
		binary: "caffeinate",
		args:   []string{"-s", "-i", "-w", strconv.Itoa(os.Getpid())},
		logger: logger,
	}
}

func (p *CaffeinateProvider) Name() string { return "caffeinate" }

// Create resolves the caffeinate binary once.
func (p *CaffeinateProvider) Create(reason string) (domain.InhibitHandle, error) {
	path, err := exec.LookPath(p.binary)
	if err != nil {
		return nil, domain.NewSystemCallError("lookup "+p.binary, domain.ErrHandleCreation, err)
	}
	return &caffeinateHandle{path: path, args: p.args, logger: p.logger}, nil
}

type caffeinateHandle struct {
	mu     sync.Mutex
	path   string
	args   []string
	cmd    *exec.Cmd
	done   chan struct{}
	closed bool
	logger *zap.Logger
}

// Set starts a caffeinate child. A child from an earlier Set is stopped
// only after the new one is running.
func (h *caffeinateHandle) Set() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return domain.ErrHandleDisposed
	}

	cmd := exec.Command(h.path, h.args...)
	if err := cmd.Start(); err != nil {
		return domain.NewSystemCallError("start "+h.path, domain.ErrSetInhibit, err)
	}
	done := make(chan struct{})
	// Reap the child in background so it doesn't become a zombie.
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	if h.cmd != nil {
		if err := h.stopLocked(); err != nil {
			h.logger.Warn("failed to stop previous caffeinate", zap.Error(err))
		}
	}
	h.cmd, h.done = cmd, done
	return nil
}

// Clear stops the running child, if any.
func (h *caffeinateHandle) Clear() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return domain.ErrHandleDisposed
	}
	if h.cmd == nil {
		return nil
	}
	if err := h.stopLocked(); err != nil {
		return domain.NewSystemCallError("kill caffeinate", domain.ErrClearInhibit, err)
	}
	return nil
}

func (h *caffeinateHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return domain.ErrHandleDisposed
	}
	h.closed = true
	if h.cmd == nil {
		return nil
	}
	return h.stopLocked()
}

// running reports whether a child is alive (for tests).
func (h *caffeinateHandle) running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done == nil {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *caffeinateHandle) stopLocked() error {
	cmd, done := h.cmd, h.done
	h.cmd, h.done = nil, nil

	select {
	case <-done:
		return nil // already exited
	default:
	}
	if err := cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill pid %d: %w", cmd.Process.Pid, err)
	}
	<-done
	return nil
}

// Ensure CaffeinateProvider implements domain.InhibitProvider.
var _ domain.InhibitProvider = (*CaffeinateProvider)(nil)
