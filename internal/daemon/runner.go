// Package daemon runs the stayawake controller with its event sources.
package daemon

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eliteGoblin/focusd/stayawake/internal/domain"
	"github.com/eliteGoblin/focusd/stayawake/internal/infra"
	"github.com/eliteGoblin/focusd/stayawake/internal/usecase"
)

// DefaultHeartbeatInterval is how often the status file is refreshed.
const DefaultHeartbeatInterval = 30 * time.Second

// ConfigWatcher enables live config reload.
type ConfigWatcher interface {
	Watch() error
}

// RunnerConfig holds runner settings.
type RunnerConfig struct {
	HeartbeatInterval time.Duration
	Inhibitor         string // Backend name, reported in status
	AppVersion        string
}

// Runner owns the controller lifecycle and runs event sources until
// its context is canceled.
type Runner struct {
	config     RunnerConfig
	controller *usecase.Controller
	bus        domain.EventBus
	sources    []domain.EventSource
	status     domain.StatusStore
	pm         domain.ProcessManager
	delay      domain.DelaySource
	watcher    ConfigWatcher
	clock      clockwork.Clock
	logger     *zap.Logger
	startedAt  time.Time
}

// NewRunner creates a runner. delay and watcher may be nil.
func NewRunner(
	config RunnerConfig,
	controller *usecase.Controller,
	bus domain.EventBus,
	sources []domain.EventSource,
	status domain.StatusStore,
	pm domain.ProcessManager,
	delay domain.DelaySource,
	watcher ConfigWatcher,
	clock clockwork.Clock,
	logger *zap.Logger,
) *Runner {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Runner{
		config:     config,
		controller: controller,
		bus:        bus,
		sources:    sources,
		status:     status,
		pm:         pm,
		delay:      delay,
		watcher:    watcher,
		clock:      clock,
		logger:     logger,
	}
}

// Run starts the controller and sources, and blocks until ctx is canceled.
// Source failures are logged and do not stop the runner.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.controller.Start(); err != nil {
		return err
	}
	defer r.shutdown()

	if r.delay != nil {
		r.controller.FollowDelay(r.delay)
	}
	if r.watcher != nil {
		if err := r.watcher.Watch(); err != nil {
			r.logger.Info("live config reload disabled", zap.Error(err))
		}
	}

	r.startedAt = r.clock.Now()
	r.writeStatus()

	r.logger.Info("stayawake daemon started",
		zap.Int("pid", r.pm.GetCurrentPID()),
		zap.String("inhibitor", r.config.Inhibitor),
		zap.Strings("sources", r.sourceIDs()),
		zap.Duration("unblock_delay", r.controller.UnblockDelay()))

	var g errgroup.Group
	for _, src := range r.sources {
		src := src
		g.Go(func() error {
			r.logger.Debug("source starting", zap.String("source", src.ID()))
			if err := src.Run(ctx, r.bus); err != nil {
				r.logger.Error("source failed", zap.String("source", src.ID()), zap.Error(err))
			}
			return nil
		})
	}
	g.Go(func() error {
		r.heartbeat(ctx)
		return nil
	})

	<-ctx.Done()
	r.logger.Info("stayawake daemon stopping")
	return g.Wait()
}

func (r *Runner) heartbeat(ctx context.Context) {
	ticker := r.clock.NewTicker(r.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.writeStatus()
		}
	}
}

func (r *Runner) shutdown() {
	r.controller.Shutdown()
	if err := r.status.Clear(); err != nil {
		r.logger.Warn("failed to clear status file", zap.Error(err))
	}
	r.logger.Info("stayawake daemon stopped")
}

// Snapshot builds the status entry for the current controller state.
func (r *Runner) Snapshot() domain.StatusEntry {
	state := r.controller.State()
	return domain.StatusEntry{
		Version:         infra.StatusVersion,
		PID:             r.pm.GetCurrentPID(),
		StartedAt:       r.startedAt.UTC(),
		LastHeartbeat:   r.clock.Now().Unix(),
		Blocking:        state.Blocking,
		LastLiveness:    state.LastLiveness,
		HandleAvailable: state.HandleAvailable,
		StoppedDevices:  state.StoppedDevices,
		UnblockDelay:    state.UnblockDelay.String(),
		Inhibitor:       r.config.Inhibitor,
		Sources:         r.sourceIDs(),
		AppVersion:      r.config.AppVersion,
	}
}

func (r *Runner) writeStatus() {
	if err := r.status.Write(r.Snapshot()); err != nil {
		r.logger.Warn("failed to write status file",
			zap.String("path", r.status.Path()),
			zap.Error(err))
	}
}

func (r *Runner) sourceIDs() []string {
	ids := make([]string, 0, len(r.sources))
	for _, s := range r.sources {
		ids = append(ids, s.ID())
	}
	return ids
}
