package daemon

import (
	"fmt"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/stayawake/internal/config"
	"github.com/eliteGoblin/focusd/stayawake/internal/domain"
	"github.com/eliteGoblin/focusd/stayawake/internal/infra"
	"github.com/eliteGoblin/focusd/stayawake/internal/source"
	"github.com/eliteGoblin/focusd/stayawake/internal/usecase"
)

// ControllerConfigFrom maps configuration onto controller settings.
func ControllerConfigFrom(cfg *config.Config) usecase.ControllerConfig {
	return usecase.ControllerConfig{
		Reason:          cfg.Reason,
		UnblockDelay:    cfg.UnblockDelay(),
		CheckInterval:   cfg.CheckInterval,
		StaleCheckinAge: cfg.StaleCheckinAge,
	}
}

// NewRunnerFromConfig wires the inhibit backend, bus, controller, sources
// and status file for the loaded configuration. mgr may be nil, in which
// case the delay is fixed and no live reload happens.
func NewRunnerFromConfig(cfg *config.Config, mgr *config.Manager, appVersion string, logger *zap.Logger) (*Runner, error) {
	clock := clockwork.NewRealClock()

	provider, err := infra.NewInhibitProvider(cfg.Inhibitor, logger)
	if err != nil {
		return nil, err
	}

	bus := infra.NewEventBus(logger)
	controller := usecase.NewController(ControllerConfigFrom(cfg), provider, bus, clock, logger)

	sources, err := source.NewRegistryFromConfig(cfg, clock, logger)
	if err != nil {
		return nil, err
	}
	if sources.Len() == 0 {
		logger.Warn("no event sources enabled, sleep will never be blocked")
	}
	if cfg.StatusFile == "" {
		return nil, fmt.Errorf("status_file is not set")
	}

	runnerConfig := RunnerConfig{
		HeartbeatInterval: cfg.HeartbeatInterval,
		Inhibitor:         provider.Name(),
		AppVersion:        appVersion,
	}

	var delay domain.DelaySource
	var watcher ConfigWatcher
	if mgr != nil {
		delay, watcher = mgr, mgr
	}
	return NewRunner(runnerConfig, controller, bus, sources.GetAll(),
		infra.NewStatusFile(cfg.StatusFile), infra.NewProcessManager(),
		delay, watcher, clock, logger), nil
}
