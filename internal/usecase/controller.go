// Package usecase contains application business logic.
package usecase

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/stayawake/internal/domain"
)

const (
	// MinUnblockDelay is the floor applied to every configured delay.
	MinUnblockDelay = 60 * time.Second

	// DefaultCheckInterval is how often the unblock timer polls.
	DefaultCheckInterval = 5 * time.Second

	// DefaultStaleCheckinAge drops progress whose checkin is older than this.
	DefaultStaleCheckinAge = 30 * time.Second

	// DefaultReason tags the OS inhibit request.
	DefaultReason = "Media is streaming (stayawake)"

	noLiveness = math.MinInt64
)

var (
	errAlreadyStarted = errors.New("controller already started")
	errShutdown       = errors.New("controller shut down")
)

// ControllerConfig holds debounce controller configuration.
type ControllerConfig struct {
	Reason          string        // Shown by the OS next to the inhibit request
	UnblockDelay    time.Duration // Quiet period before sleep is allowed again
	CheckInterval   time.Duration // Fixed poll interval of the unblock timer
	StaleCheckinAge time.Duration // Progress with an older checkin is ignored
}

// DefaultControllerConfig returns default controller configuration.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		Reason:          DefaultReason,
		UnblockDelay:    MinUnblockDelay,
		CheckInterval:   DefaultCheckInterval,
		StaleCheckinAge: DefaultStaleCheckinAge,
	}
}

// ClampUnblockDelay applies the MinUnblockDelay floor.
func ClampUnblockDelay(d time.Duration) time.Duration {
	if d < MinUnblockDelay {
		return MinUnblockDelay
	}
	return d
}

// Controller turns playback events into a single "sleep is blocked" decision.
//
// State transitions, the recently-stopped device set and every call on the
// inhibit handle are serialized by mu. The liveness timestamp is kept in an
// atomic so readers never need the lock; writers only ever move it forward.
type Controller struct {
	config   ControllerConfig
	provider domain.InhibitProvider
	bus      domain.EventBus
	clock    clockwork.Clock
	logger   *zap.Logger

	unblockDelay atomic.Int64 // nanoseconds
	lastLiveness atomic.Int64 // unix nanoseconds, noLiveness until first progress

	mu       sync.Mutex
	handle   domain.InhibitHandle
	blocking bool
	stopped  map[string]struct{}
	tokens   []domain.Token
	started  bool
	closed   bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewController creates a debounce controller. A nil clock uses the real clock.
func NewController(
	config ControllerConfig,
	provider domain.InhibitProvider,
	bus domain.EventBus,
	clock clockwork.Clock,
	logger *zap.Logger,
) *Controller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = DefaultCheckInterval
	}
	if config.StaleCheckinAge <= 0 {
		config.StaleCheckinAge = DefaultStaleCheckinAge
	}
	if config.Reason == "" {
		config.Reason = DefaultReason
	}

	c := &Controller{
		config:   config,
		provider: provider,
		bus:      bus,
		clock:    clock,
		logger:   logger,
		stopped:  make(map[string]struct{}),
		stopCh:   make(chan struct{}),
	}
	c.unblockDelay.Store(int64(ClampUnblockDelay(config.UnblockDelay)))
	c.lastLiveness.Store(noLiveness)
	return c
}

// Start acquires the inhibit handle, subscribes to playback events and
// starts the unblock timer. A handle that cannot be created is logged and
// the controller keeps running with sleep blocking disabled.
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errShutdown
	}
	if c.started {
		c.mu.Unlock()
		return errAlreadyStarted
	}
	c.started = true

	handle, err := c.provider.Create(c.config.Reason)
	if err != nil {
		c.logger.Error("failed to acquire inhibit handle, sleep blocking disabled",
			zap.String("inhibitor", c.provider.Name()),
			zap.Error(err))
	} else {
		c.handle = handle
		c.logger.Info("inhibit handle acquired",
			zap.String("inhibitor", c.provider.Name()),
			zap.String("reason", c.config.Reason))
	}

	c.tokens = append(c.tokens,
		c.bus.Subscribe(domain.EventPlaybackStart, c.HandleStart),
		c.bus.Subscribe(domain.EventPlaybackProgress, c.HandleProgress),
		c.bus.Subscribe(domain.EventPlaybackStop, c.HandleStop),
	)

	ticker := c.clock.NewTicker(c.config.CheckInterval)
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run(ticker)

	c.logger.Info("debounce controller started",
		zap.Duration("unblock_delay", c.UnblockDelay()),
		zap.Duration("check_interval", c.config.CheckInterval))
	return nil
}

func (c *Controller) run(ticker clockwork.Ticker) {
	defer c.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.Chan():
			c.Tick()
		}
	}
}

// Shutdown unsubscribes, stops the timer and waits for an in-flight tick,
// then releases any outstanding block and disposes the handle. Safe to call
// more than once and concurrently; disposal happens exactly once.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	started := c.started
	tokens := c.tokens
	c.tokens = nil
	c.mu.Unlock()

	for _, t := range tokens {
		c.bus.Unsubscribe(t)
	}

	if started {
		close(c.stopCh)
		c.wg.Wait()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle != nil {
		if c.blocking {
			c.logger.Info("shutting down while blocking, unblocking sleep")
			if err := c.handle.Clear(); err != nil {
				c.logger.Error("failed to unblock sleep during shutdown", zap.Error(err))
			}
		}
		if err := c.handle.Close(); err != nil {
			c.logger.Warn("failed to dispose inhibit handle", zap.Error(err))
		}
		c.handle = nil
	}
	c.blocking = false
	clear(c.stopped)

	c.logger.Info("debounce controller stopped")
}

// HandleStart removes a device from the recently-stopped set when the start
// event represents real playback.
func (c *Controller) HandleStart(ev domain.PlaybackEvent) {
	defer c.recoverPanic(ev)

	if !ev.Qualifies() {
		c.logger.Debug("ignoring non-qualifying playback start",
			zap.String("device_id", ev.DeviceID),
			zap.Bool("has_media_info", ev.HasMediaInfo),
			zap.Bool("has_users", ev.HasUsers),
			zap.Bool("theme_media", ev.IsThemeMedia))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.stopped[ev.DeviceID]; !ok {
		return
	}
	delete(c.stopped, ev.DeviceID)
	c.logger.Debug("removed device from recently stopped",
		zap.String("device_id", ev.DeviceID))
}

// HandleStop marks a device as recently stopped so that stray progress
// events it emits afterwards are ignored.
func (c *Controller) HandleStop(ev domain.PlaybackEvent) {
	defer c.recoverPanic(ev)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if _, ok := c.stopped[ev.DeviceID]; ok {
		return
	}
	c.stopped[ev.DeviceID] = struct{}{}
	c.logger.Debug("added device to recently stopped",
		zap.String("device_id", ev.DeviceID))
}

// HandleProgress records liveness and blocks sleep if not already blocking.
func (c *Controller) HandleProgress(ev domain.PlaybackEvent) {
	defer c.recoverPanic(ev)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	if _, ok := c.stopped[ev.DeviceID]; ok {
		c.logger.Debug("progress from stopped device ignored",
			zap.String("device_id", ev.DeviceID),
			zap.String("device_name", ev.DeviceName))
		return
	}

	now := c.clock.Now()
	checkin := ev.LastCheckin
	if age := now.Sub(checkin); age > c.config.StaleCheckinAge {
		c.logger.Debug("stale checkin ignored",
			zap.String("device_name", ev.DeviceName),
			zap.Duration("age", age))
		return
	}
	// A checkin ahead of our clock counts as now, or it would hold the block
	// until the clock catches up.
	if checkin.After(now) {
		c.logger.Debug("future checkin capped to now",
			zap.String("device_name", ev.DeviceName),
			zap.Duration("ahead", checkin.Sub(now)))
		checkin = now
	}

	c.observeLiveness(checkin)

	if c.blocking || c.handle == nil {
		return
	}

	c.logger.Debug("attempting to block sleep", zap.String("device_name", ev.DeviceName))
	if err := c.handle.Set(); err != nil {
		c.logger.Error("failed to block sleep", zap.Error(err))
		return
	}
	c.blocking = true
	c.logger.Info("sleep blocked", zap.String("device_name", ev.DeviceName))
}

// Tick is one evaluation of the unblock timer.
func (c *Controller) Tick() {
	defer c.recoverPanic(domain.PlaybackEvent{})

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.blocking || c.handle == nil {
		return
	}

	delay := c.UnblockDelay()
	quiet := c.quietFor()
	if quiet < delay {
		return
	}

	c.logger.Info("unblocking sleep",
		zap.Duration("quiet_for", quiet),
		zap.Duration("unblock_delay", delay))
	if err := c.handle.Clear(); err != nil {
		c.logger.Error("failed to unblock sleep, retrying on next tick", zap.Error(err))
		return
	}
	c.blocking = false
	c.logger.Info("sleep unblocked")
}

// SetUnblockDelay changes the quiet period. Takes effect on the next tick.
func (c *Controller) SetUnblockDelay(d time.Duration) {
	clamped := ClampUnblockDelay(d)
	if old := time.Duration(c.unblockDelay.Swap(int64(clamped))); old != clamped {
		c.logger.Info("unblock delay changed",
			zap.Duration("old", old),
			zap.Duration("new", clamped))
	}
}

// FollowDelay applies the current delay from src and every later change.
func (c *Controller) FollowDelay(src domain.DelaySource) {
	c.SetUnblockDelay(src.UnblockDelay())
	src.OnUnblockDelayChange(c.SetUnblockDelay)
}

// UnblockDelay returns the effective (clamped) delay.
func (c *Controller) UnblockDelay() time.Duration {
	return time.Duration(c.unblockDelay.Load())
}

// Liveness returns the latest checkin observed, or zero time if none.
func (c *Controller) Liveness() time.Time {
	n := c.lastLiveness.Load()
	if n == noLiveness {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// State returns a snapshot for diagnostics.
func (c *Controller) State() domain.InhibitState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return domain.InhibitState{
		Blocking:        c.blocking,
		LastLiveness:    c.Liveness(),
		HandleAvailable: c.handle != nil,
		StoppedDevices:  len(c.stopped),
		UnblockDelay:    c.UnblockDelay(),
	}
}

// observeLiveness moves lastLiveness forward to t; it never moves back.
func (c *Controller) observeLiveness(t time.Time) {
	n := t.UnixNano()
	for {
		cur := c.lastLiveness.Load()
		if cur != noLiveness && cur >= n {
			return
		}
		if c.lastLiveness.CompareAndSwap(cur, n) {
			return
		}
	}
}

// quietFor is the time since the last liveness; unbounded when none seen.
func (c *Controller) quietFor() time.Duration {
	n := c.lastLiveness.Load()
	if n == noLiveness {
		return time.Duration(math.MaxInt64)
	}
	return c.clock.Since(time.Unix(0, n))
}

// recoverPanic keeps handler panics from reaching the publisher.
func (c *Controller) recoverPanic(ev domain.PlaybackEvent) {
	if r := recover(); r != nil {
		c.logger.Error("recovered panic in playback handler",
			zap.String("kind", string(ev.Kind)),
			zap.String("device_id", ev.DeviceID),
			zap.Any("panic", r))
	}
}
