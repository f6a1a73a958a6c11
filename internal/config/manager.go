package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnvPrefix is the prefix for environment overrides (STAYAWAKE_CHECK_INTERVAL, ...).
const EnvPrefix = "STAYAWAKE"

// Options controls where the Manager looks for configuration.
type Options struct {
	// ConfigFile is an explicit file path; it must exist when set.
	ConfigFile string

	// SearchDirs are searched for config.yaml when ConfigFile is empty.
	SearchDirs []string

	// DefaultStatusFile is used when status_file is not configured.
	DefaultStatusFile string
}

// Manager handles configuration loading, watching, and reloading.
// It also satisfies domain.DelaySource.
type Manager struct {
	opts           Options
	config         *Config
	viper          *viper.Viper
	mu             sync.RWMutex
	callbacks      []func(*Config)
	delayCallbacks []func(time.Duration)
	watching       bool
	logger         *zap.Logger
}

// NewManager creates a new configuration manager.
func NewManager(opts Options, logger *zap.Logger) *Manager {
	v := viper.New()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, dir := range opts.SearchDirs {
			v.AddConfigPath(dir)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Manager{
		opts:   opts,
		viper:  v,
		logger: logger,
	}
}

// Load loads the configuration from file and environment variables.
// A missing config file in the search dirs is not an error; defaults apply.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.setDefaults()

	if err := m.readConfigFile(); err != nil {
		return err
	}

	config, err := m.unmarshalConfig()
	if err != nil {
		return err
	}
	if err := Validate(config); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	m.config = config
	return nil
}

func (m *Manager) readConfigFile() error {
	err := m.viper.ReadInConfig()
	if err == nil {
		m.logger.Info("config loaded", zap.String("file", m.viper.ConfigFileUsed()))
		return nil
	}

	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		m.logger.Info("no config file found, using defaults",
			zap.Strings("searched", m.opts.SearchDirs))
		return nil
	}
	if m.opts.ConfigFile != "" && errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config file %s does not exist", m.opts.ConfigFile)
	}
	return fmt.Errorf("failed to read config file %s: %w", m.ConfigFile(), err)
}

func (m *Manager) unmarshalConfig() (*Config, error) {
	config := &Config{}
	if err := m.viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", m.ConfigFile(), err)
	}
	if config.StatusFile == "" {
		config.StatusFile = m.opts.DefaultStatusFile
	}
	return config, nil
}

func (m *Manager) setDefaults() {
	defaults := DefaultConfig()

	m.viper.SetDefault("unblock_delay_minutes", defaults.UnblockDelayMinutes)
	m.viper.SetDefault("check_interval", defaults.CheckInterval)
	m.viper.SetDefault("stale_checkin_age", defaults.StaleCheckinAge)
	m.viper.SetDefault("inhibitor", defaults.Inhibitor)
	m.viper.SetDefault("reason", defaults.Reason)
	m.viper.SetDefault("status_file", defaults.StatusFile)
	m.viper.SetDefault("heartbeat_interval", defaults.HeartbeatInterval)

	m.viper.SetDefault("log.level", defaults.Log.Level)
	m.viper.SetDefault("log.output", defaults.Log.Output)
	m.viper.SetDefault("log.development", defaults.Log.Development)

	m.viper.SetDefault("sources.webhook.enabled", defaults.Sources.Webhook.Enabled)
	m.viper.SetDefault("sources.webhook.listen", defaults.Sources.Webhook.Listen)
	m.viper.SetDefault("sources.webhook.path", defaults.Sources.Webhook.Path)
	m.viper.SetDefault("sources.webhook.token", defaults.Sources.Webhook.Token)

	m.viper.SetDefault("sources.jellyfin.enabled", defaults.Sources.Jellyfin.Enabled)
	m.viper.SetDefault("sources.jellyfin.url", defaults.Sources.Jellyfin.URL)
	m.viper.SetDefault("sources.jellyfin.api_key", defaults.Sources.Jellyfin.APIKey)
	m.viper.SetDefault("sources.jellyfin.include_paused", defaults.Sources.Jellyfin.IncludePaused)
}

// Get returns the current configuration. Callers must not modify it.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.config == nil {
		return DefaultConfig()
	}
	return m.config
}

// ConfigFile returns the file in use, or "" when running on defaults.
func (m *Manager) ConfigFile() string {
	return m.viper.ConfigFileUsed()
}

// UnblockDelay returns the configured unblock delay.
func (m *Manager) UnblockDelay() time.Duration {
	return m.Get().UnblockDelay()
}

// Watch starts watching the config file for changes and reloads automatically.
// Without a config file there is nothing to watch.
func (m *Manager) Watch() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.watching {
		return nil
	}
	if m.viper.ConfigFileUsed() == "" {
		return fmt.Errorf("no config file to watch")
	}

	m.viper.OnConfigChange(func(e fsnotify.Event) {
		m.logger.Debug("config change detected",
			zap.String("op", e.Op.String()),
			zap.String("file", e.Name))

		m.mu.Lock()
		if err := m.reload(); err != nil {
			m.mu.Unlock()
			m.logger.Warn("failed to reload config, keeping previous", zap.Error(err))
			return
		}
		m.logger.Info("config reloaded", zap.String("file", e.Name))
		m.notifyCallbacksLocked()
	})
	m.viper.WatchConfig()

	m.watching = true
	return nil
}

// notifyCallbacksLocked copies callbacks and config, releases lock, then notifies.
// Must be called with m.mu held for write.
func (m *Manager) notifyCallbacksLocked() {
	config := m.config
	callbacks := make([]func(*Config), len(m.callbacks))
	copy(callbacks, m.callbacks)
	delayCallbacks := make([]func(time.Duration), len(m.delayCallbacks))
	copy(delayCallbacks, m.delayCallbacks)
	m.mu.Unlock()

	for _, callback := range callbacks {
		callback(config)
	}
	delay := config.UnblockDelay()
	for _, callback := range delayCallbacks {
		callback(delay)
	}
}

// OnConfigChange registers a callback called after every successful reload.
func (m *Manager) OnConfigChange(callback func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

// OnUnblockDelayChange registers a callback that receives the unblock delay
// after every successful reload.
func (m *Manager) OnUnblockDelayChange(callback func(time.Duration)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delayCallbacks = append(m.delayCallbacks, callback)
}

// reload re-reads the file (must be called with lock held for write).
func (m *Manager) reload() error {
	if err := m.viper.ReadInConfig(); err != nil {
		return err
	}
	config, err := m.unmarshalConfig()
	if err != nil {
		return err
	}
	if err := Validate(config); err != nil {
		return err
	}
	m.config = config
	return nil
}

// Reload re-reads the config file and notifies callbacks, as a file change would.
func (m *Manager) Reload() error {
	m.mu.Lock()
	if err := m.reload(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.notifyCallbacksLocked()
	return nil
}
