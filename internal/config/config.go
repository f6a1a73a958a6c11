// Package config loads and watches stayawake configuration.
package config

import "time"

// Default configuration constants
const (
	defaultUnblockDelayMinutes = 1
	defaultCheckInterval       = 5 * time.Second
	defaultStaleCheckinAge     = 30 * time.Second
	defaultHeartbeatInterval   = 30 * time.Second
	defaultInhibitor           = "auto"
	defaultReason              = "Media is streaming (stayawake)"
	defaultLogLevel            = "info"

	defaultWebhookListen = "127.0.0.1:8095"
	defaultWebhookPath   = "/webhook"

	minCheckInterval = time.Second
)

// Config is the complete stayawake configuration.
type Config struct {
	UnblockDelayMinutes int           `mapstructure:"unblock_delay_minutes"`
	CheckInterval       time.Duration `mapstructure:"check_interval"`
	StaleCheckinAge     time.Duration `mapstructure:"stale_checkin_age"`
	Inhibitor           string        `mapstructure:"inhibitor"`
	Reason              string        `mapstructure:"reason"`
	StatusFile          string        `mapstructure:"status_file"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	Log                 LogConfig     `mapstructure:"log"`
	Sources             SourcesConfig `mapstructure:"sources"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Output      string `mapstructure:"output"` // file path, "stdout" or "stderr"
	Development bool   `mapstructure:"development"`
}

// SourcesConfig lists the playback event sources.
type SourcesConfig struct {
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Jellyfin JellyfinConfig `mapstructure:"jellyfin"`
}

// WebhookConfig configures the HTTP receiver for the Jellyfin Webhook plugin.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
	Token   string `mapstructure:"token"`
}

// JellyfinConfig configures the live session follower. A paused session
// keeps sleep blocked unless IncludePaused is false.
type JellyfinConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	APIKey        string `mapstructure:"api_key"`
	IncludePaused bool   `mapstructure:"include_paused"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		UnblockDelayMinutes: defaultUnblockDelayMinutes,
		CheckInterval:       defaultCheckInterval,
		StaleCheckinAge:     defaultStaleCheckinAge,
		Inhibitor:           defaultInhibitor,
		Reason:              defaultReason,
		HeartbeatInterval:   defaultHeartbeatInterval,
		Log: LogConfig{
			Level:  defaultLogLevel,
			Output: "stderr",
		},
		Sources: SourcesConfig{
			Webhook: WebhookConfig{
				Enabled: true,
				Listen:  defaultWebhookListen,
				Path:    defaultWebhookPath,
			},
			Jellyfin: JellyfinConfig{
				IncludePaused: true,
			},
		},
	}
}

// UnblockDelay converts the configured minutes to a duration.
// Clamping to the minimum happens in the controller.
func (c *Config) UnblockDelay() time.Duration {
	return time.Duration(c.UnblockDelayMinutes) * time.Minute
}

// EnabledSources returns the IDs of sources that are switched on.
func (c *Config) EnabledSources() []string {
	var ids []string
	if c.Sources.Webhook.Enabled {
		ids = append(ids, "webhook")
	}
	if c.Sources.Jellyfin.Enabled {
		ids = append(ids, "jellyfin")
	}
	return ids
}
