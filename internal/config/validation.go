package config

import (
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap/zapcore"
)

// knownInhibitors are the backend names accepted in any build. Whether a
// name is usable on this OS is checked when the provider is created.
var knownInhibitors = []string{"auto", "none", "logind", "windows", "iokit", "caffeinate"}

// Validate checks configuration values.
func Validate(config *Config) error {
	var validationErrors []string

	validationErrors = append(validationErrors, validateTiming(config)...)
	validationErrors = append(validationErrors, validateInhibitor(config)...)
	validationErrors = append(validationErrors, validateLog(config)...)
	validationErrors = append(validationErrors, validateWebhook(config)...)
	validationErrors = append(validationErrors, validateJellyfin(config)...)

	if len(validationErrors) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(validationErrors, "\n  - "))
	}
	return nil
}

func validateTiming(config *Config) []string {
	var validationErrors []string
	if config.UnblockDelayMinutes < 0 {
		validationErrors = append(validationErrors, "unblock_delay_minutes must be non-negative")
	}
	if config.CheckInterval < minCheckInterval {
		validationErrors = append(validationErrors, fmt.Sprintf("check_interval must be at least %s", minCheckInterval))
	}
	if config.StaleCheckinAge <= 0 {
		validationErrors = append(validationErrors, "stale_checkin_age must be positive")
	}
	if config.HeartbeatInterval <= 0 {
		validationErrors = append(validationErrors, "heartbeat_interval must be positive")
	}
	return validationErrors
}

func validateInhibitor(config *Config) []string {
	for _, name := range knownInhibitors {
		if config.Inhibitor == name {
			return nil
		}
	}
	return []string{fmt.Sprintf("inhibitor must be one of %s (got %q)",
		strings.Join(knownInhibitors, ", "), config.Inhibitor)}
}

func validateLog(config *Config) []string {
	if _, err := zapcore.ParseLevel(config.Log.Level); err != nil {
		return []string{fmt.Sprintf("log.level: %v", err)}
	}
	return nil
}

func validateWebhook(config *Config) []string {
	wh := config.Sources.Webhook
	if !wh.Enabled {
		return nil
	}
	var validationErrors []string
	if wh.Listen == "" {
		validationErrors = append(validationErrors, "sources.webhook.listen is required when the webhook is enabled")
	}
	if !strings.HasPrefix(wh.Path, "/") {
		validationErrors = append(validationErrors, "sources.webhook.path must start with /")
	}
	return validationErrors
}

func validateJellyfin(config *Config) []string {
	jf := config.Sources.Jellyfin
	if !jf.Enabled {
		return nil
	}
	var validationErrors []string
	u, err := url.Parse(jf.URL)
	switch {
	case jf.URL == "":
		validationErrors = append(validationErrors, "sources.jellyfin.url is required when jellyfin is enabled")
	case err != nil || u.Host == "":
		validationErrors = append(validationErrors, fmt.Sprintf("sources.jellyfin.url is not a valid URL: %q", jf.URL))
	case !isKnownScheme(u.Scheme):
		validationErrors = append(validationErrors, "sources.jellyfin.url scheme must be http, https, ws or wss")
	}
	if jf.APIKey == "" {
		validationErrors = append(validationErrors, "sources.jellyfin.api_key is required when jellyfin is enabled")
	}
	return validationErrors
}

func isKnownScheme(scheme string) bool {
	switch scheme {
	case "http", "https", "ws", "wss":
		return true
	}
	return false
}
