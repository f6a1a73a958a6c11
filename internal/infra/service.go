package infra

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"text/template"

	"github.com/eliteGoblin/focusd/stayawake/internal/domain"
)

// ServiceLabel names the launchd job and the systemd unit.
const ServiceLabel = "io.github.stayawake"

// LaunchAgent plist template (runs as user)
const launchAgentTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>

    <key>ProgramArguments</key>
    <array>
        <string>{{.ExecutablePath}}</string>
        <string>run</string>{{if .ConfigPath}}
        <string>--config</string>
        <string>{{.ConfigPath}}</string>{{end}}
    </array>

    <key>RunAtLoad</key>
    <true/>

    <key>KeepAlive</key>
    <dict>
        <key>Crashed</key>
        <true/>
    </dict>

    <key>StandardErrorPath</key>
    <string>{{.LogPath}}</string>

    <key>ProcessType</key>
    <string>Background</string>

    <key>ThrottleInterval</key>
    <integer>10</integer>
</dict>
</plist>
`

// LaunchDaemon plist template (runs as root)
const launchDaemonTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>

    <key>ProgramArguments</key>
    <array>
        <string>{{.ExecutablePath}}</string>
        <string>run</string>{{if .ConfigPath}}
        <string>--config</string>
        <string>{{.ConfigPath}}</string>{{end}}
    </array>

    <key>RunAtLoad</key>
    <true/>

    <key>KeepAlive</key>
    <true/>

    <key>StandardErrorPath</key>
    <string>{{.LogPath}}</string>

    <key>ThrottleInterval</key>
    <integer>10</integer>
</dict>
</plist>
`

// systemd unit template; WantedBy differs between user and system managers.
const systemdUnitTemplate = `[Unit]
Description=stayawake - keep the machine awake while media is streaming
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.ExecutablePath}} run{{if .ConfigPath}} --config {{.ConfigPath}}{{end}}
Restart=on-failure
RestartSec=10

[Install]
WantedBy={{.WantedBy}}
`

type unitConfig struct {
	Label          string
	ExecutablePath string
	ConfigPath     string
	LogPath        string
	WantedBy       string
}

// commandRunner runs service manager commands (launchctl, systemctl).
type commandRunner func(name string, args ...string) error

func runCommand(name string, args ...string) error {
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v: %w: %s", name, args, err, bytes.TrimSpace(out))
	}
	return nil
}

// ServiceManagerImpl implements domain.ServiceManager for launchd and systemd.
type ServiceManagerImpl struct {
	kind     string // "launchd" or "systemd"
	mode     ExecMode
	unitPath string
	logPath  string
	run      commandRunner
}

// NewServiceManager picks launchd on darwin and systemd on linux.
func NewServiceManager(config *ExecModeConfig) (domain.ServiceManager, error) {
	switch runtime.GOOS {
	case "darwin":
		return newLaunchdService(config, runCommand), nil
	case "linux":
		return newSystemdService(config, runCommand), nil
	default:
		return nil, fmt.Errorf("%w: service install on %s", domain.ErrUnsupportedPlatform, runtime.GOOS)
	}
}

func newLaunchdService(config *ExecModeConfig, run commandRunner) *ServiceManagerImpl {
	var dir string
	if config.Mode == ExecModeSystem {
		dir = "/Library/LaunchDaemons"
	} else {
		dir = filepath.Join(GetRealUserHome(), "Library", "LaunchAgents")
	}
	return &ServiceManagerImpl{
		kind:     "launchd",
		mode:     config.Mode,
		unitPath: filepath.Join(dir, ServiceLabel+".plist"),
		logPath:  filepath.Join(config.StateDir, AppName+".log"),
		run:      run,
	}
}

func newSystemdService(config *ExecModeConfig, run commandRunner) *ServiceManagerImpl {
	var dir string
	if config.Mode == ExecModeSystem {
		dir = "/etc/systemd/system"
	} else {
		dir = filepath.Join(filepath.Dir(config.ConfigDir), "systemd", "user")
	}
	return &ServiceManagerImpl{
		kind:     "systemd",
		mode:     config.Mode,
		unitPath: filepath.Join(dir, AppName+".service"),
		run:      run,
	}
}

// generateUnitContent renders the plist or unit file for execPath.
func (m *ServiceManagerImpl) generateUnitContent(execPath, configPath string) ([]byte, error) {
	config := unitConfig{
		Label:          ServiceLabel,
		ExecutablePath: execPath,
		ConfigPath:     configPath,
		LogPath:        m.logPath,
		WantedBy:       "default.target",
	}

	var tmplStr string
	switch {
	case m.kind == "systemd":
		tmplStr = systemdUnitTemplate
		if m.mode == ExecModeSystem {
			config.WantedBy = "multi-user.target"
		}
	case m.mode == ExecModeSystem:
		tmplStr = launchDaemonTemplate
	default:
		tmplStr = launchAgentTemplate
	}

	tmpl, err := template.New("unit").Parse(tmplStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse unit template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, config); err != nil {
		return nil, fmt.Errorf("failed to execute unit template: %w", err)
	}
	return buf.Bytes(), nil
}

// Install writes the unit file and starts the service.
func (m *ServiceManagerImpl) Install(execPath, configPath string) error {
	if err := os.MkdirAll(filepath.Dir(m.unitPath), 0755); err != nil {
		return err
	}
	if m.logPath != "" {
		if err := os.MkdirAll(filepath.Dir(m.logPath), 0755); err != nil {
			return err
		}
	}

	content, err := m.generateUnitContent(execPath, configPath)
	if err != nil {
		return err
	}

	// Reinstall replaces a loaded job
	if m.IsInstalled() {
		_ = m.unload()
	}
	if err := os.WriteFile(m.unitPath, content, 0644); err != nil {
		return err
	}
	return m.load()
}

// Uninstall stops the service and removes the unit file.
func (m *ServiceManagerImpl) Uninstall() error {
	// Ignore errors if not loaded
	_ = m.unload()

	if err := os.Remove(m.unitPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if m.kind == "systemd" {
		return m.run("systemctl", m.systemctlArgs("daemon-reload")...)
	}
	return nil
}

// IsInstalled checks if the unit file exists.
func (m *ServiceManagerImpl) IsInstalled() bool {
	_, err := os.Stat(m.unitPath)
	return err == nil
}

// NeedsUpdate reports whether the installed unit differs from what
// Install would write now.
func (m *ServiceManagerImpl) NeedsUpdate(execPath, configPath string) bool {
	if !m.IsInstalled() {
		return false
	}
	current, err := os.ReadFile(m.unitPath)
	if err != nil {
		return true
	}
	expected, err := m.generateUnitContent(execPath, configPath)
	if err != nil {
		return true
	}
	return !bytes.Equal(current, expected)
}

// UnitPath returns the plist or unit file path.
func (m *ServiceManagerImpl) UnitPath() string {
	return m.unitPath
}

// Kind returns "launchd" or "systemd".
func (m *ServiceManagerImpl) Kind() string {
	return m.kind
}

func (m *ServiceManagerImpl) systemctlArgs(args ...string) []string {
	if m.mode == ExecModeUser {
		return append([]string{"--user"}, args...)
	}
	return args
}

func (m *ServiceManagerImpl) load() error {
	if m.kind == "launchd" {
		return m.run("launchctl", "load", m.unitPath)
	}
	if err := m.run("systemctl", m.systemctlArgs("daemon-reload")...); err != nil {
		return err
	}
	return m.run("systemctl", m.systemctlArgs("enable", "--now", AppName+".service")...)
}

func (m *ServiceManagerImpl) unload() error {
	if m.kind == "launchd" {
		return m.run("launchctl", "unload", m.unitPath)
	}
	return m.run("systemctl", m.systemctlArgs("disable", "--now", AppName+".service")...)
}

// Ensure ServiceManagerImpl implements domain.ServiceManager.
var _ domain.ServiceManager = (*ServiceManagerImpl)(nil)
