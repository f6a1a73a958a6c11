package infra

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

// AppName is used for directory and file names.
const AppName = "stayawake"

// ExecMode represents the execution mode of the application.
type ExecMode string

const (
	// ExecModeUser runs as a regular user (per-user config and state)
	ExecModeUser ExecMode = "user"
	// ExecModeSystem runs as root (system-wide config and state)
	ExecModeSystem ExecMode = "system"
)

// ExecModeConfig holds paths and settings based on execution mode.
type ExecModeConfig struct {
	Mode       ExecMode
	ConfigDir  string // Where config.yaml is searched
	StateDir   string // Where the status file lives
	StatusPath string // Default status file path
	IsRoot     bool   // Whether running as root
}

// DetectExecMode determines the execution mode based on effective UID.
func DetectExecMode() *ExecModeConfig {
	if os.Geteuid() == 0 {
		return systemModeConfig()
	}
	return userModeConfig(GetRealUserHome())
}

func systemModeConfig() *ExecModeConfig {
	stateDir := filepath.Join("/var/lib", AppName)
	return &ExecModeConfig{
		Mode:       ExecModeSystem,
		ConfigDir:  filepath.Join("/etc", AppName),
		StateDir:   stateDir,
		StatusPath: filepath.Join(stateDir, "status.json"),
		IsRoot:     true,
	}
}

// userModeConfig follows the XDG base directory layout.
func userModeConfig(home string) *ExecModeConfig {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		configHome = filepath.Join(home, ".config")
	}
	stateHome := os.Getenv("XDG_STATE_HOME")
	if stateHome == "" {
		stateHome = filepath.Join(home, ".local", "state")
	}

	stateDir := filepath.Join(stateHome, AppName)
	return &ExecModeConfig{
		Mode:       ExecModeUser,
		ConfigDir:  filepath.Join(configHome, AppName),
		StateDir:   stateDir,
		StatusPath: filepath.Join(stateDir, "status.json"),
		IsRoot:     false,
	}
}

// String returns a human-readable description of the mode.
func (m ExecMode) String() string {
	switch m {
	case ExecModeSystem:
		return "system (root)"
	case ExecModeUser:
		return "user (non-root)"
	default:
		return "unknown"
	}
}

// GetRealUserHome returns the real user's home directory, even when running under sudo.
// Under sudo, os.UserHomeDir() returns root's home, so we use SUDO_USER to find the real user.
func GetRealUserHome() string {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		if u, err := user.Lookup(sudoUser); err == nil {
			return u.HomeDir
		}
	}
	home, _ := os.UserHomeDir()
	return home
}

// ExpandHome expands a leading ~ to the real user's home directory.
func ExpandHome(path string) string {
	if path == "~" {
		return GetRealUserHome()
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(GetRealUserHome(), path[2:])
	}
	return path
}
