// Package main is the CLI entry point for stayawake.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/stayawake/internal/config"
	"github.com/eliteGoblin/focusd/stayawake/internal/daemon"
	"github.com/eliteGoblin/focusd/stayawake/internal/domain"
	"github.com/eliteGoblin/focusd/stayawake/internal/infra"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "stayawake",
	Short: "Keeps the machine awake while media is streaming",
	Long: `stayawake blocks system sleep while a media server is streaming.
It listens for playback events (Jellyfin webhook or live sessions) and
holds an OS sleep inhibitor until playback has been quiet for the
configured unblock delay.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon in the foreground",
	Long:  `Runs until SIGINT or SIGTERM. The config file is watched and reloaded on change.`,
	RunE:  runRun,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and inhibit status",
	Long:  `Reads the status file written by a running daemon and checks that its process is alive.`,
	RunE:  runStatus,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the sleep inhibitor works",
	Long: `Acquires the inhibit handle, sets and clears it once, then disposes it.
Useful to diagnose missing permissions (polkit, D-Bus) before running the daemon.`,
	RunE: runCheck,
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install stayawake as a background service",
	Long: `Writes a launchd plist (macOS) or systemd unit (Linux) that runs
'stayawake run' at login, or at boot when invoked as root, and starts it.`,
	RunE: runInstall,
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Stop and remove the background service",
	RunE:  runUninstall,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

var (
	configFile string
	jsonOutput bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default: config.yaml in the config dir)")
	statusCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output status as JSON")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads configuration for the detected execution mode.
func loadConfig(logger *zap.Logger) (*config.Manager, error) {
	execMode := infra.DetectExecMode()
	mgr := config.NewManager(config.Options{
		ConfigFile:        configFile,
		SearchDirs:        []string{execMode.ConfigDir},
		DefaultStatusFile: execMode.StatusPath,
	}, logger)
	if err := mgr.Load(); err != nil {
		return nil, err
	}
	return mgr, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	// Bootstrap logger until config says where logs go
	bootLogger := createLogger(config.DefaultConfig().Log)
	mgr, err := loadConfig(bootLogger)
	if err != nil {
		return err
	}
	cfg := mgr.Get()

	logger := createLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	runner, err := daemon.NewRunnerFromConfig(cfg, mgr, Version, logger)
	if err != nil {
		return err
	}

	// Set up graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runner.Run(ctx)
}

func runStatus(cmd *cobra.Command, args []string) error {
	mgr, err := loadConfig(zap.NewNop())
	if err != nil {
		return err
	}
	cfg := mgr.Get()

	store := infra.NewStatusFile(cfg.StatusFile)
	entry, err := store.Read()
	if err != nil {
		return err
	}

	// A daemon that missed two heartbeats is considered stale
	state := infra.ClassifyStatus(entry, infra.NewProcessManager(), time.Now(), 2*cfg.HeartbeatInterval)

	if jsonOutput {
		return writeStatusJSON(cmd.OutOrStdout(), state, entry)
	}
	writeStatusText(cmd.OutOrStdout(), state, entry, store.Path(), time.Now())
	return nil
}

type statusReport struct {
	State  infra.DaemonState   `json:"state"`
	Status *domain.StatusEntry `json:"status,omitempty"`
}

func writeStatusJSON(w io.Writer, state infra.DaemonState, entry *domain.StatusEntry) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(statusReport{State: state, Status: entry})
}

func writeStatusText(w io.Writer, state infra.DaemonState, entry *domain.StatusEntry, path string, now time.Time) {
	fmt.Fprintln(w, "\n=== stayawake Status ===")
	fmt.Fprintf(w, "Status: %s\n", state)

	if entry == nil {
		fmt.Fprintf(w, "\nNo status file at %s\n", path)
		fmt.Fprintln(w, "Run 'stayawake run' to start the daemon.")
		return
	}

	fmt.Fprintf(w, "PID: %d\n", entry.PID)
	if !entry.StartedAt.IsZero() {
		fmt.Fprintf(w, "Started: %s\n", entry.StartedAt.Local().Format(time.RFC3339))
	}
	if entry.LastHeartbeat > 0 {
		lastBeat := time.Unix(entry.LastHeartbeat, 0)
		fmt.Fprintf(w, "Last heartbeat: %s ago\n", now.Sub(lastBeat).Round(time.Second))
	}

	fmt.Fprintf(w, "\nInhibitor: %s", entry.Inhibitor)
	if !entry.HandleAvailable {
		fmt.Fprint(w, " (unavailable)")
	}
	fmt.Fprintln(w)
	if entry.Blocking {
		fmt.Fprintln(w, "Sleep: BLOCKED")
	} else {
		fmt.Fprintln(w, "Sleep: allowed")
	}
	if !entry.LastLiveness.IsZero() {
		fmt.Fprintf(w, "Last playback: %s ago\n", now.Sub(entry.LastLiveness).Round(time.Second))
	}
	fmt.Fprintf(w, "Unblock delay: %s\n", entry.UnblockDelay)
	fmt.Fprintf(w, "Stopped devices: %d\n", entry.StoppedDevices)

	if len(entry.Sources) > 0 {
		fmt.Fprintln(w, "\nSources:")
		for _, s := range entry.Sources {
			fmt.Fprintf(w, "  - %s\n", s)
		}
	}
	fmt.Fprintln(w, "========================")
}

func runCheck(cmd *cobra.Command, args []string) error {
	mgr, err := loadConfig(zap.NewNop())
	if err != nil {
		return err
	}
	cfg := mgr.Get()

	logger := createLogger(config.LogConfig{Level: "warn", Output: "stderr"})
	defer func() { _ = logger.Sync() }()

	provider, err := infra.NewInhibitProvider(cfg.Inhibitor, logger)
	if err != nil {
		return err
	}
	return checkInhibitor(cmd.OutOrStdout(), provider, cfg.Reason)
}

// checkInhibitor exercises one full handle lifecycle and reports each step.
func checkInhibitor(w io.Writer, provider domain.InhibitProvider, reason string) error {
	fmt.Fprintf(w, "Inhibitor: %s\n", provider.Name())

	step := func(name string, err error) error {
		if err != nil {
			fmt.Fprintf(w, "  %-8s FAILED: %v\n", name, err)
			return fmt.Errorf("%s: %w", name, err)
		}
		fmt.Fprintf(w, "  %-8s ok\n", name)
		return nil
	}

	handle, err := provider.Create(reason)
	if err := step("create", err); err != nil {
		return err
	}
	defer func() { _ = handle.Close() }()

	if err := step("set", handle.Set()); err != nil {
		return err
	}
	if err := step("clear", handle.Clear()); err != nil {
		return err
	}
	return nil
}

func runInstall(cmd *cobra.Command, args []string) error {
	execMode := infra.DetectExecMode()
	svc, err := infra.NewServiceManager(execMode)
	if err != nil {
		return err
	}

	// Fail before touching the service if the config is broken
	mgr, err := loadConfig(zap.NewNop())
	if err != nil {
		return err
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to resolve executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(execPath); err == nil {
		execPath = resolved
	}

	configPath := mgr.ConfigFile()
	if configPath != "" {
		if abs, err := filepath.Abs(configPath); err == nil {
			configPath = abs
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Mode: %s\n", execMode.Mode)
	return installService(cmd.OutOrStdout(), svc, execPath, configPath)
}

// installService (re)installs the unit unless it is already current.
func installService(w io.Writer, svc domain.ServiceManager, execPath, configPath string) error {
	if svc.IsInstalled() && !svc.NeedsUpdate(execPath, configPath) {
		fmt.Fprintf(w, "Already installed: %s\n", svc.UnitPath())
		return nil
	}
	if err := svc.Install(execPath, configPath); err != nil {
		return fmt.Errorf("%s install failed: %w", svc.Kind(), err)
	}
	fmt.Fprintf(w, "Installed %s service: %s\n", svc.Kind(), svc.UnitPath())
	return nil
}

func runUninstall(cmd *cobra.Command, args []string) error {
	svc, err := infra.NewServiceManager(infra.DetectExecMode())
	if err != nil {
		return err
	}
	return uninstallService(cmd.OutOrStdout(), svc)
}

func uninstallService(w io.Writer, svc domain.ServiceManager) error {
	if !svc.IsInstalled() {
		fmt.Fprintln(w, "Not installed")
		return nil
	}
	if err := svc.Uninstall(); err != nil {
		return fmt.Errorf("%s uninstall failed: %w", svc.Kind(), err)
	}
	fmt.Fprintf(w, "Removed %s\n", svc.UnitPath())
	return nil
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("stayawake %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
