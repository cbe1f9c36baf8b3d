package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"mapeo.dev/go/mapeo/internal/client"
	"mapeo.dev/go/mapeo/internal/config"
	"mapeo.dev/go/mapeo/internal/crypto"
	"mapeo.dev/go/mapeo/internal/daemon"
	"mapeo.dev/go/mapeo/internal/keychain"
	"mapeo.dev/go/mapeo/internal/service"
)

var (
	daemonP2PPort int
	daemonWebPort int
	daemonLogFile string
)

func init() {
	rootCmd.AddCommand(daemonCmd)

	daemonCmd.AddCommand(daemonRunCmd)
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonInstallCmd)
	daemonCmd.AddCommand(daemonUninstallCmd)

	daemonRunCmd.Flags().IntVar(&daemonP2PPort, "p2p-port", 0, "P2P port (default from config)")
	daemonRunCmd.Flags().IntVar(&daemonWebPort, "web-port", 0, "local API port (default from config)")
	daemonRunCmd.Flags().StringVar(&daemonLogFile, "log-file", "", "append logs to this file instead of stderr")
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Daemon management commands",
	Long: `Control the mapeo background daemon.

The daemon accepts and dials peer connections, handles invites and serves
the local API that the other commands use.`,
}

var daemonRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run daemon in foreground",
	Long: `Run the daemon in the foreground.

This is what service managers (systemd, launchd) run. For manual use,
prefer 'mapeo daemon start'.`,
	RunE: runDaemonRun,
}

func loadIdentity(paths *config.Paths, name string) (*crypto.Identity, error) {
	seed, err := keychain.New(paths.SeedFile).Load()
	if errors.Is(err, keychain.ErrNotFound) {
		return nil, fmt.Errorf("no device identity found. Run 'mapeo init' first")
	}
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(seed)
	return crypto.IdentityFromSeed(name, seed)
}

func runDaemonRun(cmd *cobra.Command, args []string) error {
	paths, err := config.GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}
	if err := paths.EnsureDirectories(); err != nil {
		return err
	}

	cfg, err := config.LoadFrom(paths.ConfigFile)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("p2p-port") {
		cfg.Daemon.P2PPort = daemonP2PPort
	}
	if cmd.Flags().Changed("web-port") {
		cfg.Daemon.WebPort = daemonWebPort
	}

	identity, err := loadIdentity(paths, cfg.Device.Name)
	if err != nil {
		return err
	}

	if cfg.Daemon.WebEnabled {
		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
		running := client.New(cfg.Daemon.WebPort).IsRunning(ctx)
		cancel()
		if running {
			return fmt.Errorf("daemon is already running")
		}
	}

	var out io.Writer = os.Stderr
	logFile := daemonLogFile
	if logFile == "" {
		logFile = paths.LogFile()
	}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		out = f
	}

	buffer := daemon.NewLogBuffer(daemon.LogBufferSize)
	d, err := daemon.New(daemon.Options{
		Config:    cfg,
		Paths:     paths,
		Identity:  identity,
		Logger:    daemon.NewLogger(cfg.Logging, out, buffer),
		LogBuffer: buffer,
	})
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	return d.Run()
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start daemon in background",
	Long: `Start the daemon in the background.

The daemon keeps running after this command exits. Use 'mapeo status' to
check on it.`,
	RunE: runDaemonStart,
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	paths, err := config.GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}
	c, err := client.Connect()
	if err != nil {
		return err
	}
	if c.IsRunning(cmd.Context()) {
		fmt.Println("Daemon is already running.")
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("get executable: %w", err)
	}
	if err := paths.EnsureDirectories(); err != nil {
		return err
	}
	logPath := filepath.Join(paths.ConfigDir, "daemon.log")

	proc := exec.Command(exe, "daemon", "run", "--log-file", logPath)
	proc.Env = append(os.Environ(), "MAPEO_CONFIG_DIR="+paths.ConfigDir)
	if err := proc.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- proc.Wait() }()

	timeout := time.After(15 * time.Second)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("daemon failed to start: %w (see %s)", err, logPath)
			}
			return fmt.Errorf("daemon exited unexpectedly (see %s)", logPath)

		case <-ticker.C:
			if c.IsRunning(cmd.Context()) {
				fmt.Printf("Daemon started (PID %d).\n", proc.Process.Pid)
				fmt.Printf("Logs: %s\n", logPath)
				return nil
			}

		case <-timeout:
			fmt.Println("Timeout waiting for daemon to start.")
			fmt.Printf("The process may still be starting; check %s\n", logPath)
			return nil
		}
	}
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon",
	RunE:  runDaemonStop,
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	paths, err := config.GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}

	data, err := os.ReadFile(paths.PIDFile)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("Daemon is not running (no PID file).")
			return nil
		}
		return fmt.Errorf("read PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("parse PID: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process: %w", err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		// Windows has no SIGTERM.
		if err := process.Kill(); err != nil {
			return fmt.Errorf("stop process %d: %w", pid, err)
		}
	}

	for i := 0; i < 50; i++ {
		if _, err := os.Stat(paths.PIDFile); os.IsNotExist(err) {
			fmt.Println("Daemon stopped.")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Printf("Daemon (PID %d) did not stop within 5s.\n", pid)
	return nil
}

var daemonInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install daemon as a user service",
	Long: `Install the daemon as a user service that starts at login.

On Linux this creates a systemd user service, on macOS a launchd agent and
on Windows a scheduled task.`,
	RunE: runDaemonInstall,
}

func installer() (service.Installer, error) {
	paths, err := config.GetPaths()
	if err != nil {
		return nil, fmt.Errorf("get paths: %w", err)
	}
	spec, err := service.DefaultSpec(paths.ConfigDir)
	if err != nil {
		return nil, err
	}
	return service.NewInstaller(spec)
}

func runDaemonInstall(cmd *cobra.Command, args []string) error {
	inst, err := installer()
	if err != nil {
		return err
	}
	if err := inst.Install(); err != nil {
		if errors.Is(err, service.ErrAlreadyInstalled) {
			fmt.Println("Service is already installed.")
			return nil
		}
		return err
	}
	if err := inst.Start(); err != nil {
		fmt.Printf("Service installed but did not start: %v\n", err)
		return nil
	}
	fmt.Println("Service installed and started.")
	return nil
}

var daemonUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the daemon user service",
	RunE:  runDaemonUninstall,
}

func runDaemonUninstall(cmd *cobra.Command, args []string) error {
	inst, err := installer()
	if err != nil {
		return err
	}
	if err := inst.Uninstall(); err != nil {
		if errors.Is(err, service.ErrNotInstalled) {
			fmt.Println("Service is not installed.")
			return nil
		}
		return err
	}
	fmt.Println("Service uninstalled.")
	return nil
}
