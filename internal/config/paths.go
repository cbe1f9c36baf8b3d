package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Paths holds all platform-specific file paths for mapeo
type Paths struct {
	ConfigDir string // ~/.config/mapeo or equivalent

	ConfigFile   string // ~/.config/mapeo/config.toml
	ProjectsFile string // ~/.config/mapeo/projects.toml
	SeedFile     string // ~/.config/mapeo/device.key, when no OS keyring is available
	PIDFile      string // ~/.config/mapeo/daemon.pid
}

// GetPaths returns platform-specific paths for mapeo
func GetPaths() (*Paths, error) {
	configDir, err := configDir()
	if err != nil {
		return nil, err
	}
	return PathsIn(configDir), nil
}

// PathsIn lays out the files inside configDir.
func PathsIn(configDir string) *Paths {
	return &Paths{
		ConfigDir:    configDir,
		ConfigFile:   filepath.Join(configDir, "config.toml"),
		ProjectsFile: filepath.Join(configDir, "projects.toml"),
		SeedFile:     filepath.Join(configDir, "device.key"),
		PIDFile:      filepath.Join(configDir, "daemon.pid"),
	}
}

func configDir() (string, error) {
	// Overriding the directory lets several devices run on one machine.
	if dir := os.Getenv("MAPEO_CONFIG_DIR"); dir != "" {
		return dir, nil
	}

	switch runtime.GOOS {
	case "linux", "darwin":
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" && runtime.GOOS == "linux" {
			return filepath.Join(xdg, "mapeo"), nil
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home directory: %w", err)
		}
		return filepath.Join(home, ".config", "mapeo"), nil

	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA environment variable not set")
		}
		return filepath.Join(appData, "mapeo"), nil

	default:
		return "", fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// EnsureDirectories creates the config directory with owner-only permissions
func (p *Paths) EnsureDirectories() error {
	if err := os.MkdirAll(p.ConfigDir, 0700); err != nil {
		return fmt.Errorf("create directory %s: %w", p.ConfigDir, err)
	}
	return nil
}

// LogFile returns the platform-specific log file path (Windows only)
func (p *Paths) LogFile() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(p.ConfigDir, "daemon.log")
	}
	return ""
}
