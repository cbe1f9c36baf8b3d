package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.Device.Name = "field laptop"
	cfg.Device.Type = "selfHostedServer"
	cfg.Peers.Manual = []string{"192.168.1.20:7934"}
	cfg.Invites.DetailsTimeout = 90
	require.NoError(t, cfg.SaveTo(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := LoadFrom(path)
	require.NoError(t, err)
	require.Equal(t, cfg, loaded)
	require.Equal(t, int64(90), int64(loaded.Invites.DetailsTimeoutDuration().Seconds()))
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[logging]\nlevel = \"debug\"\n"), 0600))

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "text", cfg.Logging.Format)
	require.Equal(t, 7934, cfg.Daemon.P2PPort)
}

func TestLoadInvalidToml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[daemon\n"), 0600))

	_, err := LoadFrom(path)
	require.ErrorContains(t, err, "parse config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"p2p port", func(c *Config) { c.Daemon.P2PPort = 70000 }},
		{"web port", func(c *Config) { c.Daemon.WebPort = 0 }},
		{"device type", func(c *Config) { c.Device.Type = "toaster" }},
		{"device name", func(c *Config) { c.Device.Name = strings.Repeat("x", 51) }},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"rate", func(c *Config) { c.RPC.MessagesPerSecond = 0 }},
		{"timeouts", func(c *Config) { c.Invites.AddProjectTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	cfg.Daemon.WebEnabled = false
	cfg.Daemon.WebPort = 0
	require.NoError(t, cfg.Validate(), "web port is ignored when the web API is off")
}

func TestPathsHonorOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MAPEO_CONFIG_DIR", dir)

	p, err := GetPaths()
	require.NoError(t, err)
	require.Equal(t, dir, p.ConfigDir)
	require.Equal(t, filepath.Join(dir, "config.toml"), p.ConfigFile)
	require.Equal(t, filepath.Join(dir, "projects.toml"), p.ProjectsFile)

	require.NoError(t, p.EnsureDirectories())
}
