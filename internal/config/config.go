package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"mapeo.dev/go/mapeo/internal/protocol"
)

// Config represents the mapeo configuration file
type Config struct {
	Device        DeviceConfig        `toml:"device"`
	Daemon        DaemonConfig        `toml:"daemon"`
	Peers         PeersConfig         `toml:"peers"`
	Logging       LoggingConfig       `toml:"logging"`
	RPC           RPCConfig           `toml:"rpc"`
	Invites       InvitesConfig       `toml:"invites"`
	Notifications NotificationsConfig `toml:"notifications"`
}

// DeviceConfig describes this device to peers
type DeviceConfig struct {
	Name string `toml:"name"`
	Type string `toml:"type"` // mobile, tablet, desktop, selfHostedServer
}

// DaemonConfig contains daemon-related settings
type DaemonConfig struct {
	P2PPort    int  `toml:"p2p_port"`
	WebPort    int  `toml:"web_port"`
	WebEnabled bool `toml:"web_enabled"`
}

// PeersConfig lists peers to dial on startup, as host:port or
// device_id@host:port
type PeersConfig struct {
	Manual []string `toml:"manual"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text, json
}

// NotificationsConfig contains notification settings
type NotificationsConfig struct {
	Enabled bool `toml:"enabled"`
}

// RPCConfig bounds inbound peer traffic
type RPCConfig struct {
	MessagesPerSecond float64 `toml:"messages_per_second"`
	Burst             int     `toml:"burst"`
}

// InvitesConfig holds invite timeouts in seconds
type InvitesConfig struct {
	DetailsTimeout    int `toml:"details_timeout"`
	AddProjectTimeout int `toml:"add_project_timeout"`
}

// DetailsTimeoutDuration returns how long to wait for project details.
func (c InvitesConfig) DetailsTimeoutDuration() time.Duration {
	return time.Duration(c.DetailsTimeout) * time.Second
}

// AddProjectTimeoutDuration returns how long adding a project may take.
func (c InvitesConfig) AddProjectTimeoutDuration() time.Duration {
	return time.Duration(c.AddProjectTimeout) * time.Second
}

// Default returns a config with sensible defaults
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Name: "",
			Type: "desktop",
		},
		Daemon: DaemonConfig{
			P2PPort:    7934,
			WebPort:    7935,
			WebEnabled: true,
		},
		Peers: PeersConfig{
			Manual: []string{},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		RPC: RPCConfig{
			MessagesPerSecond: 50,
			Burst:             100,
		},
		Invites: InvitesConfig{
			DetailsTimeout:    45,
			AddProjectTimeout: 45,
		},
		Notifications: NotificationsConfig{
			Enabled: true,
		},
	}
}

// Load loads the configuration from the default config file
func Load() (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, fmt.Errorf("get paths: %w", err)
	}

	return LoadFrom(paths.ConfigFile)
}

// LoadFrom loads the configuration from a specific file
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// SaveTo saves the configuration to a specific file
func (c *Config) SaveTo(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Daemon.P2PPort < 0 || c.Daemon.P2PPort > 65535 {
		return fmt.Errorf("invalid P2P port: %d", c.Daemon.P2PPort)
	}

	if c.Daemon.WebEnabled {
		if c.Daemon.WebPort < 1 || c.Daemon.WebPort > 65535 {
			return fmt.Errorf("invalid web port: %d", c.Daemon.WebPort)
		}
	}

	if _, err := protocol.ParseDeviceType(c.Device.Type); err != nil {
		return err
	}
	if len(c.Device.Name) > protocol.MaxDeviceNameLength {
		return fmt.Errorf("device name longer than %d bytes", protocol.MaxDeviceNameLength)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.RPC.MessagesPerSecond <= 0 || c.RPC.Burst < 1 {
		return fmt.Errorf("invalid rpc rate limit: %v/s burst %d", c.RPC.MessagesPerSecond, c.RPC.Burst)
	}

	if c.Invites.DetailsTimeout < 1 || c.Invites.AddProjectTimeout < 1 {
		return fmt.Errorf("invite timeouts must be at least one second")
	}

	return nil
}
