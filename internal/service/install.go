// Package service installs the daemon as a per-user service that starts at
// login: a systemd user unit on Linux, a launchd agent on macOS and a
// scheduled task on Windows.
package service

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

// Name is the service name on every platform
const Name = "mapeo"

var (
	ErrNotInstalled     = errors.New("service not installed")
	ErrAlreadyInstalled = errors.New("service already installed")
	ErrUnsupported      = errors.New("service install is not supported on this platform")
)

// Status is the state of the installed service
type Status struct {
	Installed bool `json:"installed"`
	Running   bool `json:"running"`
	PID       int  `json:"pid,omitempty"`
}

// Installer manages the platform service
type Installer interface {
	Install() error
	Uninstall() error
	IsInstalled() bool
	Start() error
	Stop() error
	Status() (Status, error)
}

// Spec describes what the service runs.
type Spec struct {
	Executable string
	ConfigDir  string
}

// DefaultSpec runs the current executable against configDir.
func DefaultSpec(configDir string) (Spec, error) {
	exe, err := os.Executable()
	if err != nil {
		return Spec{}, fmt.Errorf("get executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return Spec{Executable: exe, ConfigDir: configDir}, nil
}

var systemdUnit = template.Must(template.New("unit").Parse(`[Unit]
Description=mapeo peer daemon
After=network-online.target

[Service]
Type=simple
ExecStart="{{.Executable}}" daemon run
Environment="MAPEO_CONFIG_DIR={{.ConfigDir}}"
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`))

var launchAgent = template.Must(template.New("plist").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.Executable}}</string>
        <string>daemon</string>
        <string>run</string>
    </array>
    <key>EnvironmentVariables</key>
    <dict>
        <key>MAPEO_CONFIG_DIR</key>
        <string>{{.ConfigDir}}</string>
    </dict>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>
    <key>StandardOutPath</key>
    <string>{{.ConfigDir}}/daemon.log</string>
    <key>StandardErrorPath</key>
    <string>{{.ConfigDir}}/daemon.log</string>
</dict>
</plist>
`))

// LaunchdLabel is the launchd job label
const LaunchdLabel = "dev.mapeo.daemon"

// SystemdUnit renders the systemd user unit for spec.
func SystemdUnit(spec Spec) (string, error) {
	var buf bytes.Buffer
	if err := systemdUnit.Execute(&buf, spec); err != nil {
		return "", fmt.Errorf("render unit: %w", err)
	}
	return buf.String(), nil
}

// LaunchAgentPlist renders the launchd agent for spec.
func LaunchAgentPlist(spec Spec) (string, error) {
	var buf bytes.Buffer
	data := struct {
		Spec
		Label string
	}{spec, LaunchdLabel}
	if err := launchAgent.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render plist: %w", err)
	}
	return buf.String(), nil
}

// TaskCommand is the command line the Windows scheduled task runs.
func TaskCommand(spec Spec) string {
	return fmt.Sprintf(`"%s" daemon run`, spec.Executable)
}
