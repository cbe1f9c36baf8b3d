//go:build darwin

package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

type darwinInstaller struct {
	spec      Spec
	plistPath string
}

// NewInstaller returns a launchd agent installer
func NewInstaller(spec Spec) (Installer, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home directory: %w", err)
	}
	return &darwinInstaller{
		spec:      spec,
		plistPath: filepath.Join(home, "Library", "LaunchAgents", LaunchdLabel+".plist"),
	}, nil
}

func (i *darwinInstaller) Install() error {
	if i.IsInstalled() {
		return ErrAlreadyInstalled
	}
	plist, err := LaunchAgentPlist(i.spec)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(i.plistPath), 0755); err != nil {
		return fmt.Errorf("create LaunchAgents dir: %w", err)
	}
	if err := os.WriteFile(i.plistPath, []byte(plist), 0644); err != nil {
		return fmt.Errorf("write plist: %w", err)
	}
	return nil
}

func (i *darwinInstaller) Uninstall() error {
	if !i.IsInstalled() {
		return ErrNotInstalled
	}
	i.Stop()
	if err := os.Remove(i.plistPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove plist: %w", err)
	}
	return nil
}

func (i *darwinInstaller) IsInstalled() bool {
	_, err := os.Stat(i.plistPath)
	return err == nil
}

func (i *darwinInstaller) Start() error {
	if !i.IsInstalled() {
		return ErrNotInstalled
	}
	if err := exec.Command("launchctl", "load", i.plistPath).Run(); err != nil {
		return fmt.Errorf("launchctl load: %w", err)
	}
	return nil
}

func (i *darwinInstaller) Stop() error {
	if !i.IsInstalled() {
		return ErrNotInstalled
	}
	// Unloading a job that is not loaded fails; that is fine.
	exec.Command("launchctl", "unload", i.plistPath).Run()
	return nil
}

func (i *darwinInstaller) Status() (Status, error) {
	var status Status
	if !i.IsInstalled() {
		return status, nil
	}
	status.Installed = true

	out, err := exec.Command("launchctl", "list", LaunchdLabel).Output()
	if err != nil {
		return status, nil
	}
	for _, line := range strings.Split(string(out), "\n") {
		// "PID" = 1234;
		if !strings.Contains(line, `"PID"`) {
			continue
		}
		fields := strings.Fields(strings.TrimSuffix(strings.TrimSpace(line), ";"))
		if pid, err := strconv.Atoi(fields[len(fields)-1]); err == nil {
			status.PID = pid
			status.Running = true
		}
	}
	return status, nil
}
