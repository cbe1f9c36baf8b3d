//go:build linux

package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

type linuxInstaller struct {
	spec     Spec
	unitPath string
}

// NewInstaller returns a systemd user service installer
func NewInstaller(spec Spec) (Installer, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home directory: %w", err)
	}
	return &linuxInstaller{
		spec:     spec,
		unitPath: filepath.Join(home, ".config", "systemd", "user", Name+".service"),
	}, nil
}

func systemctl(args ...string) *exec.Cmd {
	return exec.Command("systemctl", append([]string{"--user"}, args...)...)
}

func (i *linuxInstaller) Install() error {
	if i.IsInstalled() {
		return ErrAlreadyInstalled
	}
	unit, err := SystemdUnit(i.spec)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(i.unitPath), 0755); err != nil {
		return fmt.Errorf("create systemd user dir: %w", err)
	}
	if err := os.WriteFile(i.unitPath, []byte(unit), 0644); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}
	if err := systemctl("daemon-reload").Run(); err != nil {
		return fmt.Errorf("systemctl daemon-reload: %w", err)
	}
	if err := systemctl("enable", Name).Run(); err != nil {
		return fmt.Errorf("systemctl enable: %w", err)
	}
	return nil
}

func (i *linuxInstaller) Uninstall() error {
	if !i.IsInstalled() {
		return ErrNotInstalled
	}
	systemctl("stop", Name).Run()
	systemctl("disable", Name).Run()

	if err := os.Remove(i.unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove unit file: %w", err)
	}
	systemctl("daemon-reload").Run()
	return nil
}

func (i *linuxInstaller) IsInstalled() bool {
	_, err := os.Stat(i.unitPath)
	return err == nil
}

func (i *linuxInstaller) Start() error {
	if !i.IsInstalled() {
		return ErrNotInstalled
	}
	if err := systemctl("start", Name).Run(); err != nil {
		return fmt.Errorf("systemctl start: %w", err)
	}
	return nil
}

func (i *linuxInstaller) Stop() error {
	if !i.IsInstalled() {
		return ErrNotInstalled
	}
	if err := systemctl("stop", Name).Run(); err != nil {
		return fmt.Errorf("systemctl stop: %w", err)
	}
	return nil
}

func (i *linuxInstaller) Status() (Status, error) {
	var status Status
	if !i.IsInstalled() {
		return status, nil
	}
	status.Installed = true

	out, _ := systemctl("is-active", Name).Output()
	status.Running = strings.TrimSpace(string(out)) == "active"
	if status.Running {
		out, _ := systemctl("show", Name, "--property=MainPID", "--value").Output()
		if pid, err := strconv.Atoi(strings.TrimSpace(string(out))); err == nil {
			status.PID = pid
		}
	}
	return status, nil
}
