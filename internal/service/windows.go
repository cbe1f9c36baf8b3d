//go:build windows

package service

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

type windowsInstaller struct {
	spec Spec
}

// NewInstaller returns a scheduled task installer
func NewInstaller(spec Spec) (Installer, error) {
	return &windowsInstaller{spec: spec}, nil
}

func (i *windowsInstaller) image() string {
	return filepath.Base(i.spec.Executable)
}

func (i *windowsInstaller) Install() error {
	if i.IsInstalled() {
		return ErrAlreadyInstalled
	}
	cmd := exec.Command("schtasks", "/Create",
		"/TN", Name,
		"/TR", TaskCommand(i.spec),
		"/SC", "ONLOGON",
		"/RL", "LIMITED",
		"/F",
	)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("create scheduled task: %w", err)
	}
	return nil
}

func (i *windowsInstaller) Uninstall() error {
	if !i.IsInstalled() {
		return ErrNotInstalled
	}
	i.Stop()
	if err := exec.Command("schtasks", "/Delete", "/TN", Name, "/F").Run(); err != nil {
		return fmt.Errorf("delete scheduled task: %w", err)
	}
	return nil
}

func (i *windowsInstaller) IsInstalled() bool {
	return exec.Command("schtasks", "/Query", "/TN", Name).Run() == nil
}

func (i *windowsInstaller) Start() error {
	if !i.IsInstalled() {
		return ErrNotInstalled
	}
	if err := exec.Command("schtasks", "/Run", "/TN", Name).Run(); err != nil {
		return fmt.Errorf("run scheduled task: %w", err)
	}
	return nil
}

func (i *windowsInstaller) Stop() error {
	if !i.IsInstalled() {
		return ErrNotInstalled
	}
	exec.Command("schtasks", "/End", "/TN", Name).Run()
	return nil
}

func (i *windowsInstaller) Status() (Status, error) {
	var status Status
	if !i.IsInstalled() {
		return status, nil
	}
	status.Installed = true

	out, err := exec.Command("tasklist", "/FI", "IMAGENAME eq "+i.image(), "/FO", "CSV", "/NH").Output()
	if err != nil {
		return status, nil
	}
	// "mapeo.exe","1234","Console","1","5,000 K"
	parts := strings.Split(string(out), ",")
	if len(parts) >= 2 && strings.Contains(parts[0], i.image()) {
		status.Running = true
		status.PID, _ = strconv.Atoi(strings.Trim(parts[1], `"`))
	}
	return status, nil
}
