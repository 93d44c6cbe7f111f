//go:build linux

package service

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var systemdUnitPath = "/etc/systemd/system"

func unitFile(name string) string {
	return filepath.Join(systemdUnitPath, name+".service")
}

func installImpl(cfg ServiceConfig, execPath string) error {
	unitPath := unitFile(cfg.Name)

	if _, err := os.Stat(unitPath); err == nil {
		return fmt.Errorf("service %s is already installed at %s", cfg.Name, unitPath)
	}

	if err := os.WriteFile(unitPath, []byte(Unit(cfg, execPath)), 0o644); err != nil {
		return fmt.Errorf("failed to write systemd unit file: %w", err)
	}

	if output, err := runCommand("systemctl", "daemon-reload"); err != nil {
		os.Remove(unitPath)
		return fmt.Errorf("failed to reload systemd: %s: %w", output, err)
	}
	if output, err := runCommand("systemctl", "enable", "--now", cfg.Name); err != nil {
		return fmt.Errorf("failed to enable service: %s: %w", output, err)
	}

	return nil
}

func uninstallImpl(name string) error {
	unitPath := unitFile(name)

	if _, err := os.Stat(unitPath); os.IsNotExist(err) {
		return fmt.Errorf("service %s is not installed", name)
	}

	// Stopping a unit that is not running is fine
	if output, err := runCommand("systemctl", "disable", "--now", name); err != nil &&
		!strings.Contains(output, "not loaded") {
		return fmt.Errorf("failed to disable service: %s: %w", output, err)
	}

	if err := os.Remove(unitPath); err != nil {
		return fmt.Errorf("failed to remove unit file: %w", err)
	}

	runCommand("systemctl", "daemon-reload")
	runCommand("systemctl", "reset-failed", name)

	return nil
}

func statusImpl(name string) (string, error) {
	output, err := runCommand("systemctl", "is-active", name)
	status := strings.TrimSpace(output)

	if err != nil {
		if status == "inactive" || status == "unknown" || status == "failed" {
			return status, nil
		}
		return "", fmt.Errorf("failed to get service status: %w", err)
	}

	return status, nil
}

func isInstalledImpl(name string) bool {
	_, err := os.Stat(unitFile(name))
	return err == nil
}
