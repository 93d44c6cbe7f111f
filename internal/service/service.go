// Package service installs pingerd as a systemd service.
//
// The unit runs the daemon as an unprivileged user holding only
// CAP_NET_RAW, which is all the raw ICMP socket needs.
package service

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrNotRoot is returned by operations that modify system units.
var ErrNotRoot = errors.New("must run as root to manage the service")

// ServiceConfig holds configuration for installing the service.
type ServiceConfig struct {
	// Name is the unit name without the .service suffix
	Name string

	// Description is the unit description
	Description string

	// ConfigPath is the absolute path to the config file, empty for
	// built-in defaults
	ConfigPath string

	// SocketPath is the control socket; its directory must stay writable
	SocketPath string

	// User to run the daemon as, empty for root
	User string

	// Group to run the daemon as, empty for the user's primary group
	Group string
}

// DefaultConfig returns a default service configuration.
func DefaultConfig(configPath, socketPath string) ServiceConfig {
	if configPath != "" {
		configPath, _ = filepath.Abs(configPath)
	}

	return ServiceConfig{
		Name:        "pingerd",
		Description: "ICMP echo probing daemon",
		ConfigPath:  configPath,
		SocketPath:  socketPath,
	}
}

// Unit renders the systemd unit for cfg with the daemon at execPath.
func Unit(cfg ServiceConfig, execPath string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "[Unit]\nDescription=%s\nAfter=network-online.target\nWants=network-online.target\n\n", cfg.Description)

	b.WriteString("[Service]\nType=simple\n")
	cmdline := execPath + " run"
	if cfg.ConfigPath != "" {
		cmdline += " -c " + cfg.ConfigPath
	}
	if cfg.SocketPath != "" {
		cmdline += " --socket " + cfg.SocketPath
	}
	fmt.Fprintf(&b, "ExecStart=%s\n", cmdline)
	if cfg.User != "" {
		fmt.Fprintf(&b, "User=%s\n", cfg.User)
	}
	if cfg.Group != "" {
		fmt.Fprintf(&b, "Group=%s\n", cfg.Group)
	}
	b.WriteString("Restart=on-failure\nRestartSec=5\nTimeoutStopSec=15\n\n")

	b.WriteString("# Raw ICMP socket only\n")
	if cfg.User != "" {
		b.WriteString("AmbientCapabilities=CAP_NET_RAW\n")
	}
	b.WriteString("CapabilityBoundingSet=CAP_NET_RAW CAP_CHOWN\n")
	b.WriteString("NoNewPrivileges=true\nProtectSystem=strict\nProtectHome=read-only\n")
	if cfg.SocketPath != "" {
		fmt.Fprintf(&b, "ReadWritePaths=%s\n", filepath.Dir(cfg.SocketPath))
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "StandardOutput=journal\nStandardError=journal\nSyslogIdentifier=%s\n\n", cfg.Name)
	b.WriteString("[Install]\nWantedBy=multi-user.target\n")

	return b.String()
}

// Install writes, enables and starts the unit.
func Install(cfg ServiceConfig) error {
	if !IsRoot() {
		return ErrNotRoot
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		return fmt.Errorf("failed to resolve executable path: %w", err)
	}

	return installImpl(cfg, execPath)
}

// Uninstall stops, disables and removes the unit.
func Uninstall(name string) error {
	if !IsRoot() {
		return ErrNotRoot
	}
	return uninstallImpl(name)
}

// Status returns the unit's activity state, such as "active" or
// "inactive".
func Status(name string) (string, error) {
	return statusImpl(name)
}

// IsInstalled checks if the unit file exists.
func IsInstalled(name string) bool {
	return isInstalledImpl(name)
}

// IsRoot reports whether the process runs as root.
func IsRoot() bool {
	return os.Geteuid() == 0
}

// runCommand executes a command and returns combined output.
func runCommand(name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	output, err := cmd.CombinedOutput()
	return string(output), err
}
