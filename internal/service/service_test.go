package service

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("./pingerd.yaml", "/run/pingerd/pinger.sock")

	if cfg.Name != "pingerd" {
		t.Errorf("Name = %q, want pingerd", cfg.Name)
	}
	if !filepath.IsAbs(cfg.ConfigPath) {
		t.Errorf("ConfigPath = %q, should be absolute", cfg.ConfigPath)
	}
	if cfg.SocketPath != "/run/pingerd/pinger.sock" {
		t.Errorf("SocketPath = %q", cfg.SocketPath)
	}

	if cfg := DefaultConfig("", "/tmp/.pinger"); cfg.ConfigPath != "" {
		t.Errorf("ConfigPath = %q, want empty without a config file", cfg.ConfigPath)
	}
}

func TestUnit(t *testing.T) {
	cfg := ServiceConfig{
		Name:        "pingerd",
		Description: "ICMP echo probing daemon",
		ConfigPath:  "/etc/pingerd/pingerd.yaml",
		SocketPath:  "/run/pingerd/pinger.sock",
		User:        "pingerd",
		Group:       "netmon",
	}
	unit := Unit(cfg, "/usr/local/bin/pingerd")

	want := []string{
		"[Unit]",
		"Description=ICMP echo probing daemon",
		"[Service]",
		"ExecStart=/usr/local/bin/pingerd run -c /etc/pingerd/pingerd.yaml --socket /run/pingerd/pinger.sock",
		"User=pingerd",
		"Group=netmon",
		"AmbientCapabilities=CAP_NET_RAW",
		"NoNewPrivileges=true",
		"ProtectSystem=strict",
		"ReadWritePaths=/run/pingerd",
		"SyslogIdentifier=pingerd",
		"[Install]",
		"WantedBy=multi-user.target",
	}
	for _, w := range want {
		if !strings.Contains(unit, w+"\n") {
			t.Errorf("unit missing %q:\n%s", w, unit)
		}
	}
}

func TestUnit_SocketPassedToDaemon(t *testing.T) {
	unit := Unit(DefaultConfig("", "/run/pingerd/pinger.sock"), "/usr/bin/pingerd")

	if !strings.Contains(unit, "ExecStart=/usr/bin/pingerd run --socket /run/pingerd/pinger.sock\n") {
		t.Errorf("daemon not told to bind the writable socket path:\n%s", unit)
	}
	if !strings.Contains(unit, "ReadWritePaths=/run/pingerd\n") {
		t.Errorf("socket directory not writable:\n%s", unit)
	}
}

func TestUnit_RootWithoutConfig(t *testing.T) {
	unit := Unit(DefaultConfig("", ""), "/usr/sbin/pingerd")

	if !strings.Contains(unit, "ExecStart=/usr/sbin/pingerd run\n") {
		t.Errorf("unexpected ExecStart:\n%s", unit)
	}
	for _, absent := range []string{"User=", "Group=", "AmbientCapabilities=", "ReadWritePaths="} {
		if strings.Contains(unit, absent) {
			t.Errorf("unit should not contain %q:\n%s", absent, unit)
		}
	}
}

func TestInstallWithoutRoot(t *testing.T) {
	if IsRoot() {
		t.Skip("running as root")
	}
	if err := Install(DefaultConfig("", "/tmp/.pinger")); !errors.Is(err, ErrNotRoot) {
		t.Errorf("Install() error = %v, want ErrNotRoot", err)
	}
	if err := Uninstall("pingerd"); !errors.Is(err, ErrNotRoot) {
		t.Errorf("Uninstall() error = %v, want ErrNotRoot", err)
	}
}

func TestIsRoot(t *testing.T) {
	if got, want := IsRoot(), os.Geteuid() == 0; got != want {
		t.Errorf("IsRoot() = %v, want %v", got, want)
	}
}

func TestIsInstalled_NonExistent(t *testing.T) {
	if IsInstalled("pingerd-test-does-not-exist") {
		t.Error("IsInstalled() = true for a unit that does not exist")
	}
}
