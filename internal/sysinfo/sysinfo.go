// Package sysinfo describes the running daemon for the HTTP /info endpoint.
package sysinfo

import (
	"os"
	"runtime"
	"runtime/debug"
	"time"
)

// Version is the daemon version, set at build time via ldflags or by main.
var Version = "dev"

// startTime is when the process started.
var startTime = time.Now()

// Info describes the process and host.
type Info struct {
	Hostname      string    `json:"hostname"`
	OS            string    `json:"os"`
	Arch          string    `json:"arch"`
	Version       string    `json:"version"`
	Revision      string    `json:"revision,omitempty"`
	GoVersion     string    `json:"go_version"`
	PID           int       `json:"pid"`
	StartTime     time.Time `json:"start_time"`
	UptimeSeconds int64     `json:"uptime_seconds"`
}

// Collect gathers the current Info.
func Collect() Info {
	hostname, _ := os.Hostname()

	return Info{
		Hostname:      hostname,
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
		Version:       Version,
		Revision:      revision(),
		GoVersion:     runtime.Version(),
		PID:           os.Getpid(),
		StartTime:     startTime,
		UptimeSeconds: int64(Uptime().Seconds()),
	}
}

// revision returns the short VCS revision stamped into the binary, with a
// -dirty suffix for modified trees.
func revision() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	var rev, dirty string
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			if s.Value == "true" {
				dirty = "-dirty"
			}
		}
	}
	if len(rev) > 7 {
		rev = rev[:7]
	}
	if rev == "" {
		return ""
	}
	return rev + dirty
}

// StartTime returns the process start time.
func StartTime() time.Time {
	return startTime
}

// Uptime returns how long the process has been running.
func Uptime() time.Duration {
	return time.Since(startTime)
}
