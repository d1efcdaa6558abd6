// Package buildinfo carries the version stamped into the binary with
// -ldflags "-X .../buildinfo.Version=...".
package buildinfo

import (
	"runtime"
	"time"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var started = time.Now()

// Build describes the running binary. It is what /version serves and
// what the version command prints.
type Build struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

// Info returns the stamped build values.
func Info() Build {
	return Build{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}
}

// Fields returns the build values as ordered label/value pairs.
func (b Build) Fields() [][2]string {
	return [][2]string{
		{"version", b.Version},
		{"git_commit", b.GitCommit},
		{"build_time", b.BuildTime},
		{"go_version", b.GoVersion},
	}
}

// Uptime is the time since the process started, to the second.
func Uptime() time.Duration {
	return time.Since(started).Truncate(time.Second)
}

// UserAgent is sent on every outbound HTTP request. Nominatim rejects
// requests without an identifying agent.
func UserAgent() string {
	return "wesense-ingester-homeassistant/" + Version
}
