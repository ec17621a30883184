// Package buildinfo reports the version of the running binary. Release
// builds stamp the variables below with -ldflags; a plain `go build`
// or `go install` falls back to the VCS metadata the Go toolchain
// embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Set at build time via -ldflags "-X ...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

var fillOnce sync.Once

// fill copies VCS settings from the embedded build info into any
// variable that ldflags left at its default.
func fill() {
	fillOnce.Do(func() {
		bi, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		fillFrom(bi)
	})
}

func fillFrom(bi *debug.BuildInfo) {
	if Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		Version = bi.Main.Version
	}

	var fromVCS, modified bool
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if GitCommit == "unknown" {
				GitCommit = shortRevision(s.Value)
				fromVCS = true
			}
		case "vcs.time":
			if BuildTime == "unknown" {
				BuildTime = s.Value
			}
		case "vcs.modified":
			modified = s.Value == "true"
		}
	}
	if modified && fromVCS {
		GitCommit += "-dirty"
	}
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

// Info returns build and runtime details for the version command and
// the status API.
func Info() map[string]string {
	fill()
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime returns the time since the process started, to the second.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String returns a one-line version summary.
func String() string {
	fill()
	return fmt.Sprintf("inteno-tracker %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}

// UserAgent is sent with every request to the router.
func UserAgent() string {
	fill()
	return fmt.Sprintf("inteno-tracker/%s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}
