// Package version reports the build identity of the mailpulse binary.
// The variables are set at build time:
//
//	go build -ldflags "-X github.com/mailpulse/mailpulse/version.Version=v1.2.0 \
//	  -X github.com/mailpulse/mailpulse/version.CommitHash=$(git rev-parse HEAD)"
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	CommitHash = "dev"
	BuildTime  = "unknown"
	Version    = "dev"
)

// Info is the build identity shown by `mailpulse version` and /health
type Info struct {
	Version    string `json:"version"`
	CommitHash string `json:"commit_hash"`
	BuildTime  string `json:"build_time"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
}

// Get returns the build identity. A binary built without ldflags falls back
// to the VCS revision the Go toolchain embedded, when there is one.
func Get() Info {
	info := Info{
		Version:    Version,
		CommitHash: CommitHash,
		BuildTime:  BuildTime,
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
	}
	if info.CommitHash == "dev" {
		if bi, ok := debug.ReadBuildInfo(); ok {
			for _, s := range bi.Settings {
				switch s.Key {
				case "vcs.revision":
					info.CommitHash = s.Value
				case "vcs.time":
					if info.BuildTime == "unknown" {
						info.BuildTime = s.Value
					}
				}
			}
		}
	}
	return info
}

func (i Info) String() string {
	return fmt.Sprintf("mailpulse %s (commit %s, built %s)", i.Version, i.Short(), i.BuildTime)
}

// Short returns the abbreviated commit hash
func (i Info) Short() string {
	if len(i.CommitHash) > 7 {
		return i.CommitHash[:7]
	}
	return i.CommitHash
}

// UserAgent identifies mailpulse to provider APIs
func UserAgent() string {
	return UserAgentFor(Get())
}

// UserAgentFor formats the User-Agent header for info
func UserAgentFor(i Info) string {
	return fmt.Sprintf("mailpulse/%s (%s; +commit %s)", i.Version, i.Platform, i.Short())
}
