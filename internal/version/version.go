// Package version reports the build version of the assetlock binary.
package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const (
	defaultModule  = "pkt.systems/assetlock"
	unknownVersion = "v0.0.0-unknown"
)

// buildVersion is set via -ldflags "-X pkt.systems/assetlock/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running binary.
type Info struct {
	Version   string `json:"version" yaml:"version"`
	Module    string `json:"module" yaml:"module"`
	Revision  string `json:"revision,omitempty" yaml:"revision,omitempty"`
	BuildTime string `json:"build_time,omitempty" yaml:"build_time,omitempty"`
	Modified  bool   `json:"modified,omitempty" yaml:"modified,omitempty"`
	GoVersion string `json:"go_version" yaml:"go_version"`
	Platform  string `json:"platform" yaml:"platform"`
}

// Read collects build information for the running binary.
func Read() Info {
	info := Info{
		Module:    defaultModule,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	bi, ok := debug.ReadBuildInfo()
	if ok {
		if p := strings.TrimSpace(bi.Main.Path); p != "" {
			info.Module = p
		}
		vcs := readVCS(bi)
		info.Revision = vcs.revision
		info.BuildTime = vcs.time
		info.Modified = vcs.modified
	}
	info.Version = resolve(bi, ok)
	return info
}

// Current returns the best available version string.
func Current() string {
	bi, ok := debug.ReadBuildInfo()
	return resolve(bi, ok)
}

// Module returns the module path from build info when available.
func Module() string {
	return Read().Module
}

func resolve(bi *debug.BuildInfo, ok bool) string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	if !ok {
		return unknownVersion
	}
	if v := strings.TrimSpace(bi.Main.Version); v != "" && v != "(devel)" {
		return v
	}
	if v := pseudoVersion(readVCS(bi)); v != "" {
		return v
	}
	return unknownVersion
}

type vcsInfo struct {
	revision string
	time     string
	modified bool
}

func readVCS(bi *debug.BuildInfo) vcsInfo {
	var out vcsInfo
	if bi == nil {
		return out
	}
	for _, setting := range bi.Settings {
		switch setting.Key {
		case "vcs.revision":
			out.revision = setting.Value
		case "vcs.time":
			out.time = setting.Value
		case "vcs.modified":
			out.modified = setting.Value == "true"
		}
	}
	return out
}

// pseudoVersion formats a Go-style pseudo version from VCS stamps.
func pseudoVersion(vcs vcsInfo) string {
	if vcs.revision == "" || vcs.time == "" {
		return ""
	}
	parsed, err := time.Parse(time.RFC3339, vcs.time)
	if err != nil {
		return ""
	}
	rev := vcs.revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	ver := "v0.0.0-" + parsed.UTC().Format("20060102150405") + "-" + rev
	if vcs.modified {
		ver += "+dirty"
	}
	return ver
}
