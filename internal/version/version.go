package version

import (
	"runtime/debug"
	"strings"
)

// Set through -ldflags at release time.
var (
	Version = "0.1.0"
	Commit  = "unknown"
	Date    = "unknown"
)

// Resolve returns Version, suffixed with the VCS revision recorded by the Go
// toolchain when the binary was built from a modified or untagged tree.
func Resolve() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return resolveVersion(Version, nil)
	}
	return resolveVersion(Version, info.Settings)
}

func resolveVersion(base string, settings []debug.BuildSetting) string {
	if base == "" {
		base = "0.0.0"
	}

	var revision string
	var modified bool
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			modified = s.Value == "true"
		}
	}

	if revision == "" || Commit != "unknown" {
		return base
	}

	suffix := revision
	if len(suffix) > 7 {
		suffix = suffix[:7]
	}
	if modified {
		suffix += "-dirty"
	}
	return base + "-" + strings.ToLower(suffix)
}
