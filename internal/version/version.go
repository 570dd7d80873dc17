// Package version reports the conclave release and the commit it was built from.
package version

import (
	_ "embed"
	"runtime/debug"
	"strings"
)

//go:embed VERSION
var versionContent string

// Get returns the release version from the embedded VERSION file.
func Get() string {
	return strings.TrimSpace(versionContent)
}

// Long returns the version followed by the short VCS revision when the
// binary carries build info, with "+dirty" for modified trees.
func Long() string {
	v := Get()
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return v
	}
	var rev string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if rev == "" {
		return v
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if dirty {
		rev += "+dirty"
	}
	return v + " (" + rev + ")"
}
