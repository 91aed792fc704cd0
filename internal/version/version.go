// Package version reports the build version of kvcoord binaries.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/kvcoord"

// buildVersion is set with -ldflags "-X pkt.systems/kvcoord/internal/version.buildVersion=v1.2.3".
var buildVersion = ""

// Build describes the binary as recorded by the toolchain.
type Build struct {
	Module   string
	Version  string
	Revision string
	Time     time.Time
	Modified bool
}

// Read collects build information, falling back to placeholders when the
// binary carries none.
func Read() Build {
	b := Build{Module: defaultModule}
	info, ok := debug.ReadBuildInfo()
	if ok && info != nil {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			b.Module = path
		}
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				b.Revision = setting.Value
			case "vcs.time":
				if ts, err := time.Parse(time.RFC3339, setting.Value); err == nil {
					b.Time = ts.UTC()
				}
			case "vcs.modified":
				b.Modified = setting.Value == "true"
			}
		}
	}
	switch {
	case strings.TrimSpace(buildVersion) != "":
		b.Version = strings.TrimSpace(buildVersion)
	case ok && info.Main.Version != "" && info.Main.Version != "(devel)":
		b.Version = info.Main.Version
	default:
		b.Version = b.pseudo()
	}
	return b
}

func (b Build) pseudo() string {
	if b.Revision == "" || b.Time.IsZero() {
		return "v0.0.0-unknown"
	}
	rev := b.Revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	v := "v0.0.0-" + b.Time.Format("20060102150405") + "-" + rev
	if b.Modified {
		v += "+dirty"
	}
	return v
}

// Current returns the best available version string.
func Current() string { return Read().Version }

// Module returns the main module path.
func Module() string { return Read().Module }

// Semver trims pre-release and build suffixes, so "v1.2.3-rc1+dirty"
// becomes "v1.2.3".
func Semver() string {
	v := Current()
	if i := strings.IndexAny(v, "-+"); i > 0 {
		v = v[:i]
	}
	return v
}
