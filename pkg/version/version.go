package version

import (
	"runtime/debug"
	"strings"
)

const devMarker = "0.0.0-dev"

// Version is the release of the running binary. Release builds set it with
// -ldflags "-X github.com/clientpulse/clientpulse/pkg/version.Version=<value>";
// otherwise it is filled from the module build info.
var Version = devMarker

var readBuildInfo = debug.ReadBuildInfo

func init() {
	Version = resolve(Version)
}

// UserAgent identifies outbound client requests.
func UserAgent() string {
	return "clientpulse/" + Version
}

func resolve(stamped string) string {
	if stamped != "" && stamped != devMarker {
		return stamped
	}
	info, ok := readBuildInfo()
	if !ok || info == nil {
		return devMarker
	}
	if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
		return v
	}
	if rev := vcsRevision(info.Settings); rev != "" {
		return devMarker + "+" + rev
	}
	return devMarker
}

// vcsRevision returns the short commit hash, suffixed when the tree was dirty.
func vcsRevision(settings []debug.BuildSetting) string {
	var rev string
	dirty := false
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			rev = strings.TrimSpace(s.Value)
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if rev == "" {
		return ""
	}
	if len(rev) > 7 {
		rev = rev[:7]
	}
	if dirty {
		rev += ".dirty"
	}
	return rev
}
