package version

import (
	"runtime"
	"runtime/debug"
	"strings"

	"golang.org/x/mod/semver"
)

// Version is the version of the dday-label binary.
// It is set using `go build -ldflags "-X github.com/dday-label/dday/internal/version.Version=v1.2.3"`.
var Version string

// Revision is the VCS revision the binary was built from, if known.
var Revision string

// Modified reports whether the working tree had uncommitted changes at build time.
var Modified bool

// Channel tells us which ReleaseChannel this build is under.
var Channel ReleaseChannel

type ReleaseChannel string

const (
	GA       ReleaseChannel = "ga"      // A tagged release in Semver: v1.10.0
	DevBuild ReleaseChannel = "devel"   // A development build with the commit of the build: devel-0140ab0f78fd
	unknown  ReleaseChannel = "unknown" // An unknown release stream (not exported as it should be an error case)
)

func init() {
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, p := range info.Settings {
			switch p.Key {
			case "vcs.revision":
				Revision = p.Value
			case "vcs.modified":
				Modified = p.Value == "true"
			}
		}
	}

	// If version is already set via a compiler link flag, then we don't need to do anything
	if Version == "" {
		Version = "devel"
		if Revision != "" {
			Version += "-" + Revision
			if Modified {
				Version += "-modified"
			}
		}
	}
	Channel = channelFor(Version)
}

func channelFor(version string) ReleaseChannel {
	switch {
	case semver.IsValid(version):
		return GA
	case strings.HasPrefix(version, "devel-") || version == "devel":
		return DevBuild
	default:
		return unknown
	}
}

// UserAgent is the User-Agent header value sent to upstream APIs.
func UserAgent() string {
	return "dday-label/" + Version + " (" + runtime.GOOS + "/" + runtime.GOARCH + ")"
}
