package api

import (
	"os"
	"runtime/debug"
)

// BuildVersion identifies the running binary in status responses.
// Empty string means the build carried no module or VCS information.
// Can be overridden via TEST_BUILD_VERSION environment variable for testing.
var BuildVersion string

func init() {
	if override := os.Getenv("TEST_BUILD_VERSION"); override != "" {
		BuildVersion = override
	} else {
		BuildVersion = computeVersion()
	}
}

func computeVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	return versionFrom(info)
}

// versionFrom prefers a tagged module version and falls back to a short VCS revision.
func versionFrom(info *debug.BuildInfo) string {
	if v := info.Main.Version; v != "" && v != "(devel)" {
		return v
	}
	var revision string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	if revision != "" && dirty {
		revision += "-dirty"
	}
	return revision
}
