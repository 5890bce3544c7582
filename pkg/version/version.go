// Package version reports how the esindex binary was built.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// Build variables, set with
// -ldflags "-X github.com/webme-commons/esindex/pkg/version.Version=v1.0.0".
// Commit and Date fall back to the VCS stamp the go tool embeds.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// storageModules are the dependencies whose versions decide the on-disk
// formats of the table store and the search indexes.
var storageModules = []string{
	"github.com/blevesearch/bleve/v2",
	"modernc.org/sqlite",
}

// BuildInfo describes the running binary.
type BuildInfo struct {
	Version   string            `json:"version"`
	Commit    string            `json:"commit"`
	Date      string            `json:"date"`
	Modified  bool              `json:"modified,omitempty"`
	GoVersion string            `json:"go_version"`
	OS        string            `json:"os"`
	Arch      string            `json:"arch"`
	Storage   map[string]string `json:"storage,omitempty"`
}

// GetInfo collects the build variables and the embedded module data.
func GetInfo() BuildInfo {
	info := BuildInfo{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "unknown" && s.Value != "" {
				info.Commit = s.Value[:min(len(s.Value), 12)]
			}
		case "vcs.time":
			if info.Date == "unknown" && s.Value != "" {
				info.Date = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
	for _, dep := range bi.Deps {
		for _, name := range storageModules {
			if dep.Path == name {
				if info.Storage == nil {
					info.Storage = make(map[string]string)
				}
				info.Storage[name] = dep.Version
			}
		}
	}
	return info
}

// String formats GetInfo on one line.
func String() string {
	info := GetInfo()
	commit := info.Commit
	if info.Modified {
		commit += "-dirty"
	}
	return fmt.Sprintf("esindex %s (commit: %s, built: %s, go: %s, %s/%s)",
		info.Version, commit, info.Date, info.GoVersion, info.OS, info.Arch)
}

// Short returns the version without a leading "v".
func Short() string {
	return strings.TrimPrefix(Version, "v")
}
