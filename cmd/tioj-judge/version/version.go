// Package version reports the judge version. Release builds run go generate
// to write version.txt from the git tag.
package version

//go:generate sh -c "git describe --tags --always --dirty > version.txt"

import (
	"embed"
	"runtime/debug"
	"strings"
)

//go:embed version.*
var versions embed.FS

// Version is the judge version string
var Version = load()

func load() string {
	if b, err := versions.ReadFile("version.txt"); err == nil {
		if v := strings.TrimSpace(string(b)); v != "" {
			return v
		}
	}
	if inf, ok := debug.ReadBuildInfo(); ok && inf.Main.Version != "" {
		return inf.Main.Version
	}
	return "(devel)"
}
