package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Build identity, stamped by the release pipeline via -ldflags. A source
// checkout without the stamp reports "dev".
var (
	Version   = "dev"
	Build     = "unknown"
	GitCommit = "unknown"
)

// GetVersion returns the release version string.
func GetVersion() string {
	return Version
}

// GetBuild returns the build timestamp stamped at link time.
func GetBuild() string {
	return Build
}

// GetGitCommit returns the commit hash the binary was built from.
func GetGitCommit() string {
	return GitCommit
}

// GetFullVersion renders the complete build identity for crash reports and
// the version endpoint.
func GetFullVersion() string {
	return fmt.Sprintf("%s (build: %s, commit: %s)", Version, Build, GitCommit)
}

// LoadVersionFromFile overrides Version from a .version file sitting next
// to the executable, when one exists. Deployments that ship a plain binary
// without re-linking use this to pin the reported version.
func LoadVersionFromFile() string {
	exePath, err := os.Executable()
	if err != nil {
		return Version
	}

	data, err := os.ReadFile(filepath.Join(filepath.Dir(exePath), ".version"))
	if err != nil {
		return Version
	}

	if v := strings.TrimSpace(string(data)); v != "" {
		Version = v
	}
	return Version
}
