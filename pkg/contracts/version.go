package contracts

import (
	"fmt"
	"runtime"
)

const (
	// Version is the release of licensecore.
	Version = "1.0.0"

	// DataFormatVersion is the version of the license state and ledger formats.
	DataFormatVersion = "v2"

	// APIVersion is the version of the HTTP API.
	APIVersion = "v1"
)

// Set with -ldflags "-X licensecore/pkg/contracts.GitCommit=..." at build time.
var (
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// VersionInfo describes the running build.
type VersionInfo struct {
	Version      string `json:"version"`
	BuildTime    string `json:"build_time"`
	GitCommit    string `json:"git_commit"`
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	DataFormat   string `json:"data_format"`
	APIVersion   string `json:"api_version"`
}

// GetVersionInfo returns the build information.
func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Version:      Version,
		BuildTime:    BuildTime,
		GitCommit:    GitCommit,
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
		DataFormat:   DataFormatVersion,
		APIVersion:   APIVersion,
	}
}

// GetFullVersionString returns a one-line summary for --version output.
func GetFullVersionString() string {
	info := GetVersionInfo()
	return fmt.Sprintf("licensecore v%s (commit %s, built %s, %s %s/%s)",
		info.Version, info.GitCommit, info.BuildTime, info.GoVersion, info.OS, info.Architecture)
}
