package config

// Build metadata injected at link time, for example:
//
//	go build -ldflags "\
//	  -X peerflow/internal/config.version=$(git describe --tags --always) \
//	  -X peerflow/internal/config.commit=$(git rev-parse --short HEAD) \
//	  -X peerflow/internal/config.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

// NewBuildInfo returns the build metadata captured at link time.
func NewBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
	}
}
