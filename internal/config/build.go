package config

// Linker-injected build metadata. The release pipeline stamps all three
// binaries (api, sweeper, resync-worker) with the same flags:
//
//	go build -ldflags "-X waypost/internal/config.version=$(git describe --tags) \
//	    -X waypost/internal/config.commit=$(git rev-parse --short HEAD) \
//	    -X waypost/internal/config.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" ./cmd/...
//
// Plain `go build` during development leaves the defaults, which each entry
// point logs at startup so a misconfigured deploy is visible immediately.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// NewBuildInfo captures the linker-injected values into the Config.Build
// field. Called once by LoadConfig.
func NewBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
	}
}
