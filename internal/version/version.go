// Package version holds build-time version information.
//
// Set at build time via ldflags:
//
//	go build -ldflags "-X github.com/fabian4/devproxy/internal/version.Value=1.0.0" ./cmd/devproxy
package version

// Value is the release version, "dev" for local builds.
var Value = "dev"
