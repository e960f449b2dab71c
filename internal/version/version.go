// Package version holds build metadata injected with -ldflags:
//
//	go build -ldflags "-X github.com/ramiqadoumi/go-enrich-flow/internal/version.Version=v0.3.0" ./cmd/enricher
package version

import "runtime"

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// GoVersion returns the Go runtime version string.
func GoVersion() string { return runtime.Version() }

// Short is "<version> (<commit>)", used in startup logs.
func Short() string { return Version + " (" + GitCommit + ")" }
