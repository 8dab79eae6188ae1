// Package version holds build information, set through -ldflags:
//
//	go build -ldflags "-X github.com/rescale/stagexfer/internal/version.Version=v0.2.0"
package version

// Version is the build version string, vX.Y.Z or vX.Y.Z-dev.
var Version = "v0.1.0-dev"

// BuildTime is the build timestamp.
var BuildTime = "unknown"
