// Package version holds build identity for logs and telemetry.
package version

// Name is the service name reported to tracing and logs.
const Name = "trailkeepd"

// Version is overridden at build time via -ldflags.
var Version = "dev"
