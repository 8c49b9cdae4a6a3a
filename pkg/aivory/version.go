// version.go holds agent build information reported during registration.

package aivory

import "runtime"

// These variables are set via -ldflags at build time.
var (
	// Version is the agent version reported to the collector.
	Version = "1.0.1"

	// GitCommit is the short git SHA of the build.
	GitCommit = "unknown"
)

// RuntimeName identifies the host runtime in registration and records.
const RuntimeName = "go"

// CurrentRuntimeInfo describes the runtime this agent is running on.
func CurrentRuntimeInfo() RuntimeInfo {
	return RuntimeInfo{
		Runtime:        RuntimeName,
		RuntimeVersion: runtime.Version(),
		Platform:       runtime.GOOS,
		Arch:           runtime.GOARCH,
	}
}
