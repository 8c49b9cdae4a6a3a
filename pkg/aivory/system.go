// system.go captures process state at failure time.

package aivory

import (
	"runtime"
	"time"
)

// processStart approximates process start for uptime reporting.
var processStart = time.Now()

// CaptureSystemState captures process metrics at the current moment.
// The startTime parameter is used to calculate process uptime.
func CaptureSystemState(startTime time.Time, hostname string) *SystemState {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	uptimeMs := time.Since(startTime).Milliseconds()
	if uptimeMs < 0 {
		uptimeMs = 0
	}

	return &SystemState{
		MemoryBytes:    int64(memStats.Alloc),
		GoroutineCount: runtime.NumGoroutine(),
		UptimeMs:       uptimeMs,
		HostName:       hostname,
	}
}
