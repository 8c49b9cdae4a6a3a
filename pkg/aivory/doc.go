// Package aivory is an in-process failure telemetry agent.
//
// It turns runtime failures (returned errors and panics) into structured,
// fingerprinted diagnostic records and hands them to a Sink for delivery.
// The default delivery path is the websocket transport in the transport
// subpackage, which keeps a persistent, self-healing connection to the
// AIVory collector.
//
// # Core Components
//
//   - DiagnosticRecord: the unit of telemetry (identity, failure, stack, context, provenance)
//   - CaptureStack / Fingerprint: stack symbolization and deduplication hashing
//   - BuildFromError / BuildFromPanic: pure record construction
//   - Agent: sampling, context and user metadata, handoff to the Sink
//   - PanicHandler: panic interception for main and worker goroutines
//   - Registry: the process-wide agent slot used by the monitor package
//
// # Quick Start
//
// Most programs use the monitor package, which wires the websocket transport:
//
//	if err := monitor.Init(aivory.DefaultConfig()); err != nil {
//	    log.Printf("telemetry disabled: %v", err)
//	}
//	defer monitor.Shutdown(context.Background())
//	defer monitor.Repanic()
//
// For custom delivery, build an Agent directly:
//
//	agent := aivory.New(cfg, aivory.WithSink(stderr.New()))
//	agent.CaptureError(err, map[string]any{"retry": 3})
//
// # Design Principles
//
//   - Capture never blocks on network I/O and never fails the host: errors are logged, not returned
//   - Records are best-effort: while the transport is disconnected they are dropped, not persisted
//   - Configuration is an immutable snapshot copied into every component
package aivory
