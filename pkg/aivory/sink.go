// sink.go defines the Sink interface for diagnostic record destinations.

package aivory

import "context"

// Sink is the destination for diagnostic records.
// Implementations must be safe for concurrent use.
type Sink interface {
	// Write hands a record to the sink. Called after sampling, context
	// merging and scrubbing, on the goroutine that captured the failure.
	// Sinks doing blocking I/O belong behind sinks/async.
	Write(ctx context.Context, record DiagnosticRecord) error

	// Flush waits until buffered records have been delivered or ctx is done.
	// For synchronous sinks, this may be a no-op.
	Flush(ctx context.Context) error

	// Close releases resources held by the sink. Writes after Close may
	// return an error.
	Close() error
}

// noopSink discards records. It is the default when no sink is configured.
type noopSink struct{}

func (noopSink) Write(context.Context, DiagnosticRecord) error { return nil }

func (noopSink) Flush(context.Context) error { return nil }

func (noopSink) Close() error { return nil }
