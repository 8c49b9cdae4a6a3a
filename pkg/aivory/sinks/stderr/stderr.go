// Package stderr provides a sink that prints records in a human-readable
// form. Useful during development and when no collector is reachable.
package stderr

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/aivorynet/agent-go/pkg/aivory"
)

// Option configures the stderr sink.
type Option func(*config)

type config struct {
	verbose bool
	out     io.Writer
}

// WithVerbose includes the stack trace and system state in the output.
func WithVerbose() Option {
	return func(c *config) {
		c.verbose = true
	}
}

// WithWriter redirects output away from os.Stderr.
func WithWriter(w io.Writer) Option {
	return func(c *config) {
		if w != nil {
			c.out = w
		}
	}
}

type sink struct {
	mu      sync.Mutex
	out     io.Writer
	verbose bool
}

// New creates a sink that writes to stderr.
func New(opts ...Option) aivory.Sink {
	cfg := &config{out: os.Stderr}
	for _, opt := range opts {
		opt(cfg)
	}
	return &sink{out: cfg.out, verbose: cfg.verbose}
}

// Write formats one record. Format:
//
//	[AIVORY] <captured_at> <FAILURE_KIND> (<environment>)
//	        Message: ...
func (s *sink) Write(_ context.Context, record aivory.DiagnosticRecord) error {
	var b strings.Builder

	fmt.Fprintf(&b, "[AIVORY] %s %s", record.CapturedAt.Format(time.RFC3339), strings.ToUpper(record.FailureKind))
	if record.Environment != "" {
		fmt.Fprintf(&b, " (%s)", record.Environment)
	}
	b.WriteByte('\n')

	if record.Message != "" {
		fmt.Fprintf(&b, "        Message: %s\n", record.Message)
	}
	if record.Fingerprint != "" {
		fmt.Fprintf(&b, "        Fingerprint: %s\n", record.Fingerprint)
	}
	if loc := record.Location(); loc != "" {
		fmt.Fprintf(&b, "        Location: %s\n", loc)
	}
	if len(record.Context) > 0 {
		pairs := make([]string, 0, len(record.Context))
		for _, k := range slices.Sorted(maps.Keys(record.Context)) {
			pairs = append(pairs, fmt.Sprintf("%s=%v", k, record.Context[k]))
		}
		fmt.Fprintf(&b, "        Context: %s\n", strings.Join(pairs, " "))
	}

	if s.verbose {
		if st := record.SystemState; st != nil {
			fmt.Fprintf(&b, "        System: %s heap, %d goroutines, up %s on %s\n",
				humanize.Bytes(uint64(max(st.MemoryBytes, 0))), st.GoroutineCount,
				time.Duration(st.UptimeMs)*time.Millisecond, st.HostName)
		}
		if len(record.StackTrace) > 0 {
			b.WriteString("        Stack trace:\n")
			for _, frame := range record.StackTrace {
				fmt.Fprintf(&b, "          %s\n", formatFrame(frame))
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.out, b.String())
	return err
}

func formatFrame(frame aivory.StackFrame) string {
	suffix := ""
	if frame.IsNative {
		suffix = " [native]"
	}
	if frame.FilePath == "" {
		return frame.MethodName + suffix
	}
	return fmt.Sprintf("%s (%s:%d)%s", frame.MethodName, frame.FilePath, frame.LineNumber, suffix)
}

// Flush is a no-op; writes are synchronous.
func (s *sink) Flush(context.Context) error {
	return nil
}

// Close is a no-op.
func (s *sink) Close() error {
	return nil
}
