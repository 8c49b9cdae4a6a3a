package stderr

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/aivorynet/agent-go/pkg/aivory"
)

func TestSink_ImplementsSinkInterface(t *testing.T) {
	var _ aivory.Sink = New()
}

func sampleRecord() aivory.DiagnosticRecord {
	return aivory.DiagnosticRecord{
		ID:          "rec-123",
		FailureKind: "IoError",
		Message:     "connection refused",
		Fingerprint: "abc123def4567890",
		StackTrace: []aivory.StackFrame{
			{MethodName: "load", FilePath: "/app/store.go", FileName: "store.go", LineNumber: 12, SourceAvailable: true},
			{MethodName: "Serve", FilePath: "/usr/local/go/src/net/http/server.go", LineNumber: 2092, IsNative: true},
		},
		Context:     map[string]any{"retry": 3, "attempt": "second"},
		CapturedAt:  time.Date(2025, 1, 26, 15, 4, 5, 0, time.UTC),
		Environment: "staging",
		SystemState: &aivory.SystemState{MemoryBytes: 3 * 1000 * 1000, GoroutineCount: 7, UptimeMs: 1500, HostName: "web-1"},
	}
}

func TestSink_Write_FormatsOutput(t *testing.T) {
	var buf bytes.Buffer
	sink := New(WithWriter(&buf))

	if err := sink.Write(context.Background(), sampleRecord()); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	output := buf.String()

	for _, want := range []string{
		"[AIVORY] 2025-01-26T15:04:05Z IOERROR (staging)",
		"Message: connection refused",
		"Fingerprint: abc123def4567890",
		"Location: /app/store.go:12",
		"Context: attempt=second retry=3",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output should contain %q, got:\n%s", want, output)
		}
	}
	if strings.Contains(output, "Stack trace") {
		t.Errorf("stack trace should only be printed in verbose mode")
	}
}

func TestSink_Write_Verbose(t *testing.T) {
	var buf bytes.Buffer
	sink := New(WithWriter(&buf), WithVerbose())

	if err := sink.Write(context.Background(), sampleRecord()); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	output := buf.String()

	for _, want := range []string{
		"System: 3.0 MB heap, 7 goroutines, up 1.5s on web-1",
		"Stack trace:",
		"load (/app/store.go:12)",
		"Serve (/usr/local/go/src/net/http/server.go:2092) [native]",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("verbose output should contain %q, got:\n%s", want, output)
		}
	}
}

func TestSink_Write_MinimalRecord(t *testing.T) {
	var buf bytes.Buffer
	sink := New(WithWriter(&buf), WithVerbose())

	err := sink.Write(context.Background(), aivory.DiagnosticRecord{FailureKind: "panic"})
	if err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, "PANIC") {
		t.Errorf("output should contain failure kind, got %q", output)
	}
	for _, absent := range []string{"Message:", "Fingerprint:", "Location:", "Context:", "System:"} {
		if strings.Contains(output, absent) {
			t.Errorf("output should omit empty field %q, got %q", absent, output)
		}
	}
}

func TestSink_FlushAndClose(t *testing.T) {
	sink := New()
	if err := sink.Flush(context.Background()); err != nil {
		t.Errorf("Flush returned error: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Errorf("Close returned error: %v", err)
	}
}
