// record.go defines the diagnostic record sent to the collector.

package aivory

import "time"

// PanicKind is the failure kind assigned to every record built from a panic.
const PanicKind = "panic"

// MaxStackFrames bounds the number of frames kept per record.
const MaxStackFrames = 50

// RuntimeInfo describes the runtime that produced a record.
type RuntimeInfo struct {
	Runtime        string `json:"runtime"`
	RuntimeVersion string `json:"runtime_version"`
	Platform       string `json:"platform"`
	Arch           string `json:"arch"`
}

// SystemState captures process metrics at the time of a failure.
type SystemState struct {
	// MemoryBytes is the current heap allocation in bytes.
	MemoryBytes int64 `json:"memory_bytes"`

	// GoroutineCount is the number of live goroutines.
	GoroutineCount int `json:"goroutine_count"`

	// UptimeMs is the process uptime in milliseconds.
	UptimeMs int64 `json:"uptime_ms"`

	// HostName is the configured host name.
	HostName string `json:"host_name"`
}

// StackFrame is one entry of a symbolized call stack.
// Optional fields are omitted from the wire format when unknown.
type StackFrame struct {
	// MethodName is the function name without its import path or package.
	MethodName string `json:"method_name"`

	// FileName is the base name of the source file.
	FileName string `json:"file_name,omitempty"`

	// FilePath is the full source path as recorded in the binary.
	FilePath string `json:"file_path,omitempty"`

	// LineNumber is the 1-based source line, 0 when unknown.
	LineNumber int `json:"line_number,omitempty"`

	// ColumnNumber is never resolved by the Go runtime and stays 0.
	ColumnNumber int `json:"column_number,omitempty"`

	// IsNative is true for standard library, dependency and unresolved frames.
	IsNative bool `json:"is_native"`

	// SourceAvailable is true only for non-native frames with a resolved path.
	SourceAvailable bool `json:"source_available"`
}

// Variable is a captured local variable. Go cannot reflect over an
// unwound stack, so records always carry an empty variable map; the type
// exists to keep the wire format stable.
type Variable struct {
	Name          string              `json:"name"`
	Type          string              `json:"type"`
	Value         string              `json:"value"`
	IsNull        bool                `json:"is_null"`
	IsTruncated   bool                `json:"is_truncated"`
	Children      map[string]Variable `json:"children,omitempty"`
	ArrayElements []Variable          `json:"array_elements,omitempty"`
	ArrayLength   *int                `json:"array_length,omitempty"`
}

// DiagnosticRecord is the normalized representation of one captured failure.
type DiagnosticRecord struct {
	// Identity

	// ID is a unique identifier generated at capture time (UUID).
	ID string `json:"id"`

	// Fingerprint groups recurrences of the same failure at the same site.
	Fingerprint string `json:"fingerprint"`

	// Failure

	// FailureKind classifies the failure (error type name or "panic").
	FailureKind string `json:"failure_kind"`

	// Message is the human-readable failure description.
	Message string `json:"message"`

	// StackTrace lists frames most recent call first, at most MaxStackFrames.
	StackTrace []StackFrame `json:"stack_trace"`

	// LocalVariables is always empty; see Variable.
	LocalVariables map[string]Variable `json:"local_variables"`

	// Context holds merged custom, user and caller-supplied metadata.
	Context map[string]any `json:"context"`

	// CapturedAt is when the record was built.
	CapturedAt time.Time `json:"captured_at"`

	// Provenance, copied from the configuration at capture time.

	AgentID     string      `json:"agent_id"`
	Environment string      `json:"environment"`
	RuntimeInfo RuntimeInfo `json:"runtime_info"`

	// SystemState is an optional process snapshot.
	SystemState *SystemState `json:"system_state,omitempty"`
}

// Location returns "file:line" of the first application frame, or "" when
// the stack holds no application frames.
func (r DiagnosticRecord) Location() string {
	for _, frame := range r.StackTrace {
		if frame.IsNative || frame.FilePath == "" {
			continue
		}
		return frameLocation(frame)
	}
	return ""
}
