// builder.go assembles DiagnosticRecords from errors and panics.

package aivory

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Context keys seeded by BuildFromPanic.
const (
	ContextKeyPanic    = "panic"
	ContextKeyLocation = "location"
	ContextKeyUser     = "user"
)

// BuildFromError builds a record for an explicitly captured error. The
// stack is symbolized at the call site and the context starts empty.
func BuildFromError(message, kind string, cfg Config) DiagnosticRecord {
	if kind == "" {
		kind = "error"
	}
	return newRecord(kind, message, CaptureStack(), cfg)
}

// BuildFromPanic builds a record for a panic. The failure kind is always
// PanicKind; the context is seeded with panic=true and, when location is
// non-empty, the location the panic originated from.
func BuildFromPanic(message, location string, cfg Config) DiagnosticRecord {
	record := newRecord(PanicKind, message, CaptureStack(), cfg)
	record.Context[ContextKeyPanic] = true
	if location != "" {
		record.Context[ContextKeyLocation] = location
	}
	return record
}

func newRecord(kind, message string, frames []StackFrame, cfg Config) DiagnosticRecord {
	return DiagnosticRecord{
		ID:             uuid.NewString(),
		FailureKind:    kind,
		Message:        message,
		Fingerprint:    Fingerprint(kind, frames),
		StackTrace:     frames,
		LocalVariables: map[string]Variable{},
		Context:        map[string]any{},
		CapturedAt:     time.Now().UTC(),
		AgentID:        cfg.AgentID,
		Environment:    cfg.Environment,
		RuntimeInfo:    cfg.RuntimeInfo(),
		SystemState:    CaptureSystemState(processStart, cfg.Hostname),
	}
}

// ErrorKind returns the concrete type name of err without pointer or
// package qualification: an *fs.PathError yields "PathError".
func ErrorKind(err error) string {
	if err == nil {
		return "error"
	}
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if name := t.Name(); name != "" {
		return name
	}
	// Unnamed types (struct literals, func types) fall back to the %T form.
	name := fmt.Sprintf("%T", err)
	name = strings.TrimLeft(name, "*")
	if dot := strings.LastIndexByte(name, '.'); dot >= 0 {
		name = name[dot+1:]
	}
	return name
}

// formatRecovered formats a recovered panic value as a message.
func formatRecovered(recovered any) string {
	switch v := recovered.(type) {
	case nil:
		return "<nil>"
	case error:
		return v.Error()
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
