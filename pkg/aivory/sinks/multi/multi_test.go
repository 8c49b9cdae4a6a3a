package multi

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/aivorynet/agent-go/pkg/aivory"
)

// mockSink tracks calls and can return errors.
type mockSink struct {
	mu       sync.Mutex
	records  []aivory.DiagnosticRecord
	writeErr error
	flushErr error
	closeErr error
	flushed  bool
	closed   bool
}

func (s *mockSink) Write(_ context.Context, record aivory.DiagnosticRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.records = append(s.records, record)
	return nil
}

func (s *mockSink) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushed = true
	return s.flushErr
}

func (s *mockSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.closeErr
}

func (s *mockSink) getRecords() []aivory.DiagnosticRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]aivory.DiagnosticRecord(nil), s.records...)
}

func TestSink_ImplementsSinkInterface(t *testing.T) {
	var _ aivory.Sink = New()
}

func TestSink_Write_CallsAllSinks(t *testing.T) {
	sinks := []*mockSink{{}, {}, {}}
	fanout := New(sinks[0], sinks[1], sinks[2])

	err := fanout.Write(context.Background(), aivory.DiagnosticRecord{ID: "rec-123"})
	if err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	for i, sink := range sinks {
		records := sink.getRecords()
		if len(records) != 1 {
			t.Errorf("sink%d: expected 1 record, got %d", i+1, len(records))
			continue
		}
		if records[0].ID != "rec-123" {
			t.Errorf("sink%d: wrong record ID %q", i+1, records[0].ID)
		}
	}
}

func TestSink_Write_AggregatesErrorsAndContinues(t *testing.T) {
	err1 := errors.New("sink1 error")
	err2 := errors.New("sink2 error")
	healthy := &mockSink{}
	fanout := New(&mockSink{writeErr: err1}, &mockSink{writeErr: err2}, healthy)

	err := fanout.Write(context.Background(), aivory.DiagnosticRecord{})
	if !errors.Is(err, err1) || !errors.Is(err, err2) {
		t.Errorf("Write should aggregate all errors, got %v", err)
	}
	if len(healthy.getRecords()) != 1 {
		t.Error("healthy sink should still receive the record after earlier sinks fail")
	}
}

func TestSink_Flush_CallsAllSinks(t *testing.T) {
	err1 := errors.New("flush error 1")
	sink1 := &mockSink{flushErr: err1}
	sink2 := &mockSink{}
	fanout := New(sink1, sink2)

	err := fanout.Flush(context.Background())
	if !errors.Is(err, err1) {
		t.Errorf("Flush should return the failing sink's error, got %v", err)
	}
	if !sink2.flushed {
		t.Error("sink2 should be flushed after sink1 fails")
	}
}

func TestSink_Close_AggregatesErrors(t *testing.T) {
	err1 := errors.New("close error 1")
	err2 := errors.New("close error 2")
	sink1 := &mockSink{closeErr: err1}
	sink2 := &mockSink{closeErr: err2}
	fanout := New(sink1, sink2)

	err := fanout.Close()
	if !errors.Is(err, err1) || !errors.Is(err, err2) {
		t.Errorf("Close should aggregate all errors, got %v", err)
	}
	if !sink1.closed || !sink2.closed {
		t.Error("all sinks should be closed")
	}
}

func TestSink_SkipsNilSinks(t *testing.T) {
	inner := &mockSink{}
	fanout := New(nil, inner, nil)

	if err := fanout.Write(context.Background(), aivory.DiagnosticRecord{}); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if len(inner.getRecords()) != 1 {
		t.Error("non-nil sink should receive the record")
	}
}

func TestSink_EmptySinks(t *testing.T) {
	fanout := New()

	if err := fanout.Write(context.Background(), aivory.DiagnosticRecord{}); err != nil {
		t.Errorf("Write with no sinks should return nil, got: %v", err)
	}
	if err := fanout.Flush(context.Background()); err != nil {
		t.Errorf("Flush with no sinks should return nil, got: %v", err)
	}
	if err := fanout.Close(); err != nil {
		t.Errorf("Close with no sinks should return nil, got: %v", err)
	}
}
