package aivory

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink captures records for verification in tests.
type recordingSink struct {
	mu       sync.Mutex
	records  []DiagnosticRecord
	writeErr error
	flushes  int
	closes   int
}

func (s *recordingSink) Write(ctx context.Context, record DiagnosticRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.records = append(s.records, record)
	return nil
}

func (s *recordingSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *recordingSink) getRecords() []DiagnosticRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]DiagnosticRecord, len(s.records))
	copy(result, s.records)
	return result
}

// panickingSink panics on every write.
type panickingSink struct{ recordingSink }

func (s *panickingSink) Write(context.Context, DiagnosticRecord) error {
	panic("sink exploded")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAgent(t *testing.T, opts ...Option) (*Agent, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	opts = append([]Option{WithSink(sink), WithLogger(discardLogger())}, opts...)
	return New(testConfig(), opts...), sink
}

func TestAgent_CaptureError(t *testing.T) {
	agent, sink := newTestAgent(t)

	agent.CaptureError(&IoError{"disk full"}, map[string]any{"retry": 3})

	records := sink.getRecords()
	require.Len(t, records, 1)
	assert.Equal(t, "IoError", records[0].FailureKind)
	assert.Equal(t, "disk full", records[0].Message)
	assert.Equal(t, 3, records[0].Context["retry"])
	require.NotEmpty(t, records[0].StackTrace)
	assert.Equal(t, "TestAgent_CaptureError", records[0].StackTrace[0].MethodName)
}

func TestAgent_CaptureErrorNil(t *testing.T) {
	agent, sink := newTestAgent(t)

	agent.CaptureError(nil, nil)

	assert.Empty(t, sink.getRecords())
}

func TestAgent_ContextPrecedence(t *testing.T) {
	agent, sink := newTestAgent(t)
	agent.SetContext(map[string]any{"a": 1, "b": "custom"})
	agent.SetUser("u1", "", "")

	agent.CaptureFailure("IoError", "disk full", map[string]any{"a": 2})

	records := sink.getRecords()
	require.Len(t, records, 1)
	ctx := records[0].Context
	assert.Equal(t, 2, ctx["a"])
	assert.Equal(t, "custom", ctx["b"])
	assert.Equal(t, map[string]string{"id": "u1"}, ctx[ContextKeyUser])
}

func TestAgent_ContextTagsBetweenUserAndExtra(t *testing.T) {
	agent, sink := newTestAgent(t)
	agent.SetContext(map[string]any{"request": "custom", "tenant": "custom"})

	ctx := WithTags(context.Background(), map[string]any{"request": "tag", "route": "/x"})
	agent.CaptureFailureContext(ctx, "E", "m", map[string]any{"route": "explicit"})

	records := sink.getRecords()
	require.Len(t, records, 1)
	assert.Equal(t, "tag", records[0].Context["request"])
	assert.Equal(t, "custom", records[0].Context["tenant"])
	assert.Equal(t, "explicit", records[0].Context["route"])
}

func TestAgent_UserOmittedWhenUnset(t *testing.T) {
	agent, sink := newTestAgent(t)

	agent.CaptureFailure("E", "m", nil)
	agent.SetUser("", "", "")
	agent.CaptureFailure("E", "m", nil)

	for _, record := range sink.getRecords() {
		assert.NotContains(t, record.Context, ContextKeyUser)
	}
}

func TestAgent_SetUserReplaces(t *testing.T) {
	agent, sink := newTestAgent(t)
	agent.SetUser("u1", "u1@example.com", "alice")
	agent.SetUser("", "only@example.com", "")

	agent.CaptureFailure("E", "m", nil)

	records := sink.getRecords()
	require.Len(t, records, 1)
	assert.Equal(t, map[string]string{"email": "only@example.com"}, records[0].Context[ContextKeyUser])
}

func TestAgent_SetContextCopiesInput(t *testing.T) {
	agent, sink := newTestAgent(t)
	values := map[string]any{"a": 1}
	agent.SetContext(values)
	values["a"] = 99
	values["b"] = 2

	agent.CaptureFailure("E", "m", nil)

	records := sink.getRecords()
	require.Len(t, records, 1)
	assert.Equal(t, 1, records[0].Context["a"])
	assert.NotContains(t, records[0].Context, "b")
}

func TestAgent_SetContextReplacesWhole(t *testing.T) {
	agent, sink := newTestAgent(t)
	agent.SetContext(map[string]any{"a": 1})
	agent.SetContext(map[string]any{"b": 2})

	agent.CaptureFailure("E", "m", nil)

	records := sink.getRecords()
	require.Len(t, records, 1)
	assert.NotContains(t, records[0].Context, "a")
	assert.Equal(t, 2, records[0].Context["b"])
}

func TestAgent_ConcurrentSetContextNeverMixes(t *testing.T) {
	agent, sink := newTestAgent(t)
	left := map[string]any{"side": "left", "left": true}
	right := map[string]any{"side": "right", "right": true}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range 500 {
			if i%2 == 0 {
				agent.SetContext(left)
			} else {
				agent.SetContext(right)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for range 500 {
			agent.CaptureFailure("E", "m", nil)
		}
	}()
	wg.Wait()

	for _, record := range sink.getRecords() {
		switch record.Context["side"] {
		case "left":
			assert.NotContains(t, record.Context, "right")
		case "right":
			assert.NotContains(t, record.Context, "left")
		}
	}
}

func TestAgent_SinkErrorIsSwallowed(t *testing.T) {
	sink := &recordingSink{writeErr: errors.New("unavailable")}
	agent := New(testConfig(), WithSink(sink), WithLogger(discardLogger()))

	assert.NotPanics(t, func() {
		agent.CaptureError(errors.New("x"), nil)
	})
}

func TestAgent_SinkPanicIsSwallowed(t *testing.T) {
	agent := New(testConfig(), WithSink(&panickingSink{}), WithLogger(discardLogger()))

	assert.NotPanics(t, func() {
		agent.CaptureFailure("E", "m", nil)
	})
}

func TestAgent_DefaultSinkDiscards(t *testing.T) {
	agent := New(testConfig(), WithLogger(discardLogger()))

	assert.NotPanics(t, func() {
		agent.CaptureFailure("E", "m", nil)
	})
	assert.NoError(t, agent.Shutdown(context.Background()))
}

func TestAgent_DefaultScrubbing(t *testing.T) {
	agent, sink := newTestAgent(t, WithDefaultScrubbing())

	agent.CaptureFailure("AuthError", "login failed password=hunter2", map[string]any{"api_token": "abc"})

	records := sink.getRecords()
	require.Len(t, records, 1)
	assert.NotContains(t, records[0].Message, "hunter2")
	assert.Equal(t, Redacted, records[0].Context["api_token"])
}

func TestAgent_ConfigIsSnapshot(t *testing.T) {
	cfg := testConfig()
	agent := New(cfg, WithLogger(discardLogger()))
	cfg.Environment = "mutated"

	assert.Equal(t, "test", agent.Config().Environment)
}

func TestAgent_ShutdownIdempotent(t *testing.T) {
	agent, sink := newTestAgent(t)

	require.NoError(t, agent.Shutdown(context.Background()))
	require.NoError(t, agent.Shutdown(context.Background()))

	assert.Equal(t, 1, sink.flushes)
	assert.Equal(t, 1, sink.closes)
}
