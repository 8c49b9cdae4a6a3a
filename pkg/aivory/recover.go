// recover.go intercepts panics: standalone recovery helpers and a
// PanicHandler bound to an agent's configuration at install time.

package aivory

import (
	"context"
	"time"
)

// DefaultRepanicFlushTimeout bounds how long Repanic waits for the sink to
// deliver the panic record before the panic resumes.
const DefaultRepanicFlushTimeout = 2 * time.Second

// PanicHandler reports recovered panics. It snapshots the agent's
// configuration and sink when it is created, so it keeps working even if
// the agent is later replaced.
//
// Recover, Repanic and Go's guard must be deferred directly:
//
//	defer handler.Recover()
//
// Wrapping them in another deferred closure stops recover from seeing the
// panic.
type PanicHandler struct {
	agent        *Agent
	cfg          Config
	sink         Sink
	flushTimeout time.Duration
}

// NewPanicHandler creates a handler for agent.
func NewPanicHandler(agent *Agent) *PanicHandler {
	return &PanicHandler{
		agent:        agent,
		cfg:          agent.Config(),
		sink:         agent.Sink(),
		flushTimeout: DefaultRepanicFlushTimeout,
	}
}

// Recover captures a panic in progress and stops it. It returns the
// recovered value, or nil when there was no panic.
func (h *PanicHandler) Recover() any {
	r := recover()
	if r == nil {
		return nil
	}
	h.Report(context.Background(), r)
	return r
}

// Repanic captures a panic in progress, waits a bounded time for the sink
// to deliver it, then resumes panicking with the same value so the process
// still terminates with the runtime's panic message.
func (h *PanicHandler) Repanic() {
	r := recover()
	if r == nil {
		return
	}
	h.Report(context.Background(), r)
	h.Flush()
	panic(r)
}

// Go runs fn in a new goroutine guarded by Repanic.
func (h *PanicHandler) Go(fn func()) {
	go func() {
		defer h.Repanic()
		fn()
	}()
}

// Report builds and delivers the record for a value already recovered by
// the caller. A failure while reporting is logged and swallowed, so the
// handler never raises a second panic.
func (h *PanicHandler) Report(ctx context.Context, recovered any) {
	defer h.agent.guard("panic handler")

	record := BuildFromPanic(formatRecovered(recovered), "", h.cfg)
	if location := record.Location(); location != "" {
		record.Context[ContextKeyLocation] = location
	}
	h.agent.deliverTo(ctx, h.sink, record, nil)
}

// Flush waits up to DefaultRepanicFlushTimeout for the sink to deliver
// pending records.
func (h *PanicHandler) Flush() {
	defer h.agent.guard("panic flush")

	ctx, cancel := context.WithTimeout(context.Background(), h.flushTimeout)
	defer cancel()
	if err := h.sink.Flush(ctx); err != nil {
		h.agent.logger.Debug("panic record flush incomplete", "error", err)
	}
}

// Recover captures a panic, records it through agent, and returns the
// recovered value. Unlike PanicHandler.Repanic, Recover does NOT re-panic.
// Tags on ctx are merged into the record context.
//
// Use in defer:
//
//	func handler(ctx context.Context) {
//	    defer aivory.Recover(ctx, agent)
//	    // code that might panic
//	}
func Recover(ctx context.Context, agent *Agent) any {
	r := recover()
	if r == nil || agent == nil {
		return r
	}
	NewPanicHandler(agent).Report(ctx, r)
	return r
}
