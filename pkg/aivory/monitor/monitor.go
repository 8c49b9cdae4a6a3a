// Package monitor is the process-wide entry point to the agent. Init
// installs one agent connected to the collector; the package-level
// functions reach it without a handle and are no-ops until Init succeeds.
//
//	func main() {
//	    if err := monitor.Init(aivory.DefaultConfig()); err != nil {
//	        log.Printf("monitoring disabled: %v", err)
//	    }
//	    defer monitor.Shutdown(context.Background())
//	    defer monitor.Repanic()
//	    ...
//	}
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/aivorynet/agent-go/pkg/aivory"
	"github.com/aivorynet/agent-go/pkg/aivory/sinks/multi"
	"github.com/aivorynet/agent-go/pkg/aivory/transport"
)

var (
	registry = aivory.Default()

	// handler is the panic handler installed by Init. It carries the
	// configuration snapshot taken at install time.
	handler atomic.Pointer[aivory.PanicHandler]

	missingKeyOnce sync.Once
)

// Option configures Init.
type Option func(*options)

type options struct {
	logger        *slog.Logger
	sink          aivory.Sink
	mirrors       []aivory.Sink
	transportOpts []transport.Option
	scrubbing     *aivory.ScrubberConfig

	defaultScrubbing bool
}

// WithLogger sets the logger shared by the agent and its transport.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithTransportOptions passes options to the websocket transport.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(o *options) {
		o.transportOpts = append(o.transportOpts, opts...)
	}
}

// WithSink replaces the websocket transport with sink.
func WithSink(sink aivory.Sink) Option {
	return func(o *options) {
		o.sink = sink
	}
}

// WithMirror sends every record to the given sinks in addition to the
// collector.
func WithMirror(sinks ...aivory.Sink) Option {
	return func(o *options) {
		o.mirrors = append(o.mirrors, sinks...)
	}
}

// WithScrubbing enables scrubbing with a custom configuration.
func WithScrubbing(cfg aivory.ScrubberConfig) Option {
	return func(o *options) {
		o.scrubbing = &cfg
		o.defaultScrubbing = false
	}
}

// WithDefaultScrubbing enables scrubbing with the default patterns and the
// capture limits of the agent configuration. Records are delivered
// unscrubbed unless one of the scrubbing options is given.
func WithDefaultScrubbing() Option {
	return func(o *options) {
		o.scrubbing = nil
		o.defaultScrubbing = true
	}
}

// Init validates cfg and installs the process-wide agent. It returns
// aivory.ErrAlreadyInitialized when an agent is already installed and
// leaves that agent untouched. A missing API key is reported once on the
// operator log and the agent stays disabled.
func Init(cfg aivory.Config, opts ...Option) error {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = aivory.NewLogger(cfg.Debug)
	}

	if err := cfg.Validate(); err != nil {
		if errors.Is(err, aivory.ErrMissingAPIKey) {
			missingKeyOnce.Do(func() {
				o.logger.Warn("API key is required, monitoring disabled", "env", aivory.EnvAPIKey)
			})
		}
		return err
	}
	if clamped, changed := cfg.ClampSamplingRate(); changed {
		o.logger.Warn("sampling rate out of range, clamped",
			"configured", cfg.SamplingRate, "using", clamped.SamplingRate)
		cfg = clamped
	}

	agent, err := registry.Init(func() (*aivory.Agent, error) {
		return build(cfg, o)
	})
	if errors.Is(err, aivory.ErrAlreadyInitialized) {
		o.logger.Warn("agent already initialized", "agent_id", agent.Config().AgentID)
		return err
	}
	if err != nil {
		return err
	}

	handler.Store(aivory.NewPanicHandler(agent))
	return nil
}

func build(cfg aivory.Config, o *options) (*aivory.Agent, error) {
	sink := o.sink
	if sink == nil {
		topts := append([]transport.Option{transport.WithLogger(o.logger)}, o.transportOpts...)
		t, err := transport.New(cfg, topts...)
		if err != nil {
			return nil, fmt.Errorf("start transport: %w", err)
		}
		sink = t
	}
	if len(o.mirrors) > 0 {
		sink = multi.New(append([]aivory.Sink{sink}, o.mirrors...)...)
	}

	agentOpts := []aivory.Option{
		aivory.WithSink(sink),
		aivory.WithLogger(o.logger),
	}
	switch {
	case o.scrubbing != nil:
		agentOpts = append(agentOpts, aivory.WithScrubbing(*o.scrubbing))
	case o.defaultScrubbing:
		agentOpts = append(agentOpts, aivory.WithDefaultScrubbing())
	}
	return aivory.New(cfg, agentOpts...), nil
}

// Agent returns the installed agent, or nil before Init.
func Agent() *aivory.Agent {
	return registry.Agent()
}

// CaptureError reports err. Nil errors are ignored.
func CaptureError(err error) {
	if agent := registry.Agent(); agent != nil {
		agent.CaptureError(err, nil)
	}
}

// CaptureErrorWithContext reports err with extra context entries, which
// take precedence over stored context and user fields.
func CaptureErrorWithContext(err error, extra map[string]any) {
	if agent := registry.Agent(); agent != nil {
		agent.CaptureError(err, extra)
	}
}

// CaptureFailure reports a failure that is not a Go error value.
func CaptureFailure(kind, message string, extra map[string]any) {
	if agent := registry.Agent(); agent != nil {
		agent.CaptureFailure(kind, message, extra)
	}
}

// SetContext replaces the custom context attached to every record.
func SetContext(values map[string]any) {
	if agent := registry.Agent(); agent != nil {
		agent.SetContext(values)
	}
}

// SetUser replaces the current user. Empty fields are omitted.
func SetUser(id, email, username string) {
	if agent := registry.Agent(); agent != nil {
		agent.SetUser(id, email, username)
	}
}

// Recover reports a panic in progress and stops it, returning the
// recovered value. It must be deferred directly:
//
//	defer monitor.Recover()
func Recover() any {
	r := recover()
	if r == nil {
		return nil
	}
	if h := handler.Load(); h != nil {
		h.Report(context.Background(), r)
	}
	return r
}

// Repanic reports a panic in progress, waits briefly for delivery and
// resumes panicking. It must be deferred directly:
//
//	defer monitor.Repanic()
func Repanic() {
	r := recover()
	if r == nil {
		return
	}
	if h := handler.Load(); h != nil {
		h.Report(context.Background(), r)
		h.Flush()
	}
	panic(r)
}

// Go runs fn in a new goroutine guarded by Repanic.
func Go(fn func()) {
	go func() {
		defer Repanic()
		fn()
	}()
}

// Shutdown drains and stops the installed agent and uninstalls it, so
// Init may be called again. It is a no-op before Init.
func Shutdown(ctx context.Context) error {
	handler.Store(nil)
	return registry.Shutdown(ctx)
}
