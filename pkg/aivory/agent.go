// agent.go holds the agent state: configuration, custom and user context,
// sampling, and the handoff of finished records to the sink.

package aivory

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"
)

// Option configures an Agent.
type Option func(*agentOptions)

type agentOptions struct {
	sink           Sink
	logger         *slog.Logger
	sampler        *Sampler
	scrubberConfig *ScrubberConfig
	configScrubber bool
}

// WithSink sets the destination for captured records.
func WithSink(sink Sink) Option {
	return func(o *agentOptions) {
		o.sink = sink
	}
}

// WithLogger sets the logger for agent diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(o *agentOptions) {
		o.logger = logger
	}
}

// WithSampler replaces the sampler derived from Config.SamplingRate.
func WithSampler(sampler *Sampler) Option {
	return func(o *agentOptions) {
		o.sampler = sampler
	}
}

// WithScrubbing enables scrubbing with a custom configuration.
func WithScrubbing(cfg ScrubberConfig) Option {
	return func(o *agentOptions) {
		o.scrubberConfig = &cfg
		o.configScrubber = false
	}
}

// WithDefaultScrubbing enables scrubbing with production-safe defaults and
// the capture limits of the agent configuration.
func WithDefaultScrubbing() Option {
	return func(o *agentOptions) {
		o.scrubberConfig = nil
		o.configScrubber = true
	}
}

// Agent captures failures, enriches them with stored context and hands
// them to a Sink. All methods are safe for concurrent use and never return
// errors to the caller or panic.
type Agent struct {
	cfg      Config
	sink     Sink
	sampler  *Sampler
	scrubber *Scrubber
	logger   *slog.Logger

	mu     sync.RWMutex
	custom map[string]any
	user   map[string]string

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates an agent for cfg. The configuration is copied; later changes
// to the caller's value have no effect.
func New(cfg Config, opts ...Option) *Agent {
	o := &agentOptions{}
	for _, opt := range opts {
		opt(o)
	}

	cfg, _ = cfg.ClampSamplingRate()
	a := &Agent{
		cfg:     cfg.Clone(),
		sink:    o.sink,
		sampler: o.sampler,
		logger:  o.logger,
		custom:  map[string]any{},
		user:    map[string]string{},
	}
	if a.sink == nil {
		a.sink = noopSink{}
	}
	if a.sampler == nil {
		a.sampler = NewSampler(a.cfg.SamplingRate)
	}
	if a.logger == nil {
		a.logger = NewLogger(a.cfg.Debug)
	}
	switch {
	case o.scrubberConfig != nil:
		a.scrubber = NewScrubber(*o.scrubberConfig)
	case o.configScrubber:
		a.scrubber = NewScrubber(ScrubberConfigFrom(a.cfg))
	}

	a.logger.Info("agent initialized",
		"version", Version,
		"environment", a.cfg.Environment,
		"agent_id", a.cfg.AgentID,
	)
	return a
}

// Config returns a copy of the agent configuration.
func (a *Agent) Config() Config {
	return a.cfg.Clone()
}

// Sink returns the sink records are written to.
func (a *Agent) Sink() Sink {
	return a.sink
}

// Logger returns the agent logger.
func (a *Agent) Logger() *slog.Logger {
	return a.logger
}

// CaptureError records err with optional extra context. A nil error is
// ignored. The failure kind is the concrete type name of err.
func (a *Agent) CaptureError(err error, extra map[string]any) {
	a.CaptureErrorContext(context.Background(), err, extra)
}

// CaptureErrorContext is CaptureError with tags carried on ctx merged
// below the extra context.
func (a *Agent) CaptureErrorContext(ctx context.Context, err error, extra map[string]any) {
	if err == nil {
		return
	}
	defer a.guard("capture error")
	a.capture(ctx, ErrorKind(err), err.Error(), extra)
}

// CaptureFailure records a failure described by kind and message.
func (a *Agent) CaptureFailure(kind, message string, extra map[string]any) {
	a.CaptureFailureContext(context.Background(), kind, message, extra)
}

// CaptureFailureContext is CaptureFailure with tags carried on ctx.
func (a *Agent) CaptureFailureContext(ctx context.Context, kind, message string, extra map[string]any) {
	defer a.guard("capture failure")
	a.capture(ctx, kind, message, extra)
}

func (a *Agent) capture(ctx context.Context, kind, message string, extra map[string]any) {
	if !a.sampler.Sample() {
		return
	}
	record := BuildFromError(message, kind, a.cfg)
	a.deliver(ctx, record, extra)
}

// deliver merges context into record, scrubs it and writes it to sink.
func (a *Agent) deliver(ctx context.Context, record DiagnosticRecord, extra map[string]any) {
	a.deliverTo(ctx, a.sink, record, extra)
}

func (a *Agent) deliverTo(ctx context.Context, sink Sink, record DiagnosticRecord, extra map[string]any) {
	if ctx == nil {
		ctx = context.Background()
	}
	a.mergeContext(ctx, record.Context, extra)
	if a.scrubber != nil {
		record = a.scrubber.ScrubRecord(record)
	}
	if err := sink.Write(ctx, record); err != nil {
		a.logger.Debug("record not delivered",
			"record_id", record.ID,
			"failure_kind", record.FailureKind,
			"error", err,
		)
		return
	}
	a.logger.Debug("record captured",
		"record_id", record.ID,
		"failure_kind", record.FailureKind,
		"fingerprint", record.Fingerprint,
	)
}

// mergeContext fills dst in precedence order: stored custom context, then
// the stored user under "user", then tags on ctx, then extra.
func (a *Agent) mergeContext(ctx context.Context, dst, extra map[string]any) {
	a.mu.RLock()
	maps.Copy(dst, a.custom)
	if len(a.user) > 0 {
		dst[ContextKeyUser] = maps.Clone(a.user)
	}
	a.mu.RUnlock()

	maps.Copy(dst, TagsFromContext(ctx))
	maps.Copy(dst, extra)
}

// SetContext replaces the stored custom context with a copy of values.
func (a *Agent) SetContext(values map[string]any) {
	next := maps.Clone(values)
	if next == nil {
		next = map[string]any{}
	}
	a.mu.Lock()
	a.custom = next
	a.mu.Unlock()
}

// SetUser replaces the stored user. Empty arguments are left out of the
// user mapping rather than stored as empty strings.
func (a *Agent) SetUser(id, email, username string) {
	next := make(map[string]string, 3)
	if id != "" {
		next["id"] = id
	}
	if email != "" {
		next["email"] = email
	}
	if username != "" {
		next["username"] = username
	}
	a.mu.Lock()
	a.user = next
	a.mu.Unlock()
}

// Shutdown flushes and closes the sink. It is safe to call more than once;
// later calls return the first result.
func (a *Agent) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		flushErr := a.sink.Flush(ctx)
		closeErr := a.sink.Close()
		a.shutdownErr = errors.Join(flushErr, closeErr)
		a.logger.Info("agent stopped", "agent_id", a.cfg.AgentID)
	})
	return a.shutdownErr
}

// guard swallows a panic raised by the capture path itself. It must be
// deferred directly.
func (a *Agent) guard(op string) {
	if r := recover(); r != nil {
		a.logger.Debug("internal failure swallowed", "op", op, "panic", formatRecovered(r))
	}
}
