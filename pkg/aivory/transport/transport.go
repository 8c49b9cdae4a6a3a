// transport.go maintains the persistent websocket connection to the
// collector: connect, register, run the heartbeat, receive and send duties,
// and reconnect with backoff when the connection is lost.

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/aivorynet/agent-go/pkg/aivory"
)

var (
	// ErrClosed is returned by Write and Flush after Close.
	ErrClosed = errors.New("transport: closed")

	// ErrInvalidURL is returned by New for a backend URL that is not ws:// or wss://.
	ErrInvalidURL = errors.New("transport: invalid backend URL")

	// ErrAuthFailed ends a connection whose credentials the collector rejected.
	ErrAuthFailed = errors.New("transport: authentication failed")

	errPeerClosed = errors.New("transport: collector closed the connection")
)

const (
	defaultTimeUnit         = time.Second
	defaultHeartbeatUnits   = 30
	defaultCloseTimeout     = 5 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	writeWait               = 10 * time.Second
	closeFrameWait          = time.Second
	dropLogInterval         = time.Minute
)

// Option configures a Transport.
type Option func(*options)

type options struct {
	logger            *slog.Logger
	timeUnit          time.Duration
	heartbeatInterval time.Duration
	maxAttempts       int
	queueLimit        int
	codec             Codec
	dialer            *websocket.Dialer
	meterProvider     metric.MeterProvider
	closeTimeout      time.Duration
	onReconnect       func(attempt int, delay time.Duration)
}

// WithLogger sets the logger for connection diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithTimeUnit sets the unit that reconnect delays and the default
// heartbeat interval are expressed in (default: one second).
func WithTimeUnit(unit time.Duration) Option {
	return func(o *options) {
		if unit > 0 {
			o.timeUnit = unit
		}
	}
}

// WithHeartbeatInterval overrides the heartbeat interval (default: 30 time units).
func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.heartbeatInterval = d
		}
	}
}

// WithMaxAttempts sets the number of consecutive failed connections after
// which the transport gives up (default: 10). Zero retries forever.
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxAttempts = n
		}
	}
}

// WithQueueLimit caps the outbound queue. When full, the oldest queued
// message is dropped to make room. Zero (the default) leaves it unbounded.
func WithQueueLimit(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.queueLimit = n
		}
	}
}

// WithCodec sets the wire encoding (default: JSONCodec).
func WithCodec(codec Codec) Option {
	return func(o *options) {
		if codec != nil {
			o.codec = codec
		}
	}
}

// WithDialer sets the websocket dialer, for proxies or custom TLS.
func WithDialer(dialer *websocket.Dialer) Option {
	return func(o *options) {
		o.dialer = dialer
	}
}

// WithMeterProvider sets the provider for transport counters
// (default: the global OpenTelemetry provider).
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(o *options) {
		o.meterProvider = provider
	}
}

// WithCloseTimeout bounds how long Close waits for the background loop.
func WithCloseTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.closeTimeout = d
		}
	}
}

// WithReconnectObserver registers fn to be called from the background loop
// each time a reconnect is scheduled, with the consecutive failure count
// and the delay before the next attempt.
func WithReconnectObserver(fn func(attempt int, delay time.Duration)) Option {
	return func(o *options) {
		o.onReconnect = fn
	}
}

// Stats is a snapshot of transport counters.
type Stats struct {
	State      State
	Queued     int
	Sent       uint64
	Dropped    uint64
	Reconnects uint64

	// Attempt is the number of consecutive failed attempts. It drops to 0
	// when the collector acknowledges registration.
	Attempt   int
	Exhausted bool
}

// Transport delivers diagnostic records to the collector. It implements
// aivory.Sink: Write never blocks on the network, and records written
// while disconnected are dropped.
type Transport struct {
	cfg     aivory.Config
	url     string
	opts    options
	logger  *slog.Logger
	metrics instruments
	queue   *queue
	dropLog rate.Sometimes

	mu     sync.Mutex
	state  State
	closed bool

	sent       atomic.Uint64
	dropped    atomic.Uint64
	reconnects atomic.Uint64
	attempt    atomic.Int64
	exhausted  atomic.Bool

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New validates cfg and starts the background connection loop.
func New(cfg aivory.Config, opts ...Option) (*Transport, error) {
	o := options{
		timeUnit:     defaultTimeUnit,
		maxAttempts:  DefaultMaxAttempts,
		codec:        JSONCodec{},
		closeTimeout: defaultCloseTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.heartbeatInterval == 0 {
		o.heartbeatInterval = defaultHeartbeatUnits * o.timeUnit
	}
	if o.logger == nil {
		o.logger = aivory.NewLogger(cfg.Debug)
	}
	if o.dialer == nil {
		o.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		}
	}

	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, aivory.ErrMissingAPIKey
	}
	endpoint, err := url.Parse(cfg.BackendURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if endpoint.Scheme != "ws" && endpoint.Scheme != "wss" {
		return nil, fmt.Errorf("%w: scheme %q", ErrInvalidURL, endpoint.Scheme)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		cfg:     cfg.Clone(),
		url:     endpoint.String(),
		opts:    o,
		logger:  o.logger.With("backend", endpoint.Host),
		metrics: newInstruments(o.meterProvider, o.logger),
		queue:   newQueue(o.queueLimit),
		dropLog: rate.Sometimes{First: 1, Interval: dropLogInterval},
		state:   Connecting,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go t.run(ctx)
	return t, nil
}

// Write enqueues record for delivery. It returns ErrClosed after Close,
// and nil when the record is dropped because the transport is disconnected.
func (t *Transport) Write(ctx context.Context, record aivory.DiagnosticRecord) error {
	if !t.accepting() {
		return t.reject(ctx)
	}

	data, err := t.opts.codec.Encode(newEnvelope(TypeException, record, time.Now()))
	if err != nil {
		return fmt.Errorf("encode record %s: %w", record.ID, err)
	}

	t.mu.Lock()
	if !t.state.acceptsRecords() || t.closed {
		t.mu.Unlock()
		return t.reject(ctx)
	}
	evicted := t.queue.push(outbound{data: data, record: true})
	t.mu.Unlock()

	if evicted {
		t.dropped.Add(1)
		t.metrics.recordDropped(ctx, dropQueueFull, 1)
		t.dropLog.Do(func() {
			t.logger.Warn("outbound queue full, dropping oldest message", "limit", t.opts.queueLimit)
		})
	}
	t.logger.Debug("record queued",
		"record_id", record.ID,
		"size", humanize.Bytes(uint64(len(data))),
	)
	return nil
}

func (t *Transport) accepting() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed && t.state.acceptsRecords()
}

// reject accounts for a record that was not enqueued.
func (t *Transport) reject(ctx context.Context) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	n := t.dropped.Add(1)
	t.metrics.recordDropped(ctx, dropDisconnected, 1)
	t.dropLog.Do(func() {
		t.logger.Debug("not connected, dropping records", "dropped_total", n)
	})
	return nil
}

// Flush waits until queued messages have been written or ctx is done.
func (t *Transport) Flush(ctx context.Context) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return t.queue.wait(ctx)
}

// Close stops the background loop, sends a close frame on a live
// connection and waits a bounded time for all duties to exit. Queued
// messages are discarded; call Flush first to deliver them. Close is
// idempotent.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.state = Closing
		t.mu.Unlock()

		t.cancel()
		select {
		case <-t.done:
		case <-time.After(t.opts.closeTimeout):
			t.closeErr = fmt.Errorf("transport: close timed out after %s", t.opts.closeTimeout)
		}
		if n := t.queue.reset(); n > 0 {
			t.dropped.Add(uint64(n))
			t.metrics.recordDropped(context.Background(), dropReset, n)
		}
	})
	return t.closeErr
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Stats returns a snapshot of transport counters.
func (t *Transport) Stats() Stats {
	return Stats{
		State:      t.State(),
		Queued:     t.queue.len(),
		Sent:       t.sent.Load(),
		Dropped:    t.dropped.Load(),
		Reconnects: t.reconnects.Load(),
		Attempt:    int(t.attempt.Load()),
		Exhausted:  t.exhausted.Load(),
	}
}

// transition moves to next if the state machine allows it. Entering
// Disconnected discards queued messages.
func (t *Transport) transition(next State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !allowedTransition(t.state, next) {
		return false
	}
	t.state = next
	if next == Disconnected {
		if n := t.queue.reset(); n > 0 {
			t.dropped.Add(uint64(n))
			t.metrics.recordDropped(context.Background(), dropReset, n)
		}
	}
	return true
}

// run is the background loop: one connection per iteration, with backoff
// between failures.
func (t *Transport) run(ctx context.Context) {
	defer close(t.done)
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("transport stopped after internal failure", "panic", r)
			t.transition(Disconnected)
		}
	}()

	policy := newReconnectPolicy(t.opts.timeUnit, t.opts.maxAttempts)
	for {
		registered, err := t.connect(ctx)
		if ctx.Err() != nil {
			return
		}
		t.transition(Disconnected)

		// A rejected credential is a failed attempt even though the
		// connection itself was established.
		if registered && !errors.Is(err, ErrAuthFailed) {
			policy.success()
		}

		delay, ok := policy.failure()
		t.attempt.Store(int64(policy.attempt))
		if !ok {
			t.exhausted.Store(true)
			t.logger.Error("max reconnect attempts reached, telemetry disabled",
				"attempts", policy.maxAttempts,
				"error", err,
			)
			return
		}

		t.reconnects.Add(1)
		t.metrics.recordReconnect(ctx)
		t.logger.Debug("reconnecting", "attempt", policy.attempt, "delay", delay, "error", err)
		if t.opts.onReconnect != nil {
			t.opts.onReconnect(policy.attempt, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connect dials, registers and serves one connection until it fails or
// ctx is canceled. registered reports whether the register message was
// sent and the session served.
func (t *Transport) connect(ctx context.Context) (registered bool, err error) {
	// The first attempt starts out Connecting, so records captured right
	// after New are queued instead of dropped.
	if t.State() != Connecting && !t.transition(Connecting) {
		return false, ErrClosed
	}
	t.logger.Debug("connecting")

	header := http.Header{}
	header.Set("User-Agent", "aivory-agent-go/"+aivory.Version)
	conn, _, err := t.opts.dialer.DialContext(ctx, t.url, header)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	if err := t.register(conn); err != nil {
		conn.Close()
		return false, err
	}
	if !t.transition(Registered) {
		conn.Close()
		return false, ErrClosed
	}
	t.logger.Info("connected to collector", "agent_id", t.cfg.AgentID, "codec", t.opts.codec.Name())

	return true, t.serve(ctx, conn)
}

func (t *Transport) register(conn *websocket.Conn) error {
	data, err := t.opts.codec.Encode(newEnvelope(TypeRegister, registerPayload(t.cfg), time.Now()))
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(t.opts.codec.FrameType(), data); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	return nil
}

// serve runs the heartbeat, send and receive duties on conn. The receive
// duty decides when the connection is dead; its exit stops the others.
func (t *Transport) serve(ctx context.Context, conn *websocket.Conn) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		t.heartbeat(sessionCtx)
	}()
	go func() {
		defer wg.Done()
		t.send(sessionCtx, conn)
	}()

	received := make(chan error, 1)
	go func() {
		received <- t.receive(conn)
	}()

	var err error
	select {
	case err = <-received:
	case <-ctx.Done():
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeFrameWait))
		conn.Close()
		err = <-received
	}

	cancel()
	conn.Close()
	wg.Wait()
	return err
}

// heartbeat enqueues a liveness message every heartbeat interval.
func (t *Transport) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(t.opts.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			data, err := t.opts.codec.Encode(newEnvelope(TypeHeartbeat, HeartbeatPayload{Timestamp: now.UnixMilli()}, now))
			if err != nil {
				t.logger.Debug("heartbeat encode failed", "error", err)
				continue
			}
			t.mu.Lock()
			if t.state == Registered {
				t.queue.push(outbound{data: data})
			}
			t.mu.Unlock()
		}
	}
}

// send is the only writer of conn. On a write error it closes conn, which
// ends the receive duty.
func (t *Transport) send(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.queue.ready():
		}

		for {
			if ctx.Err() != nil {
				return
			}
			msg, ok := t.queue.pop()
			if !ok {
				break
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(t.opts.codec.FrameType(), msg.data)
			if err == nil && msg.record {
				t.sent.Add(1)
				t.metrics.recordSent(ctx)
			}
			t.queue.done()
			if err != nil {
				t.logger.Debug("write failed", "error", err)
				conn.Close()
				return
			}
		}
	}
}

// receive consumes inbound messages until the connection fails, the
// collector closes it, or the collector rejects the agent's credentials.
func (t *Transport) receive(conn *websocket.Conn) error {
	for {
		frameType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errPeerClosed
			}
			return fmt.Errorf("read: %w", err)
		}

		msg, err := decodeFrame(frameType, data, t.opts.codec)
		if err != nil {
			t.logger.Debug("ignoring inbound message", "error", err)
			continue
		}

		switch msg.Type {
		case TypeRegistered:
			t.attempt.Store(0)
			t.logger.Debug("agent registered")
		case TypeError:
			if msg.IsAuthFailure() {
				t.logger.Error("collector rejected credentials, check AIVORY_API_KEY",
					"code", msg.Code,
					"message", msg.Message,
				)
				return fmt.Errorf("%w: %s", ErrAuthFailed, msg.Message)
			}
			t.logger.Warn("collector error", "code", msg.Code, "message", msg.Message)
		default:
			t.logger.Debug("unhandled inbound message", "type", msg.Type)
		}
	}
}
