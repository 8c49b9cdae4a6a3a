// Package async provides a sink wrapper with a bounded queue, keeping slow
// sinks off the capture path. The oldest records are dropped when full.
package async

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/aivorynet/agent-go/pkg/aivory"
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("async: sink is closed")

// DefaultQueueSize is the queue capacity used when WithQueueSize is not given.
const DefaultQueueSize = 1000

// Option configures the async sink.
type Option func(*config)

type config struct {
	queueSize int
	onDropped func(count int)
	logger    *slog.Logger
}

// WithQueueSize sets the maximum number of queued records.
func WithQueueSize(size int) Option {
	return func(c *config) {
		if size > 0 {
			c.queueSize = size
		}
	}
}

// WithOnDropped sets a callback invoked when records are dropped because
// the queue is full.
func WithOnDropped(fn func(count int)) Option {
	return func(c *config) {
		c.onDropped = fn
	}
}

// WithLogger sets the logger for inner sink failures. They are logged at
// debug level and otherwise ignored.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

type sink struct {
	inner     aivory.Sink
	queue     chan aivory.DiagnosticRecord
	onDropped func(count int)
	logger    *slog.Logger

	// pending counts accepted records not yet delivered or dropped.
	pendingMu sync.Mutex
	pending   int
	idle      chan struct{}

	closeMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New wraps inner with a bounded queue. Write returns immediately and
// records are delivered by a background goroutine in order.
func New(inner aivory.Sink, opts ...Option) aivory.Sink {
	cfg := &config{
		queueSize: DefaultQueueSize,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	s := &sink{
		inner:     inner,
		queue:     make(chan aivory.DiagnosticRecord, cfg.queueSize),
		onDropped: cfg.onDropped,
		logger:    cfg.logger,
	}

	s.wg.Add(1)
	go s.processLoop()

	return s
}

func (s *sink) processLoop() {
	defer s.wg.Done()
	for record := range s.queue {
		if err := s.inner.Write(context.Background(), record); err != nil {
			s.logger.Debug("async sink: inner write failed", "record_id", record.ID, "error", err)
		}
		s.release()
	}
}

// Write enqueues a record. When the queue is full the oldest queued
// record is dropped to make room.
func (s *sink) Write(_ context.Context, record aivory.DiagnosticRecord) error {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	s.pendingMu.Lock()
	s.pending++
	s.pendingMu.Unlock()

	select {
	case s.queue <- record:
	default:
		s.dropOldestAndEnqueue(record)
	}
	return nil
}

func (s *sink) dropOldestAndEnqueue(record aivory.DiagnosticRecord) {
	select {
	case <-s.queue:
		s.dropped()
	default:
		// Drained by the processor in the meantime.
	}

	select {
	case s.queue <- record:
	default:
		s.dropped()
	}
}

func (s *sink) dropped() {
	s.release()
	if s.onDropped != nil {
		s.onDropped(1)
	}
}

// release marks one accepted record as settled and wakes Flush callers
// once nothing is pending.
func (s *sink) release() {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	s.pending--
	if s.pending == 0 && s.idle != nil {
		close(s.idle)
		s.idle = nil
	}
}

// Flush blocks until every accepted record has reached the inner sink,
// then flushes it.
func (s *sink) Flush(ctx context.Context) error {
	s.pendingMu.Lock()
	if s.pending > 0 {
		if s.idle == nil {
			s.idle = make(chan struct{})
		}
		idle := s.idle
		s.pendingMu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	} else {
		s.pendingMu.Unlock()
	}
	return s.inner.Flush(ctx)
}

// Close delivers the queued records, stops the processor and closes the
// inner sink.
func (s *sink) Close() error {
	s.closeOnce.Do(func() {
		s.closeMu.Lock()
		s.closed = true
		close(s.queue)
		s.closeMu.Unlock()
		s.wg.Wait()
	})
	return s.inner.Close()
}
