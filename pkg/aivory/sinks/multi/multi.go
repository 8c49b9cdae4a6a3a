// Package multi provides a sink that fans out to several sinks.
// Every sink receives every record; errors are aggregated.
package multi

import (
	"context"
	"errors"

	"github.com/aivorynet/agent-go/pkg/aivory"
)

type sink struct {
	sinks []aivory.Sink
}

// New creates a sink that writes to all of sinks in order. Nil entries
// are skipped. Errors are aggregated with errors.Join.
func New(sinks ...aivory.Sink) aivory.Sink {
	s := &sink{sinks: make([]aivory.Sink, 0, len(sinks))}
	for _, inner := range sinks {
		if inner != nil {
			s.sinks = append(s.sinks, inner)
		}
	}
	return s
}

// Write sends the record to all sinks, even when some of them fail.
func (s *sink) Write(ctx context.Context, record aivory.DiagnosticRecord) error {
	var errs []error
	for _, inner := range s.sinks {
		if err := inner.Write(ctx, record); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *sink) Flush(ctx context.Context) error {
	var errs []error
	for _, inner := range s.sinks {
		if err := inner.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *sink) Close() error {
	var errs []error
	for _, inner := range s.sinks {
		if err := inner.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
