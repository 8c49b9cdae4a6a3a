// log.go builds the agent's default structured logger.

package aivory

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger creates the default agent logger: a text handler writing to
// stderr at Info level, or Debug level when debug is set. It does not
// replace the slog default; the host owns that.
func NewLogger(debug bool) *slog.Logger {
	return newLogger(os.Stderr, debug)
}

func newLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})).
		With("component", "aivory")
}
