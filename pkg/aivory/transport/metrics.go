// metrics.go records transport counters through the OpenTelemetry metric
// API. Without a configured MeterProvider the global no-op provider makes
// every call free.

package transport

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/aivorynet/agent-go/pkg/aivory"
)

const meterName = "github.com/aivorynet/agent-go/pkg/aivory/transport"

// Drop reasons attached to the dropped counter.
const (
	dropDisconnected = "disconnected"
	dropQueueFull    = "queue_full"
	dropReset        = "connection_lost"
)

type instruments struct {
	sent       metric.Int64Counter
	dropped    metric.Int64Counter
	reconnects metric.Int64Counter
}

func newInstruments(provider metric.MeterProvider, logger *slog.Logger) instruments {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName, metric.WithInstrumentationVersion(aivory.Version))

	return instruments{
		sent: counter(meter, logger, "aivory.transport.records.sent",
			"Records written to the collector connection"),
		dropped: counter(meter, logger, "aivory.transport.records.dropped",
			"Records discarded before delivery"),
		reconnects: counter(meter, logger, "aivory.transport.reconnects",
			"Scheduled reconnect attempts"),
	}
}

func counter(meter metric.Meter, logger *slog.Logger, name, description string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(description), metric.WithUnit("{event}"))
	if err != nil {
		logger.Debug("metric instrument unavailable", "name", name, "error", err)
		return noop.Int64Counter{}
	}
	return c
}

func (i instruments) recordSent(ctx context.Context) {
	i.sent.Add(ctx, 1)
}

func (i instruments) recordDropped(ctx context.Context, reason string, n int) {
	if n <= 0 {
		return
	}
	i.dropped.Add(ctx, int64(n), metric.WithAttributes(attribute.String("reason", reason)))
}

func (i instruments) recordReconnect(ctx context.Context) {
	i.reconnects.Add(ctx, 1)
}
