package notify

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope used by NewMetricsNotifier when no
// meter is given.
const MeterName = "github.com/randalmurphal/logsift"

// MetricsNotifier records run outcomes on an OpenTelemetry meter.
type MetricsNotifier struct {
	runs        metric.Int64Counter
	bytesIn     metric.Int64Counter
	retained    metric.Int64Counter
	signals     metric.Int64Counter
	truncations metric.Int64Counter
	fallbacks   metric.Int64Counter
	duration    metric.Float64Histogram
}

// NewMetricsNotifier creates the instruments on meter. A nil meter uses the
// global MeterProvider.
func NewMetricsNotifier(meter metric.Meter) (*MetricsNotifier, error) {
	if meter == nil {
		meter = otel.Meter(MeterName)
	}

	var m MetricsNotifier
	var errs []error
	counter := func(name, unit, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithUnit(unit), metric.WithDescription(desc))
		errs = append(errs, err)
		return c
	}
	m.runs = counter("logsift.runs", "{run}", "Extraction runs by outcome")
	m.bytesIn = counter("logsift.bytes_in", "By", "Decompressed bytes scanned")
	m.retained = counter("logsift.bytes_retained", "By", "Excerpt bytes returned")
	m.signals = counter("logsift.signals", "{signal}", "Failure signals found")
	m.truncations = counter("logsift.truncations", "{run}", "Runs with a truncated result")
	m.fallbacks = counter("logsift.channel_fallbacks", "{fallback}", "Compressed channel failures that fell back to raw")

	var err error
	m.duration, err = meter.Float64Histogram("logsift.run.duration",
		metric.WithUnit("s"), metric.WithDescription("Wall time of completed runs"))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &m, nil
}

// Notify implements Notifier.
func (m *MetricsNotifier) Notify(ctx context.Context, event Event) error {
	switch event.Type {
	case EventRunCompleted:
		m.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "completed")))
		s := event.Stats
		if s == nil {
			return nil
		}
		channel := metric.WithAttributes(attribute.String("channel", s.Channel))
		m.bytesIn.Add(ctx, s.BytesIn, channel)
		m.retained.Add(ctx, s.BytesRetained, channel)
		m.signals.Add(ctx, int64(s.Signals), channel)
		m.duration.Record(ctx, s.Duration.Seconds(), channel)
		if s.Truncated {
			m.truncations.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", s.TruncationReason)))
		}
	case EventRunFailed:
		m.runs.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", "failed"),
			attribute.String("stage", event.Stage),
		))
	case EventFallback:
		m.fallbacks.Add(ctx, 1)
	}
	return nil
}
