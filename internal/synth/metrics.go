package synth

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// orchMetrics counts job outcomes, rendered segments, and retries. All
// instruments are optional: a failed meter setup leaves them nil and the
// orchestrator runs unmetered.
type orchMetrics struct {
	jobs     metric.Int64Counter
	segments metric.Int64Counter
	retries  metric.Int64Counter
}

func newOrchMetrics(log *slog.Logger) *orchMetrics {
	meter := otel.Meter("github.com/vnttslabs/vntts-core/synth")
	m := &orchMetrics{}
	var err error
	if m.jobs, err = meter.Int64Counter("vntts.jobs",
		metric.WithDescription("Jobs finished, by terminal status")); err != nil {
		log.Warn("failed to create jobs counter", slogError(err))
	}
	if m.segments, err = meter.Int64Counter("vntts.segments.synthesized",
		metric.WithDescription("Segments rendered successfully")); err != nil {
		log.Warn("failed to create segments counter", slogError(err))
	}
	if m.retries, err = meter.Int64Counter("vntts.segment.retries",
		metric.WithDescription("Segment synthesis attempts beyond the first")); err != nil {
		log.Warn("failed to create retries counter", slogError(err))
	}
	return m
}

func (m *orchMetrics) jobFinished(status Status) {
	if m.jobs == nil {
		return
	}
	m.jobs.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("status", string(status))))
}

func (m *orchMetrics) segmentDone(attempts int) {
	if m.segments != nil {
		m.segments.Add(context.Background(), 1)
	}
	if m.retries != nil && attempts > 1 {
		m.retries.Add(context.Background(), int64(attempts-1))
	}
}
