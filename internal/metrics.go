package internal

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// RegisterGauges wires observable gauges over live detector and engine state.
// Call once at startup.
func RegisterGauges(meter metric.Meter, d *AnomalyDetector, e *AnalysisEngine) error {
	bufferGauge, err := meter.Int64ObservableGauge("swarm_model_buffer_samples",
		metric.WithDescription("Training samples currently buffered"))
	if err != nil {
		return err
	}
	queueGauge, err := meter.Int64ObservableGauge("swarm_detect_queue_depth",
		metric.WithDescription("Records awaiting the next batch drain"))
	if err != nil {
		return err
	}
	ageGauge, err := meter.Float64ObservableGauge("swarm_model_age_seconds",
		metric.WithDescription("Age of the active model"))
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(bufferGauge, int64(d.BufferedSamples()))
		o.ObserveInt64(queueGauge, int64(e.QueueDepth()))
		o.ObserveFloat64(ageGauge, d.ModelAge().Seconds())
		return nil
	}, bufferGauge, queueGauge, ageGauge)
	return err
}
