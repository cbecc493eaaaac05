package soundclass

import (
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type instruments struct {
	examples      metric.Int64Counter
	epochs        metric.Int64Counter
	predictions   metric.Int64Counter
	trainDuration metric.Float64Histogram
}

func newInstruments(meter metric.Meter, log *slog.Logger) *instruments {
	inst, err := buildInstruments(meter)
	if err != nil {
		log.Warn("failed to register metrics", slogError(err))
		inst, _ = buildInstruments(noop.NewMeterProvider().Meter(instrumentationName))
	}
	return inst
}

func buildInstruments(meter metric.Meter) (*instruments, error) {
	var inst instruments
	var err error
	if inst.examples, err = meter.Int64Counter("loqa.sound.examples", metric.WithDescription("Examples collected")); err != nil {
		return nil, err
	}
	if inst.epochs, err = meter.Int64Counter("loqa.sound.epochs", metric.WithDescription("Training epochs completed")); err != nil {
		return nil, err
	}
	if inst.predictions, err = meter.Int64Counter("loqa.sound.predictions", metric.WithDescription("Classification results delivered")); err != nil {
		return nil, err
	}
	if inst.trainDuration, err = meter.Float64Histogram("loqa.sound.training.duration",
		metric.WithDescription("Training run duration"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return &inst, nil
}
