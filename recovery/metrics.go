package recovery

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/imdea-software/bftsmr/recovery")

var metrics = struct {
	attempts  metric.Int64Counter
	installed metric.Int64Counter
}{
	attempts: must(meter.Int64Counter("bftsmr.statetransfer.attempts",
		metric.WithDescription("State requests sent"))),
	installed: must(meter.Int64Counter("bftsmr.statetransfer.installed",
		metric.WithDescription("States installed from other replicas"))),
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
