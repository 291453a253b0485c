package telemetry

import "go.opentelemetry.io/otel/metric"

// Metrics holds the instruments emitted along the claim -> execute ->
// deliver task lifecycle (internal/worker, internal/delivery).
type Metrics struct {
	TaskDuration     metric.Float64Histogram
	QueueDepth       metric.Int64UpDownCounter
	ActiveWorkers    metric.Int64UpDownCounter
	TaskRetries      metric.Int64Counter
	TaskFailures     metric.Int64Counter
	DeliveryDuration metric.Float64Histogram
	DeliveryErrors   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("istota.task.duration",
		metric.WithDescription("Task processing duration from claim to completion, in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("istota.queue.depth",
		metric.WithDescription("Pending tasks per queue"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveWorkers, err = meter.Int64UpDownCounter("istota.worker.active",
		metric.WithDescription("Currently running foreground and background workers"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskRetries, err = meter.Int64Counter("istota.task.retries",
		metric.WithDescription("Task retries scheduled after a transient or classified failure"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskFailures, err = meter.Int64Counter("istota.task.failures",
		metric.WithDescription("Tasks that exhausted their retry budget"),
	)
	if err != nil {
		return nil, err
	}

	m.DeliveryDuration, err = meter.Float64Histogram("istota.delivery.duration",
		metric.WithDescription("Outbound delivery duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DeliveryErrors, err = meter.Int64Counter("istota.delivery.errors",
		metric.WithDescription("Delivery attempts that returned an error"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
