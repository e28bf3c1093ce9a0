package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all statehub metric instruments.
type Metrics struct {
	SaveDuration     metric.Float64Histogram
	SaveRetries      metric.Int64Counter
	SaveFailures     metric.Int64Counter
	LoadDuration     metric.Float64Histogram
	BackupRecoveries metric.Int64Counter
	QuotaRejects     metric.Int64Counter
	UpdatesApplied   metric.Int64Counter
	UpdatesRejected  metric.Int64Counter
	Notifications    metric.Int64Counter
	ActiveSubs       metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.SaveDuration, err = meter.Float64Histogram("statehub.save.duration",
		metric.WithDescription("Durable save duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SaveRetries, err = meter.Int64Counter("statehub.save.retries",
		metric.WithDescription("Save attempts beyond the first"),
	)
	if err != nil {
		return nil, err
	}

	m.SaveFailures, err = meter.Int64Counter("statehub.save.failures",
		metric.WithDescription("Saves that exhausted all retries"),
	)
	if err != nil {
		return nil, err
	}

	m.LoadDuration, err = meter.Float64Histogram("statehub.load.duration",
		metric.WithDescription("Durable load duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.BackupRecoveries, err = meter.Int64Counter("statehub.backup.recoveries",
		metric.WithDescription("Loads served from the backup snapshot"),
	)
	if err != nil {
		return nil, err
	}

	m.QuotaRejects, err = meter.Int64Counter("statehub.quota.rejects",
		metric.WithDescription("Writes rejected by the quota check"),
	)
	if err != nil {
		return nil, err
	}

	m.UpdatesApplied, err = meter.Int64Counter("statehub.state.updates",
		metric.WithDescription("State updates committed"),
	)
	if err != nil {
		return nil, err
	}

	m.UpdatesRejected, err = meter.Int64Counter("statehub.state.rejected",
		metric.WithDescription("State updates rejected by validation"),
	)
	if err != nil {
		return nil, err
	}

	m.Notifications, err = meter.Int64Counter("statehub.subscriber.notifications",
		metric.WithDescription("Subscriber callbacks invoked"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSubs, err = meter.Int64UpDownCounter("statehub.subscriber.active",
		metric.WithDescription("Currently registered subscriptions"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
