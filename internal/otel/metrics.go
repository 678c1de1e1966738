package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the oracle's metric instruments.
type Metrics struct {
	RequestDuration     metric.Float64Histogram
	LLMCallDuration     metric.Float64Histogram
	LLMCallRetries      metric.Int64Counter
	Classifications     metric.Int64Counter
	StageChanges        metric.Int64Counter
	ContextSliceErrors  metric.Int64Counter
	PersistenceFailures metric.Int64Counter
	RateLimitRejects    metric.Int64Counter
	ReplyMalformed      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("oracle.request.duration",
		metric.WithDescription("Oracle request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("oracle.llm.duration",
		metric.WithDescription("Completion API call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallRetries, err = meter.Int64Counter("oracle.llm.retries",
		metric.WithDescription("Completion API retry attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.Classifications, err = meter.Int64Counter("oracle.classifications",
		metric.WithDescription("Classified notes by detected stage"),
	)
	if err != nil {
		return nil, err
	}

	m.StageChanges, err = meter.Int64Counter("oracle.stage.changes",
		metric.WithDescription("Team stage transitions written by the oracle"),
	)
	if err != nil {
		return nil, err
	}

	m.ContextSliceErrors, err = meter.Int64Counter("oracle.context.slice_errors",
		metric.WithDescription("Context slices that failed and were degraded to empty"),
	)
	if err != nil {
		return nil, err
	}

	m.PersistenceFailures, err = meter.Int64Counter("oracle.persist.failures",
		metric.WithDescription("Persistence side effects that failed after classification"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("oracle.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	m.ReplyMalformed, err = meter.Int64Counter("oracle.reply.malformed",
		metric.WithDescription("Model replies that failed JSON or schema validation"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments backed by a no-op meter. Packages use it
// when no provider is wired (tests, offline CLI commands).
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noopMeter())
	return m
}
