package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	otelPkg "github.com/piefi/oracle/internal/otel"
)

// RetryPolicy bounds how a RetryCompleter retries.
type RetryPolicy struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	PerAttemptTimeout time.Duration
}

// DefaultRetryPolicy: 3 attempts, 250ms doubling to 4s, 20s per attempt.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		BaseDelay:         250 * time.Millisecond,
		MaxDelay:          4 * time.Second,
		PerAttemptTimeout: 20 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.PerAttemptTimeout <= 0 {
		p.PerAttemptTimeout = d.PerAttemptTimeout
	}
	return p
}

// backoff returns the delay before attempt n+1 (n counts from 1): the
// base doubled per attempt, capped, then jittered into [3/4, 5/4) of itself.
func (p RetryPolicy) backoff(n int) time.Duration {
	delay := p.BaseDelay
	for i := 1; i < n && delay < p.MaxDelay; i++ {
		delay *= 2
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if half := int64(delay / 2); half > 0 {
		delay = delay - delay/4 + time.Duration(rand.Int64N(half))
	}
	return delay
}

// RetryCompleter wraps a Completer with a per-attempt timeout and bounded
// retries of transient failures.
type RetryCompleter struct {
	next    Completer
	policy  RetryPolicy
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otelPkg.Metrics
	model   string
	sleep   func(ctx context.Context, d time.Duration) error
}

type RetryOption func(*RetryCompleter)

func WithRetryTracer(t trace.Tracer) RetryOption { return func(r *RetryCompleter) { r.tracer = t } }

func WithRetryMetrics(m *otelPkg.Metrics) RetryOption {
	return func(r *RetryCompleter) { r.metrics = m }
}

// WithModelLabel sets the model name recorded on spans and metrics.
func WithModelLabel(model string) RetryOption { return func(r *RetryCompleter) { r.model = model } }

func NewRetryCompleter(next Completer, policy RetryPolicy, logger *slog.Logger, opts ...RetryOption) *RetryCompleter {
	if logger == nil {
		logger = slog.Default()
	}
	r := &RetryCompleter{
		next:    next,
		policy:  policy.withDefaults(),
		logger:  logger.With("component", "engine"),
		tracer:  otelPkg.NoopTracer(),
		metrics: otelPkg.NoopMetrics(),
		sleep:   sleepCtx,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *RetryCompleter) Complete(ctx context.Context, p Prompt) (string, error) {
	ctx, span := otelPkg.StartClientSpan(ctx, r.tracer, "llm.complete", otelPkg.AttrModel.String(r.model))
	defer span.End()

	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		out, err := r.attempt(ctx, p, attempt)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
		class := ClassifyError(err)
		r.logger.WarnContext(ctx, "completion attempt failed",
			"attempt", attempt, "max_attempts", r.policy.MaxAttempts,
			"error_class", string(class), "error", err)
		if !class.Retryable() || attempt == r.policy.MaxAttempts {
			break
		}
		r.metrics.LLMCallRetries.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrErrClass.String(string(class))))
		if err := r.sleep(ctx, r.policy.backoff(attempt)); err != nil {
			break
		}
	}
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "completion failed")
	return "", fmt.Errorf("complete: %w", lastErr)
}

func (r *RetryCompleter) attempt(ctx context.Context, p Prompt, n int) (string, error) {
	actx, cancel := context.WithTimeout(ctx, r.policy.PerAttemptTimeout)
	defer cancel()

	start := time.Now()
	out, err := r.next.Complete(actx, p)
	r.metrics.LLMCallDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(otelPkg.AttrModel.String(r.model), otelPkg.AttrAttempt.Int(n)))
	if err == nil {
		return out, nil
	}
	if actx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return "", fmt.Errorf("attempt %d timed out after %s: %w", n, r.policy.PerAttemptTimeout, context.DeadlineExceeded)
	}
	return "", err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
