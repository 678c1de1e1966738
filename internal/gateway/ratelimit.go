package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/piefi/oracle/internal/apperr"
	"github.com/piefi/oracle/internal/audit"
	otelPkg "github.com/piefi/oracle/internal/otel"
	"github.com/piefi/oracle/internal/shared"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool
	Count   int
	Limit   int
	ResetAt time.Time
}

// RetryAfter is the whole number of seconds until the window resets, at
// least one.
func (d Decision) RetryAfter(now time.Time) int {
	secs := int(math.Ceil(d.ResetAt.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// Limiter admits or rejects requests per caller key. Implementations must
// be safe for concurrent use.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	// Evict drops windows that expired before now and returns how many.
	Evict(ctx context.Context, now time.Time) (int, error)
}

type fixedWindow struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
	evicted bool // set under mu when Evict drops the window from the map
}

// FixedWindowLimiter counts requests per key in fixed windows held in
// process memory. Each key has its own mutex over its count/reset pair.
type FixedWindowLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*fixedWindow
}

func NewFixedWindowLimiter(limit int, window time.Duration) *FixedWindowLimiter {
	if limit <= 0 {
		limit = 100
	}
	if window <= 0 {
		window = time.Minute
	}
	return &FixedWindowLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		windows: make(map[string]*fixedWindow),
	}
}

// SetClock replaces the time source. Tests only.
func (l *FixedWindowLimiter) SetClock(now func() time.Time) { l.now = now }

func (l *FixedWindowLimiter) Allow(_ context.Context, key string) (Decision, error) {
	for {
		if d, ok := l.admit(l.get(key)); ok {
			return d, nil
		}
	}
}

// admit counts one request on w. It reports false when Evict dropped w
// between the map lookup and the lock; the caller looks the key up again.
func (l *FixedWindowLimiter) admit(w *fixedWindow) (Decision, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.evicted {
		return Decision{}, false
	}

	now := l.now()
	if w.resetAt.IsZero() || !now.Before(w.resetAt) {
		w.count = 1
		w.resetAt = now.Add(l.window)
	} else {
		w.count++
	}
	return Decision{
		Allowed: w.count <= l.limit,
		Count:   w.count,
		Limit:   l.limit,
		ResetAt: w.resetAt,
	}, true
}

func (l *FixedWindowLimiter) get(key string) *fixedWindow {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[key]
	if !ok {
		w = &fixedWindow{}
		l.windows[key] = w
	}
	return w
}

func (l *FixedWindowLimiter) Evict(_ context.Context, now time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for key, w := range l.windows {
		w.mu.Lock()
		if !w.resetAt.IsZero() && !now.Before(w.resetAt) {
			w.evicted = true
			delete(l.windows, key)
			evicted++
		}
		w.mu.Unlock()
	}
	return evicted, nil
}

// Len returns the number of tracked windows.
func (l *FixedWindowLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// WindowCounter is the shared counter a StoreLimiter increments.
type WindowCounter interface {
	IncrementRateWindow(ctx context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error)
	EvictRateWindows(ctx context.Context, now time.Time) (int64, error)
}

// StoreLimiter keeps its windows in the database so every process sharing
// it enforces one limit.
type StoreLimiter struct {
	counter WindowCounter
	limit   int
	window  time.Duration
	now     func() time.Time
}

func NewStoreLimiter(counter WindowCounter, limit int, window time.Duration) *StoreLimiter {
	if limit <= 0 {
		limit = 100
	}
	if window <= 0 {
		window = time.Minute
	}
	return &StoreLimiter{counter: counter, limit: limit, window: window, now: time.Now}
}

func (l *StoreLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	count, resetAt, err := l.counter.IncrementRateWindow(ctx, key, l.window, l.now())
	if err != nil {
		return Decision{}, fmt.Errorf("rate window: %w", err)
	}
	return Decision{Allowed: count <= l.limit, Count: count, Limit: l.limit, ResetAt: resetAt}, nil
}

func (l *StoreLimiter) Evict(ctx context.Context, now time.Time) (int, error) {
	n, err := l.counter.EvictRateWindows(ctx, now)
	return int(n), err
}

// RateLimitMiddleware rejects callers over their window with a RateLimit
// error. A limiter failure lets the request through.
type RateLimitMiddleware struct {
	limiter Limiter
	logger  *slog.Logger
	metrics *otelPkg.Metrics
	now     func() time.Time
}

func NewRateLimitMiddleware(l Limiter, logger *slog.Logger, metrics *otelPkg.Metrics) *RateLimitMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = otelPkg.NoopMetrics()
	}
	return &RateLimitMiddleware{limiter: l, logger: logger, metrics: metrics, now: time.Now}
}

func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	if rl == nil || rl.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()
		c, _ := shared.CallerFrom(ctx)
		key := c.Key
		if key == "" {
			key = "ip:" + remoteHost(r)
		}

		d, err := rl.limiter.Allow(ctx, key)
		if err != nil {
			rl.logger.WarnContext(ctx, "rate limiter unavailable; admitting request", "error", err)
			next.ServeHTTP(w, r)
			return
		}
		if !d.Allowed {
			subject := c.UserID
			if subject == "" {
				subject = key
			}
			audit.Record(ctx, audit.Deny, audit.ActionRateLimit,
				fmt.Sprintf("count %d exceeds limit %d", d.Count, d.Limit), subject)
			rl.metrics.RateLimitRejects.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrRole.String(c.Role)))

			retry := d.RetryAfter(rl.now())
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeError(w, apperr.RateLimit("Rate limit exceeded").
				With("limit", strconv.Itoa(d.Limit)).
				With("retry_after_seconds", strconv.Itoa(retry)))
			return
		}
		next.ServeHTTP(w, r)
	})
}
