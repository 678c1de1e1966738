package cron_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/piefi/oracle/internal/cron"
	"github.com/piefi/oracle/internal/gateway"
	"github.com/piefi/oracle/internal/persistence"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

type countingEvictor struct {
	calls atomic.Int32
	err   error
}

func (e *countingEvictor) Evict(ctx context.Context, now time.Time) (int, error) {
	e.calls.Add(1)
	return 2, e.err
}

type recordingRetainer struct {
	mu       sync.Mutex
	policies []persistence.RetentionPolicy
}

func (r *recordingRetainer) RunRetention(ctx context.Context, p persistence.RetentionPolicy, now time.Time) (persistence.RetentionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies = append(r.policies, p)
	return persistence.RetentionResult{PurgedOracleLogs: 3}, nil
}

func TestScheduler_EvictionRunsOnSchedule(t *testing.T) {
	defer goleak.VerifyNone(t)

	ev := &countingEvictor{}
	s, err := cron.NewScheduler(cron.Config{Evictor: ev, EvictSchedule: "@every 1s"})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.Start(context.Background())
	waitFor(t, 3*time.Second, func() bool { return ev.calls.Load() > 0 })
	s.Stop()
}

func TestScheduler_InvalidScheduleRejected(t *testing.T) {
	_, err := cron.NewScheduler(cron.Config{Retainer: &recordingRetainer{}, RetentionSchedule: "not a cron"})
	if err == nil {
		t.Fatal("expected error for invalid retention schedule")
	}
}

func TestScheduler_RetainNowPassesPolicy(t *testing.T) {
	ret := &recordingRetainer{}
	policy := persistence.RetentionPolicy{OracleLogDays: 30, ErrorLogDays: 14, AuditLogDays: 90}
	s, err := cron.NewScheduler(cron.Config{Retainer: ret, Policy: policy})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	res, err := s.RetainNow(context.Background())
	if err != nil {
		t.Fatalf("retain: %v", err)
	}
	if res.PurgedOracleLogs != 3 {
		t.Fatalf("result = %+v", res)
	}
	if len(ret.policies) != 1 || ret.policies[0] != policy {
		t.Fatalf("policies = %+v", ret.policies)
	}
}

func TestScheduler_EvictNowReportsError(t *testing.T) {
	ev := &countingEvictor{err: errors.New("database is locked")}
	s, err := cron.NewScheduler(cron.Config{Evictor: ev})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if _, err := s.EvictNow(context.Background()); err == nil {
		t.Fatal("expected eviction error")
	}
}

func TestScheduler_EvictsMemoryLimiter(t *testing.T) {
	l := gateway.NewFixedWindowLimiter(5, time.Minute)
	l.SetClock(func() time.Time { return time.Now().Add(-2 * time.Minute) })
	_, _ = l.Allow(context.Background(), "ip:10.0.0.1")

	s, err := cron.NewScheduler(cron.Config{Evictor: l})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	n, err := s.EvictNow(context.Background())
	if err != nil || n != 1 || l.Len() != 0 {
		t.Fatalf("evicted %d (len %d), err %v", n, l.Len(), err)
	}
}

func TestScheduler_RetentionAgainstStore(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "oracle.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	if _, err := store.InsertOracleLog(ctx, persistence.OracleLog{
		Query: "old", Response: "{}", Role: "builder", CreatedAt: time.Now().AddDate(0, 0, -40),
	}); err != nil {
		t.Fatalf("insert old log: %v", err)
	}
	if _, err := store.InsertOracleLog(ctx, persistence.OracleLog{Query: "new", Response: "{}", Role: "builder"}); err != nil {
		t.Fatalf("insert new log: %v", err)
	}

	s, err := cron.NewScheduler(cron.Config{Retainer: store, Policy: persistence.RetentionPolicy{OracleLogDays: 30}})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	res, err := s.RetainNow(ctx)
	if err != nil {
		t.Fatalf("retain: %v", err)
	}
	if res.PurgedOracleLogs != 1 {
		t.Fatalf("purged %d oracle logs, want 1", res.PurgedOracleLogs)
	}
	logs, _ := store.ListOracleLogs(ctx, "", 10)
	if len(logs) != 1 || logs[0].Query != "new" {
		t.Fatalf("remaining logs = %+v", logs)
	}
}

func TestNextRunTime(t *testing.T) {
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		expr string
		want time.Time
	}{
		{"*/5 * * * *", time.Date(2026, 1, 15, 10, 5, 0, 0, time.UTC)},
		{"30 3 * * *", time.Date(2026, 1, 16, 3, 30, 0, 0, time.UTC)},
		{"@hourly", time.Date(2026, 1, 15, 11, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := cron.NextRunTime(tt.expr, base)
		if err != nil {
			t.Fatalf("NextRunTime(%q): %v", tt.expr, err)
		}
		if !got.Equal(tt.want) {
			t.Fatalf("NextRunTime(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
	if _, err := cron.NextRunTime("bad", base); err == nil {
		t.Fatal("expected parse error")
	}
}
