package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionPolicy holds purge horizons in days; 0 disables a category.
type RetentionPolicy struct {
	OracleLogDays int
	ErrorLogDays  int
	AuditLogDays  int
}

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedOracleLogs  int64 `json:"purged_oracle_logs"`
	PurgedErrorLogs   int64 `json:"purged_error_logs"`
	PurgedAuditLogs   int64 `json:"purged_audit_logs"`
	PurgedRateWindows int64 `json:"purged_rate_windows"`
}

// RunRetention deletes log rows older than the policy allows and expired
// rate windows. Updates, teams and status rows are never touched. The job
// is idempotent.
func (s *Store) RunRetention(ctx context.Context, p RetentionPolicy, now time.Time) (RetentionResult, error) {
	var result RetentionResult

	purge := func(table string, days int, dst *int64) error {
		if days <= 0 {
			return nil
		}
		cutoff := now.UTC().AddDate(0, 0, -days)
		res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE created_at < ?;`, cutoff)
		if err != nil {
			return fmt.Errorf("purge %s: %w", table, err)
		}
		*dst, _ = res.RowsAffected()
		return nil
	}

	if err := purge("oracle_logs", p.OracleLogDays, &result.PurgedOracleLogs); err != nil {
		return result, err
	}
	if err := purge("error_logs", p.ErrorLogDays, &result.PurgedErrorLogs); err != nil {
		return result, err
	}
	if err := purge("audit_log", p.AuditLogDays, &result.PurgedAuditLogs); err != nil {
		return result, err
	}
	n, err := s.EvictRateWindows(ctx, now)
	if err != nil {
		return result, err
	}
	result.PurgedRateWindows = n
	return result, nil
}
