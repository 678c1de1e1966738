package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/piefi/oracle/internal/apperr"
)

// OracleLog is the append-only record of one orchestrator invocation.
type OracleLog struct {
	ID            int64     `json:"id"`
	Query         string    `json:"query"`
	Response      string    `json:"response"`
	Role          string    `json:"role"`
	UserID        string    `json:"user_id,omitempty"`
	TeamID        string    `json:"team_id,omitempty"`
	SourcesUsed   int       `json:"sources_used"`
	ProcessingMS  int64     `json:"processing_ms"`
	DetectedStage string    `json:"detected_stage,omitempty"`
	TraceID       string    `json:"trace_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func (s *Store) InsertOracleLog(ctx context.Context, l OracleLog) (int64, error) {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	var id int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO oracle_logs (query, response, role, user_id, team_id, sources_used, processing_ms, detected_stage, trace_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, l.Query, l.Response, l.Role, nullString(l.UserID), nullString(l.TeamID),
			l.SourcesUsed, l.ProcessingMS, nullString(l.DetectedStage), nullString(l.TraceID), l.CreatedAt.UTC())
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("insert oracle log: %w", err)
	}
	return id, nil
}

// ListOracleLogs returns the newest logs first, optionally for one team.
func (s *Store) ListOracleLogs(ctx context.Context, teamID string, limit int) ([]OracleLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, query, response, role, COALESCE(user_id, ''), COALESCE(team_id, ''),
			sources_used, processing_ms, COALESCE(detected_stage, ''), COALESCE(trace_id, ''), created_at
		FROM oracle_logs
		WHERE (? = '' OR team_id = ?)
		ORDER BY id DESC
		LIMIT ?;
	`, teamID, teamID, limit)
	if err != nil {
		return nil, fmt.Errorf("list oracle logs: %w", err)
	}
	defer rows.Close()

	var out []OracleLog
	for rows.Next() {
		var l OracleLog
		if err := rows.Scan(&l.ID, &l.Query, &l.Response, &l.Role, &l.UserID, &l.TeamID,
			&l.SourcesUsed, &l.ProcessingMS, &l.DetectedStage, &l.TraceID, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan oracle log: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("oracle log rows: %w", err)
	}
	return out, nil
}

// InsertErrorLog satisfies apperr.LogWriter.
func (s *Store) InsertErrorLog(ctx context.Context, e apperr.LogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO error_logs (kind, severity, message, cause, context, trace_id, span_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, e.Kind, e.Severity, e.Message, nullString(e.Cause), nullString(e.Context),
			nullString(e.TraceID), nullString(e.SpanID), e.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert error log: %w", err)
		}
		return nil
	})
}

// ListErrorLogs returns the newest error entries first.
func (s *Store) ListErrorLogs(ctx context.Context, limit int) ([]apperr.LogEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, severity, message, cause, context, trace_id, span_id, created_at
		FROM error_logs ORDER BY id DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list error logs: %w", err)
	}
	defer rows.Close()

	var out []apperr.LogEntry
	for rows.Next() {
		var (
			e                              apperr.LogEntry
			cause, errCtx, traceID, spanID sql.NullString
		)
		if err := rows.Scan(&e.Kind, &e.Severity, &e.Message, &cause, &errCtx, &traceID, &spanID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan error log: %w", err)
		}
		e.Cause = cause.String
		e.Context = errCtx.String
		e.TraceID = traceID.String
		e.SpanID = spanID.String
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error log rows: %w", err)
	}
	return out, nil
}

// AuditEntry is a row of the security decision log.
type AuditEntry struct {
	TraceID   string    `json:"trace_id,omitempty"`
	Subject   string    `json:"subject"`
	Action    string    `json:"action"`
	Decision  string    `json:"decision"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ListAuditEntries returns the newest audit rows first.
func (s *Store) ListAuditEntries(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(trace_id, ''), COALESCE(subject, ''), action, decision, COALESCE(reason, ''), created_at
		FROM audit_log ORDER BY audit_id DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var a AuditEntry
		if err := rows.Scan(&a.TraceID, &a.Subject, &a.Action, &a.Decision, &a.Reason, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
