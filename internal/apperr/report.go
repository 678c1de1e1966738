package apperr

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/piefi/oracle/internal/shared"
)

// LogEntry is the durable record of an infrastructure error.
type LogEntry struct {
	Kind      string
	Severity  string
	Message   string
	Cause     string
	Context   string
	TraceID   string
	SpanID    string
	CreatedAt time.Time
}

// LogWriter persists error entries.
type LogWriter interface {
	InsertErrorLog(ctx context.Context, e LogEntry) error
}

// Publisher is the fire-and-forget notification channel for critical alerts.
type Publisher interface {
	Publish(topic string, payload interface{})
}

// TopicCriticalAlert is published for every Critical error.
const TopicCriticalAlert = "alert.critical"

// Alert is the payload broadcast to lead-role users.
type Alert struct {
	Kind     string            `json:"kind"`
	Severity string            `json:"severity"`
	Message  string            `json:"message"`
	Context  map[string]string `json:"context,omitempty"`
	TraceID  string            `json:"trace_id"`
	At       time.Time         `json:"at"`
}

// Reporter records errors according to their kind and severity.
type Reporter struct {
	store  LogWriter
	pub    Publisher
	logger *slog.Logger
}

// NewReporter builds a Reporter. store and pub may be nil.
func NewReporter(store LogWriter, pub Publisher, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{store: store, pub: pub, logger: logger}
}

// Report logs err and, for infrastructure kinds, writes it to the durable
// error log. Critical errors also trigger a lead broadcast. Reporting never
// fails the caller.
func (r *Reporter) Report(ctx context.Context, err error) {
	if r == nil || err == nil {
		return
	}
	e, ok := As(err)
	if !ok {
		e = Internal("unclassified error", err)
	}
	if c, ok := shared.CallerFrom(ctx); ok {
		if _, set := e.Context["user_id"]; !set {
			e = e.With("user_id", c.UserID).With("role", c.Role)
		}
	}
	if teamID := shared.TeamID(ctx); teamID != "" {
		if _, set := e.Context["team_id"]; !set {
			e = e.With("team_id", teamID)
		}
	}

	traceID := shared.TraceID(ctx)
	spanID := ""
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		spanID = sc.SpanID().String()
	}

	attrs := []any{
		"kind", string(e.Kind),
		"severity", string(e.Severity),
		"message", e.Message,
		"context", e.ContextString(),
		"trace_id", traceID,
	}
	if e.Err != nil {
		attrs = append(attrs, "error", e.Err.Error())
	}

	if e.Kind.CallerFacing() {
		r.logger.Info("request rejected", attrs...)
		return
	}
	r.logger.Error("request error", attrs...)

	if r.store != nil {
		entry := LogEntry{
			Kind:      string(e.Kind),
			Severity:  string(e.Severity),
			Message:   shared.Redact(e.Message),
			Context:   e.ContextString(),
			TraceID:   traceID,
			SpanID:    spanID,
			CreatedAt: time.Now().UTC(),
		}
		if e.Err != nil {
			entry.Cause = shared.Redact(e.Err.Error())
		}
		// The request context may already be cancelled; the log row must survive it.
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if werr := r.store.InsertErrorLog(writeCtx, entry); werr != nil {
			r.logger.Warn("error log write failed", "error", werr, "kind", string(e.Kind))
		}
		cancel()
	}

	if e.Severity == SeverityCritical && r.pub != nil {
		r.pub.Publish(TopicCriticalAlert, Alert{
			Kind:     string(e.Kind),
			Severity: string(e.Severity),
			Message:  shared.Redact(e.Message),
			Context:  e.Context,
			TraceID:  traceID,
			At:       time.Now().UTC(),
		})
	}
}
