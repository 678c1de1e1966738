// Package gateway is the HTTP surface of the oracle: authentication, rate
// limiting, the classification endpoint and read-only team views.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/piefi/oracle/internal/apperr"
	"github.com/piefi/oracle/internal/audit"
	"github.com/piefi/oracle/internal/config"
	"github.com/piefi/oracle/internal/oracle"
	otelPkg "github.com/piefi/oracle/internal/otel"
	"github.com/piefi/oracle/internal/persistence"
	"github.com/piefi/oracle/internal/shared"
)

// Classifier runs one oracle request.
type Classifier interface {
	Handle(ctx context.Context, req oracle.Request) (oracle.Response, error)
}

// Store is the read side the gateway serves directly.
type Store interface {
	GetTeam(ctx context.Context, teamID string) (*persistence.Team, error)
	ListRecentUpdates(ctx context.Context, teamID string, limit int) ([]persistence.Update, error)
	ListOracleLogs(ctx context.Context, teamID string, limit int) ([]persistence.OracleLog, error)
	Ping(ctx context.Context) error
}

type Config struct {
	Oracle Classifier
	Store  Store
	// Hub serves /ws. Nil disables the route.
	Hub http.Handler

	Auth         config.AuthConfig
	CORS         config.CORSConfig
	MaxBodyBytes int64
	// Limiter nil disables rate limiting.
	Limiter Limiter

	Reporter *apperr.Reporter
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Metrics  *otelPkg.Metrics

	// ConfigFingerprint is the hash of active config exposed in /healthz.
	ConfigFingerprint string
	Version           string
}

type Server struct {
	cfg  Config
	auth *AuthMiddleware
	rl   *RateLimitMiddleware
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("component", "gateway")
	if cfg.Tracer == nil {
		cfg.Tracer = otelPkg.NoopTracer()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = otelPkg.NoopMetrics()
	}
	if cfg.Reporter == nil {
		cfg.Reporter = apperr.NewReporter(nil, nil, cfg.Logger)
	}
	s := &Server{
		cfg:  cfg,
		auth: NewAuthMiddleware(cfg.Auth),
	}
	if cfg.Limiter != nil {
		s.rl = NewRateLimitMiddleware(cfg.Limiter, cfg.Logger, cfg.Metrics)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /api/oracle", s.handleOracle)
	mux.HandleFunc("GET /api/teams/{id}", s.handleTeam)
	mux.HandleFunc("GET /api/teams/{id}/updates", s.handleTeamUpdates)
	mux.HandleFunc("GET /api/logs", s.handleLogs)
	if s.cfg.Hub != nil {
		mux.Handle("GET /ws", s.cfg.Hub)
	}

	var h http.Handler = mux
	h = s.rl.Wrap(h)
	h = s.auth.Wrap(h)
	h = RequestSizeLimitMiddleware(s.cfg.MaxBodyBytes)(h)
	h = NewCORSMiddleware(s.cfg.CORS)(h)
	return s.traceMiddleware(h)
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController and the websocket upgrade reach the
// underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// traceMiddleware assigns the trace id, opens the server span and records
// request duration.
func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		traceID := r.Header.Get("X-Trace-Id")
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		ctx := shared.WithTraceID(r.Context(), traceID)
		ctx, span := otelPkg.StartServerSpan(ctx, s.cfg.Tracer, r.Method+" "+r.URL.Path,
			attribute.String("http.method", r.Method),
			attribute.String("trace_id", traceID),
		)
		defer span.End()

		w.Header().Set("X-Trace-Id", traceID)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.Int("http.status_code", rec.status),
			))
		s.cfg.Logger.DebugContext(ctx, "http request",
			"method", r.Method, "path", r.URL.Path, "status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(), "trace_id", traceID)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	dbOK := s.cfg.Store.Ping(ctx) == nil
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"version":            s.cfg.Version,
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"audit_denies":       audit.DenyCount(),
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleOracle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req oracle.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "Request body too large"})
			return
		}
		writeError(w, apperr.Validation("Invalid JSON body"))
		return
	}

	c, _ := shared.CallerFrom(ctx)
	role, err := effectiveRole(c, req.Role)
	if err != nil {
		audit.Record(ctx, audit.Deny, audit.ActionAuthorize, err.Error(), c.UserID)
		s.cfg.Reporter.Report(ctx, err)
		writeError(w, err)
		return
	}
	req.Role = role
	if c.UserID != "" {
		req.UserID = c.UserID
	}

	resp, err := s.cfg.Oracle.Handle(ctx, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTeam(w http.ResponseWriter, r *http.Request) {
	team, ok := s.readableTeam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, team)
}

func (s *Server) handleTeamUpdates(w http.ResponseWriter, r *http.Request) {
	team, ok := s.readableTeam(w, r)
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 5)
	updates, err := s.cfg.Store.ListRecentUpdates(r.Context(), team.ID, limit)
	if err != nil {
		s.fail(w, r, apperr.Database("Could not load updates", err))
		return
	}
	if updates == nil {
		updates = []persistence.Update{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"team_id": team.ID, "updates": updates})
}

// readableTeam loads the team in the path and checks the caller may see
// it: leads and mentors see every team, others only their own.
func (s *Server) readableTeam(w http.ResponseWriter, r *http.Request) (*persistence.Team, bool) {
	ctx := r.Context()
	id := r.PathValue("id")
	team, err := s.cfg.Store.GetTeam(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Team not found"})
		return nil, false
	}
	if err != nil {
		s.fail(w, r, apperr.Database("Could not load team", err).With("team_id", id))
		return nil, false
	}

	c, _ := shared.CallerFrom(ctx)
	switch c.Role {
	case "", shared.RoleLead, shared.RoleMentor:
		return team, true
	}
	for _, m := range team.Members {
		if m.UserID == c.UserID {
			return team, true
		}
	}
	audit.Record(ctx, audit.Deny, audit.ActionAuthorize, "team read by non-member "+id, c.UserID)
	writeError(w, apperr.Authorization("Not a member of this team").With("team_id", id))
	return nil, false
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c, _ := shared.CallerFrom(ctx)
	if c.Role != "" && c.Role != shared.RoleLead {
		audit.Record(ctx, audit.Deny, audit.ActionAuthorize, "oracle logs require lead", c.UserID)
		writeError(w, apperr.Authorization("Lead role required"))
		return
	}
	logs, err := s.cfg.Store.ListOracleLogs(ctx, r.URL.Query().Get("team"), queryInt(r, "limit", 50))
	if err != nil {
		s.fail(w, r, apperr.Database("Could not load oracle logs", err))
		return
	}
	if logs == nil {
		logs = []persistence.OracleLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

// fail reports an infrastructure error and writes it.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.cfg.Reporter.Report(r.Context(), err)
	writeError(w, err)
}

// maxListLimit caps the limit query parameter on list endpoints.
const maxListLimit = 100

func queryInt(r *http.Request, name string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v <= 0 {
		return def
	}
	return min(v, maxListLimit)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err as {"error": message}. Only *apperr.Error
// messages reach the caller; anything else is a generic 500.
func writeError(w http.ResponseWriter, err error) {
	e, ok := apperr.As(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		return
	}
	writeJSON(w, apperr.HTTPStatus(e.Kind), map[string]string{"error": e.Message})
}
