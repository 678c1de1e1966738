// Package oracle orchestrates one classification request: validate, gather
// context and score, call the model, parse, persist and respond.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/piefi/oracle/internal/apperr"
	"github.com/piefi/oracle/internal/audit"
	"github.com/piefi/oracle/internal/bus"
	"github.com/piefi/oracle/internal/engine"
	otelPkg "github.com/piefi/oracle/internal/otel"
	"github.com/piefi/oracle/internal/persistence"
	"github.com/piefi/oracle/internal/rag"
	"github.com/piefi/oracle/internal/safety"
	"github.com/piefi/oracle/internal/shared"
	"github.com/piefi/oracle/internal/stage"
	"github.com/piefi/oracle/internal/telemetry"
)

// State is a step of a single request. States are not persisted.
type State string

const (
	StateReceived        State = "RECEIVED"
	StateValidated       State = "VALIDATED"
	StateContextGathered State = "CONTEXT_GATHERED"
	StateStageClassified State = "STAGE_CLASSIFIED"
	StateModelCalled     State = "MODEL_CALLED"
	StateParsed          State = "PARSED"
	StatePersisted       State = "PERSISTED"
	StateResponded       State = "RESPONDED"
	StateErrored         State = "ERRORED"
)

// persistTimeout bounds the detached persistence writes.
const persistTimeout = 10 * time.Second

// Store is everything the orchestrator reads and writes.
type Store interface {
	rag.Source
	InsertUpdate(ctx context.Context, u persistence.Update) (string, error)
	SetTeamStage(ctx context.Context, teamID string, next stage.Stage) (bool, stage.Stage, error)
	UpsertTeamStatus(ctx context.Context, st persistence.TeamStatus) error
	InsertOracleLog(ctx context.Context, l persistence.OracleLog) (int64, error)
}

// Publisher is the fire-and-forget event sink.
type Publisher interface {
	Publish(topic string, payload interface{})
}

type Service struct {
	store     Store
	agg       *rag.Aggregator
	completer engine.Completer
	parser    *engine.ReplyParser
	reporter  *apperr.Reporter
	pub       Publisher
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *otelPkg.Metrics

	temperature float64
	observe     func(State)

	promptMu     sync.RWMutex
	systemPrompt string
}

type Option func(*Service)

func WithTracer(t trace.Tracer) Option { return func(s *Service) { s.tracer = t } }

func WithMetrics(m *otelPkg.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithReporter(r *apperr.Reporter) Option { return func(s *Service) { s.reporter = r } }

func WithPublisher(p Publisher) Option { return func(s *Service) { s.pub = p } }

func WithTemperature(t float64) Option { return func(s *Service) { s.temperature = t } }

// WithSystemPrompt overrides DefaultSystemPrompt.
func WithSystemPrompt(p string) Option { return func(s *Service) { s.systemPrompt = p } }

// WithStateObserver registers fn to be called on every state transition.
func WithStateObserver(fn func(State)) Option { return func(s *Service) { s.observe = fn } }

func NewService(store Store, completer engine.Completer, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:       store,
		completer:   completer,
		parser:      engine.MustReplyParser(),
		logger:      logger.With("component", "oracle"),
		tracer:      otelPkg.NoopTracer(),
		metrics:     otelPkg.NoopMetrics(),
		temperature: engine.DefaultTemperature,
	}
	for _, o := range opts {
		o(s)
	}
	if s.reporter == nil {
		s.reporter = apperr.NewReporter(nil, s.pub, s.logger)
	}
	s.agg = rag.NewAggregator(store, logger, rag.WithTracer(s.tracer), rag.WithMetrics(s.metrics))
	return s
}

// SetSystemPrompt replaces the system instruction; empty restores the default.
// Safe to call while requests are in flight.
func (s *Service) SetSystemPrompt(p string) {
	s.promptMu.Lock()
	s.systemPrompt = strings.TrimSpace(p)
	s.promptMu.Unlock()
}

func (s *Service) SystemPrompt() string {
	s.promptMu.RLock()
	defer s.promptMu.RUnlock()
	if s.systemPrompt == "" {
		return DefaultSystemPrompt
	}
	return s.systemPrompt
}

// run tracks the state of one request.
type run struct {
	ctx     context.Context
	logger  *slog.Logger
	span    trace.Span
	observe func(State)
	state   State
}

func (r *run) to(st State) {
	r.state = st
	r.logger.DebugContext(r.ctx, "oracle transition", "state", string(st))
	r.span.AddEvent(string(st))
	if r.observe != nil {
		r.observe(st)
	}
}

func (r *run) fail(err error) error {
	from := r.state
	r.logger.DebugContext(r.ctx, "oracle transition", "state", string(StateErrored), "from", string(from), "error", err)
	r.span.AddEvent(string(StateErrored), trace.WithAttributes(attribute.String("oracle.from_state", string(from))))
	r.span.RecordError(err)
	r.span.SetStatus(codes.Error, err.Error())
	r.state = StateErrored
	if r.observe != nil {
		r.observe(StateErrored)
	}
	return err
}

// Handle runs one request through the state machine. Validation and model
// failures are returned as *apperr.Error; persistence failures are not
// fatal and show up in Response.Persisted.
func (s *Service) Handle(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	ctx, span := otelPkg.StartSpan(ctx, s.tracer, "oracle.handle")
	defer span.End()

	r := &run{ctx: ctx, logger: s.logger, span: span, observe: s.observe}
	r.to(StateReceived)

	req, err := normalize(req)
	if err != nil {
		s.reporter.Report(ctx, err)
		return Response{}, r.fail(err)
	}
	ctx = shared.WithTeamID(ctx, req.TeamID)
	r.logger = telemetry.ForRequest(ctx, s.logger)
	span.SetAttributes(otelPkg.AttrTeamID.String(req.TeamID), otelPkg.AttrRole.String(req.Role))
	if err := s.screen(ctx, req); err != nil {
		s.reporter.Report(ctx, err)
		return Response{}, r.fail(err)
	}
	r.to(StateValidated)

	var (
		bundle  rag.Bundle
		scored  stage.Result
		current stage.Stage
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		bundle = s.agg.Gather(gctx, rag.Request{
			Role:                req.Role,
			TeamID:              req.TeamID,
			UserID:              req.UserID,
			Query:               req.Text,
			NeedTeamContext:     true,
			NeedMentions:        true,
			NeedResources:       true,
			NeedPersonalization: true,
		})
		return nil
	})
	g.Go(func() error {
		var err error
		scored, current, err = s.score(gctx, req)
		return err
	})
	if err := g.Wait(); err != nil {
		s.reporter.Report(ctx, err)
		return Response{}, r.fail(err)
	}
	r.to(StateContextGathered)
	span.SetAttributes(attribute.String("oracle.scorer_stage", string(scored.Stage)))
	r.to(StateStageClassified)

	raw, err := s.completer.Complete(ctx, engine.Prompt{
		System:      s.SystemPrompt(),
		User:        buildUserPrompt(bundle.Text, req),
		Temperature: s.temperature,
	})
	if err != nil {
		class := engine.ClassifyError(err)
		aerr := apperr.ExternalService("Completion service unavailable", err).
			With("team_id", req.TeamID).
			With("error_class", string(class))
		s.reporter.Report(ctx, aerr)
		return Response{}, r.fail(aerr)
	}
	r.to(StateModelCalled)

	var reply engine.Reply
	switch res := s.parser.Parse(raw).(type) {
	case engine.Parsed:
		reply = res.Reply
	case engine.Malformed:
		s.logger.WarnContext(ctx, "model reply malformed; using scorer defaults",
			"team_id", req.TeamID, "reason", res.Reason, "raw_len", len(res.Raw))
		s.metrics.ReplyMalformed.Add(ctx, 1)
	}
	r.to(StateParsed)

	resp := Response{
		DetectedStage:    scored.Stage,
		Feedback:         strings.TrimSpace(reply.Feedback),
		Summary:          reply.Summary,
		SuggestedActions: reply.SuggestedActions,
		Confidence:       scored.Confidence,
	}
	if reply.DetectedStage != "" {
		resp.DetectedStage = stage.Coerce(reply.DetectedStage)
	}
	if resp.Feedback == "" {
		resp.Feedback = fallbackFeedback(scored)
	}
	if resp.Summary == "" {
		resp.Summary = fallbackSummary(resp.DetectedStage)
	}
	resp.SuggestedActions = shapeActions(resp.SuggestedActions, resp.DetectedStage)
	s.redact(ctx, req.TeamID, &resp)

	s.persist(ctx, req, bundle, current, start, &resp)
	r.to(StatePersisted)

	latency := time.Since(start).Milliseconds()
	s.metrics.Classifications.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrStage.String(string(resp.DetectedStage))))
	if s.pub != nil {
		s.pub.Publish(bus.TopicOracleClassified, bus.OracleClassified{
			TeamID:        req.TeamID,
			UserID:        req.UserID,
			Role:          req.Role,
			DetectedStage: string(resp.DetectedStage),
			UpdatedStage:  resp.UpdatedStage,
			LatencyMS:     latency,
		})
	}
	r.logger.InfoContext(ctx, "oracle request classified",
		"request_role", req.Role,
		"detected_stage", string(resp.DetectedStage),
		"scorer_stage", string(scored.Stage),
		"updated_stage", resp.UpdatedStage,
		"sources", bundle.SourceCount(),
		"slice_failures", len(bundle.Failures),
		"latency_ms", latency,
	)
	r.to(StateResponded)
	return resp, nil
}

// screen runs the injection filter over the note. Rejected notes never
// reach the model or the store.
func (s *Service) screen(ctx context.Context, req Request) error {
	f := safety.Screen(req.Text)
	switch f.Verdict {
	case safety.Reject:
		audit.Record(ctx, audit.Deny, audit.ActionScreenNote, f.Rule, req.UserID)
		s.logger.WarnContext(ctx, "note rejected by content filter", "team_id", req.TeamID, "rule", f.Rule)
		return f.Err()
	case safety.Flag:
		audit.Record(ctx, audit.Allow, audit.ActionScreenNote, "flagged: "+f.Rule, req.UserID)
		s.logger.WarnContext(ctx, "note flagged by content filter", "team_id", req.TeamID, "rule", f.Rule)
	}
	return nil
}

// redact strips secrets the model echoed from the reply before it is
// stored or returned.
func (s *Service) redact(ctx context.Context, teamID string, resp *Response) {
	texts := []*string{&resp.Feedback, &resp.Summary}
	for i := range resp.SuggestedActions {
		texts = append(texts, &resp.SuggestedActions[i])
	}
	leaks := safety.RedactAll(texts...)
	if len(leaks) == 0 {
		return
	}
	kinds := make([]string, len(leaks))
	for i, l := range leaks {
		kinds[i] = l.Kind
	}
	s.logger.WarnContext(ctx, "redacted secrets from model reply", "team_id", teamID, "kinds", kinds)
}

// score runs the keyword scorer against the stored stage and the recent
// update history. An unknown team is a validation error; other read
// failures degrade to scoring the note alone.
func (s *Service) score(ctx context.Context, req Request) (stage.Result, stage.Stage, error) {
	var current stage.Stage
	team, err := s.store.GetTeam(ctx, req.TeamID)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return stage.Result{}, "", apperr.Validation("Unknown teamId").With("team_id", req.TeamID)
	case err != nil:
		s.logger.WarnContext(ctx, "scorer team lookup failed", "team_id", req.TeamID, "error", err)
	default:
		current = team.Stage
	}

	var history []string
	updates, err := s.store.ListRecentUpdates(ctx, req.TeamID, stage.MaxHistory)
	if err != nil {
		s.logger.WarnContext(ctx, "scorer history lookup failed", "team_id", req.TeamID, "error", err)
	}
	for _, u := range updates {
		history = append(history, u.Content)
	}
	return stage.Score(req.Text, history, current), current, nil
}

// persist issues the four writes concurrently. Each failure is logged,
// reported and published but never fails the request. The writes run on a
// context detached from the caller so a dropped connection cannot cut
// them short.
func (s *Service) persist(ctx context.Context, req Request, bundle rag.Bundle, current stage.Stage, start time.Time, resp *Response) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	var (
		mu      sync.Mutex
		g       errgroup.Group
		now     = time.Now().UTC()
		traceID = shared.TraceID(ctx)
	)
	step := func(name string, fn func() error) {
		g.Go(func() error {
			err := fn()
			mu.Lock()
			defer mu.Unlock()
			ok := err == nil
			switch name {
			case "update":
				resp.Persisted.Update = ok
			case "stage":
				resp.Persisted.Stage = ok
			case "status":
				resp.Persisted.Status = ok
			case "log":
				resp.Persisted.Log = ok
			}
			if err != nil {
				s.persistFailed(pctx, req.TeamID, name, err)
			}
			return nil
		})
	}

	step("update", func() error {
		id, err := s.store.InsertUpdate(pctx, persistence.Update{
			TeamID:    req.TeamID,
			Content:   req.Text,
			Type:      req.UpdateType,
			CreatedBy: req.UserID,
			CreatedAt: now,
		})
		if err != nil {
			return err
		}
		mu.Lock()
		resp.CreatedUpdateID = id
		mu.Unlock()
		return nil
	})
	step("stage", func() error {
		changed, prev, err := s.store.SetTeamStage(pctx, req.TeamID, resp.DetectedStage)
		if err != nil {
			return err
		}
		if changed {
			mu.Lock()
			resp.UpdatedStage = true
			mu.Unlock()
			s.metrics.StageChanges.Add(pctx, 1, metric.WithAttributes(otelPkg.AttrStage.String(string(resp.DetectedStage))))
			s.logger.InfoContext(pctx, "team stage changed", "team_id", req.TeamID, "from", string(prev), "to", string(resp.DetectedStage))
		} else if current != "" && current != prev {
			s.logger.DebugContext(pctx, "team stage moved during request", "team_id", req.TeamID, "read", string(current), "stored", string(prev))
		}
		return nil
	})
	step("status", func() error {
		return s.store.UpsertTeamStatus(pctx, persistence.TeamStatus{
			TeamID:         req.TeamID,
			Summary:        truncateRunes(resp.Summary, maxStatusSummary),
			PendingActions: resp.SuggestedActions,
			LastUpdateAt:   now,
		})
	})
	step("log", func() error {
		_, err := s.store.InsertOracleLog(pctx, persistence.OracleLog{
			Query:         req.Text,
			Response:      resp.Feedback,
			Role:          req.Role,
			UserID:        req.UserID,
			TeamID:        req.TeamID,
			SourcesUsed:   bundle.SourceCount(),
			ProcessingMS:  time.Since(start).Milliseconds(),
			DetectedStage: string(resp.DetectedStage),
			TraceID:       traceID,
			CreatedAt:     now,
		})
		return err
	})
	_ = g.Wait()
}

func (s *Service) persistFailed(ctx context.Context, teamID, step string, err error) {
	s.logger.WarnContext(ctx, "oracle persistence step failed", "team_id", teamID, "step", step, "error", err)
	s.metrics.PersistenceFailures.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrStep.String(step)))
	s.reporter.Report(ctx, apperr.Database(fmt.Sprintf("oracle %s write failed", step), err).With("step", step))
	if s.pub != nil {
		s.pub.Publish(bus.TopicPersistFailed, bus.PersistFailed{TeamID: teamID, Step: step, Error: err.Error()})
	}
}
