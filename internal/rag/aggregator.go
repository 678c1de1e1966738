// Package rag gathers the context bundle for an oracle request: the team
// record, its recent updates, knowledge-base documents the caller's role may
// see, relevant people and ranked resources.
package rag

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	otelPkg "github.com/piefi/oracle/internal/otel"
	"github.com/piefi/oracle/internal/persistence"
)

// Slice caps.
const (
	MaxUpdates   = 5
	MaxDocuments = 3
	MaxPeople    = 5
	MaxMentions  = 3
	MaxResources = 5
)

// Slice names, used in Bundle.Failures and logs.
const (
	SliceTeam      = "team"
	SliceUpdates   = "updates"
	SliceDocuments = "documents"
	SlicePeople    = "people"
	SliceMentions  = "mentions"
	SliceResources = "resources"
)

// Source is the read side of the store the aggregator draws from.
type Source interface {
	GetTeam(ctx context.Context, teamID string) (*persistence.Team, error)
	ListRecentUpdates(ctx context.Context, teamID string, limit int) ([]persistence.Update, error)
	SearchDocuments(ctx context.Context, q persistence.DocumentQuery) ([]persistence.Document, error)
	SearchProfiles(ctx context.Context, terms []string, excludeUserID string, limit int) ([]persistence.Profile, error)
	SearchMentions(ctx context.Context, names []string, limit int) ([]persistence.Profile, error)
}

// Request selects which slices to gather.
type Request struct {
	Role   string
	TeamID string
	UserID string
	Query  string

	NeedTeamContext     bool
	NeedMentions        bool
	NeedResources       bool
	NeedPersonalization bool
}

// Bundle is the gathered context. A failed slice is left empty and named
// in Failures.
type Bundle struct {
	Team      *persistence.Team
	Updates   []persistence.Update
	Documents []persistence.Document
	People    []persistence.Profile
	Mentions  []persistence.Profile
	Resources []RankedResource
	Failures  map[string]error
	Text      string

	// Dropped counts items cut to fit the token budget.
	Dropped int
}

// SourceCount is the number of documents and updates consulted.
func (b Bundle) SourceCount() int {
	return len(b.Documents) + len(b.Updates)
}

// Failed reports whether the named slice failed.
func (b Bundle) Failed(slice string) bool {
	_, ok := b.Failures[slice]
	return ok
}

type Aggregator struct {
	src     Source
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otelPkg.Metrics
	budget  int
}

type Option func(*Aggregator)

func WithTracer(t trace.Tracer) Option { return func(a *Aggregator) { a.tracer = t } }

func WithMetrics(m *otelPkg.Metrics) Option { return func(a *Aggregator) { a.metrics = m } }

// WithTokenBudget overrides DefaultTokenBudget; zero disables the cap.
func WithTokenBudget(n int) Option { return func(a *Aggregator) { a.budget = n } }

func NewAggregator(src Source, logger *slog.Logger, opts ...Option) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Aggregator{
		src:     src,
		logger:  logger.With("component", "rag"),
		tracer:  otelPkg.NoopTracer(),
		metrics: otelPkg.NoopMetrics(),
		budget:  DefaultTokenBudget,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Gather fetches every requested slice concurrently and waits for all of
// them. It never fails: a slice whose fetch errors (or panics) is logged,
// recorded in Failures and left empty.
func (a *Aggregator) Gather(ctx context.Context, req Request) Bundle {
	ctx, span := otelPkg.StartSpan(ctx, a.tracer, "rag.gather",
		otelPkg.AttrTeamID.String(req.TeamID),
		otelPkg.AttrRole.String(req.Role),
	)
	defer span.End()

	var (
		b  Bundle
		mu sync.Mutex
	)
	terms := Terms(req.Query)

	fail := func(slice string, err error) {
		mu.Lock()
		if b.Failures == nil {
			b.Failures = make(map[string]error)
		}
		b.Failures[slice] = err
		mu.Unlock()
		a.logger.WarnContext(ctx, "context slice failed", "slice", slice, "team_id", req.TeamID, "error", err)
		a.metrics.ContextSliceErrors.Add(ctx, 1, metric.WithAttributes(otelPkg.AttrSlice.String(slice)))
		span.AddEvent("slice_failed", trace.WithAttributes(otelPkg.AttrSlice.String(slice)))
	}

	var g errgroup.Group
	run := func(slice string, fn func() error) {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					fail(slice, fmt.Errorf("panic: %v", r))
				}
			}()
			if err := fn(); err != nil {
				fail(slice, err)
			}
			return nil
		})
	}

	if req.NeedTeamContext && req.TeamID != "" {
		run(SliceTeam, func() error {
			team, err := a.src.GetTeam(ctx, req.TeamID)
			if err != nil {
				return err
			}
			b.Team = team
			return nil
		})
		run(SliceUpdates, func() error {
			updates, err := a.src.ListRecentUpdates(ctx, req.TeamID, MaxUpdates)
			if err != nil {
				return err
			}
			b.Updates = capSlice(updates, MaxUpdates)
			return nil
		})
	}

	if len(terms) > 0 {
		run(SliceDocuments, func() error {
			docs, err := a.src.SearchDocuments(ctx, persistence.DocumentQuery{
				Role:  req.Role,
				Terms: terms,
				Limit: MaxDocuments,
			})
			if err != nil {
				return err
			}
			b.Documents = capSlice(visibleTo(docs, req.Role), MaxDocuments)
			return nil
		})
	}

	if req.NeedPersonalization && len(terms) > 0 {
		run(SlicePeople, func() error {
			people, err := a.src.SearchProfiles(ctx, terms, req.UserID, MaxPeople)
			if err != nil {
				return err
			}
			b.People = capSlice(excludeUser(people, req.UserID), MaxPeople)
			return nil
		})
	}

	if req.NeedMentions {
		names := Mentions(req.Query)
		if len(names) == 0 {
			names = terms
		}
		if len(names) > 0 {
			run(SliceMentions, func() error {
				people, err := a.src.SearchMentions(ctx, names, MaxMentions)
				if err != nil {
					return err
				}
				b.Mentions = capSlice(people, MaxMentions)
				return nil
			})
		}
	}

	if req.NeedResources && len(terms) > 0 {
		run(SliceResources, func() error {
			docs, err := a.src.SearchDocuments(ctx, persistence.DocumentQuery{
				Role:       req.Role,
				Terms:      terms,
				SourceType: persistence.SourceResource,
				Limit:      MaxResources,
			})
			if err != nil {
				return err
			}
			b.Resources = RankResources(capSlice(visibleTo(docs, req.Role), MaxResources), req.Query)
			return nil
		})
	}

	_ = g.Wait()

	if b.Dropped = fit(&b, a.budget); b.Dropped > 0 {
		a.logger.DebugContext(ctx, "context trimmed to token budget", "team_id", req.TeamID, "dropped", b.Dropped, "budget", a.budget)
	}
	b.Text = Render(b)
	span.SetAttributes(
		attribute.Int("rag.sources", b.SourceCount()),
		attribute.Int("rag.failures", len(b.Failures)),
		attribute.Int("rag.dropped", b.Dropped),
	)
	return b
}

// visibleTo drops documents whose visibility list lacks role. The store
// filters too; this keeps the rule independent of the Source.
func visibleTo(docs []persistence.Document, role string) []persistence.Document {
	out := docs[:0:0]
	for _, d := range docs {
		if slices.Contains(d.RoleVisibility, role) {
			out = append(out, d)
		}
	}
	return out
}

func excludeUser(people []persistence.Profile, userID string) []persistence.Profile {
	if userID == "" {
		return people
	}
	out := people[:0:0]
	for _, p := range people {
		if p.UserID != userID {
			out = append(out, p)
		}
	}
	return out
}

func capSlice[T any](s []T, n int) []T {
	if len(s) > n {
		return s[:n]
	}
	return s
}
