package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/piefi/oracle/internal/apperr"
	"github.com/piefi/oracle/internal/bus"
	"github.com/piefi/oracle/internal/persistence"
	"github.com/piefi/oracle/internal/stage"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "oracle.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func seedTeam(t *testing.T, store *persistence.Store, id string, st stage.Stage) {
	t.Helper()
	err := store.CreateTeam(context.Background(), persistence.Team{
		ID:    id,
		Name:  "Team " + id,
		Stage: st,
		Tags:  []string{"fintech"},
		Members: []persistence.Member{
			{UserID: "u-" + id, Role: "builder"},
		},
		Tasks: []persistence.TeamTask{{Title: "write landing page"}},
	})
	if err != nil {
		t.Fatalf("create team: %v", err)
	}
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	if journal := queryOneString(t, db, "PRAGMA journal_mode;"); journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}
	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}

	v, err := store.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if v != 2 {
		t.Fatalf("schema version = %d, want 2", v)
	}

	for _, table := range []string{
		"teams", "team_members", "team_tasks", "updates", "team_status", "documents",
		"profiles", "oracle_logs", "error_logs", "rate_windows", "audit_log",
	} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}

func TestStore_ReopenIsIdempotent(t *testing.T) {
	_, path := openTestStore(t)
	again, err := persistence.Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = again.Close()
}

func TestStore_RejectsNewerSchema(t *testing.T) {
	store, path := openTestStore(t)
	if _, err := store.DB().Exec(`INSERT INTO schema_migrations (version, checksum) VALUES (99, 'future')`); err != nil {
		t.Fatalf("insert future version: %v", err)
	}
	_ = store.Close()

	if _, err := persistence.Open(path, nil); err == nil {
		t.Fatal("expected error opening a database with a newer schema")
	}
}

func TestStore_TeamRoundTrip(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	seedTeam(t, store, "T1", stage.Ideation)

	team, err := store.GetTeam(ctx, "T1")
	if err != nil {
		t.Fatalf("get team: %v", err)
	}
	if team.Stage != stage.Ideation || team.Name != "Team T1" {
		t.Fatalf("team = %+v", team)
	}
	if diff := cmp.Diff([]string{"fintech"}, team.Tags); diff != "" {
		t.Fatalf("tags (-want +got):\n%s", diff)
	}
	if len(team.Members) != 1 || team.Members[0].UserID != "u-T1" {
		t.Fatalf("members = %+v", team.Members)
	}
	if len(team.Tasks) != 1 || team.Tasks[0].Title != "write landing page" {
		t.Fatalf("tasks = %+v", team.Tasks)
	}
	if team.Status != nil {
		t.Fatalf("status should be nil before any upsert, got %+v", team.Status)
	}

	if _, err := store.GetTeam(ctx, "missing"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("missing team err = %v", err)
	}
}

func TestStore_StageCheckConstraint(t *testing.T) {
	store, _ := openTestStore(t)
	seedTeam(t, store, "T1", stage.Ideation)
	_, err := store.DB().Exec(`UPDATE teams SET stage = 'scale-up' WHERE id = 'T1'`)
	if err == nil {
		t.Fatal("expected CHECK constraint violation for unknown stage")
	}
}

func TestStore_SetTeamStagePublishesChange(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicTeamStageChanged)
	defer b.Unsubscribe(sub)

	store, err := persistence.Open(filepath.Join(t.TempDir(), "oracle.db"), b)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	seedTeam(t, store, "T1", stage.Ideation)

	changed, prev, err := store.SetTeamStage(ctx, "T1", stage.Development)
	if err != nil {
		t.Fatalf("set stage: %v", err)
	}
	if !changed || prev != stage.Ideation {
		t.Fatalf("changed=%v prev=%q", changed, prev)
	}

	select {
	case ev := <-sub.Ch():
		got, ok := ev.Payload.(bus.TeamStageChanged)
		if !ok {
			t.Fatalf("payload type %T", ev.Payload)
		}
		want := bus.TeamStageChanged{TeamID: "T1", OldStage: "ideation", NewStage: "development"}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("event (-want +got):\n%s", diff)
		}
	case <-time.After(time.Second):
		t.Fatal("no stage change event")
	}

	changed, _, err = store.SetTeamStage(ctx, "T1", stage.Development)
	if err != nil {
		t.Fatalf("set same stage: %v", err)
	}
	if changed {
		t.Fatal("setting the same stage must not report a change")
	}
	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	if _, _, err := store.SetTeamStage(ctx, "nope", stage.Growth); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("missing team err = %v", err)
	}
	if _, _, err := store.SetTeamStage(ctx, "T1", stage.Stage("bogus")); err == nil {
		t.Fatal("expected error for invalid stage")
	}
}

func TestStore_TeamStatusUpsertIsLastWriteWins(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	seedTeam(t, store, "T1", stage.Development)

	if err := store.UpsertTeamStatus(ctx, persistence.TeamStatus{
		TeamID: "T1", Summary: "first", PendingActions: []string{"a"},
	}); err != nil {
		t.Fatalf("upsert 1: %v", err)
	}
	if err := store.UpsertTeamStatus(ctx, persistence.TeamStatus{
		TeamID: "T1", Summary: "second", PendingActions: []string{"b", "c"},
	}); err != nil {
		t.Fatalf("upsert 2: %v", err)
	}

	var rows int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM team_status WHERE team_id = 'T1'`).Scan(&rows); err != nil {
		t.Fatalf("count: %v", err)
	}
	if rows != 1 {
		t.Fatalf("status rows = %d, want 1", rows)
	}
	st, err := store.GetTeamStatus(ctx, "T1")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if st.Summary != "second" {
		t.Fatalf("summary = %q", st.Summary)
	}
	if diff := cmp.Diff([]string{"b", "c"}, st.PendingActions); diff != "" {
		t.Fatalf("actions (-want +got):\n%s", diff)
	}
}

func TestStore_UpdatesNewestFirstWithTypeMapping(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	seedTeam(t, store, "T1", stage.Development)

	base := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	kinds := []string{"daily", "milestone", "mentor_meeting", "unknown"}
	for i, k := range kinds {
		if _, err := store.InsertUpdate(ctx, persistence.Update{
			TeamID:    "T1",
			Content:   "note " + k,
			Type:      k,
			CreatedBy: "u1",
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}); err != nil {
			t.Fatalf("insert update %s: %v", k, err)
		}
	}

	got, err := store.ListRecentUpdates(ctx, "T1", 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var types []string
	for _, u := range got {
		types = append(types, u.Type)
	}
	want := []string{"progress", "meeting", "milestone"}
	if diff := cmp.Diff(want, types); diff != "" {
		t.Fatalf("types newest first (-want +got):\n%s", diff)
	}
	if got[0].Content != "note unknown" {
		t.Fatalf("newest = %q", got[0].Content)
	}
}

func TestStore_InsertUpdateRequiresExistingTeam(t *testing.T) {
	store, _ := openTestStore(t)
	_, err := store.InsertUpdate(context.Background(), persistence.Update{TeamID: "ghost", Content: "x"})
	if err == nil {
		t.Fatal("expected foreign key failure")
	}
}

func TestStore_SearchDocumentsEnforcesRoleVisibility(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	docs := []persistence.Document{
		{ID: "d1", Content: "How to run customer interviews", RoleVisibility: []string{"builder", "mentor"}},
		{ID: "d2", Content: "Mentor-only grading rubric for customer pitches", RoleVisibility: []string{"mentor", "lead"}},
		{ID: "d3", Content: "Pricing templates", RoleVisibility: []string{"builder"}, SourceType: persistence.SourceResource,
			Metadata: map[string]any{"topic": "pricing"}},
	}
	for _, d := range docs {
		if _, err := store.InsertDocument(ctx, d); err != nil {
			t.Fatalf("insert %s: %v", d.ID, err)
		}
	}

	got, err := store.SearchDocuments(ctx, persistence.DocumentQuery{Role: "builder", Terms: []string{"customer"}, Limit: 5})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 || got[0].ID != "d1" {
		t.Fatalf("builder results = %+v", got)
	}

	got, err = store.SearchDocuments(ctx, persistence.DocumentQuery{Role: "mentor", Terms: []string{"customer"}, Limit: 5})
	if err != nil {
		t.Fatalf("search mentor: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("mentor results = %d, want 2", len(got))
	}

	got, err = store.SearchDocuments(ctx, persistence.DocumentQuery{
		Role: "builder", Terms: []string{"pricing", "customer"}, SourceType: persistence.SourceResource,
	})
	if err != nil {
		t.Fatalf("search resources: %v", err)
	}
	if len(got) != 1 || got[0].ID != "d3" || got[0].Metadata["topic"] != "pricing" {
		t.Fatalf("resource results = %+v", got)
	}

	if _, err := store.SearchDocuments(ctx, persistence.DocumentQuery{Terms: []string{"x"}}); err == nil {
		t.Fatal("expected error when role is missing")
	}
	got, err = store.SearchDocuments(ctx, persistence.DocumentQuery{Role: "builder"})
	if err != nil || got != nil {
		t.Fatalf("empty terms = %v, %v", got, err)
	}
}

func TestStore_SearchDocumentsOrdersByTermHits(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	all := []string{"builder"}
	if _, err := store.InsertDocument(ctx, persistence.Document{ID: "one", Content: "mvp checklist", RoleVisibility: all}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.InsertDocument(ctx, persistence.Document{ID: "two", Content: "mvp prototype feedback loop", RoleVisibility: all}); err != nil {
		t.Fatal(err)
	}
	got, err := store.SearchDocuments(ctx, persistence.DocumentQuery{Role: "builder", Terms: []string{"mvp", "prototype", "feedback"}})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 2 || got[0].ID != "two" {
		t.Fatalf("order = %+v", got)
	}
}

func TestStore_SearchProfilesExcludesCaller(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	for _, p := range []persistence.Profile{
		{UserID: "u1", Name: "Ada", Bio: "payments engineer", Skills: []string{"go"}},
		{UserID: "u2", Name: "Grace", Bio: "payments and compliance", Role: "mentor"},
		{UserID: "u3", Name: "Linus", Bio: "kernels"},
	} {
		if err := store.UpsertProfile(ctx, p); err != nil {
			t.Fatalf("upsert %s: %v", p.UserID, err)
		}
	}

	got, err := store.SearchProfiles(ctx, []string{"payments"}, "u1", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 || got[0].UserID != "u2" || got[0].Role != "mentor" {
		t.Fatalf("profiles = %+v", got)
	}

	mentions, err := store.SearchMentions(ctx, []string{"linus"}, 3)
	if err != nil {
		t.Fatalf("mentions: %v", err)
	}
	if len(mentions) != 1 || mentions[0].Name != "Linus" {
		t.Fatalf("mentions = %+v", mentions)
	}
}

func TestStore_OracleLogsAppendOnly(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	for i, team := range []string{"T1", "T2", "T1"} {
		if _, err := store.InsertOracleLog(ctx, persistence.OracleLog{
			Query: "q", Response: "r", Role: "builder", TeamID: team,
			SourcesUsed: i, ProcessingMS: 12, DetectedStage: "testing",
		}); err != nil {
			t.Fatalf("insert log: %v", err)
		}
	}
	t1, err := store.ListOracleLogs(ctx, "T1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(t1) != 2 || t1[0].SourcesUsed != 2 {
		t.Fatalf("T1 logs = %+v", t1)
	}
	all, err := store.ListOracleLogs(ctx, "", 10)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("all logs = %d", len(all))
	}
}

func TestStore_ErrorLogsRoundTrip(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	var w apperr.LogWriter = store
	entry := apperr.LogEntry{
		Kind: "DATABASE", Severity: "error", Message: "insert update failed",
		Cause: "disk I/O error", Context: "team_id=T1", TraceID: "tr-1", SpanID: "sp-1",
		CreatedAt: time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := w.InsertErrorLog(ctx, entry); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := store.ListErrorLogs(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("entries = %d", len(got))
	}
	if diff := cmp.Diff(entry, got[0]); diff != "" {
		t.Fatalf("entry (-want +got):\n%s", diff)
	}
}

func TestStore_IncrementRateWindow(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	for i := 1; i <= 3; i++ {
		n, reset, err := store.IncrementRateWindow(ctx, "k", time.Minute, now.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
		if n != i {
			t.Fatalf("count = %d, want %d", n, i)
		}
		if !reset.Equal(now.Add(time.Second + time.Minute)) {
			t.Fatalf("reset = %v", reset)
		}
	}

	n, _, err := store.IncrementRateWindow(ctx, "k", time.Minute, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("increment after expiry: %v", err)
	}
	if n != 1 {
		t.Fatalf("count after expiry = %d, want 1", n)
	}
}

func TestStore_IncrementRateWindowConcurrent(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := store.IncrementRateWindow(ctx, "shared", time.Minute, now); err != nil {
				t.Errorf("increment: %v", err)
			}
		}()
	}
	wg.Wait()

	n, _, err := store.IncrementRateWindow(ctx, "shared", time.Minute, now)
	if err != nil {
		t.Fatalf("final increment: %v", err)
	}
	if n != 21 {
		t.Fatalf("count = %d, want 21", n)
	}
}

func TestStore_RunRetentionLeavesUpdates(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	seedTeam(t, store, "T1", stage.Development)
	now := time.Date(2026, 9, 30, 0, 0, 0, 0, time.UTC)
	old := now.AddDate(0, 0, -400)

	if _, err := store.InsertUpdate(ctx, persistence.Update{TeamID: "T1", Content: "ancient", CreatedAt: old}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.InsertOracleLog(ctx, persistence.OracleLog{Query: "q", Response: "r", Role: "builder", CreatedAt: old}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.InsertOracleLog(ctx, persistence.OracleLog{Query: "q", Response: "r", Role: "builder", CreatedAt: now}); err != nil {
		t.Fatal(err)
	}
	if err := store.InsertErrorLog(ctx, apperr.LogEntry{Kind: "DATABASE", Severity: "error", Message: "m", CreatedAt: old}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.IncrementRateWindow(ctx, "k", time.Minute, old); err != nil {
		t.Fatal(err)
	}

	res, err := store.RunRetention(ctx, persistence.RetentionPolicy{OracleLogDays: 30, ErrorLogDays: 30}, now)
	if err != nil {
		t.Fatalf("retention: %v", err)
	}
	want := persistence.RetentionResult{PurgedOracleLogs: 1, PurgedErrorLogs: 1, PurgedRateWindows: 1}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Fatalf("result (-want +got):\n%s", diff)
	}

	updates, err := store.ListRecentUpdates(ctx, "T1", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(updates) != 1 {
		t.Fatalf("updates purged: %d left", len(updates))
	}

	again, err := store.RunRetention(ctx, persistence.RetentionPolicy{OracleLogDays: 30, ErrorLogDays: 30}, now)
	if err != nil {
		t.Fatalf("second retention: %v", err)
	}
	if again != (persistence.RetentionResult{}) {
		t.Fatalf("retention not idempotent: %+v", again)
	}
}
