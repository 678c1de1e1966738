package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/piefi/oracle/internal/config"
	"github.com/piefi/oracle/internal/engine"
	"github.com/piefi/oracle/internal/gateway"
	"github.com/piefi/oracle/internal/oracle"
	"github.com/piefi/oracle/internal/persistence"
	"github.com/piefi/oracle/internal/stage"
)

type fakeClassifier struct {
	mu   sync.Mutex
	reqs []oracle.Request
}

func (f *fakeClassifier) Handle(_ context.Context, req oracle.Request) (oracle.Response, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return oracle.Response{
		DetectedStage: stage.Development,
		Feedback:      "Keep going",
		Summary:       "Progress",
		UpdatedStage:  stage.Development,
	}, nil
}

func (f *fakeClassifier) last() oracle.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

func (f *fakeClassifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func newStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "oracle.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	for _, id := range []string{"T1", "T2"} {
		err := store.CreateTeam(ctx, persistence.Team{
			ID:      id,
			Name:    "Team " + id,
			Stage:   stage.Ideation,
			Members: []persistence.Member{{UserID: "u-" + strings.ToLower(id), Role: "builder"}},
		})
		if err != nil {
			t.Fatalf("create team: %v", err)
		}
	}
	return store
}

func keyedAuth() config.AuthConfig {
	return config.AuthConfig{
		Enabled: true,
		Keys: []config.APIKeyEntry{
			{Key: "builder-t1", UserID: "u-t1", Role: "builder"},
			{Key: "mentor-key", UserID: "u-mentor", Role: "mentor"},
			{Key: "lead-key", UserID: "u-lead", Role: "lead"},
		},
	}
}

func do(t *testing.T, h http.Handler, method, path, key, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "192.0.2.10:40000"
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestOracle_MissingFieldsIs400(t *testing.T) {
	store := newStore(t)
	svc := oracle.NewService(store, engine.CompleterFunc(func(context.Context, engine.Prompt) (string, error) {
		t.Fatal("model must not be called for an invalid request")
		return "", nil
	}), nil)
	h := gateway.New(gateway.Config{Oracle: svc, Store: store}).Handler()

	rec := do(t, h, "POST", "/api/oracle", "", `{"teamId":"T1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if got := decode(t, rec)["error"]; got != "Missing teamId or text" {
		t.Fatalf("error = %v", got)
	}
	updates, _ := store.ListRecentUpdates(context.Background(), "T1", 5)
	if len(updates) != 0 {
		t.Fatalf("no update should be written, got %d", len(updates))
	}
}

func TestOracle_InvalidJSONIs400(t *testing.T) {
	h := gateway.New(gateway.Config{Oracle: &fakeClassifier{}, Store: newStore(t)}).Handler()
	rec := do(t, h, "POST", "/api/oracle", "", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestOracle_RateLimitWindow(t *testing.T) {
	clk := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	limiter := gateway.NewFixedWindowLimiter(100, time.Minute)
	limiter.SetClock(clk.Now)
	h := gateway.New(gateway.Config{
		Oracle:  &fakeClassifier{},
		Store:   newStore(t),
		Limiter: limiter,
	}).Handler()

	body := `{"teamId":"T1","text":"shipped login"}`
	for i := 1; i <= 100; i++ {
		if rec := do(t, h, "POST", "/api/oracle", "", body); rec.Code != http.StatusOK {
			t.Fatalf("request %d: got %d", i, rec.Code)
		}
	}
	rec := do(t, h, "POST", "/api/oracle", "", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("request 101: got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After on 429")
	}

	clk.Advance(time.Minute)
	if rec := do(t, h, "POST", "/api/oracle", "", body); rec.Code != http.StatusOK {
		t.Fatalf("after reset: got %d", rec.Code)
	}
	if rec := do(t, h, "POST", "/api/oracle", "", body); rec.Code != http.StatusOK {
		t.Fatalf("second after reset: got %d", rec.Code)
	}
}

func TestOracle_CallerIdentityOverridesBody(t *testing.T) {
	fc := &fakeClassifier{}
	h := gateway.New(gateway.Config{Oracle: fc, Store: newStore(t), Auth: keyedAuth()}).Handler()

	rec := do(t, h, "POST", "/api/oracle", "mentor-key", `{"teamId":"T1","text":"demo day prep","userId":"someone-else","role":"builder"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	got := fc.last()
	if got.UserID != "u-mentor" || got.Role != "builder" {
		t.Fatalf("request = %+v", got)
	}

	_ = do(t, h, "POST", "/api/oracle", "mentor-key", `{"teamId":"T1","text":"demo day prep"}`)
	if got := fc.last(); got.Role != "mentor" {
		t.Fatalf("default role = %q, want mentor", got.Role)
	}
}

func TestOracle_RoleEscalationIs403(t *testing.T) {
	fc := &fakeClassifier{}
	h := gateway.New(gateway.Config{Oracle: fc, Store: newStore(t), Auth: keyedAuth()}).Handler()

	rec := do(t, h, "POST", "/api/oracle", "builder-t1", `{"teamId":"T1","text":"x","role":"lead"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if fc.count() != 0 {
		t.Fatal("classifier should not run on a denied role")
	}
}

func TestOracle_UnauthenticatedIs401(t *testing.T) {
	h := gateway.New(gateway.Config{Oracle: &fakeClassifier{}, Store: newStore(t), Auth: keyedAuth()}).Handler()
	rec := do(t, h, "POST", "/api/oracle", "", `{"teamId":"T1","text":"x"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestTeams_MembershipRules(t *testing.T) {
	h := gateway.New(gateway.Config{Oracle: &fakeClassifier{}, Store: newStore(t), Auth: keyedAuth()}).Handler()

	tests := []struct {
		name string
		key  string
		path string
		want int
	}{
		{"member reads own team", "builder-t1", "/api/teams/T1", http.StatusOK},
		{"builder denied other team", "builder-t1", "/api/teams/T2", http.StatusForbidden},
		{"mentor reads any team", "mentor-key", "/api/teams/T2", http.StatusOK},
		{"unknown team", "lead-key", "/api/teams/nope", http.StatusNotFound},
		{"member reads updates", "builder-t1", "/api/teams/T1/updates", http.StatusOK},
		{"builder denied other updates", "builder-t1", "/api/teams/T2/updates", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, "GET", tt.path, tt.key, "")
			if rec.Code != tt.want {
				t.Fatalf("got %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestTeams_NotFoundBody(t *testing.T) {
	h := gateway.New(gateway.Config{Oracle: &fakeClassifier{}, Store: newStore(t)}).Handler()
	rec := do(t, h, "GET", "/api/teams/ghost", "", "")
	if got := decode(t, rec)["error"]; got != "Team not found" {
		t.Fatalf("error = %v", got)
	}
}

func TestTeamUpdates_ReturnsNewestFirst(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	for _, text := range []string{"first", "second"} {
		if _, err := store.InsertUpdate(ctx, persistence.Update{TeamID: "T1", Content: text, Type: "daily"}); err != nil {
			t.Fatalf("insert update: %v", err)
		}
	}
	h := gateway.New(gateway.Config{Oracle: &fakeClassifier{}, Store: store}).Handler()

	rec := do(t, h, "GET", "/api/teams/T1/updates?limit=1", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		TeamID  string               `json:"team_id"`
		Updates []persistence.Update `json:"updates"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.TeamID != "T1" || len(body.Updates) != 1 || body.Updates[0].Content != "second" {
		t.Fatalf("body = %+v", body)
	}
}

func TestLogs_LeadOnly(t *testing.T) {
	h := gateway.New(gateway.Config{Oracle: &fakeClassifier{}, Store: newStore(t), Auth: keyedAuth()}).Handler()

	if rec := do(t, h, "GET", "/api/logs", "mentor-key", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("mentor: expected 403, got %d", rec.Code)
	}
	rec := do(t, h, "GET", "/api/logs?team=T1", "lead-key", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("lead: expected 200, got %d", rec.Code)
	}
	if logs, ok := decode(t, rec)["logs"].([]any); !ok || len(logs) != 0 {
		t.Fatalf("logs = %v", decode(t, rec)["logs"])
	}
}

func TestHealthz(t *testing.T) {
	h := gateway.New(gateway.Config{
		Oracle:            &fakeClassifier{},
		Store:             newStore(t),
		Auth:              keyedAuth(),
		ConfigFingerprint: "abc123",
		Version:           "test",
	}).Handler()

	rec := do(t, h, "GET", "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decode(t, rec)
	if body["db_ok"] != true || body["config_fingerprint"] != "abc123" || body["version"] != "test" {
		t.Fatalf("healthz = %v", body)
	}
	if rec.Header().Get("X-Trace-Id") == "" {
		t.Fatal("expected X-Trace-Id header")
	}
}

func TestTraceIDIsEchoed(t *testing.T) {
	h := gateway.New(gateway.Config{Oracle: &fakeClassifier{}, Store: newStore(t)}).Handler()
	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("X-Trace-Id", "trace-from-client")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Trace-Id"); got != "trace-from-client" {
		t.Fatalf("X-Trace-Id = %q", got)
	}
}
