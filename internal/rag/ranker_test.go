package rag

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/piefi/oracle/internal/persistence"
)

func TestScore(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		metadata map[string]any
		query    string
		want     float64
	}{
		{"empty query", "anything", nil, "   ", 0},
		{"all content hits", "Pricing guide for SaaS", nil, "pricing saas", 1},
		{"half content hits", "pricing guide", nil, "pricing churn", 0.5},
		{"metadata only", "guide", map[string]any{"topic": "Churn"}, "churn", 0.5},
		{"content and metadata clamp", "churn", map[string]any{"topic": "churn"}, "churn", 1},
		{"nested metadata", "x", map[string]any{"a": map[string]any{"b": []any{"growth", 42}}}, "growth 42", 0.5},
		{"substring is not a token hit", "prototyping", nil, "prototype", 0},
		{"no hits", "abc", nil, "xyz", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Score(tt.content, tt.metadata, tt.query)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Fatalf("Score = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScore_Idempotent(t *testing.T) {
	meta := map[string]any{"tags": []any{"fundraising", "deck"}, "level": 2}
	a := Score("Seed fundraising deck template", meta, "fundraising deck investors")
	b := Score("Seed fundraising deck template", meta, "fundraising deck investors")
	if a != b {
		t.Fatalf("scores differ: %v vs %v", a, b)
	}
	if a < 0 || a > 1 {
		t.Fatalf("score out of range: %v", a)
	}
}

func TestRankResources_StableDescending(t *testing.T) {
	docs := []persistence.Document{
		{ID: "low", Content: "nothing relevant"},
		{ID: "tie-a", Content: "pricing"},
		{ID: "high", Content: "pricing strategy"},
		{ID: "tie-b", Content: "strategy"},
	}
	got := RankResources(docs, "pricing strategy")
	var ids []string
	for _, r := range got {
		ids = append(ids, r.ID)
	}
	want := []string{"high", "tie-a", "tie-b", "low"}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Fatalf("order (-want +got):\n%s", diff)
	}
	if got[0].Score != 1 {
		t.Fatalf("top score = %v", got[0].Score)
	}
}

func TestTerms(t *testing.T) {
	got := Terms("We shipped the MVP, the MVP! and got first-user feedback on it")
	want := []string{"shipped", "the", "mvp", "and", "got", "first-user", "feedback"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("terms (-want +got):\n%s", diff)
	}
	if Terms("a an to") != nil {
		t.Fatal("short tokens should be dropped")
	}
}

func TestMentions(t *testing.T) {
	got := Mentions("met with @Grace and @linus.t, thanks @grace!")
	want := []string{"grace", "linus.t"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("mentions (-want +got):\n%s", diff)
	}
}
