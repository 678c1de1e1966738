package rag_test

import (
	"context"
	"testing"

	"github.com/piefi/oracle/internal/rag"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"one two three", 3},
		{"abcdefghijklmnop", 4},
	}
	for _, tt := range tests {
		if got := rag.EstimateTokens(tt.in); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestGather_TrimsToTokenBudget(t *testing.T) {
	const budget = 40
	b := rag.NewAggregator(newSource(), nil, rag.WithTokenBudget(budget)).Gather(context.Background(), fullRequest())

	if b.Dropped == 0 {
		t.Fatalf("nothing dropped; context:\n%s", b.Text)
	}
	if got := rag.EstimateTokens(b.Text); got > budget {
		t.Fatalf("context is %d tokens, budget %d:\n%s", got, budget, b.Text)
	}
	if b.Team == nil {
		t.Fatal("team block must survive trimming")
	}
	if len(b.Documents) > 0 && len(b.Resources) > 0 {
		t.Fatal("resources should be dropped before documents")
	}
}

func TestGather_ZeroBudgetKeepsEverything(t *testing.T) {
	b := rag.NewAggregator(newSource(), nil, rag.WithTokenBudget(0)).Gather(context.Background(), fullRequest())
	if b.Dropped != 0 || len(b.Resources) != 1 || len(b.Mentions) != 1 {
		t.Fatalf("dropped=%d resources=%d mentions=%d", b.Dropped, len(b.Resources), len(b.Mentions))
	}
}
