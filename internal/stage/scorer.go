package stage

import (
	"fmt"
	"slices"
	"strings"
)

const (
	// MaxHistory bounds how many recent updates contribute to a score.
	MaxHistory = 5

	currentStageBonus = 2.0
	historyHitWeight  = 0.5
	noteHitWeight     = 1.0

	baseConfidence = 0.5
	maxConfidence  = 0.95
)

// keywords is the stage keyword table. Matching is a case-insensitive
// substring test.
var keywords = map[Stage][]string{
	Ideation:    {"idea", "validate", "problem", "market", "customer", "research", "hypothesis"},
	Development: {"build", "code", "feature", "mvp", "prototype", "develop", "implement"},
	Testing:     {"test", "feedback", "user", "iterate", "data", "analytics", "pivot"},
	Launch:      {"launch", "marketing", "customer", "acquire", "sales", "campaign"},
	Growth:      {"scale", "growth", "optimize", "metrics", "revenue", "team"},
}

// Keywords returns a copy of the keywords that count toward s.
func Keywords(s Stage) []string {
	return slices.Clone(keywords[s])
}

// Result is the scorer's verdict.
type Result struct {
	Stage      Stage             `json:"stage"`
	Confidence float64           `json:"confidence"`
	Reasoning  string            `json:"reasoning"`
	Scores     map[Stage]float64 `json:"scores"`
}

// Score classifies note given the team's recent update texts (most recent
// first) and its currently recorded stage, which may be empty.
func Score(note string, history []string, current Stage) Result {
	if len(history) > MaxHistory {
		history = history[:MaxHistory]
	}
	lowerNote := strings.ToLower(note)
	lowerHistory := make([]string, len(history))
	for i, h := range history {
		lowerHistory[i] = strings.ToLower(h)
	}

	scores := make(map[Stage]float64, len(order))
	for _, s := range order {
		var score float64
		if s == current {
			score += currentStageBonus
		}
		for _, kw := range keywords[s] {
			for _, h := range lowerHistory {
				if strings.Contains(h, kw) {
					score += historyHitWeight
				}
			}
			if strings.Contains(lowerNote, kw) {
				score += noteHitWeight
			}
		}
		scores[s] = score
	}

	best := order[0]
	for _, s := range order[1:] {
		if scores[s] > scores[best] {
			best = s
		}
	}
	maxScore := scores[best]
	if maxScore == 0 {
		best = Default
	}

	return Result{
		Stage:      best,
		Confidence: confidence(maxScore),
		Reasoning:  reasoning(best, maxScore),
		Scores:     scores,
	}
}

func confidence(maxScore float64) float64 {
	c := baseConfidence + maxScore/10
	if c > maxConfidence {
		return maxConfidence
	}
	return c
}

func reasoning(s Stage, maxScore float64) string {
	if maxScore == 0 {
		return fmt.Sprintf("No stage signals found; defaulting to the %s stage.", s)
	}
	return fmt.Sprintf("Keyword analysis of the note and recent updates points to the %s stage (score %.1f).", s, maxScore)
}
