package oracle

import (
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/piefi/oracle/internal/stage"
)

// DefaultSystemPrompt constrains the model to the reply schema. ORACLE.md in
// the home directory replaces it.
const DefaultSystemPrompt = `You are the PieFi Oracle, an incubator program assistant that reads a team's progress note and classifies where the team is in its lifecycle.

Stages, in order: ideation, development, testing, launch, growth.

Reply with a single JSON object and nothing else. No prose before or after it, no Markdown fences. Keys:
  "detected_stage": one of the five stage names
  "feedback": 3 to 6 Markdown bullet points of concrete, encouraging feedback
  "summary": one sentence describing the team's current status
  "suggested_actions": an array of 3 to 5 short next steps`

const maxStatusSummary = 250

var defaultActions = map[stage.Stage][]string{
	stage.Ideation: {
		"Interview five potential customers about the problem",
		"Write down the riskiest assumption and how to test it",
		"Size the target market",
	},
	stage.Development: {
		"Cut the MVP scope to the one workflow users need most",
		"Ship a build to a handful of friendly users",
		"Set up basic usage analytics",
	},
	stage.Testing: {
		"Review user feedback for recurring themes",
		"Pick one metric that shows the product works",
		"Decide what to iterate on next week",
	},
	stage.Launch: {
		"Prepare the launch announcement and channels",
		"Define the first customer acquisition experiment",
		"Line up support for launch-week users",
	},
	stage.Growth: {
		"Identify the strongest acquisition channel and double down",
		"Track retention by cohort",
		"Plan the next hire",
	},
}

// buildUserPrompt places the gathered context ahead of the note.
func buildUserPrompt(contextText string, req Request) string {
	var b strings.Builder
	ctxText := strings.TrimSpace(contextText)
	if ctxText == "" {
		ctxText = "(no additional context available)"
	}
	b.WriteString(ctxText)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "SUBMITTED BY: %s (%s update)\n", req.Role, req.UpdateType)
	b.WriteString("NOTE:\n")
	b.WriteString(req.Text)
	return b.String()
}

func fallbackFeedback(r stage.Result) string {
	return "- " + r.Reasoning + "\n- Keep posting regular updates so the oracle can give sharper feedback."
}

func fallbackSummary(s stage.Stage) string {
	return fmt.Sprintf("Update recorded; the team appears to be in the %s stage.", s)
}

// Bounds on the suggested actions returned to the caller.
const (
	minActions = 3
	maxActions = 5
)

// shapeActions keeps at most maxActions of the model's actions and tops the
// list up to minActions from the stage defaults, skipping duplicates.
func shapeActions(actions []string, s stage.Stage) []string {
	if len(actions) > maxActions {
		actions = actions[:maxActions]
	}
	out := append([]string(nil), actions...)
	for _, d := range defaultActions[s] {
		if len(out) >= minActions {
			break
		}
		if !slices.Contains(out, d) {
			out = append(out, d)
		}
	}
	return out
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
