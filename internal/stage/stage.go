// Package stage classifies a team's position in the incubator lifecycle.
//
// The keyword table in this package is the single source for stage
// heuristics; both the offline scorer and model-output coercion use it.
package stage

import (
	"regexp"
	"strings"
)

// Stage is one of the five lifecycle phases a team moves through.
type Stage string

const (
	Ideation    Stage = "ideation"
	Development Stage = "development"
	Testing     Stage = "testing"
	Launch      Stage = "launch"
	Growth      Stage = "growth"
)

// Default is returned whenever free-form input names no recognisable stage
// and when the scorer has no signal at all (no current stage, no keyword hit).
const Default = Development

// order is the declaration order used for tie breaking.
var order = []Stage{Ideation, Development, Testing, Launch, Growth}

// All returns the stages in declaration order.
func All() []Stage {
	out := make([]Stage, len(order))
	copy(out, order)
	return out
}

// Valid reports whether s is one of the canonical stages.
func (s Stage) Valid() bool {
	_, ok := Parse(string(s))
	return ok
}

func (s Stage) String() string { return string(s) }

// Parse accepts only canonical stage names (case and surrounding space
// insensitive).
func Parse(raw string) (Stage, bool) {
	v := Stage(strings.ToLower(strings.TrimSpace(raw)))
	for _, s := range order {
		if v == s {
			return s, true
		}
	}
	return "", false
}

type synonym struct {
	stage   Stage
	pattern *regexp.Regexp
}

// synonyms are tried in order after an exact Parse fails.
var synonyms = []synonym{
	{Growth, regexp.MustCompile(`(?i)scale|growth|traction|expan`)},
	{Launch, regexp.MustCompile(`(?i)launch|go.?to.?market|gtm|release|sales`)},
	{Testing, regexp.MustCompile(`(?i)test|pilot|beta|feedback|iterat|pivot`)},
	{Development, regexp.MustCompile(`(?i)develop|build|mvp|prototype|implement|coding`)},
	{Ideation, regexp.MustCompile(`(?i)idea|research|discover|concept|problem|validat`)},
}

// Coerce maps arbitrary text (typically a model's stage suggestion) onto the
// closed stage set. Unrecognised input yields Default.
func Coerce(raw string) Stage {
	if s, ok := Parse(raw); ok {
		return s
	}
	for _, syn := range synonyms {
		if syn.pattern.MatchString(raw) {
			return syn.stage
		}
	}
	return Default
}
