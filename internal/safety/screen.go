// Package safety screens builder notes for prompt injection before they
// reach the model, and redacts secrets the model echoes back.
package safety

import (
	"regexp"
	"strings"

	"github.com/piefi/oracle/internal/apperr"
)

// Verdict is what to do with a screened note.
type Verdict int

const (
	Allow Verdict = iota
	// Flag lets the note through but it should be logged.
	Flag
	// Reject refuses the note.
	Reject
)

func (v Verdict) String() string {
	switch v {
	case Flag:
		return "flag"
	case Reject:
		return "reject"
	default:
		return "allow"
	}
}

// Finding is the outcome of screening one note.
type Finding struct {
	Verdict Verdict
	Rule    string
}

// Err converts a Reject finding into a validation error; other verdicts
// return nil.
func (f Finding) Err() error {
	if f.Verdict != Reject {
		return nil
	}
	return apperr.Validation("Update text was rejected by the content filter").With("rule", f.Rule)
}

type rule struct {
	name    string
	re      *regexp.Regexp
	verdict Verdict
}

var rules = []rule{
	{"ignore_instructions", regexp.MustCompile(`(?i)\bignore\s+(all\s+)?(the\s+)?(previous|above|prior|earlier)\s+(instructions?|prompts?|rules?)\b`), Reject},
	{"identity_override", regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(a|an|the)\s+\w+`), Reject},
	{"prompt_override", regexp.MustCompile(`(?i)\b(override\s+(the\s+)?(system\s+)?prompt|system\s+prompt\s+override|disregard\s+(your|the)\s+(system\s+)?(prompt|instructions?))\b`), Reject},
	{"memory_wipe", regexp.MustCompile(`(?i)\bforget\s+(everything|all\s+(your\s+)?instructions?|your\s+instructions?)`), Reject},
	{"prompt_extraction", regexp.MustCompile(`(?i)\b(reveal|print|output|repeat|leak)\s+(\w+\s+)?(your\s+)?system\s+(prompt|instructions?)\b`), Reject},
	{"prompt_query", regexp.MustCompile(`(?i)\bwhat\s+(are|is)\s+your\s+(system\s+)?(prompt|instructions?)\b`), Reject},
	// Stage forcing is suspicious but a builder can legitimately write it.
	{"stage_forcing", regexp.MustCompile(`(?i)\b(set|force|mark)\s+(our|the|my)?\s*stage\s+(to|as)\s+\w+`), Flag},
	{"system_tag", regexp.MustCompile(`(?i)\[\s*system\s*\]`), Flag},
	{"chat_template", regexp.MustCompile(`(?i)<\s*\|?\s*(system|im_start|im_end)\s*\|?\s*>`), Flag},
	{"encoded_ignore", regexp.MustCompile(`(aWdub3Jl|SWdub3Jl)`), Flag},
}

// Screen checks note against the injection rules. The first matching rule
// decides; Reject rules are listed first.
func Screen(note string) Finding {
	if strings.TrimSpace(note) == "" {
		return Finding{Verdict: Allow}
	}
	for _, r := range rules {
		if r.re.MatchString(note) {
			return Finding{Verdict: r.verdict, Rule: r.name}
		}
	}
	return Finding{Verdict: Allow}
}
