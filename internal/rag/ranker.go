package rag

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/piefi/oracle/internal/persistence"
)

const (
	contentWeight  = 1.0
	metadataWeight = 0.5
)

// RankedResource is a resource document with its relevance to the query.
type RankedResource struct {
	persistence.Document
	Score float64 `json:"score"`
}

// Score rates content and metadata against query in [0, 1]. Each query
// token found in the content tokens adds 1.0, each found in the flattened
// metadata tokens adds 0.5; the sum is divided by the query token count.
func Score(content string, metadata map[string]any, query string) float64 {
	q := strings.Fields(strings.ToLower(query))
	if len(q) == 0 {
		return 0
	}
	contentSet := tokenSet(content)
	metaSet := tokenSet(strings.Join(flatten(metadata), " "))

	var total float64
	for _, tok := range q {
		if contentSet[tok] {
			total += contentWeight
		}
		if metaSet[tok] {
			total += metadataWeight
		}
	}
	score := total / float64(len(q))
	if score > 1 {
		return 1
	}
	return score
}

// RankResources scores docs against query and orders them by score,
// highest first. Equal scores keep their input order.
func RankResources(docs []persistence.Document, query string) []RankedResource {
	out := make([]RankedResource, len(docs))
	for i, d := range docs {
		out[i] = RankedResource{Document: d, Score: Score(d.Content, d.Metadata, query)}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func tokenSet(s string) map[string]bool {
	fields := strings.Fields(strings.ToLower(s))
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}

// flatten collects every scalar in v as a string, descending into maps
// (in key order) and slices.
func flatten(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return []string{t}
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var out []string
		for _, k := range keys {
			out = append(out, flatten(t[k])...)
		}
		return out
	case []any:
		var out []string
		for _, e := range t {
			out = append(out, flatten(e)...)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return []string{fmt.Sprint(t)}
	}
}

const maxTerms = 12

// Terms splits a query into lower-case search terms for OR matching.
// Surrounding punctuation is trimmed, tokens shorter than three characters
// are dropped and duplicates removed.
func Terms(query string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range strings.Fields(strings.ToLower(query)) {
		f = strings.TrimFunc(f, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if len([]rune(f)) < 3 || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
		if len(out) == maxTerms {
			break
		}
	}
	return out
}

// Mentions returns the @handles in text, lower-cased and without the @.
func Mentions(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range strings.Fields(text) {
		if !strings.HasPrefix(f, "@") {
			continue
		}
		name := strings.ToLower(strings.TrimFunc(f[1:], func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '.' && r != '-'
		}))
		name = strings.TrimRight(name, ".-")
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}
