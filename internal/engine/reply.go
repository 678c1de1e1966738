package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Reply is the structured answer the model is instructed to return.
type Reply struct {
	DetectedStage    string   `json:"detected_stage"`
	Feedback         string   `json:"feedback"`
	Summary          string   `json:"summary"`
	SuggestedActions []string `json:"suggested_actions"`
}

// ReplySchema is the JSON Schema a model reply must satisfy. Every key is
// optional so a partial reply still parses; the caller fills the gaps. The
// action count is not bounded here so an over-long list does not cost the
// rest of the reply.
const ReplySchema = `{
  "type": "object",
  "minProperties": 1,
  "properties": {
    "detected_stage": {"type": "string"},
    "feedback": {"type": "string"},
    "summary": {"type": "string"},
    "suggested_actions": {
      "type": "array",
      "items": {"type": "string"}
    }
  }
}`

// ParseResult is either Parsed or Malformed.
type ParseResult interface {
	isParseResult()
}

// Parsed carries a reply that passed schema validation.
type Parsed struct {
	Reply Reply
}

// Malformed carries the raw text of a reply that could not be used.
type Malformed struct {
	Raw    string
	Reason string
}

func (Parsed) isParseResult()    {}
func (Malformed) isParseResult() {}

// ReplyParser extracts and validates the JSON object in a model reply.
type ReplyParser struct {
	schema *jsonschema.Schema
}

func NewReplyParser() (*ReplyParser, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(ReplySchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal reply schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("reply.json", doc); err != nil {
		return nil, fmt.Errorf("add reply schema: %w", err)
	}
	schema, err := c.Compile("reply.json")
	if err != nil {
		return nil, fmt.Errorf("compile reply schema: %w", err)
	}
	return &ReplyParser{schema: schema}, nil
}

// MustReplyParser is NewReplyParser for the built-in schema, which always compiles.
func MustReplyParser() *ReplyParser {
	p, err := NewReplyParser()
	if err != nil {
		panic(err)
	}
	return p
}

// Parse never fails; an unusable reply comes back as Malformed.
func (p *ReplyParser) Parse(text string) ParseResult {
	obj := extractObject(text)
	if obj == "" {
		return Malformed{Raw: text, Reason: "no JSON object in reply"}
	}
	// jsonschema needs json.Number rather than float64.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(obj))
	if err != nil {
		return Malformed{Raw: text, Reason: fmt.Sprintf("invalid JSON: %s", err)}
	}
	if err := p.schema.Validate(doc); err != nil {
		return Malformed{Raw: text, Reason: fmt.Sprintf("schema validation failed: %s", err)}
	}
	var r Reply
	if err := json.Unmarshal([]byte(obj), &r); err != nil {
		return Malformed{Raw: text, Reason: fmt.Sprintf("decode reply: %s", err)}
	}
	r.DetectedStage = strings.TrimSpace(r.DetectedStage)
	r.Summary = strings.TrimSpace(r.Summary)
	r.SuggestedActions = compactActions(r.SuggestedActions)
	return Parsed{Reply: r}
}

func compactActions(in []string) []string {
	var out []string
	for _, a := range in {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// StripFences removes a surrounding Markdown code fence (``` or ```json).
func StripFences(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// Drop the info string ("json", "JSON", ...).
		if !strings.ContainsAny(s[:nl], "{[") {
			s = s[nl+1:]
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// extractObject returns the first balanced JSON object in text after
// fence stripping.
func extractObject(text string) string {
	s := StripFences(text)
	if isJSONObject(s) {
		return s
	}
	for i := 0; i < len(s); i++ {
		if s[i] != '{' {
			continue
		}
		if candidate := extractBalanced(s[i:]); candidate != "" && isJSONObject(candidate) {
			return candidate
		}
	}
	return ""
}

func isJSONObject(s string) bool {
	if !strings.HasPrefix(s, "{") {
		return false
	}
	var v map[string]any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced returns the object starting at s[0], honouring strings
// and escapes, or "" if it never closes.
func extractBalanced(s string) string {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
