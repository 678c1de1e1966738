package engine

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

const sampleReply = `{
  "detected_stage": "development",
  "feedback": "- Ship to five users\n- Watch retention",
  "summary": "MVP shipped, first feedback arriving.",
  "suggested_actions": ["Interview users", " ", "Instrument onboarding"]
}`

func TestReplyParser_FencedAndBareParseIdentically(t *testing.T) {
	p := MustReplyParser()
	want := Parsed{Reply: Reply{
		DetectedStage:    "development",
		Feedback:         "- Ship to five users\n- Watch retention",
		Summary:          "MVP shipped, first feedback arriving.",
		SuggestedActions: []string{"Interview users", "Instrument onboarding"},
	}}

	inputs := map[string]string{
		"bare":        sampleReply,
		"json fence":  "```json\n" + sampleReply + "\n```",
		"plain fence": "```\n" + sampleReply + "\n```",
		"with prose":  "Here is the analysis:\n" + sampleReply + "\nHope it helps.",
		"upper fence": "```JSON\n" + sampleReply + "```",
	}
	for name, in := range inputs {
		t.Run(name, func(t *testing.T) {
			got := p.Parse(in)
			if diff := cmp.Diff(ParseResult(want), got); diff != "" {
				t.Fatalf("Parse mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReplyParser_Malformed(t *testing.T) {
	p := MustReplyParser()
	tests := map[string]string{
		"prose only":          "The team is clearly in development.",
		"empty object":        "{}",
		"wrong type":          `{"suggested_actions": "do things"}`,
		"unterminated object": `{"summary": "half`,
		"array":               `["development"]`,
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			m, ok := p.Parse(in).(Malformed)
			if !ok {
				t.Fatalf("Parse(%q) should be Malformed", in)
			}
			if m.Raw != in || m.Reason == "" {
				t.Fatalf("malformed = %+v", m)
			}
		})
	}
}

func TestReplyParser_PartialReplyParses(t *testing.T) {
	got, ok := MustReplyParser().Parse(`{"feedback": "- keep going"}`).(Parsed)
	if !ok {
		t.Fatal("partial reply should parse")
	}
	if got.Reply.Feedback != "- keep going" || got.Reply.DetectedStage != "" {
		t.Fatalf("reply = %+v", got.Reply)
	}
}

func TestStripFences(t *testing.T) {
	tests := []struct{ in, want string }{
		{"  {\"a\":1}  ", `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```{\"a\":1}```", `{"a":1}`},
		{"no fence", "no fence"},
	}
	for _, tt := range tests {
		if got := StripFences(tt.in); got != tt.want {
			t.Errorf("StripFences(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestReplyParser_LongActionListStillParses(t *testing.T) {
	in := `{"detected_stage": "growth", "suggested_actions": ["1","2","3","4","5","6","7","8","9","10","11"]}`
	got, ok := MustReplyParser().Parse(in).(Parsed)
	if !ok {
		t.Fatalf("Parse should accept an over-long action list, got %#v", MustReplyParser().Parse(in))
	}
	if got.Reply.DetectedStage != "growth" || len(got.Reply.SuggestedActions) != 11 {
		t.Fatalf("reply = %+v", got.Reply)
	}
}
