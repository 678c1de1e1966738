package rag

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/piefi/oracle/internal/persistence"
)

// Section headings, in output order.
const (
	HeadingTeam      = "TEAM CONTEXT"
	HeadingUpdates   = "RECENT UPDATES"
	HeadingKnowledge = "RELEVANT KNOWLEDGE BASE"
	HeadingPeople    = "RELEVANT TEAM MEMBERS"
	HeadingMentions  = "MENTIONED PEOPLE"
	HeadingResources = "RESOURCES"
)

const maxSnippet = 400

// Render concatenates the bundle into the prompt context block. Sections
// always appear in the same order; empty sections are omitted.
func Render(b Bundle) string {
	var sb strings.Builder
	section := func(heading string, lines []string) {
		if len(lines) == 0 {
			return
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(heading)
		sb.WriteString(":\n")
		for _, l := range lines {
			sb.WriteString(l)
			sb.WriteString("\n")
		}
	}

	if t := b.Team; t != nil {
		lines := []string{
			"Name: " + t.Name,
			"Stage: " + string(t.Stage),
		}
		if t.Description != "" {
			lines = append(lines, "Description: "+snippet(t.Description))
		}
		if len(t.Tags) > 0 {
			lines = append(lines, "Tags: "+strings.Join(t.Tags, ", "))
		}
		if len(t.Members) > 0 {
			lines = append(lines, fmt.Sprintf("Members: %d", len(t.Members)))
		}
		if t.Status != nil && t.Status.Summary != "" {
			lines = append(lines, "Current status: "+t.Status.Summary)
		}
		var open []string
		for _, task := range t.Tasks {
			if !task.Done {
				open = append(open, task.Title)
			}
		}
		if len(open) > 0 {
			lines = append(lines, "Open tasks: "+strings.Join(open, "; "))
		}
		section(HeadingTeam, lines)
	}

	var updates []string
	for _, u := range b.Updates {
		updates = append(updates, fmt.Sprintf("- [%s] (%s) %s", u.CreatedAt.Format("2006-01-02"), u.Type, snippet(u.Content)))
	}
	section(HeadingUpdates, updates)

	var docs []string
	for _, d := range b.Documents {
		docs = append(docs, "- "+titled(d.Title, d.Content))
	}
	section(HeadingKnowledge, docs)

	section(HeadingPeople, peopleLines(b.People))
	section(HeadingMentions, peopleLines(b.Mentions))

	var res []string
	for _, r := range b.Resources {
		res = append(res, fmt.Sprintf("- (relevance %.2f) %s", r.Score, titled(r.Title, r.Content)))
	}
	section(HeadingResources, res)

	return sb.String()
}

func peopleLines(people []persistence.Profile) []string {
	var out []string
	for _, p := range people {
		line := fmt.Sprintf("- %s (%s)", p.Name, p.Role)
		if len(p.Skills) > 0 {
			line += " skills: " + strings.Join(p.Skills, ", ")
		}
		if p.Bio != "" {
			line += " - " + snippet(p.Bio)
		}
		out = append(out, line)
	}
	return out
}

func titled(title, content string) string {
	if title == "" {
		return snippet(content)
	}
	return title + ": " + snippet(content)
}

// snippet collapses whitespace and truncates to maxSnippet runes.
func snippet(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= maxSnippet {
		return s
	}
	r := []rune(s)
	return string(r[:maxSnippet]) + "..."
}
