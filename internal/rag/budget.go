package rag

import "strings"

// DefaultTokenBudget caps the rendered context block handed to the model.
const DefaultTokenBudget = 2000

// EstimateTokens approximates the model token count of s: 1.33 tokens per
// word, floored at one token per four bytes for code and non-English text.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	words := int(float64(len(strings.Fields(s))) * 1.33)
	if chars := len(s) / 4; chars > words {
		return chars
	}
	return words
}

// fit drops items from the end of the lowest-priority slices until the
// rendered bundle fits budget, and returns how many it dropped. The team
// block is never dropped. A non-positive budget disables the cap.
func fit(b *Bundle, budget int) int {
	if budget <= 0 {
		return 0
	}
	dropped := 0
	for EstimateTokens(Render(*b)) > budget {
		switch {
		case len(b.Resources) > 0:
			b.Resources = b.Resources[:len(b.Resources)-1]
		case len(b.Mentions) > 0:
			b.Mentions = b.Mentions[:len(b.Mentions)-1]
		case len(b.People) > 0:
			b.People = b.People[:len(b.People)-1]
		case len(b.Documents) > 0:
			b.Documents = b.Documents[:len(b.Documents)-1]
		case len(b.Updates) > 0:
			b.Updates = b.Updates[:len(b.Updates)-1]
		default:
			return dropped
		}
		dropped++
	}
	return dropped
}
