package safety

import "regexp"

// Redacted replaces every secret found in a reply.
const Redacted = "[REDACTED]"

// Leak names one kind of secret found in a reply.
type Leak struct {
	Kind  string
	Count int
}

var secretPatterns = []struct {
	kind string
	re   *regexp.Regexp
}{
	{"private_key", regexp.MustCompile(`-----BEGIN\s+(RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----[\s\S]*?(-----END\s+(RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----|$)`)},
	{"google_api_key", regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`)},
	{"openai_api_key", regexp.MustCompile(`sk-[A-Za-z0-9_\-]{20,}`)},
	{"bearer_token", regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9_\-./+=]{16,}`)},
	{"api_key", regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*"?[A-Za-z0-9_\-./+=]{16,}"?`)},
	{"password", regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}"?`)},
}

// Redact replaces secrets in text with Redacted and reports what it found.
// Text without secrets is returned unchanged with a nil slice.
func Redact(text string) (string, []Leak) {
	if text == "" {
		return text, nil
	}
	var leaks []Leak
	for _, p := range secretPatterns {
		n := len(p.re.FindAllStringIndex(text, -1))
		if n == 0 {
			continue
		}
		text = p.re.ReplaceAllString(text, Redacted)
		leaks = append(leaks, Leak{Kind: p.kind, Count: n})
	}
	return text, leaks
}

// RedactAll applies Redact to each string in place and returns the
// combined findings.
func RedactAll(texts ...*string) []Leak {
	var all []Leak
	for _, t := range texts {
		var leaks []Leak
		*t, leaks = Redact(*t)
		all = append(all, leaks...)
	}
	return all
}
