// Package sanitize cleans upstream turn text before it is shown to a human or
// stored. Passes run in a fixed order; literal invocation syntax is removed
// first so it is never mistaken for narration by the later passes.
package sanitize

import (
	"encoding/json"
	"regexp"
	"strings"
)

// DefaultRelativePaths are the API paths the upstream is told to link to
// relatively. Absolute prefixes invented in front of them are stripped.
var DefaultRelativePaths = []string{
	"/api/v1/documents/",
	"/api/v1/claims/",
	"/api/v1/tenders/",
}

// Sanitizer is a configured text cleaner. The zero value is not usable; use New.
type Sanitizer struct {
	absolutePrefix *regexp.Regexp
}

// New builds a Sanitizer rewriting absolute links on the given relative paths.
// With no paths, DefaultRelativePaths is used.
func New(relativePaths ...string) *Sanitizer {
	if len(relativePaths) == 0 {
		relativePaths = DefaultRelativePaths
	}
	quoted := make([]string, 0, len(relativePaths))
	for _, p := range relativePaths {
		if p = strings.TrimSpace(p); p != "" {
			quoted = append(quoted, regexp.QuoteMeta(p))
		}
	}
	s := &Sanitizer{}
	if len(quoted) > 0 {
		s.absolutePrefix = regexp.MustCompile(`https?://[^\s/()\[\]"'<>]+(` + strings.Join(quoted, "|") + `)`)
	}
	return s
}

var defaultSanitizer = New()

// Sanitize cleans text with the default relative paths.
func Sanitize(text string) string {
	return defaultSanitizer.Sanitize(text)
}

// ── Patterns ────────────────────────────────────────────────

var (
	// [ocr_document(claim_id="CLM-1")], [search(ids=[1,2])]; arguments may
	// hold one level of brackets.
	bracketCallRe = regexp.MustCompile(`\[\s*([A-Za-z_][A-Za-z0-9_.]*)\(((?:[^\[\]]|\[[^\[\]]*\])*)\)\s*\]`)

	// [{"name": "ocr_document", "arguments": {...}}, ...]
	jsonCallArrayRe = regexp.MustCompile(`(?s)\[\s*\{\s*"(?:name|tool|tool_name|capability|function)"\s*:.*?\}\s*\]`)

	fencedBlockRe = regexp.MustCompile("(?s)```[^\n]*\n?.*?```")

	simulatedOutputRe = regexp.MustCompile(`(?im)^[ \t]*(?:[#>*_ \t]*)(?:simulated\s+)?(?:tool|capability|function|outil)\s*(?:output|result|response|résultat|resultat)s?(?:\s+de\s+l'outil)?[*_ \t]*:.*(?:\n[ \t]*\S.*)*`)
	simulatedOutputFrRe = regexp.MustCompile(`(?im)^[ \t]*(?:[#>*_ \t]*)r[ée]sultat\s+de\s+l[’']outil[*_ \t]*:.*(?:\n[ \t]*\S.*)*`)

	stepHeaderRe = regexp.MustCompile(`(?im)^[ \t]*(?:#{1,6}[ \t]*)?(?:\*\*|__)?[ \t]*(?:step|étape|etape)[ \t]*\d+[ \t]*[:.)\-]?[ \t]*(?:\*\*|__)?[ \t]*$`)
	narrationRe  = regexp.MustCompile(`(?im)^[ \t]*(?:I will now|I'll now|I am now going to|I'm now going to|Now I will|Now I'll|Let me now|Je vais maintenant|Je vais à présent|Je vais a present)\b.*$`)

	controlMarkerRe = regexp.MustCompile(`<\|[^|<>\n]*\|>|\[\[\s*internal[^\]]*\]\]`)

	blankRunRe  = regexp.MustCompile(`\n{3,}`)
	spaceOnlyRe = regexp.MustCompile(`(?m)^[ \t]+$`)
)

// Sanitize applies every pass in order and trims the result.
func (s *Sanitizer) Sanitize(text string) string {
	if text == "" {
		return ""
	}
	out := strings.ReplaceAll(text, "\r\n", "\n")

	// 1. literal invocation syntax
	out = removeLiteralInvocations(out)
	// 2. fenced code blocks
	out = fencedBlockRe.ReplaceAllString(out, "")
	// 3. simulated tool output
	out = simulatedOutputRe.ReplaceAllString(out, "")
	out = simulatedOutputFrRe.ReplaceAllString(out, "")
	// 4. step header remnants and narration
	out = stepHeaderRe.ReplaceAllString(out, "")
	out = narrationRe.ReplaceAllString(out, "")
	// 5. absolute prefixes on relative API paths
	if s.absolutePrefix != nil {
		out = s.absolutePrefix.ReplaceAllString(out, "$1")
	}
	// 6. control markers
	out = controlMarkerRe.ReplaceAllString(out, "")
	// 7. blank line runs
	out = spaceOnlyRe.ReplaceAllString(out, "")
	out = blankRunRe.ReplaceAllString(out, "\n\n")

	return strings.TrimSpace(out)
}

func removeLiteralInvocations(text string) string {
	text = jsonCallArrayRe.ReplaceAllStringFunc(text, func(m string) string {
		if isCallArray(m) {
			return ""
		}
		return m
	})
	text = bracketCallRe.ReplaceAllString(text, "")
	return text
}

// ── Literal invocation detection ────────────────────────────

// LiteralInvocation is a capability call written out as text.
type LiteralInvocation struct {
	Name string `json:"name"`
	Args string `json:"args,omitempty"`
}

// ContainsLiteralInvocation reports whether text holds a capability call in
// bracketed or JSON-array form.
func ContainsLiteralInvocation(text string) bool {
	if bracketCallRe.MatchString(text) {
		return true
	}
	for _, m := range jsonCallArrayRe.FindAllString(text, -1) {
		if isCallArray(m) {
			return true
		}
	}
	return false
}

// FindLiteralInvocations returns every literal call in text, bracketed forms
// first.
func FindLiteralInvocations(text string) []LiteralInvocation {
	var out []LiteralInvocation
	for _, m := range bracketCallRe.FindAllStringSubmatch(text, -1) {
		out = append(out, LiteralInvocation{Name: m[1], Args: strings.TrimSpace(m[2])})
	}
	for _, m := range jsonCallArrayRe.FindAllString(text, -1) {
		calls, ok := parseCallArray(m)
		if !ok {
			continue
		}
		out = append(out, calls...)
	}
	return out
}

func isCallArray(s string) bool {
	_, ok := parseCallArray(s)
	return ok
}

func parseCallArray(s string) ([]LiteralInvocation, bool) {
	var items []map[string]any
	if err := json.Unmarshal([]byte(s), &items); err != nil || len(items) == 0 {
		return nil, false
	}
	calls := make([]LiteralInvocation, 0, len(items))
	for _, item := range items {
		name := firstString(item, "name", "tool", "tool_name", "capability", "function")
		if name == "" {
			return nil, false
		}
		var args string
		for _, key := range []string{"arguments", "args", "parameters", "input"} {
			if v, ok := item[key]; ok {
				b, _ := json.Marshal(v)
				args = string(b)
				break
			}
		}
		calls = append(calls, LiteralInvocation{Name: name, Args: args})
	}
	return calls, true
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
