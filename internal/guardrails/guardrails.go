// Package guardrails provides the PII redaction filter applied to every text
// crossing the boundary to storage or to a human.
//
// The catalog is fixed and ordered; each rule runs on the output of the
// previous one:
//   - email: keep the first local-part character and the TLD
//   - credit_card: keep the last four digits
//   - national_id: French NIR and US SSN, digits masked
//   - phone: French and international formats, digits masked
//   - date: ISO and localized numeric dates, digits masked
//   - name: labeled person names, first character of each token kept
//
// A mask can open a word boundary that exposes a span an earlier rule could
// not see (Ab12/05/2024 becomes A*12/05/2024), so the catalog is re-applied
// until a pass masks nothing. Redact is idempotent.
package guardrails

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/agentoven/adjudicator/pkg/models"
	"github.com/google/uuid"
)

// MaskChar replaces masked characters.
const MaskChar = '*'

// maxPasses bounds the re-application of the catalog. Every emitting pass
// masks at least one more character, so real input settles in two or three.
const maxPasses = 8

// Rule is one catalog entry.
type Rule struct {
	Type       models.PIIType
	Pattern    *regexp.Regexp
	Group      int // submatch holding the sensitive span; 0 is the whole match
	Mask       func(string) string
	Confidence float64
}

// ── Built-in catalog ────────────────────────────────────────

var (
	emailRe      = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	creditCardRe = regexp.MustCompile(`\b(?:\d{4}[ \-]?){3}\d{4}\b`)
	nirRe        = regexp.MustCompile(`\b[12][ .]?\d{2}[ .]?(?:0[1-9]|1[0-2])[ .]?(?:\d{2}|2[ABab])[ .]?\d{3}[ .]?\d{3}(?:[ .]?\d{2})?\b`)
	ssnRe        = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	phoneFRRe    = regexp.MustCompile(`(?:\+33[ .\-]?|\b0)[1-9](?:[ .\-]?\d{2}){4}\b`)
	phoneIntlRe  = regexp.MustCompile(`\+\d{1,3}(?:[ .\-]?\d{2,4}){3,5}\b`)
	dateISORe    = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	dateLocalRe  = regexp.MustCompile(`\b\d{1,2}[/.\-]\d{1,2}[/.\-](?:\d{4}|\d{2})\b`)
	labeledName  = regexp.MustCompile(`(?:^|[^\p{L}])(?:(?i:claimant|insured|policyholder|name|full name|nom|prénom|assuré|assurée|souscripteur|bénéficiaire))[ \t]*[:=][ \t]*(\p{Lu}[\p{L}'\-]+(?:[ \t]+\p{Lu}[\p{L}'\-]+){0,3})`)
)

// DefaultRules returns the built-in catalog in application order.
func DefaultRules() []Rule {
	return []Rule{
		{Type: models.PIIEmail, Pattern: emailRe, Mask: MaskEmail, Confidence: 0.95},
		{Type: models.PIICreditCard, Pattern: creditCardRe, Mask: MaskCreditCard, Confidence: 0.9},
		{Type: models.PIINationalID, Pattern: nirRe, Mask: MaskDigits, Confidence: 0.9},
		{Type: models.PIINationalID, Pattern: ssnRe, Mask: MaskDigits, Confidence: 0.85},
		{Type: models.PIIPhone, Pattern: phoneFRRe, Mask: MaskDigits, Confidence: 0.85},
		{Type: models.PIIPhone, Pattern: phoneIntlRe, Mask: MaskDigits, Confidence: 0.75},
		{Type: models.PIIDate, Pattern: dateISORe, Mask: MaskDigits, Confidence: 0.6},
		{Type: models.PIIDate, Pattern: dateLocalRe, Mask: MaskDigits, Confidence: 0.6},
		{Type: models.PIIName, Pattern: labeledName, Group: 1, Mask: MaskName, Confidence: 0.7},
	}
}

// ── Masks ───────────────────────────────────────────────────

// MaskEmail keeps the first local-part character and the TLD:
// j.doe@company.com → j***@***.com.
func MaskEmail(s string) string {
	at := strings.LastIndexByte(s, '@')
	if at <= 0 {
		return MaskDigits(s)
	}
	first := []rune(s[:at])[0]
	domain := s[at+1:]
	tld := domain
	if dot := strings.LastIndexByte(domain, '.'); dot >= 0 {
		tld = domain[dot+1:]
	}
	return string(first) + "***@***." + tld
}

// MaskDigits replaces every digit, keeping separators.
func MaskDigits(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return MaskChar
		}
		return r
	}, s)
}

// MaskCreditCard masks every digit but the last four, keeping separators.
func MaskCreditCard(s string) string {
	digits := 0
	for _, r := range s {
		if unicode.IsDigit(r) {
			digits++
		}
	}
	keep := digits - 4
	seen := 0
	return strings.Map(func(r rune) rune {
		if !unicode.IsDigit(r) {
			return r
		}
		seen++
		if seen <= keep {
			return MaskChar
		}
		return r
	}, s)
}

// MaskName keeps the first character of each token: Jean Dupont → J*** D*****.
func MaskName(s string) string {
	var b strings.Builder
	start := true
	for _, r := range s {
		switch {
		case unicode.IsSpace(r) || r == '-' || r == '\'':
			start = true
			b.WriteRune(r)
		case start:
			start = false
			b.WriteRune(r)
		default:
			b.WriteRune(MaskChar)
		}
	}
	return b.String()
}

// ── Redactor ────────────────────────────────────────────────

// Redactor masks PII spans. It is safe for concurrent use.
type Redactor struct {
	rules []Rule
	now   func() time.Time
}

// NewRedactor creates a Redactor over the given rules, or the built-in
// catalog when none are given.
func NewRedactor(rules ...Rule) *Redactor {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Redactor{rules: rules, now: time.Now}
}

// Redact returns text with every catalog match masked.
func (r *Redactor) Redact(text string) string {
	out, _ := r.redact(text, nil)
	return out
}

// RedactAudited masks text and returns one detection per masked span,
// labeled with field.
func (r *Redactor) RedactAudited(field, text string) (string, []models.PIIDetection) {
	var detections []models.PIIDetection
	now := r.now().UTC()
	out, _ := r.redact(text, func(rule Rule, orig, red string) {
		detections = append(detections, models.PIIDetection{
			ID:         uuid.New().String(),
			Field:      field,
			Type:       rule.Type,
			Original:   orig,
			Redacted:   red,
			Confidence: rule.Confidence,
			CreatedAt:  now,
		})
	})
	return out, detections
}

// Contains reports whether text holds any unmasked PII.
func (r *Redactor) Contains(text string) bool {
	_, n := r.redact(text, nil)
	return n > 0
}

// RedactValue masks every string inside a decoded JSON value, descending
// into objects and arrays. Detections are labeled with the dotted path of
// the string (evidence.claimant.email, evidence.contacts.0). The input is
// not modified.
func (r *Redactor) RedactValue(field string, v any) (any, []models.PIIDetection) {
	var detections []models.PIIDetection
	out := r.redactValue(field, v, &detections)
	return out, detections
}

// RedactInvocations returns a copy of invocations with the capability output,
// error and literal text masked.
func (r *Redactor) RedactInvocations(invocations []models.InvocationRecord) []models.InvocationRecord {
	if invocations == nil {
		return nil
	}
	out := make([]models.InvocationRecord, len(invocations))
	for i, inv := range invocations {
		inv.Output = r.Redact(inv.Output)
		inv.Error = r.Redact(inv.Error)
		inv.Text = r.Redact(inv.Text)
		out[i] = inv
	}
	return out
}

func (r *Redactor) redactValue(path string, v any, detections *[]models.PIIDetection) any {
	switch t := v.(type) {
	case string:
		out, dets := r.RedactAudited(path, t)
		*detections = append(*detections, dets...)
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = r.redactValue(path+"."+k, e, detections)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = r.redactValue(path+"."+strconv.Itoa(i), e, detections)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, e := range t {
			s, dets := r.RedactAudited(path+"."+strconv.Itoa(i), e)
			*detections = append(*detections, dets...)
			out[i] = s
		}
		return out
	default:
		return v
	}
}

func (r *Redactor) redact(text string, emit func(Rule, string, string)) (string, int) {
	count := 0
	for pass := 0; pass < maxPasses; pass++ {
		before := count
		for _, rule := range r.rules {
			text = rule.apply(text, func(orig, red string) {
				count++
				if emit != nil {
					emit(rule, orig, red)
				}
			})
		}
		if count == before {
			break
		}
	}
	return text, count
}

func (rule Rule) apply(text string, emit func(orig, red string)) string {
	matches := rule.Pattern.FindAllStringSubmatchIndex(text, -1)
	if matches == nil {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, m := range matches {
		start, end := m[2*rule.Group], m[2*rule.Group+1]
		if start < 0 {
			continue
		}
		orig := text[start:end]
		red := rule.Mask(orig)
		b.WriteString(text[last:start])
		b.WriteString(red)
		last = end
		if red != orig {
			emit(orig, red)
		}
	}
	b.WriteString(text[last:])
	return b.String()
}
