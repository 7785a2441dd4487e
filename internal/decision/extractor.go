// Package decision recovers a canonical Decision from free-form turn text.
//
// Parse never fails. It runs a cascade of strategies, first match wins:
// fenced JSON blocks, inline {"recommendation" objects, any large object
// carrying decision keys, and finally keyword and regex parsing of prose.
// When nothing is recoverable the domain's review value is returned with
// zero confidence.
package decision

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/agentoven/adjudicator/pkg/models"
	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog/log"
)

// Strategy names the cascade step that produced a decision.
type Strategy string

const (
	StrategyFenced  Strategy = "fenced_block"
	StrategyInline  Strategy = "inline_object"
	StrategyScan    Strategy = "object_scan"
	StrategyText    Strategy = "text"
	StrategyDefault Strategy = "default"
)

const (
	// fenceLookahead bounds how far past a fence opening the object may start.
	fenceLookahead = 32
	// minScanCandidate skips small objects during the full-text scan.
	minScanCandidate = 50
)

var decisionKeys = []string{"recommendation", "decision", "confidence"}

var (
	inlineObjectRe = regexp.MustCompile(`\{\s*"recommendation"`)
	confidenceRe   = regexp.MustCompile(`(?i)(?:confidence|confiance)[:\s]+(\d+(?:\.\d+)?)\s*%?`)
	labeledRecRe   = regexp.MustCompile(`(?im)(?:recommendation|recommandation|decision|décision)[*_ \t]*[:=][*_ \t"']*([^\n.,;*"']{2,40})`)
	reasoningRe    = regexp.MustCompile(`(?i)(?:^|\n)[ \t#>*_]*(?:reasoning|rationale|explanation|justification|raisonnement|explication)[*_ \t]*:[*_ \t]*(?s:(.+?))(?:\n[ \t]*\n|\z)`)
	paragraphRe    = regexp.MustCompile(`\n[ \t]*\n`)
)

// Extractor parses decisions for one domain.
type Extractor struct {
	domain Domain
}

// NewExtractor creates an extractor for a domain.
func NewExtractor(domain Domain) *Extractor {
	return &Extractor{domain: domain}
}

// Domain returns the extractor's domain.
func (e *Extractor) Domain() Domain { return e.domain }

// Parse returns the decision recovered from text.
func (e *Extractor) Parse(text string) models.Decision {
	d, _ := e.ParseWithStrategy(text)
	return d
}

// ParseWithStrategy is Parse, also reporting which step succeeded.
func (e *Extractor) ParseWithStrategy(text string) (models.Decision, Strategy) {
	if strings.TrimSpace(text) == "" {
		return e.domain.Defaults(), StrategyDefault
	}

	if obj, ok := fencedObject(text); ok {
		return e.fromObject(obj), StrategyFenced
	}
	if obj, ok := inlineObject(text); ok {
		return e.fromObject(obj), StrategyInline
	}
	if obj, ok := scannedObject(text); ok {
		return e.fromObject(obj), StrategyScan
	}
	d, ok := e.fromText(text)
	if ok {
		return d, StrategyText
	}
	return d, StrategyDefault
}

// ── Structured strategies ───────────────────────────────────

func fencedObject(text string) (map[string]any, bool) {
	pos := 0
	for {
		open := strings.Index(text[pos:], "```")
		if open < 0 {
			return nil, false
		}
		bodyStart := pos + open + 3
		body := text[bodyStart:]
		end := len(text)
		if close := strings.Index(body, "```"); close >= 0 {
			body = body[:close]
			end = bodyStart + close + 3
		}

		window := body
		if len(window) > fenceLookahead {
			window = window[:fenceLookahead]
		}
		if brace := strings.IndexByte(window, '{'); brace >= 0 {
			if raw, ok := ScanObject(body, brace); ok {
				if obj, ok := parseObject(raw); ok {
					return obj, true
				}
			}
		}

		if end >= len(text) {
			return nil, false
		}
		pos = end
	}
}

func inlineObject(text string) (map[string]any, bool) {
	for _, loc := range inlineObjectRe.FindAllStringIndex(text, -1) {
		raw, ok := ScanObject(text, loc[0])
		if !ok {
			continue
		}
		if obj, ok := parseObject(raw); ok {
			return obj, true
		}
	}
	return nil, false
}

func scannedObject(text string) (map[string]any, bool) {
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		raw, ok := ScanObject(text, i)
		if !ok || len(raw) <= minScanCandidate {
			continue
		}
		obj, ok := parseObject(raw)
		if !ok {
			continue
		}
		for _, k := range decisionKeys {
			if _, found := obj[k]; found {
				return obj, true
			}
		}
	}
	return nil, false
}

func parseObject(raw string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// rawDecision is the loose shape of a decision object emitted upstream.
type rawDecision struct {
	Recommendation string `mapstructure:"recommendation"`
	Decision       string `mapstructure:"decision"`
	Confidence     any    `mapstructure:"confidence"`
	Reasoning      any    `mapstructure:"reasoning"`
	Rationale      any    `mapstructure:"rationale"`
	Explanation    any    `mapstructure:"explanation"`
	Evidence       any    `mapstructure:"evidence"`
}

// fromObject merges a recovered object onto the domain defaults. Keys with
// no Decision field are kept as evidence.
func (e *Extractor) fromObject(obj map[string]any) models.Decision {
	d := e.domain.Defaults()

	var raw rawDecision
	var md mapstructure.Metadata
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Metadata:         &md,
		Result:           &raw,
	})
	if err == nil {
		err = dec.Decode(obj)
	}
	if err != nil {
		log.Debug().Err(err).Msg("Decision object partially decoded")
	}

	rec := raw.Recommendation
	if rec == "" {
		rec = raw.Decision
	}
	if rec != "" {
		d.Recommendation = e.domain.Normalize(rec)
	}
	if c, ok := parseConfidence(raw.Confidence); ok {
		d.Confidence = c
	}
	for _, v := range []any{raw.Reasoning, raw.Rationale, raw.Explanation} {
		if s := textOf(v); s != "" {
			d.Reasoning = s
			break
		}
	}

	switch ev := raw.Evidence.(type) {
	case map[string]any:
		for k, v := range ev {
			d.Evidence[k] = v
		}
	case nil:
	default:
		d.Evidence["evidence"] = ev
	}
	for _, key := range md.Unused {
		d.Evidence[key] = obj[key]
	}
	return d
}

// ── Text strategy ───────────────────────────────────────────

func (e *Extractor) fromText(text string) (models.Decision, bool) {
	d := e.domain.Defaults()
	found := false

	if m := labeledRecRe.FindStringSubmatch(text); m != nil {
		if r, ok := e.matchLabel(m[1]); ok {
			d.Recommendation = r
			found = true
		}
	}
	if !found {
		if r, ok := e.domain.Match(text); ok {
			d.Recommendation = r
			found = true
		}
	}

	if m := confidenceRe.FindStringSubmatch(text); m != nil {
		if c, ok := parseConfidence(m[1]); ok {
			d.Confidence = c
			found = true
		}
	}

	if m := reasoningRe.FindStringSubmatch(text); m != nil {
		d.Reasoning = strings.TrimSpace(m[1])
	} else {
		for _, p := range paragraphRe.Split(text, -1) {
			if p = strings.TrimSpace(p); len(p) > 50 {
				d.Reasoning = p
				break
			}
		}
	}
	return d, found
}

func (e *Extractor) matchLabel(label string) (models.Recommendation, bool) {
	key := strings.NewReplacer("-", "_", " ", "_").Replace(strings.ToLower(strings.TrimSpace(label)))
	for _, r := range e.domain.Allowed {
		if string(r) == key {
			return r, true
		}
	}
	return e.domain.Match(label)
}

// ── Helpers ─────────────────────────────────────────────────

// parseConfidence accepts fractions, percentages and numeric strings,
// dividing by 100 when the value exceeds 1, and clamps to [0,1].
func parseConfidence(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case json.Number:
		parsed, err := x.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(x), "%"))
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	if f > 1 {
		f /= 100
	}
	if f < 0 {
		f = 0
	}
	if f > 1 {
		f = 1
	}
	return f, true
}

func textOf(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case []any:
		parts := make([]string, 0, len(x))
		for _, item := range x {
			if s := textOf(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n")
	default:
		return strings.TrimSpace(fmt.Sprint(x))
	}
}
