package decision

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/agentoven/adjudicator/pkg/models"
)

// Vocabulary maps free-text terms onto one recommendation.
type Vocabulary struct {
	Recommendation models.Recommendation
	Terms          []string
}

// Domain describes the recommendations a business workflow accepts.
type Domain struct {
	Kind models.EntityKind

	// Default is the "needs review" value used whenever nothing is recoverable.
	Default models.Recommendation

	// Allowed lists every valid recommendation value.
	Allowed []models.Recommendation

	// Vocabulary maps terms onto recommendations. The term appearing
	// earliest in the text wins; a term directly preceded by a negation
	// ("no more information") is ignored. On a tie the earlier entry wins,
	// so negative entries come first.
	Vocabulary []Vocabulary

	matchers []*regexp.Regexp
}

// ClaimDomain adjudicates insurance claims.
var ClaimDomain = newDomain(Domain{
	Kind:    models.EntityClaim,
	Default: models.RecommendManualReview,
	Allowed: []models.Recommendation{models.RecommendApprove, models.RecommendDeny, models.RecommendManualReview},
	Vocabulary: []Vocabulary{
		{models.RecommendDeny, []string{
			"deny", "denied", "denial", "reject", "rejected", "decline", "declined", "refuse", "refused",
			"refuser", "refusé", "refusée", "refus", "rejeter", "rejeté", "rejetée", "défavorable",
		}},
		{models.RecommendManualReview, []string{
			"manual review", "manual_review", "needs review", "further review", "needs more information",
			"more information", "insufficient information",
			"examen manuel", "révision manuelle", "revue manuelle", "informations complémentaires",
			"informations supplémentaires",
		}},
		{models.RecommendApprove, []string{
			"approve", "approved", "approval", "accept", "accepted",
			"approuver", "approuvé", "approuvée", "accepter", "accepté", "acceptée", "favorable",
		}},
	},
})

// TenderDomain decides whether to answer a call for tenders.
var TenderDomain = newDomain(Domain{
	Kind:    models.EntityTender,
	Default: models.RecommendNeedsMoreInfo,
	Allowed: []models.Recommendation{models.RecommendGo, models.RecommendNoGo, models.RecommendNeedsMoreInfo},
	Vocabulary: []Vocabulary{
		{models.RecommendNoGo, []string{
			"no-go", "no go", "no_go", "nogo", "do not bid", "should not bid", "not bid", "not respond",
			"ne pas soumissionner", "ne pas répondre", "ne pas candidater", "défavorable",
		}},
		{models.RecommendNeedsMoreInfo, []string{
			"needs more information", "needs_more_info", "more information", "insufficient information",
			"informations complémentaires", "informations supplémentaires", "manque d'informations",
		}},
		{models.RecommendGo, []string{
			"go", "bid", "recommend bidding", "proceed",
			"soumissionner", "candidater", "répondre", "favorable",
		}},
	},
})

// DomainFor returns the domain of an entity kind.
func DomainFor(kind models.EntityKind) Domain {
	if kind == models.EntityTender {
		return TenderDomain
	}
	return ClaimDomain
}

func newDomain(d Domain) Domain {
	d.matchers = make([]*regexp.Regexp, len(d.Vocabulary))
	for i, v := range d.Vocabulary {
		quoted := make([]string, len(v.Terms))
		for j, term := range v.Terms {
			quoted[j] = regexp.QuoteMeta(term)
		}
		// \b is ASCII-only in RE2; accented terms need a letter-aware boundary.
		d.matchers[i] = regexp.MustCompile(`(?i)(?:^|[^\p{L}\p{N}_])(` + strings.Join(quoted, "|") + `)(?:$|[^\p{L}\p{N}_])`)
	}
	return d
}

// negations void the vocabulary term that directly follows them.
var negations = map[string]bool{
	"no": true, "not": true, "never": true, "without": true, "cannot": true,
	"pas": true, "sans": true, "non": true, "jamais": true,
}

// Match returns the recommendation of the earliest non-negated vocabulary
// term in text.
func (d Domain) Match(text string) (models.Recommendation, bool) {
	best, bestAt := -1, len(text)+1
	for i, re := range d.matchers {
		for _, m := range re.FindAllStringSubmatchIndex(text, -1) {
			start := m[2]
			if negated(text[:start]) {
				continue
			}
			if start < bestAt {
				best, bestAt = i, start
			}
			break
		}
	}
	if best < 0 {
		return "", false
	}
	return d.Vocabulary[best].Recommendation, true
}

// negated reports whether prefix ends with a negation word. Punctuation
// after the word ("No, approve") breaks the negation.
func negated(prefix string) bool {
	words := strings.Fields(prefix)
	if len(words) == 0 {
		return false
	}
	raw := []rune(words[len(words)-1])
	if r := raw[len(raw)-1]; unicode.IsPunct(r) && r != '-' && r != '\'' {
		return false
	}
	last := strings.ToLower(strings.TrimFunc(string(raw), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	}))
	return negations[last] || strings.HasSuffix(last, "n't")
}

// Normalize maps a raw recommendation value onto the domain. Unknown values
// resolve to Default.
func (d Domain) Normalize(raw string) models.Recommendation {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	for _, r := range d.Allowed {
		if string(r) == key {
			return r
		}
	}
	if r, ok := d.Match(raw); ok {
		return r
	}
	return d.Default
}

// Defaults returns the decision used when nothing is recoverable.
func (d Domain) Defaults() models.Decision {
	return models.Decision{
		Recommendation: d.Default,
		Confidence:     0,
		Evidence:       map[string]any{},
	}
}

// Degrade forces a decision to the review value with zero confidence and
// records the reason in the evidence.
func (d Domain) Degrade(dec models.Decision, reason string) models.Decision {
	evidence := make(map[string]any, len(dec.Evidence)+2)
	for k, v := range dec.Evidence {
		evidence[k] = v
	}
	if dec.Recommendation != "" && dec.Recommendation != d.Default {
		evidence["extracted_recommendation"] = string(dec.Recommendation)
	}
	evidence["degraded"] = reason
	dec.Recommendation = d.Default
	dec.Confidence = 0
	dec.Evidence = evidence
	return dec
}
