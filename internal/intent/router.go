// Package intent is the deterministic intent router: it picks the business
// agent that governs the next turn from keywords alone, detects the
// message language and proposes follow-up actions. No model is called.
package intent

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
)

// Intent is the routing outcome for a message.
type Intent string

const (
	IntentAgentRequest Intent = "agent_request"
	IntentFollowUp     Intent = "follow_up"
	IntentGeneral      Intent = "general"
)

// Tuning defaults. Both are empirical and overridable through config.
const (
	DefaultShortKeywordMaxLen = 3
	DefaultMinFrenchWords     = 2
)

// Languages reported by DetectLanguage.
const (
	LangEnglish = "en"
	LangFrench  = "fr"
)

// Classification is the result of Router.Classify.
type Classification struct {
	Intent           Intent   `json:"intent"`
	AgentID          string   `json:"agent_id,omitempty"`
	MatchedKeyword   string   `json:"matched_keyword,omitempty"`
	Language         string   `json:"language"`
	SuggestedActions []string `json:"suggested_actions"`
}

// Router classifies messages against a Registry.
type Router struct {
	registry           *Registry
	actions            *ActionTable
	shortKeywordMaxLen int
	minFrenchWords     int
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithShortKeywordMaxLen sets the length at or below which a keyword must
// match a whole word.
func WithShortKeywordMaxLen(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.shortKeywordMaxLen = n
		}
	}
}

// WithMinFrenchWords sets how many French marker words make a message French.
func WithMinFrenchWords(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.minFrenchWords = n
		}
	}
}

// WithActions replaces the suggested-action table.
func WithActions(t *ActionTable) RouterOption {
	return func(r *Router) {
		if t != nil {
			r.actions = t
		}
	}
}

// NewRouter creates a router over the registry.
func NewRouter(reg *Registry, opts ...RouterOption) *Router {
	r := &Router{
		registry:           reg,
		actions:            DefaultActions(),
		shortKeywordMaxLen: DefaultShortKeywordMaxLen,
		minFrenchWords:     DefaultMinFrenchWords,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry returns the router's agent registry.
func (r *Router) Registry() *Registry { return r.registry }

// Classify routes message. currentAgentID is the agent already bound to the
// session, if any.
func (r *Router) Classify(message, currentAgentID string) Classification {
	lower := strings.ToLower(message)
	tokens := tokenize(lower)
	words := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		words[t] = true
	}

	c := Classification{
		Intent:   IntentGeneral,
		Language: r.detect(tokens),
	}

	for _, a := range r.registry.agents {
		if kw, ok := r.match(a.Keywords, lower, words); ok {
			c.Intent = IntentAgentRequest
			c.AgentID = a.ID
			c.MatchedKeyword = kw
			break
		}
	}
	if c.AgentID == "" && currentAgentID != "" {
		if _, known := r.registry.Get(currentAgentID); known {
			c.Intent = IntentFollowUp
			c.AgentID = currentAgentID
		}
	}

	c.SuggestedActions = r.actions.Lookup(c.Intent, c.AgentID, c.Language)
	log.Debug().
		Str("intent", string(c.Intent)).
		Str("agent_id", c.AgentID).
		Str("keyword", c.MatchedKeyword).
		Str("language", c.Language).
		Msg("Message classified")
	return c
}

// match returns the first keyword of kws found in the message.
func (r *Router) match(kws []string, lower string, words map[string]bool) (string, bool) {
	for _, kw := range kws {
		if r.matches(kw, lower, words) {
			return kw, true
		}
	}
	return "", false
}

// matches applies the keyword rules in priority order:
//  1. phrases (space, apostrophe or slash) match as substrings
//  2. prefix identifiers ending in a separator match as substrings
//  3. short keywords must equal a whole word
//  4. everything else matches as a substring
func (r *Router) matches(kw, lower string, words map[string]bool) bool {
	switch {
	case strings.ContainsAny(kw, " '’/"):
		return strings.Contains(lower, kw)
	case endsWithSeparator(kw):
		return strings.Contains(lower, kw)
	case utf8.RuneCountInString(kw) <= r.shortKeywordMaxLen:
		return words[kw]
	default:
		return strings.Contains(lower, kw)
	}
}

func endsWithSeparator(kw string) bool {
	last, _ := utf8.DecodeLastRuneInString(kw)
	return last == '-' || last == '_' || last == '.' || last == ':' || last == '#'
}

// tokenize splits lower-cased text into letter/digit words.
func tokenize(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// ── Language detection ──────────────────────────────────────

var frenchMarkers = map[string]bool{
	"le": true, "la": true, "les": true, "un": true, "une": true, "des": true,
	"du": true, "de": true, "et": true, "est": true, "en": true, "pour": true,
	"avec": true, "dans": true, "sur": true, "pas": true, "que": true, "qui": true,
	"je": true, "vous": true, "nous": true, "il": true, "elle": true, "mon": true,
	"ma": true, "mes": true, "ce": true, "cette": true, "quel": true, "quelle": true,
	"combien": true, "comment": true, "pourquoi": true, "bonjour": true, "merci": true,
	"sinistre": true, "sinistres": true, "dossier": true, "attente": true, "offres": true,
}

// DetectLanguage reports LangFrench when message holds at least minWords
// French marker words, LangEnglish otherwise.
func DetectLanguage(message string, minWords int) string {
	if minWords <= 0 {
		minWords = DefaultMinFrenchWords
	}
	return detectTokens(tokenize(strings.ToLower(message)), minWords)
}

func (r *Router) detect(tokens []string) string {
	return detectTokens(tokens, r.minFrenchWords)
}

func detectTokens(tokens []string, minWords int) string {
	n := 0
	for _, t := range tokens {
		if frenchMarkers[t] {
			n++
			if n >= minWords {
				return LangFrench
			}
		}
	}
	return LangEnglish
}
