package intent

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// anyAgent keys entries that apply to every agent of an intent.
const anyAgent = "*"

// ActionTable maps intent → agent → language → suggested actions.
type ActionTable struct {
	entries map[Intent]map[string]map[string][]string
}

// DefaultActions returns the built-in suggested actions.
func DefaultActions() *ActionTable {
	return &ActionTable{entries: map[Intent]map[string]map[string][]string{
		IntentAgentRequest: {
			AgentClaims: {
				LangEnglish: {"Show pending claims", "Analyze a claim", "Explain the last decision"},
				LangFrench:  {"Voir les sinistres en attente", "Analyser un sinistre", "Expliquer la dernière décision"},
			},
			AgentTenders: {
				LangEnglish: {"Show open tenders", "Run a go/no-go analysis", "Summarize the tender documents"},
				LangFrench:  {"Voir les appels d'offres ouverts", "Lancer une analyse go/no-go", "Résumer le DCE"},
			},
		},
		IntentFollowUp: {
			anyAgent: {
				LangEnglish: {"Give more details", "Show the evidence", "Start a new request"},
				LangFrench:  {"Plus de détails", "Voir les éléments de preuve", "Nouvelle demande"},
			},
		},
		IntentGeneral: {
			anyAgent: {
				LangEnglish: {"Analyze a claim", "Analyze a tender", "What can you do?"},
				LangFrench:  {"Analyser un sinistre", "Analyser un appel d'offres", "Que pouvez-vous faire ?"},
			},
		},
	}}
}

// Lookup returns the actions for an intent, agent and language. It falls
// back to the intent's "*" agent, then to English.
func (t *ActionTable) Lookup(intent Intent, agentID, lang string) []string {
	byAgent := t.entries[intent]
	if byAgent == nil {
		return []string{}
	}
	for _, a := range []string{agentID, anyAgent} {
		byLang, ok := byAgent[a]
		if !ok {
			continue
		}
		if acts, ok := byLang[lang]; ok {
			return append([]string{}, acts...)
		}
		if acts, ok := byLang[LangEnglish]; ok {
			return append([]string{}, acts...)
		}
	}
	return []string{}
}

// Merge overlays other onto t, replacing entries at the language level.
func (t *ActionTable) Merge(other map[Intent]map[string]map[string][]string) {
	for intent, byAgent := range other {
		if t.entries[intent] == nil {
			t.entries[intent] = map[string]map[string][]string{}
		}
		for agent, byLang := range byAgent {
			if t.entries[intent][agent] == nil {
				t.entries[intent][agent] = map[string][]string{}
			}
			for lang, acts := range byLang {
				t.entries[intent][agent][lang] = acts
			}
		}
	}
}

// LoadActions reads a YAML override and merges it over the defaults:
//
//	agent_request:
//	  claims:
//	    en: [Show pending claims]
//	general:
//	  "*":
//	    fr: [Bonjour]
func LoadActions(path string) (*ActionTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read suggested actions file: %w", err)
	}
	var override map[Intent]map[string]map[string][]string
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("parse suggested actions file: %w", err)
	}
	t := DefaultActions()
	t.Merge(override)
	return t, nil
}
