package intent

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/agentoven/adjudicator/pkg/models"
)

// Agent is a business agent the router can hand a conversation to.
type Agent struct {
	ID           string            `yaml:"id" json:"id"`
	Name         string            `yaml:"name" json:"name"`
	EntityKind   models.EntityKind `yaml:"entity_kind" json:"entity_kind,omitempty"`
	Keywords     []string          `yaml:"keywords" json:"keywords"`
	Instructions string            `yaml:"instructions" json:"-"`
	Capabilities []string          `yaml:"capabilities" json:"capabilities"`
}

// Registry is the ordered set of agents. Registration order breaks routing
// ties. A Registry is built once at startup and never mutated.
type Registry struct {
	agents []Agent
	byID   map[string]int
}

// NewRegistry validates agents and normalizes their keywords to lower case.
func NewRegistry(agents ...Agent) (*Registry, error) {
	r := &Registry{byID: make(map[string]int, len(agents))}
	for _, a := range agents {
		a.ID = strings.TrimSpace(a.ID)
		if a.ID == "" {
			return nil, fmt.Errorf("agent with empty id")
		}
		if _, dup := r.byID[a.ID]; dup {
			return nil, fmt.Errorf("duplicate agent %q", a.ID)
		}
		kws := make([]string, 0, len(a.Keywords))
		for _, kw := range a.Keywords {
			if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
				kws = append(kws, kw)
			}
		}
		a.Keywords = kws
		r.byID[a.ID] = len(r.agents)
		r.agents = append(r.agents, a)
	}
	return r, nil
}

// Get returns an agent by id.
func (r *Registry) Get(id string) (Agent, bool) {
	i, ok := r.byID[id]
	if !ok {
		return Agent{}, false
	}
	return r.agents[i], true
}

// Agents returns every agent in registration order.
func (r *Registry) Agents() []Agent {
	return append([]Agent(nil), r.agents...)
}

// ForEntity returns the first agent handling the given entity kind.
func (r *Registry) ForEntity(kind models.EntityKind) (Agent, bool) {
	for _, a := range r.agents {
		if a.EntityKind == kind {
			return a, true
		}
	}
	return Agent{}, false
}

type registryFile struct {
	Agents []Agent `yaml:"agents"`
}

// LoadRegistry reads an agent registry from a YAML file:
//
//	agents:
//	  - id: claims
//	    entity_kind: claim
//	    keywords: [sinistre, claim, clm-]
//	    capabilities: [get_claim, ocr_document]
//	    instructions: |
//	      ...
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agents file: %w", err)
	}
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse agents file: %w", err)
	}
	if len(f.Agents) == 0 {
		return nil, fmt.Errorf("agents file %s defines no agents", path)
	}
	return NewRegistry(f.Agents...)
}

// ── Built-in agents ─────────────────────────────────────────

// Agent ids of the built-in registry.
const (
	AgentClaims  = "claims"
	AgentTenders = "tenders"
)

const claimsInstructions = `You are an insurance claims adjudicator.
Use the available capabilities to read the claim record, extract the text of every attached document and compare with similar past claims. Call capabilities for real; never write a capability call as text.
Finish with a JSON object in a fenced block:
{"recommendation": "approve" | "deny" | "manual_review", "confidence": 0.0-1.0, "reasoning": "...", "evidence": {...}}`

const tendersInstructions = `You are a bid manager deciding whether to answer a call for tenders.
Use the available capabilities to read the tender record, extract the text of the tender documents and compare with similar past tenders. Call capabilities for real; never write a capability call as text.
Finish with a JSON object in a fenced block:
{"recommendation": "go" | "no_go" | "needs_more_info", "confidence": 0.0-1.0, "reasoning": "...", "evidence": {...}}`

// DefaultRegistry returns the built-in claims and tenders agents.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(
		Agent{
			ID:         AgentClaims,
			Name:       "Claims adjudication",
			EntityKind: models.EntityClaim,
			Keywords: []string{
				"sinistre", "déclaration de sinistre", "indemnisation", "indemnité", "remboursement",
				"police d'assurance", "assuré", "expertise", "dommage", "constat",
				"claim", "insurance", "policyholder", "reimbursement", "damage",
				"clm-", "clm_",
			},
			Instructions: claimsInstructions,
			Capabilities: []string{
				"get_claim", "list_claims", "update_claim_status", "get_policy",
				"ocr_document", "extract_document_text", "search_similar_claims",
			},
		},
		Agent{
			ID:         AgentTenders,
			Name:       "Tender go/no-go",
			EntityKind: models.EntityTender,
			Keywords: []string{
				"appel d'offres", "appels d'offres", "marché public", "cahier des charges", "soumission",
				"go/no-go", "go/no go", "tender", "procurement", "bid",
				"ao-", "ao_", "ao", "dce", "rfp",
			},
			Instructions: tendersInstructions,
			Capabilities: []string{
				"get_tender", "list_tenders", "update_tender_status",
				"ocr_document", "extract_document_text", "search_similar_tenders", "search_knowledge_base",
			},
		},
	)
	if err != nil {
		// the built-in table is known-good
		panic(err)
	}
	return r
}
