// Package capability maps capability names to the endpoint groups hosting
// them and builds the per-turn capability manifest sent upstream.
//
// The upstream backend receives one manifest entry per endpoint group with
// the subset of that group's capabilities allowed for the turn, never one
// entry per capability.
package capability

import (
	"fmt"
	"strings"

	"github.com/agentoven/adjudicator/pkg/models"
	"github.com/rs/zerolog/log"
)

// ManifestType is the tool type advertised for every endpoint group.
const ManifestType = "capability"

// Endpoint group labels.
const (
	GroupOCR     = "ocr"
	GroupSearch  = "search"
	GroupRecords = "records"
)

// Registry is an immutable capability → endpoint group table built at startup.
type Registry struct {
	groups []models.EndpointGroup
	index  map[string]int    // group label → position in groups
	owners map[string]string // capability name → group label
	names  []string
}

// NewRegistry validates and indexes the given groups and capabilities.
func NewRegistry(groups []models.EndpointGroup, caps []models.CapabilityDescriptor) (*Registry, error) {
	r := &Registry{
		groups: make([]models.EndpointGroup, 0, len(groups)),
		index:  make(map[string]int, len(groups)),
		owners: make(map[string]string, len(caps)),
	}
	for _, g := range groups {
		if g.Label == "" {
			return nil, fmt.Errorf("endpoint group with empty label")
		}
		if _, dup := r.index[g.Label]; dup {
			return nil, fmt.Errorf("duplicate endpoint group %q", g.Label)
		}
		r.index[g.Label] = len(r.groups)
		r.groups = append(r.groups, g)
	}
	for _, c := range caps {
		if _, ok := r.index[c.Endpoint]; !ok {
			return nil, fmt.Errorf("capability %q references unknown endpoint group %q", c.Name, c.Endpoint)
		}
		if prev, dup := r.owners[c.Name]; dup {
			return nil, fmt.Errorf("capability %q registered twice (%s, %s)", c.Name, prev, c.Endpoint)
		}
		r.owners[c.Name] = c.Endpoint
		r.names = append(r.names, c.Name)
	}
	return r, nil
}

// DefaultCapabilities is the static capability table for the claim and
// tender workflows.
var DefaultCapabilities = []models.CapabilityDescriptor{
	{Name: "ocr_document", Endpoint: GroupOCR},
	{Name: "extract_document_text", Endpoint: GroupOCR},
	{Name: "search_similar_claims", Endpoint: GroupSearch},
	{Name: "search_similar_tenders", Endpoint: GroupSearch},
	{Name: "search_knowledge_base", Endpoint: GroupSearch},
	{Name: "get_claim", Endpoint: GroupRecords},
	{Name: "list_claims", Endpoint: GroupRecords},
	{Name: "update_claim_status", Endpoint: GroupRecords},
	{Name: "get_tender", Endpoint: GroupRecords},
	{Name: "list_tenders", Endpoint: GroupRecords},
	{Name: "update_tender_status", Endpoint: GroupRecords},
	{Name: "get_policy", Endpoint: GroupRecords},
}

// NewDefaultRegistry builds the default table against the given group URLs.
func NewDefaultRegistry(ocrURL, searchURL, recordsURL string) *Registry {
	r, err := NewRegistry([]models.EndpointGroup{
		{Label: GroupOCR, URL: ocrURL},
		{Label: GroupSearch, URL: searchURL},
		{Label: GroupRecords, URL: recordsURL},
	}, DefaultCapabilities)
	if err != nil {
		// the static table is known-good
		panic(err)
	}
	return r
}

// Owner returns the endpoint group hosting a capability.
func (r *Registry) Owner(name string) (string, bool) {
	g, ok := r.owners[strings.TrimSpace(name)]
	return g, ok
}

// Names returns every registered capability name in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// BuildManifest groups the requested capabilities by endpoint group.
// Unknown names are dropped with a warning; duplicates are ignored.
// Groups appear in registration order, capabilities in request order.
func (r *Registry) BuildManifest(names []string) []models.EndpointGroupManifest {
	allowed := make([][]string, len(r.groups))
	seen := make(map[string]bool, len(names))

	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		label, ok := r.owners[name]
		if !ok {
			log.Warn().Str("capability", name).Msg("Unknown capability dropped from manifest")
			continue
		}
		i := r.index[label]
		allowed[i] = append(allowed[i], name)
	}

	var manifest []models.EndpointGroupManifest
	for i, g := range r.groups {
		if len(allowed[i]) == 0 {
			continue
		}
		manifest = append(manifest, models.EndpointGroupManifest{
			ServerLabel: g.Label,
			ServerURL:   g.URL,
			Type:        ManifestType,
			Allowed:     allowed[i],
		})
	}
	return manifest
}
