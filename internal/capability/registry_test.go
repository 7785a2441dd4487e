package capability_test

import (
	"reflect"
	"testing"

	"github.com/agentoven/adjudicator/internal/capability"
	"github.com/agentoven/adjudicator/pkg/models"
)

func newTestRegistry(t *testing.T) *capability.Registry {
	t.Helper()
	return capability.NewDefaultRegistry("http://ocr", "http://search", "http://records")
}

func TestBuildManifest_GroupsByEndpoint(t *testing.T) {
	r := newTestRegistry(t)

	manifest := r.BuildManifest([]string{"get_claim", "ocr_document", "search_similar_claims", "update_claim_status"})

	if len(manifest) != 3 {
		t.Fatalf("BuildManifest() returned %d groups, want 3", len(manifest))
	}
	want := []models.EndpointGroupManifest{
		{ServerLabel: "ocr", ServerURL: "http://ocr", Type: "capability", Allowed: []string{"ocr_document"}},
		{ServerLabel: "search", ServerURL: "http://search", Type: "capability", Allowed: []string{"search_similar_claims"}},
		{ServerLabel: "records", ServerURL: "http://records", Type: "capability", Allowed: []string{"get_claim", "update_claim_status"}},
	}
	if !reflect.DeepEqual(manifest, want) {
		t.Errorf("BuildManifest() = %+v, want %+v", manifest, want)
	}
}

func TestBuildManifest_DropsUnknownAndDuplicates(t *testing.T) {
	r := newTestRegistry(t)

	manifest := r.BuildManifest([]string{"ocr_document", "launch_rockets", "ocr_document", " "})

	if len(manifest) != 1 {
		t.Fatalf("BuildManifest() returned %d groups, want 1", len(manifest))
	}
	if got := manifest[0].Allowed; len(got) != 1 || got[0] != "ocr_document" {
		t.Errorf("Allowed = %v, want [ocr_document]", got)
	}
}

func TestBuildManifest_Empty(t *testing.T) {
	r := newTestRegistry(t)
	if got := r.BuildManifest(nil); len(got) != 0 {
		t.Errorf("BuildManifest(nil) = %v, want empty", got)
	}
}

func TestNewRegistry_Validation(t *testing.T) {
	groups := []models.EndpointGroup{{Label: "a", URL: "http://a"}}

	if _, err := capability.NewRegistry(groups, []models.CapabilityDescriptor{{Name: "x", Endpoint: "b"}}); err == nil {
		t.Error("expected error for capability on unknown group")
	}
	if _, err := capability.NewRegistry(append(groups, groups[0]), nil); err == nil {
		t.Error("expected error for duplicate group")
	}
	if _, err := capability.NewRegistry(groups, []models.CapabilityDescriptor{{Name: "x", Endpoint: "a"}, {Name: "x", Endpoint: "a"}}); err == nil {
		t.Error("expected error for duplicate capability")
	}
}

func TestOwner(t *testing.T) {
	r := newTestRegistry(t)
	if g, ok := r.Owner("search_knowledge_base"); !ok || g != capability.GroupSearch {
		t.Errorf("Owner() = %q, %v, want %q, true", g, ok, capability.GroupSearch)
	}
	if _, ok := r.Owner("nope"); ok {
		t.Error("Owner() should not find unregistered capability")
	}
}
