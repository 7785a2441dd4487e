package processor_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/agentoven/adjudicator/internal/capability"
	"github.com/agentoven/adjudicator/internal/executor"
	"github.com/agentoven/adjudicator/internal/intent"
	"github.com/agentoven/adjudicator/internal/processor"
	"github.com/agentoven/adjudicator/internal/store"
	"github.com/agentoven/adjudicator/internal/upstream"
	"github.com/agentoven/adjudicator/pkg/models"
)

// fakeTurns answers every turn with reply; it is safe for concurrent use.
type fakeTurns struct {
	mu       sync.Mutex
	reply    func(req *models.TurnRequest) (*models.TurnResult, error)
	requests []*models.TurnRequest
}

func (f *fakeTurns) Execute(_ context.Context, req *models.TurnRequest) (*models.TurnResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.reply(req)
}

func answer(text string, invocations ...models.InvocationRecord) func(*models.TurnRequest) (*models.TurnResult, error) {
	return func(*models.TurnRequest) (*models.TurnResult, error) {
		return &models.TurnResult{
			ContinuationToken: "tok",
			Text:              text,
			Invocations:       invocations,
			Usage:             models.TokenUsage{InputTokens: 50, OutputTokens: 10, TotalTokens: 60},
		}, nil
	}
}

func newPipeline(t *testing.T, turns *fakeTurns, opts ...processor.Option) (*processor.Pipeline, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	reg := intent.DefaultRegistry()
	claims, _ := reg.Get(intent.AgentClaims)
	tenders, _ := reg.Get(intent.AgentTenders)
	deps := processor.Collaborators{
		Fetcher:   s,
		Persister: s,
		Caps:      capability.NewDefaultRegistry("http://ocr", "http://search", "http://records"),
		Turn:      processor.TurnConfig{Model: "m", MaxToolIterations: 10, MaxOutputTokens: 2048},
	}
	p := processor.NewPipeline(s, executor.NewExecutor(turns),
		[]processor.EntityProcessor{
			processor.NewClaimProcessor(deps, claims),
			processor.NewTenderProcessor(deps, tenders),
		}, opts...)
	return p, s
}

func createClaim(t *testing.T, s *store.MemoryStore, number string) string {
	t.Helper()
	c := &models.Claim{ClaimNumber: number, PolicyNumber: "POL-7", Amount: 1200}
	if err := s.CreateClaim(context.Background(), c); err != nil {
		t.Fatalf("CreateClaim() error = %v", err)
	}
	return c.ID
}

const approval = "Documents reviewed.\n\n```json\n" +
	`{"recommendation": "approve", "confidence": 0.9, "reasoning": "Policy active. Contact j.doe@company.com for payment.", "evidence": {"policy": "active"}}` +
	"\n```"

func TestProcess_Claim(t *testing.T) {
	turns := &fakeTurns{reply: answer(approval, models.InvocationRecord{Name: "get_claim", Endpoint: "records", Output: "{}"})}
	p, s := newPipeline(t, turns)
	ctx := context.Background()
	id := createClaim(t, s, "CLM-1")

	res, err := p.Process(ctx, models.EntityClaim, id)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Record.Decision.Recommendation != models.RecommendApprove || res.Record.Decision.Confidence != 0.9 {
		t.Errorf("Decision = %+v", res.Record.Decision)
	}
	if res.Strategy != "fenced_block" || res.Retried || res.Record.Degraded {
		t.Errorf("Strategy = %s, Retried = %v, Degraded = %v", res.Strategy, res.Retried, res.Record.Degraded)
	}

	saved, err := s.GetDecision(ctx, models.EntityClaim, id)
	if err != nil {
		t.Fatalf("GetDecision() error = %v", err)
	}
	if strings.Contains(saved.Decision.Reasoning, "j.doe@company.com") {
		t.Errorf("stored reasoning is not redacted: %q", saved.Decision.Reasoning)
	}
	if !strings.Contains(saved.ReasoningOriginal, "j.doe@company.com") {
		t.Errorf("dual_store must keep the original reasoning, got %q", saved.ReasoningOriginal)
	}
	if strings.Contains(saved.DisplayText, "```") || strings.Contains(saved.DisplayText, "j.doe@") {
		t.Errorf("display text not sanitized and redacted: %q", saved.DisplayText)
	}

	dets, _ := s.ListPIIDetections(ctx, models.EntityClaim, id)
	if len(dets) == 0 || dets[0].Original != "j.doe@company.com" {
		t.Errorf("PII audit = %+v", dets)
	}

	claim, _ := s.GetClaim(ctx, id)
	if claim.Status != models.EntityStatusCompleted {
		t.Errorf("Status = %q, want completed", claim.Status)
	}

	req := turns.requests[0]
	if !strings.Contains(req.Input[0].Content, "CLM-1") || !strings.Contains(req.Input[0].Content, "POL-7") {
		t.Errorf("turn input = %q", req.Input[0].Content)
	}
	if len(req.Manifest) != 3 || req.Instructions == "" || req.Model != "m" {
		t.Errorf("turn request = %+v", req)
	}
}

func TestProcess_RetryExhaustedDegrades(t *testing.T) {
	literal := "[ocr_document(claim_id=\"CLM-2\")]\nRecommendation: approve. Confidence: 80%"
	turns := &fakeTurns{reply: answer(literal)}
	p, s := newPipeline(t, turns)
	id := createClaim(t, s, "CLM-2")

	res, err := p.Process(context.Background(), models.EntityClaim, id)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(turns.requests) != 2 {
		t.Errorf("upstream called %d times, want 2", len(turns.requests))
	}
	dec := res.Record.Decision
	if dec.Recommendation != models.RecommendManualReview || dec.Confidence != 0 {
		t.Errorf("Decision = %+v, want degraded manual_review", dec)
	}
	if dec.Evidence["degraded"] != processor.DegradedRetryExhausted || dec.Evidence["extracted_recommendation"] != "approve" {
		t.Errorf("Evidence = %v", dec.Evidence)
	}
	if !res.Record.Degraded || !res.Exhausted || res.Record.Usage.TotalTokens != 120 {
		t.Errorf("Degraded = %v, Exhausted = %v, Usage = %+v", res.Record.Degraded, res.Exhausted, res.Record.Usage)
	}
	if strings.Contains(res.Record.DisplayText, "ocr_document(") {
		t.Errorf("literal invocation left in display text: %q", res.Record.DisplayText)
	}
}

func TestProcess_UpstreamFailureMarksFailed(t *testing.T) {
	turns := &fakeTurns{reply: func(*models.TurnRequest) (*models.TurnResult, error) {
		return nil, upstream.ErrUpstreamUnavailable
	}}
	p, s := newPipeline(t, turns)
	ctx := context.Background()
	id := createClaim(t, s, "CLM-3")

	if _, err := p.Process(ctx, models.EntityClaim, id); !errors.Is(err, upstream.ErrUpstreamUnavailable) {
		t.Fatalf("Process() error = %v, want ErrUpstreamUnavailable", err)
	}
	claim, _ := s.GetClaim(ctx, id)
	if claim.Status != models.EntityStatusFailed {
		t.Errorf("Status = %q, want failed", claim.Status)
	}
	if _, err := s.GetDecision(ctx, models.EntityClaim, id); !store.IsNotFound(err) {
		t.Errorf("no decision may be stored on failure, got %v", err)
	}

	turns.reply = answer(approval)
	if _, err := p.Process(ctx, models.EntityClaim, id); err != nil {
		t.Errorf("failed entity should be retryable, got %v", err)
	}
}

func TestProcess_AlreadyProcessing(t *testing.T) {
	p, s := newPipeline(t, &fakeTurns{reply: answer(approval)})
	ctx := context.Background()
	id := createClaim(t, s, "CLM-4")
	if err := s.ClaimForProcessing(ctx, models.EntityClaim, id); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Process(ctx, models.EntityClaim, id); !errors.Is(err, store.ErrAlreadyProcessing) {
		t.Errorf("Process() error = %v, want ErrAlreadyProcessing", err)
	}
}

func TestProcess_RedactOnly(t *testing.T) {
	p, s := newPipeline(t, &fakeTurns{reply: answer(approval)},
		processor.WithRedaction(true, models.RedactionRedactOnly))
	ctx := context.Background()
	id := createClaim(t, s, "CLM-5")

	res, err := p.Process(ctx, models.EntityClaim, id)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Record.ReasoningOriginal != "" {
		t.Errorf("redact_only kept original reasoning %q", res.Record.ReasoningOriginal)
	}
	dets, _ := s.ListPIIDetections(ctx, models.EntityClaim, id)
	for _, d := range dets {
		if d.Original != "" {
			t.Errorf("redact_only kept original span %q", d.Original)
		}
	}
}

func TestProcess_Tender(t *testing.T) {
	reply := "Analysis complete.\n\nRecommendation: no-go\nConfidence: 70%\n\nReasoning: the deadline cannot be met with current staffing."
	turns := &fakeTurns{reply: answer(reply)}
	p, s := newPipeline(t, turns)
	ctx := context.Background()
	tender := &models.Tender{Reference: "AO-2024-17", Title: "Road works"}
	if err := s.CreateTender(ctx, tender); err != nil {
		t.Fatal(err)
	}

	res, err := p.Process(ctx, models.EntityTender, tender.ID)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Record.Decision.Recommendation != models.RecommendNoGo || res.Record.Decision.Confidence != 0.7 {
		t.Errorf("Decision = %+v", res.Record.Decision)
	}
	if !strings.Contains(turns.requests[0].Input[0].Content, "AO-2024-17: Road works") {
		t.Errorf("turn input = %q", turns.requests[0].Input[0].Content)
	}
}

func TestProcess_UnknownKind(t *testing.T) {
	p, _ := newPipeline(t, &fakeTurns{reply: answer(approval)})
	if _, err := p.Process(context.Background(), "invoice", "x"); !errors.Is(err, processor.ErrUnknownKind) {
		t.Errorf("Process() error = %v, want ErrUnknownKind", err)
	}
}

func TestProcessPending(t *testing.T) {
	turns := &fakeTurns{reply: func(req *models.TurnRequest) (*models.TurnResult, error) {
		if strings.Contains(req.Input[0].Content, "CLM-BAD") {
			return nil, &upstream.UpstreamError{StatusCode: 500}
		}
		return answer(approval)(req)
	}}
	p, s := newPipeline(t, turns, processor.WithConcurrency(2))
	ctx := context.Background()
	for _, n := range []string{"CLM-A", "CLM-B", "CLM-BAD", "CLM-C"} {
		createClaim(t, s, n)
	}

	items, err := p.ProcessPending(ctx, models.EntityClaim, 0)
	if err != nil {
		t.Fatalf("ProcessPending() error = %v", err)
	}
	if len(items) != 4 {
		t.Fatalf("ProcessPending() returned %d items, want 4", len(items))
	}
	var ok, failed int
	for _, it := range items {
		switch {
		case it.Error != "":
			failed++
		case it.Result != nil:
			ok++
		}
	}
	if ok != 3 || failed != 1 {
		t.Errorf("ok = %d, failed = %d, want 3/1", ok, failed)
	}
	if pending, _ := s.ListPending(ctx, models.EntityClaim, 0); len(pending) != 0 {
		t.Errorf("pending after batch = %v", pending)
	}
}

func TestProcess_RedactsNestedEvidenceAndInvocations(t *testing.T) {
	reply := "```json\n" +
		`{"recommendation": "approve", "confidence": 0.8, "reasoning": "Cover confirmed.",` +
		` "evidence": {"claimant": {"email": "j.doe@company.com", "phone": "06 12 34 56 78"}, "contacts": ["marie.curie@assur.fr"]}}` +
		"\n```"
	lookup := models.InvocationRecord{Name: "get_claim", Endpoint: "records", Output: `{"email": "j.doe@company.com"}`}
	p, s := newPipeline(t, &fakeTurns{reply: answer(reply, lookup)})
	ctx := context.Background()
	id := createClaim(t, s, "CLM-6")

	res, err := p.Process(ctx, models.EntityClaim, id)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	saved, err := s.GetDecision(ctx, models.EntityClaim, id)
	if err != nil {
		t.Fatalf("GetDecision() error = %v", err)
	}
	claimant, _ := saved.Decision.Evidence["claimant"].(map[string]any)
	if claimant["email"] != "j***@***.com" || claimant["phone"] != "** ** ** ** **" {
		t.Errorf("stored evidence.claimant = %v", claimant)
	}
	contacts, _ := saved.Decision.Evidence["contacts"].([]any)
	if len(contacts) != 1 || contacts[0] != "m***@***.fr" {
		t.Errorf("stored evidence.contacts = %v", contacts)
	}

	if len(res.Invocations) != 1 || strings.Contains(res.Invocations[0].Output, "j.doe@") {
		t.Errorf("Result.Invocations = %+v, want masked output", res.Invocations)
	}

	dets, _ := s.ListPIIDetections(ctx, models.EntityClaim, id)
	fields := map[string]bool{}
	for _, d := range dets {
		fields[d.Field] = true
	}
	for _, f := range []string{"evidence.claimant.email", "evidence.claimant.phone", "evidence.contacts.0"} {
		if !fields[f] {
			t.Errorf("no detection for %s in %v", f, fields)
		}
	}
}

// failingPersister rejects every write, as a store whose audit insert fails.
type failingPersister struct{}

func (failingPersister) SaveDecision(context.Context, *models.DecisionRecord, []models.PIIDetection) error {
	return errors.New("record pii detections: disk full")
}

func TestProcess_PersistFailureLeavesNoDecision(t *testing.T) {
	s := store.NewMemoryStore()
	reg := intent.DefaultRegistry()
	claims, _ := reg.Get(intent.AgentClaims)
	deps := processor.Collaborators{
		Fetcher:   s,
		Persister: failingPersister{},
		Caps:      capability.NewDefaultRegistry("http://ocr", "http://search", "http://records"),
		Turn:      processor.TurnConfig{Model: "m", MaxToolIterations: 10},
	}
	p := processor.NewPipeline(s, executor.NewExecutor(&fakeTurns{reply: answer(approval)}),
		[]processor.EntityProcessor{processor.NewClaimProcessor(deps, claims)})
	ctx := context.Background()
	id := createClaim(t, s, "CLM-7")

	if _, err := p.Process(ctx, models.EntityClaim, id); err == nil || !strings.Contains(err.Error(), "persist decision") {
		t.Fatalf("Process() error = %v, want persist failure", err)
	}
	if _, err := s.GetDecision(ctx, models.EntityClaim, id); !store.IsNotFound(err) {
		t.Errorf("GetDecision() error = %v, want ErrNotFound", err)
	}
	if dets, _ := s.ListPIIDetections(ctx, models.EntityClaim, id); len(dets) != 0 {
		t.Errorf("ListPIIDetections() = %+v, want none", dets)
	}
	claim, _ := s.GetClaim(ctx, id)
	if claim.Status != models.EntityStatusFailed {
		t.Errorf("Status = %q, want failed", claim.Status)
	}
}
