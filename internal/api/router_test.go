package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/agentoven/adjudicator/internal/api"
	"github.com/agentoven/adjudicator/internal/api/handlers"
	"github.com/agentoven/adjudicator/internal/capability"
	"github.com/agentoven/adjudicator/internal/config"
	"github.com/agentoven/adjudicator/internal/conversation"
	"github.com/agentoven/adjudicator/internal/executor"
	"github.com/agentoven/adjudicator/internal/intent"
	"github.com/agentoven/adjudicator/internal/metrics"
	"github.com/agentoven/adjudicator/internal/processor"
	"github.com/agentoven/adjudicator/internal/sessions"
	"github.com/agentoven/adjudicator/internal/store"
	"github.com/agentoven/adjudicator/internal/upstream"
	"github.com/agentoven/adjudicator/pkg/models"
)

type stubTurns struct {
	mu  sync.Mutex
	n   int
	err error
}

func (s *stubTurns) Execute(_ context.Context, req *models.TurnRequest) (*models.TurnResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	if s.err != nil {
		return nil, s.err
	}
	text := "Bonjour, je peux vous aider."
	if strings.HasPrefix(req.Input[0].Content, "Adjudicate") {
		text = "```json\n" +
			`{"recommendation": "deny", "confidence": 0.8, "reasoning": "Policy lapsed, see marie@assur.fr."}` +
			"\n```"
	}
	return &models.TurnResult{
		ContinuationToken: "tok-" + string(rune('0'+s.n)),
		Text:              text,
		Invocations:       []models.InvocationRecord{{Name: "get_claim", Endpoint: "records", Output: "{}"}},
		Usage:             models.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}, nil
}

type env struct {
	handler http.Handler
	store   *store.MemoryStore
	turns   *stubTurns
}

func newEnv(t *testing.T, keys ...string) *env {
	t.Helper()
	cfg := &config.Config{Version: "9.9.9", APIKeys: keys}
	st := store.NewMemoryStore()
	turns := &stubTurns{}
	m := metrics.New()

	caps := capability.NewDefaultRegistry("http://ocr", "http://search", "http://records")
	reg := intent.DefaultRegistry()
	router := intent.NewRouter(reg)
	exec := executor.NewExecutor(turns, executor.WithObserver(m))

	claims, _ := reg.Get(intent.AgentClaims)
	tenders, _ := reg.Get(intent.AgentTenders)
	deps := processor.Collaborators{Fetcher: st, Persister: st, Caps: caps, Turn: processor.TurnConfig{Model: "m"}}
	pipe := processor.NewPipeline(st, exec, []processor.EntityProcessor{
		processor.NewClaimProcessor(deps, claims),
		processor.NewTenderProcessor(deps, tenders),
	}, processor.WithObserver(m))

	mgr := sessions.NewManager(st)
	conv := conversation.NewService(mgr, router, exec, caps, conversation.Config{Model: "m"})

	h := handlers.New(st, pipe, mgr, conv, router, caps)
	return &env{handler: api.NewRouter(cfg, h, m.Handler()), store: st, turns: turns}
}

func (e *env) do(t *testing.T, method, path string, body any, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)

	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestHealthAndVersion(t *testing.T) {
	e := newEnv(t, "secret")

	w, body := e.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK || body["status"] != "healthy" {
		t.Errorf("GET /health = %d %v", w.Code, body)
	}
	w, body = e.do(t, http.MethodGet, "/version", nil)
	if w.Code != http.StatusOK || body["version"] != "9.9.9" {
		t.Errorf("GET /version = %d %v", w.Code, body)
	}
	if w, _ = e.do(t, http.MethodGet, "/metrics", nil); w.Code != http.StatusOK {
		t.Errorf("GET /metrics = %d", w.Code)
	}
}

func TestAPIKeyRequired(t *testing.T) {
	e := newEnv(t, "secret")

	if w, _ := e.do(t, http.MethodPost, "/api/v1/sessions", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("without key: status = %d, want 401", w.Code)
	}
	if w, _ := e.do(t, http.MethodPost, "/api/v1/sessions", nil, "X-API-Key", "secret"); w.Code != http.StatusCreated {
		t.Errorf("with key: status = %d, want 201", w.Code)
	}
}

func TestClaimProcessing(t *testing.T) {
	e := newEnv(t)

	w, created := e.do(t, http.MethodPost, "/api/v1/claims", map[string]any{
		"claim_number": "CLM-2024-001", "policy_number": "POL-9", "amount": 2500,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("POST /claims = %d %s", w.Code, w.Body.String())
	}
	id, _ := created["id"].(string)

	w, res := e.do(t, http.MethodPost, "/api/v1/claims/"+id+"/process", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("POST /process = %d %s", w.Code, w.Body.String())
	}
	if res["strategy"] != "fenced_block" {
		t.Errorf("strategy = %v", res["strategy"])
	}

	w, rec := e.do(t, http.MethodGet, "/api/v1/claims/"+id+"/decision", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /decision = %d", w.Code)
	}
	dec, _ := rec["decision"].(map[string]any)
	if dec["recommendation"] != "deny" {
		t.Errorf("recommendation = %v", dec["recommendation"])
	}
	if strings.Contains(w.Body.String(), "marie@assur.fr") {
		t.Errorf("decision leaks PII: %s", w.Body.String())
	}

	w, _ = e.do(t, http.MethodGet, "/api/v1/claims/"+id+"/pii", nil)
	if w.Code != http.StatusOK || strings.Contains(w.Body.String(), "marie@assur.fr") {
		t.Errorf("GET /pii = %d %s", w.Code, w.Body.String())
	}

	if w, _ := e.do(t, http.MethodGet, "/api/v1/claims/"+id, nil); w.Code != http.StatusOK {
		t.Errorf("GET /claims/{id} = %d", w.Code)
	}

	w, _ = e.do(t, http.MethodGet, "/metrics", nil)
	if !strings.Contains(w.Body.String(), `adjudicator_decisions_total{entity_kind="claim",recommendation="deny"`) {
		t.Errorf("metrics missing decision counter:\n%s", w.Body.String())
	}
}

func TestProcessErrors(t *testing.T) {
	e := newEnv(t)

	if w, _ := e.do(t, http.MethodPost, "/api/v1/claims/missing/process", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown claim: status = %d, want 404", w.Code)
	}
	if w, _ := e.do(t, http.MethodGet, "/api/v1/tenders/missing/decision", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing decision: status = %d, want 404", w.Code)
	}

	c := &models.Claim{ClaimNumber: "CLM-X"}
	_ = e.store.CreateClaim(context.Background(), c)
	_ = e.store.ClaimForProcessing(context.Background(), models.EntityClaim, c.ID)
	if w, _ := e.do(t, http.MethodPost, "/api/v1/claims/"+c.ID+"/process", nil); w.Code != http.StatusConflict {
		t.Errorf("claimed entity: status = %d, want 409", w.Code)
	}

	e.turns.err = upstream.ErrUpstreamUnavailable
	tn := &models.Tender{Reference: "AO-1"}
	_ = e.store.CreateTender(context.Background(), tn)
	if w, _ := e.do(t, http.MethodPost, "/api/v1/tenders/"+tn.ID+"/process", nil); w.Code != http.StatusGatewayTimeout {
		t.Errorf("upstream down: status = %d, want 504", w.Code)
	}
	e.turns.err = &upstream.UpstreamError{StatusCode: 500, Body: "boom"}
	_ = e.store.MarkStatus(context.Background(), models.EntityTender, tn.ID, models.EntityStatusPending)
	if w, _ := e.do(t, http.MethodPost, "/api/v1/tenders/"+tn.ID+"/process", nil); w.Code != http.StatusBadGateway {
		t.Errorf("upstream error: status = %d, want 502", w.Code)
	}

	if w, _ := e.do(t, http.MethodPost, "/api/v1/claims", map[string]any{"amount": 1}); w.Code != http.StatusBadRequest {
		t.Errorf("claim without number: status = %d, want 400", w.Code)
	}
}

func TestProcessPending(t *testing.T) {
	e := newEnv(t)
	for _, n := range []string{"CLM-1", "CLM-2"} {
		_ = e.store.CreateClaim(context.Background(), &models.Claim{ClaimNumber: n})
	}

	w, body := e.do(t, http.MethodPost, "/api/v1/claims/process-pending?limit=5", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("POST /process-pending = %d", w.Code)
	}
	summary, _ := body["summary"].(map[string]any)
	if summary["processed"] != float64(2) {
		t.Errorf("summary = %v", summary)
	}
}

func TestSessionFlow(t *testing.T) {
	e := newEnv(t)

	w, sess := e.do(t, http.MethodPost, "/api/v1/sessions", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("POST /sessions = %d", w.Code)
	}
	id, _ := sess["id"].(string)
	base := "/api/v1/sessions/" + id

	w, reply := e.do(t, http.MethodPost, base+"/messages", map[string]string{"message": "Où en est le sinistre CLM-7 ?"})
	if w.Code != http.StatusOK {
		t.Fatalf("POST /messages = %d %s", w.Code, w.Body.String())
	}
	if reply["intent"] != string(intent.IntentAgentRequest) || reply["agent_id"] != intent.AgentClaims {
		t.Errorf("reply = %v", reply)
	}

	if w, _ := e.do(t, http.MethodPost, base+"/messages", map[string]string{"message": "  "}); w.Code != http.StatusBadRequest {
		t.Errorf("empty message: status = %d, want 400", w.Code)
	}

	w, updated := e.do(t, http.MethodPut, base+"/instructions", map[string]string{"instructions": "Be terse."})
	if w.Code != http.StatusOK {
		t.Fatalf("PUT /instructions = %d", w.Code)
	}
	meta, _ := updated["metadata"].(map[string]any)
	if meta[models.MetaInstructionOverride] != "Be terse." {
		t.Errorf("metadata = %v", meta)
	}

	w, _ = e.do(t, http.MethodGet, base+"/turns", nil)
	var turns []models.ConversationTurn
	_ = json.Unmarshal(w.Body.Bytes(), &turns)
	if w.Code != http.StatusOK || len(turns) != 1 || turns[0].Sequence != 1 {
		t.Errorf("GET /turns = %d %+v", w.Code, turns)
	}

	if w, _ := e.do(t, http.MethodDelete, base, nil); w.Code != http.StatusOK {
		t.Errorf("DELETE = %d", w.Code)
	}
	if w, _ := e.do(t, http.MethodGet, base, nil); w.Code != http.StatusNotFound {
		t.Errorf("GET after delete = %d, want 404", w.Code)
	}
	if w, _ := e.do(t, http.MethodPost, "/api/v1/sessions", map[string]string{"agent_id": "nobody"}); w.Code != http.StatusBadRequest {
		t.Errorf("unknown agent: status = %d, want 400", w.Code)
	}
}

func TestTextUtilities(t *testing.T) {
	e := newEnv(t)

	_, cls := e.do(t, http.MethodPost, "/api/v1/intent/classify", map[string]string{"message": "Analyse de l'appel d'offres AO-2024-17"})
	if cls["agent_id"] != intent.AgentTenders || cls["language"] != intent.LangFrench {
		t.Errorf("classify = %v", cls)
	}

	_, red := e.do(t, http.MethodPost, "/api/v1/text/redact", map[string]string{"text": "Mail j.doe@company.com"})
	if red["text"] != "Mail j***@***.com" {
		t.Errorf("redact = %v", red)
	}
	if dets, _ := red["detections"].([]any); len(dets) != 1 {
		t.Errorf("detections = %v", red["detections"])
	}

	_, dec := e.do(t, http.MethodPost, "/api/v1/text/decision", map[string]string{
		"domain": "tender", "text": "Recommendation: no-go\nConfidence: 70%",
	})
	if d, _ := dec["decision"].(map[string]any); d["recommendation"] != "no_go" || d["confidence"] != 0.7 {
		t.Errorf("decision = %v", dec)
	}
	if w, _ := e.do(t, http.MethodPost, "/api/v1/text/decision", map[string]string{"domain": "boat", "text": "x"}); w.Code != http.StatusBadRequest {
		t.Errorf("unknown domain: status = %d, want 400", w.Code)
	}

	_, san := e.do(t, http.MethodPost, "/api/v1/text/sanitize", map[string]string{"text": `Checking [ocr_document(claim_id="CLM-1")] now.`})
	if strings.Contains(san["text"].(string), "ocr_document") {
		t.Errorf("sanitize = %v", san)
	}

	w, _ := e.do(t, http.MethodPost, "/api/v1/capabilities/manifest", map[string]any{"capabilities": []string{"get_claim", "ocr_document"}})
	var manifest []models.EndpointGroupManifest
	_ = json.Unmarshal(w.Body.Bytes(), &manifest)
	if len(manifest) != 2 {
		t.Errorf("manifest = %+v", manifest)
	}
}
