package conversation_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/agentoven/adjudicator/internal/capability"
	"github.com/agentoven/adjudicator/internal/conversation"
	"github.com/agentoven/adjudicator/internal/executor"
	"github.com/agentoven/adjudicator/internal/intent"
	"github.com/agentoven/adjudicator/internal/sessions"
	"github.com/agentoven/adjudicator/internal/store"
	"github.com/agentoven/adjudicator/internal/upstream"
	"github.com/agentoven/adjudicator/pkg/models"
)

type recordingTurns struct {
	results  []*models.TurnResult
	err      error
	requests []*models.TurnRequest
}

func (r *recordingTurns) Execute(_ context.Context, req *models.TurnRequest) (*models.TurnResult, error) {
	r.requests = append(r.requests, req)
	if r.err != nil {
		return nil, r.err
	}
	i := len(r.requests) - 1
	if i >= len(r.results) {
		return &models.TurnResult{Text: "ok"}, nil
	}
	return r.results[i], nil
}

func newService(turns *recordingTurns) (*conversation.Service, *sessions.Manager) {
	mgr := sessions.NewManager(store.NewMemoryStore())
	svc := conversation.NewService(
		mgr,
		intent.NewRouter(intent.DefaultRegistry()),
		executor.NewExecutor(turns),
		capability.NewDefaultRegistry("http://ocr", "http://search", "http://records"),
		conversation.Config{Model: "m", MaxToolIterations: 5, MaxOutputTokens: 1024},
	)
	return svc, mgr
}

func TestSend_ChainsContinuationToken(t *testing.T) {
	turns := &recordingTurns{results: []*models.TurnResult{
		{ContinuationToken: "tok-1", Text: "Il y a 3 sinistres en attente."},
		{ContinuationToken: "tok-2", Text: "Le plus ancien date de mars."},
	}}
	svc, mgr := newService(turns)
	ctx := context.Background()
	sess, err := mgr.Start(ctx, "", "")
	if err != nil {
		t.Fatal(err)
	}

	first, err := svc.Send(ctx, sess.ID, "Combien de sinistres en attente?")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if first.Intent != intent.IntentAgentRequest || first.AgentID != intent.AgentClaims || first.Language != intent.LangFrench {
		t.Errorf("first reply = %+v", first)
	}
	if turns.requests[0].ContinuationToken != "" || len(turns.requests[0].Manifest) == 0 {
		t.Errorf("first request = %+v", turns.requests[0])
	}

	second, err := svc.Send(ctx, sess.ID, "et le plus ancien ?")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if second.Intent != intent.IntentFollowUp || second.AgentID != intent.AgentClaims {
		t.Errorf("second reply = %+v", second)
	}
	if turns.requests[1].ContinuationToken != "tok-1" {
		t.Errorf("second request token = %q, want tok-1", turns.requests[1].ContinuationToken)
	}
	if second.Sequence != 2 {
		t.Errorf("Sequence = %d, want 2", second.Sequence)
	}

	got, _ := mgr.Get(ctx, sess.ID)
	if got.ContinuationToken != "tok-2" {
		t.Errorf("session token = %q, want tok-2", got.ContinuationToken)
	}
}

func TestSend_InstructionOverride(t *testing.T) {
	turns := &recordingTurns{}
	svc, mgr := newService(turns)
	ctx := context.Background()
	sess, _ := mgr.Start(ctx, "", "Réponds toujours en une phrase.")

	if _, err := svc.Send(ctx, sess.ID, "Review claim CLM-1"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if turns.requests[0].Instructions != "Réponds toujours en une phrase." {
		t.Errorf("Instructions = %q", turns.requests[0].Instructions)
	}
}

func TestSend_SanitizesAndRedacts(t *testing.T) {
	turns := &recordingTurns{results: []*models.TurnResult{{
		Text:        "I will now check the file.\nWrite to j.doe@company.com.",
		Invocations: []models.InvocationRecord{
			{Name: "get_claim", Endpoint: "records", Output: `{"claimant_email": "j.doe@company.com"}`},
			{Name: "search_similar_claims", Endpoint: "search", Error: "no match for 06 12 34 56 78"},
		},
	}}}
	svc, mgr := newService(turns)
	ctx := context.Background()
	sess, _ := mgr.Start(ctx, "", "")

	reply, err := svc.Send(ctx, sess.ID, "my email is marie@assur.fr, claim CLM-9")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if strings.Contains(reply.Text, "I will now") || strings.Contains(reply.Text, "j.doe@") {
		t.Errorf("reply text = %q", reply.Text)
	}
	if len(reply.Invocations) != 2 ||
		strings.Contains(reply.Invocations[0].Output, "j.doe@") ||
		strings.Contains(reply.Invocations[1].Error, "06 12") {
		t.Errorf("reply invocations = %+v", reply.Invocations)
	}
	if !strings.Contains(turns.results[0].Invocations[0].Output, "j.doe@") {
		t.Error("redaction must not rewrite the upstream result in place")
	}
	history, _ := mgr.History(ctx, sess.ID, 0)
	if len(history) != 1 || strings.Contains(history[0].UserMessage, "marie@assur.fr") {
		t.Errorf("stored turn = %+v", history)
	}
}

func TestSend_Errors(t *testing.T) {
	turns := &recordingTurns{err: upstream.ErrUpstreamUnavailable}
	svc, mgr := newService(turns)
	ctx := context.Background()

	if _, err := svc.Send(ctx, "missing", "hello"); !store.IsNotFound(err) {
		t.Errorf("Send(missing session) error = %v, want ErrNotFound", err)
	}

	sess, _ := mgr.Start(ctx, "", "")
	if _, err := svc.Send(ctx, sess.ID, "hello"); !errors.Is(err, upstream.ErrUpstreamUnavailable) {
		t.Errorf("Send() error = %v, want ErrUpstreamUnavailable", err)
	}
	if history, _ := mgr.History(ctx, sess.ID, 0); len(history) != 0 {
		t.Errorf("failed turn was recorded: %+v", history)
	}
}
