// Package executor runs one logical request against the upstream and
// enforces the text-invocation retry policy.
//
// The policy is a two-state machine:
//
//	NORMAL  → turn completes with no genuine invocation but literal call
//	          syntax in its text → one corrective turn → RETRIED
//	RETRIED → the corrective turn's result is final, whatever it holds
//
// A logical request therefore costs at most two upstream turns. Token usage
// of both turns is summed on the returned result.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/agentoven/adjudicator/internal/sanitize"
	"github.com/agentoven/adjudicator/pkg/contracts"
	"github.com/agentoven/adjudicator/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// State is the retry policy state of a logical request.
type State int

const (
	StateNormal State = iota
	StateRetried
)

func (s State) String() string {
	if s == StateRetried {
		return "retried"
	}
	return "normal"
}

// DefaultCorrection is sent when the upstream wrote capability calls as text.
const DefaultCorrection = "Your previous answer wrote capability calls as plain text. " +
	"Text is never executed. Invoke the capabilities you need through the provided tools, " +
	"then give your final answer. Do not write call syntax in your reply."

// Resolver maps a capability name onto its endpoint group.
type Resolver interface {
	Owner(name string) (string, bool)
}

// Turn is one upstream exchange of a logical request.
type Turn struct {
	Number      int               `json:"number"`
	Corrective  bool              `json:"corrective"`
	Invocations int               `json:"invocations"`
	LatencyMs   int64             `json:"latency_ms"`
	Usage       models.TokenUsage `json:"usage"`
}

// Outcome is the final result of a logical request.
type Outcome struct {
	TraceID string             `json:"trace_id"`
	Result  *models.TurnResult `json:"result"`
	State   State              `json:"state"`

	// Exhausted is set when the corrective turn still produced no genuine
	// invocation. Callers degrade the decision rather than failing.
	Exhausted bool `json:"exhausted"`

	// RawText is the unsanitized text of the final turn.
	RawText string `json:"-"`

	Turns []Turn `json:"turns"`
}

// Retried reports whether a corrective turn was issued.
func (o *Outcome) Retried() bool { return o.State == StateRetried }

// Option configures an Executor.
type Option func(*Executor)

// WithCorrection replaces the corrective instruction.
func WithCorrection(text string) Option {
	return func(e *Executor) {
		if text != "" {
			e.correction = text
		}
	}
}

// WithSynthesizedInvocations makes an exhausted outcome carry invocation
// records parsed from the literal call text. They are flagged Synthetic and
// meant for display only.
func WithSynthesizedInvocations(r Resolver) Option {
	return func(e *Executor) {
		e.synthesize = true
		e.resolver = r
	}
}

// WithMaxRetries bounds corrective turns. The policy allows at most one;
// zero or less disables it and a text-written call is final.
func WithMaxRetries(n int) Option {
	return func(e *Executor) { e.retry = n > 0 }
}

// WithObserver reports turns and retries to a metrics sink.
func WithObserver(o contracts.TurnObserver) Option {
	return func(e *Executor) { e.observer = o }
}

// Executor wraps a TurnExecutor with the text-invocation retry policy.
type Executor struct {
	turns      contracts.TurnExecutor
	correction string
	retry      bool
	synthesize bool
	resolver   Resolver
	observer   contracts.TurnObserver
}

// NewExecutor creates an Executor over the given turn executor.
func NewExecutor(turns contracts.TurnExecutor, opts ...Option) *Executor {
	e := &Executor{
		turns:      turns,
		correction: DefaultCorrection,
		retry:      true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the request and, when the policy demands it, one corrective
// turn. Upstream errors on either turn are returned unchanged in the chain.
func (e *Executor) Run(ctx context.Context, req *models.TurnRequest) (*Outcome, error) {
	out := &Outcome{
		TraceID: uuid.New().String(),
		State:   StateNormal,
	}

	first, err := e.turn(ctx, out, req, false)
	if err != nil {
		return out, err
	}
	out.Result = first
	out.RawText = first.Text

	if !needsCorrection(first) {
		return out, nil
	}
	if !e.retry {
		out.Exhausted = true
		log.Warn().Str("trace_id", out.TraceID).Msg("Capability calls written as text; corrective turn disabled")
		return out, nil
	}

	log.Info().
		Str("trace_id", out.TraceID).
		Str("continuation_token", first.ContinuationToken).
		Msg("Capability calls written as text; issuing corrective turn")

	out.State = StateRetried
	retry, err := e.turn(ctx, out, e.correctiveRequest(req, first), true)
	if err != nil {
		return out, fmt.Errorf("corrective turn: %w", err)
	}

	final := *retry
	final.Usage = first.Usage.Add(retry.Usage)
	if final.ContinuationToken == "" {
		final.ContinuationToken = first.ContinuationToken
	}
	out.Result = &final
	out.RawText = retry.Text

	if len(retry.Invocations) == 0 {
		out.Exhausted = true
		log.Warn().
			Str("trace_id", out.TraceID).
			Bool("literal_calls_remaining", sanitize.ContainsLiteralInvocation(retry.Text)).
			Msg("Corrective turn produced no genuine invocation")
		if e.synthesize {
			final.Invocations = e.synthesized(retry.Text, first.Text)
		}
	}
	if e.observer != nil {
		e.observer.ObserveRetry(out.Exhausted)
	}
	return out, nil
}

func (e *Executor) turn(ctx context.Context, out *Outcome, req *models.TurnRequest, corrective bool) (*models.TurnResult, error) {
	start := time.Now()
	res, err := e.turns.Execute(ctx, req)
	latency := time.Since(start)

	kind := "initial"
	if corrective {
		kind = "corrective"
	}
	if err != nil {
		if e.observer != nil {
			e.observer.ObserveTurn(kind, models.TokenUsage{}, latency, err)
		}
		return nil, err
	}
	if e.observer != nil {
		e.observer.ObserveTurn(kind, res.Usage, latency, nil)
	}

	out.Turns = append(out.Turns, Turn{
		Number:      len(out.Turns) + 1,
		Corrective:  corrective,
		Invocations: len(res.Invocations),
		LatencyMs:   latency.Milliseconds(),
		Usage:       res.Usage,
	})
	return res, nil
}

// needsCorrection is the NORMAL → RETRIED transition predicate.
func needsCorrection(res *models.TurnResult) bool {
	return len(res.Invocations) == 0 && sanitize.ContainsLiteralInvocation(res.Text)
}

// correctiveRequest continues the conversation of the first turn. Without
// any continuation token the history is resent explicitly.
func (e *Executor) correctiveRequest(orig *models.TurnRequest, first *models.TurnResult) *models.TurnRequest {
	req := *orig
	req.Manifest = append([]models.EndpointGroupManifest(nil), orig.Manifest...)

	token := first.ContinuationToken
	if token == "" {
		token = orig.ContinuationToken
	}
	req.ContinuationToken = token

	correction := models.Message{Role: "user", Content: e.correction}
	if token != "" {
		req.Input = []models.Message{correction}
	} else {
		req.Input = append(append([]models.Message(nil), orig.Input...),
			models.Message{Role: "assistant", Content: first.Text},
			correction,
		)
	}
	return &req
}

func (e *Executor) synthesized(texts ...string) []models.InvocationRecord {
	var recs []models.InvocationRecord
	for _, text := range texts {
		for _, call := range sanitize.FindLiteralInvocations(text) {
			rec := models.InvocationRecord{Name: call.Name, Text: call.Args, Synthetic: true}
			if e.resolver != nil {
				rec.Endpoint, _ = e.resolver.Owner(call.Name)
			}
			recs = append(recs, rec)
		}
		if len(recs) > 0 {
			break
		}
	}
	return recs
}
