// Package processor runs business entities through the protocol layer:
// claim the entity, execute the turn under the text-invocation guard,
// extract the decision, sanitize and redact, then persist.
package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/agentoven/adjudicator/internal/decision"
	"github.com/agentoven/adjudicator/internal/executor"
	"github.com/agentoven/adjudicator/internal/guardrails"
	"github.com/agentoven/adjudicator/internal/sanitize"
	"github.com/agentoven/adjudicator/internal/store"
	"github.com/agentoven/adjudicator/pkg/contracts"
	"github.com/agentoven/adjudicator/pkg/models"
)

var tracer = otel.Tracer("adjudicator/processor")

// ErrUnknownKind is returned for an entity kind without a processor.
var ErrUnknownKind = errors.New("no processor for entity kind")

// DegradedRetryExhausted is the evidence reason recorded when the corrective
// turn still produced no genuine capability call.
const DegradedRetryExhausted = "retry_exhausted"

// StatusStore is the entity lifecycle the pipeline drives.
type StatusStore interface {
	ClaimForProcessing(ctx context.Context, kind models.EntityKind, id string) error
	MarkStatus(ctx context.Context, kind models.EntityKind, id string, status models.EntityStatus) error
	ListPending(ctx context.Context, kind models.EntityKind, limit int) ([]string, error)
}

// Result is the outcome of processing one entity.
type Result struct {
	Record      *models.DecisionRecord    `json:"record"`
	TraceID     string                    `json:"trace_id"`
	Strategy    decision.Strategy         `json:"strategy"`
	Retried     bool                      `json:"retried"`
	Exhausted   bool                      `json:"retry_exhausted"`
	Invocations []models.InvocationRecord `json:"invocations"`
	Detections  int                       `json:"pii_detections"`
}

// BatchItem is one entity of a ProcessPending run.
type BatchItem struct {
	EntityID string  `json:"entity_id"`
	Result   *Result `json:"result,omitempty"`
	Error    string  `json:"error,omitempty"`
	Skipped  bool    `json:"skipped,omitempty"`
}

// Pipeline processes entities. It holds no per-entity state and is safe
// for concurrent use.
type Pipeline struct {
	status      StatusStore
	executor    *executor.Executor
	processors  map[models.EntityKind]EntityProcessor
	sanitizer   *sanitize.Sanitizer
	redactor    *guardrails.Redactor
	piiEnabled  bool
	mode        models.RedactionMode
	observer    contracts.TurnObserver
	concurrency int
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRedaction sets PII detection and the redaction mode.
func WithRedaction(enabled bool, mode models.RedactionMode) Option {
	return func(p *Pipeline) {
		p.piiEnabled = enabled
		p.mode = mode
	}
}

// WithObserver reports decisions and PII detections.
func WithObserver(o contracts.TurnObserver) Option {
	return func(p *Pipeline) { p.observer = o }
}

// WithConcurrency bounds ProcessPending parallelism.
func WithConcurrency(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithSanitizer replaces the default sanitizer.
func WithSanitizer(s *sanitize.Sanitizer) Option {
	return func(p *Pipeline) { p.sanitizer = s }
}

// NewPipeline creates a pipeline over the given processors.
func NewPipeline(status StatusStore, exec *executor.Executor, processors []EntityProcessor, opts ...Option) *Pipeline {
	p := &Pipeline{
		status:      status,
		executor:    exec,
		processors:  make(map[models.EntityKind]EntityProcessor, len(processors)),
		sanitizer:   sanitize.New(),
		redactor:    guardrails.NewRedactor(),
		piiEnabled:  true,
		mode:        models.RedactionDualStore,
		concurrency: 4,
	}
	for _, ep := range processors {
		p.processors[ep.Kind()] = ep
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Processor returns the processor for a kind.
func (p *Pipeline) Processor(kind models.EntityKind) (EntityProcessor, error) {
	ep, ok := p.processors[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return ep, nil
}

// Process runs one entity end to end. The entity is claimed with a guarded
// status transition first; store.ErrAlreadyProcessing means another run
// holds it. Any failure after the claim leaves the entity "failed".
func (p *Pipeline) Process(ctx context.Context, kind models.EntityKind, id string) (*Result, error) {
	ep, err := p.Processor(kind)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "processor.process")
	span.SetAttributes(
		attribute.String("entity.kind", string(kind)),
		attribute.String("entity.id", id),
	)
	defer span.End()

	if err := p.status.ClaimForProcessing(ctx, kind, id); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	res, err := p.run(ctx, ep, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.markFailed(ctx, kind, id, err)
		return nil, err
	}

	if err := p.status.MarkStatus(ctx, kind, id, models.EntityStatusCompleted); err != nil {
		p.markFailed(ctx, kind, id, err)
		return nil, fmt.Errorf("mark completed: %w", err)
	}

	span.SetAttributes(
		attribute.String("decision.recommendation", string(res.Record.Decision.Recommendation)),
		attribute.String("decision.strategy", string(res.Strategy)),
		attribute.Bool("turn.retried", res.Retried),
	)
	log.Info().
		Str("entity_kind", string(kind)).
		Str("entity_id", id).
		Str("trace_id", res.TraceID).
		Str("recommendation", string(res.Record.Decision.Recommendation)).
		Float64("confidence", res.Record.Decision.Confidence).
		Str("strategy", string(res.Strategy)).
		Bool("retried", res.Retried).
		Msg("Entity processed")
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, ep EntityProcessor, id string) (*Result, error) {
	kind := ep.Kind()

	entity, err := ep.Fetch(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetch %s context: %w", kind, err)
	}

	out, err := p.executor.Run(ctx, ep.BuildTurn(id, entity))
	if err != nil {
		return nil, err
	}

	// The decision is read from the raw text; sanitizing first could strip
	// the fenced block carrying it.
	extractor := ep.Extractor()
	dec, strategy := extractor.ParseWithStrategy(out.RawText)
	degraded := strategy == decision.StrategyDefault
	if out.Exhausted {
		dec = extractor.Domain().Degrade(dec, DegradedRetryExhausted)
		degraded = true
	}
	if p.observer != nil {
		p.observer.ObserveDecision(kind, dec.Recommendation, string(strategy))
	}

	rec := &models.DecisionRecord{
		EntityKind:        kind,
		EntityID:          id,
		Decision:          dec,
		ReasoningOriginal: dec.Reasoning,
		DisplayText:       p.sanitizer.Sanitize(out.RawText),
		Degraded:          degraded,
		Usage:             out.Result.Usage,
	}
	detections := p.redact(rec)

	if err := ep.Persist(ctx, rec, detections); err != nil {
		return nil, fmt.Errorf("persist decision: %w", err)
	}

	invocations := out.Result.Invocations
	if p.piiEnabled {
		invocations = p.redactor.RedactInvocations(invocations)
	}

	return &Result{
		Record:      rec,
		TraceID:     out.TraceID,
		Strategy:    strategy,
		Retried:     out.Retried(),
		Exhausted:   out.Exhausted,
		Invocations: invocations,
		Detections:  len(detections),
	}, nil
}

// redact masks every human-facing field of rec in place and returns the
// audit trail. In redact_only mode no unredacted text is kept anywhere.
func (p *Pipeline) redact(rec *models.DecisionRecord) []models.PIIDetection {
	if !p.piiEnabled {
		rec.ReasoningOriginal = ""
		return nil
	}

	var all []models.PIIDetection
	audit := func(field, text string) string {
		out, dets := p.redactor.RedactAudited(field, text)
		all = append(all, dets...)
		return out
	}

	original := rec.Decision.Reasoning
	rec.Decision.Reasoning = audit("reasoning", rec.Decision.Reasoning)
	rec.DisplayText = audit("display_text", rec.DisplayText)
	if rec.Decision.Evidence != nil {
		evidence, dets := p.redactor.RedactValue("evidence", rec.Decision.Evidence)
		rec.Decision.Evidence = evidence.(map[string]any)
		all = append(all, dets...)
	}

	switch p.mode {
	case models.RedactionRedactOnly:
		rec.ReasoningOriginal = ""
		for i := range all {
			all[i].Original = ""
		}
	default:
		rec.ReasoningOriginal = original
	}

	for i := range all {
		all[i].EntityKind = rec.EntityKind
		all[i].EntityID = rec.EntityID
		if p.observer != nil {
			p.observer.ObservePII(all[i].Type)
		}
	}
	return all
}

func (p *Pipeline) markFailed(ctx context.Context, kind models.EntityKind, id string, cause error) {
	// Roll back even when the caller's context is done.
	err := p.status.MarkStatus(context.WithoutCancel(ctx), kind, id, models.EntityStatusFailed)
	ev := log.Error().Err(cause).Str("entity_kind", string(kind)).Str("entity_id", id)
	if err != nil {
		ev = ev.AnErr("rollback_error", err)
	}
	ev.Msg("Entity processing failed")
}

// ProcessPending processes up to limit pending entities of a kind with
// bounded concurrency. A failing entity does not stop the batch.
func (p *Pipeline) ProcessPending(ctx context.Context, kind models.EntityKind, limit int) ([]BatchItem, error) {
	if _, err := p.Processor(kind); err != nil {
		return nil, err
	}
	ids, err := p.status.ListPending(ctx, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}

	items := make([]BatchItem, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			items[i].EntityID = id
			res, err := p.Process(gctx, kind, id)
			switch {
			case errors.Is(err, store.ErrAlreadyProcessing):
				items[i].Skipped = true
			case err != nil:
				items[i].Error = err.Error()
			default:
				items[i].Result = res
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return items, err
	}

	log.Info().Str("entity_kind", string(kind)).Int("count", len(ids)).Msg("Pending batch processed")
	return items, nil
}
