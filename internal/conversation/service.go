// Package conversation implements chat turns over a session: route the
// message, run the turn under the text-invocation guard, clean the answer
// and persist the continuation token, all inside the session's lock.
package conversation

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/adjudicator/internal/capability"
	"github.com/agentoven/adjudicator/internal/executor"
	"github.com/agentoven/adjudicator/internal/guardrails"
	"github.com/agentoven/adjudicator/internal/intent"
	"github.com/agentoven/adjudicator/internal/sanitize"
	"github.com/agentoven/adjudicator/internal/sessions"
	"github.com/agentoven/adjudicator/pkg/models"
)

// GeneralInstructions govern turns no agent claimed.
const GeneralInstructions = `You are the assistant of an insurance and public procurement back office.
Answer briefly. When the user asks about a claim or a tender, ask for its reference.`

// Config holds the per-turn limits sent upstream.
type Config struct {
	Model             string
	MaxToolIterations int
	MaxOutputTokens   int
}

// Reply is the answer to one user message.
type Reply struct {
	SessionID        string                    `json:"session_id"`
	Text             string                    `json:"text"`
	Intent           intent.Intent             `json:"intent"`
	AgentID          string                    `json:"agent_id,omitempty"`
	Language         string                    `json:"language"`
	SuggestedActions []string                  `json:"suggested_actions"`
	Invocations      []models.InvocationRecord `json:"invocations"`
	Usage            models.TokenUsage         `json:"usage"`
	Retried          bool                      `json:"retried"`
	Exhausted        bool                      `json:"retry_exhausted,omitempty"`
	Sequence         int64                     `json:"sequence"`
}

// Service runs conversation turns.
type Service struct {
	sessions  *sessions.Manager
	router    *intent.Router
	executor  *executor.Executor
	caps      *capability.Registry
	sanitizer *sanitize.Sanitizer
	redactor  *guardrails.Redactor
	cfg       Config
}

// Option configures a Service.
type Option func(*Service)

// WithRedactor masks PII in stored and returned text; nil disables it.
func WithRedactor(r *guardrails.Redactor) Option {
	return func(s *Service) { s.redactor = r }
}

// WithSanitizer replaces the default sanitizer.
func WithSanitizer(z *sanitize.Sanitizer) Option {
	return func(s *Service) { s.sanitizer = z }
}

// NewService creates a conversation service.
func NewService(mgr *sessions.Manager, router *intent.Router, exec *executor.Executor, caps *capability.Registry, cfg Config, opts ...Option) *Service {
	s := &Service{
		sessions:  mgr,
		router:    router,
		executor:  exec,
		caps:      caps,
		sanitizer: sanitize.New(),
		redactor:  guardrails.NewRedactor(),
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send processes one user message on a session.
func (s *Service) Send(ctx context.Context, sessionID, message string) (*Reply, error) {
	var reply *Reply
	err := s.sessions.WithSession(ctx, sessionID, func(ctx context.Context) error {
		sess, err := s.sessions.Get(ctx, sessionID)
		if err != nil {
			return err
		}

		cls := s.router.Classify(message, sess.AgentID)
		req := s.buildTurn(sess, cls, message)

		out, err := s.executor.Run(ctx, req)
		if err != nil {
			return err
		}

		text := s.sanitizer.Sanitize(out.RawText)
		stored := message
		invocations := out.Result.Invocations
		if s.redactor != nil {
			text = s.redactor.Redact(text)
			stored = s.redactor.Redact(message)
			invocations = s.redactor.RedactInvocations(invocations)
		}

		turn := &models.ConversationTurn{
			AgentID:     cls.AgentID,
			Intent:      string(cls.Intent),
			UserMessage: stored,
			Response:    text,
			Retried:     out.Retried(),
			Usage:       out.Result.Usage,
		}
		if err := s.sessions.RecordTurn(ctx, sess, out.Result.ContinuationToken, turn); err != nil {
			return err
		}

		reply = &Reply{
			SessionID:        sess.ID,
			Text:             text,
			Intent:           cls.Intent,
			AgentID:          cls.AgentID,
			Language:         cls.Language,
			SuggestedActions: cls.SuggestedActions,
			Invocations:      invocations,
			Usage:            out.Result.Usage,
			Retried:          out.Retried(),
			Exhausted:        out.Exhausted,
			Sequence:         turn.Sequence,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("session_id", sessionID).
		Str("intent", string(reply.Intent)).
		Str("agent_id", reply.AgentID).
		Bool("retried", reply.Retried).
		Int64("total_tokens", reply.Usage.TotalTokens).
		Msg("Conversation turn complete")
	return reply, nil
}

// buildTurn picks instructions and capabilities for the routed agent. The
// session's instruction override, when set, replaces the agent's.
func (s *Service) buildTurn(sess *models.ConversationSession, cls intent.Classification, message string) *models.TurnRequest {
	req := &models.TurnRequest{
		Model:             s.cfg.Model,
		Instructions:      GeneralInstructions,
		Input:             []models.Message{{Role: "user", Content: strings.TrimSpace(message)}},
		ContinuationToken: sess.ContinuationToken,
		MaxToolIterations: s.cfg.MaxToolIterations,
		MaxOutputTokens:   s.cfg.MaxOutputTokens,
	}
	if agent, ok := s.router.Registry().Get(cls.AgentID); ok {
		req.Instructions = agent.Instructions
		if s.caps != nil {
			req.Manifest = s.caps.BuildManifest(agent.Capabilities)
		}
	}
	if o := sess.InstructionOverride(); o != "" {
		req.Instructions = o
	}
	return req
}
