// Package server provides the public entry point for initializing the
// adjudicator service.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	backend "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/adjudicator/internal/api"
	"github.com/agentoven/adjudicator/internal/api/handlers"
	"github.com/agentoven/adjudicator/internal/capability"
	"github.com/agentoven/adjudicator/internal/config"
	"github.com/agentoven/adjudicator/internal/conversation"
	"github.com/agentoven/adjudicator/internal/executor"
	"github.com/agentoven/adjudicator/internal/intent"
	"github.com/agentoven/adjudicator/internal/metrics"
	"github.com/agentoven/adjudicator/internal/processor"
	"github.com/agentoven/adjudicator/internal/retention"
	"github.com/agentoven/adjudicator/internal/sessions"
	"github.com/agentoven/adjudicator/internal/store"
	"github.com/agentoven/adjudicator/internal/telemetry"
	"github.com/agentoven/adjudicator/internal/upstream"
	"github.com/agentoven/adjudicator/pkg/models"
)

// Server holds the initialized adjudicator.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store holds entities, decisions, the PII audit and, with the
	// database session backend, conversations.
	Store store.Store

	// Config is the configuration the server was built from.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error

	redis       *backend.Client
	stopJanitor context.CancelFunc
}

// New initializes all components from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes all components from an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := openStore(cfg.Database)
	if err != nil {
		return nil, err
	}
	srv := &Server{Store: dataStore, Config: cfg, Port: cfg.Port, ShutdownFunc: shutdown}

	mgr, sweeper, err := srv.sessionManager(ctx)
	if err != nil {
		srv.Close()
		return nil, err
	}

	reg, router, err := intentRouter(cfg.Router)
	if err != nil {
		srv.Close()
		return nil, err
	}

	m := metrics.New()
	caps := capability.NewDefaultRegistry(cfg.Endpoints.OCR, cfg.Endpoints.Search, cfg.Endpoints.Records)

	client := upstream.NewClient(cfg.Upstream.URL,
		upstream.WithAPIKey(cfg.Upstream.APIKey),
		upstream.WithTimeout(cfg.Upstream.Timeout),
	)
	execOpts := []executor.Option{
		executor.WithObserver(m),
		executor.WithMaxRetries(cfg.Upstream.MaxRetries),
	}
	if cfg.Upstream.SynthesizeInvocations {
		execOpts = append(execOpts, executor.WithSynthesizedInvocations(caps))
	}
	exec := executor.NewExecutor(client, execOpts...)

	processors, err := entityProcessors(cfg, dataStore, caps, reg)
	if err != nil {
		srv.Close()
		return nil, err
	}
	pipe := processor.NewPipeline(dataStore, exec, processors,
		processor.WithRedaction(cfg.PII.Enabled, cfg.PII.Mode),
		processor.WithObserver(m),
		processor.WithConcurrency(cfg.ProcessConcurrency),
	)

	var convOpts []conversation.Option
	if !cfg.PII.Enabled {
		convOpts = append(convOpts, conversation.WithRedactor(nil))
	}
	conv := conversation.NewService(mgr, router, exec, caps, conversation.Config{
		Model:             cfg.Upstream.Model,
		MaxToolIterations: cfg.Upstream.MaxToolIterations,
		MaxOutputTokens:   cfg.Upstream.MaxOutputTokens,
	}, convOpts...)

	h := handlers.New(dataStore, pipe, mgr, conv, router, caps)
	srv.Handler = api.NewRouter(cfg, h, m.Handler())

	srv.startJanitor(sweeper)

	log.Info().
		Str("database", cfg.Database.Driver).
		Str("sessions", cfg.Sessions.Backend).
		Str("upstream", cfg.Upstream.URL).
		Bool("pii", cfg.PII.Enabled).
		Str("redaction_mode", string(cfg.PII.Mode)).
		Msg("Adjudicator initialized")
	return srv, nil
}

// Close stops the retention janitor and releases the store and the Redis
// client.
func (s *Server) Close() error {
	if s.stopJanitor != nil {
		s.stopJanitor()
	}
	var errs []error
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	if s.Store != nil {
		errs = append(errs, s.Store.Close())
	}
	return errors.Join(errs...)
}

func openStore(cfg config.DatabaseConfig) (store.Store, error) {
	if cfg.Driver == "memory" {
		return store.NewMemoryStore(), nil
	}
	s, err := store.NewGormStore(cfg.Driver, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return s, nil
}

// startJanitor runs the retention sweeps in the background when any
// retention window is set.
func (s *Server) startJanitor(sweeper retention.SessionSweeper) {
	cfg := s.Config.Retention
	var archiver retention.Archiver
	if cfg.PIIOriginals > 0 {
		archiver = retention.NewLocalFileArchiver(cfg.ArchiveDir, cfg.ArchiveCompress)
	}
	j := retention.NewJanitor(sweeper, s.Store, archiver, retention.Policy{
		SessionIdle:  cfg.SessionIdle,
		PIIOriginals: cfg.PIIOriginals,
	}, cfg.Interval)
	if !j.Enabled() {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.stopJanitor = cancel
	go j.Start(ctx)
}

// sessionManager builds the conversation manager over the configured
// backend. Redis also provides the cross-process session lock; its sessions
// expire by TTL, so no sweeper is returned for it.
func (s *Server) sessionManager(ctx context.Context) (*sessions.Manager, retention.SessionSweeper, error) {
	cfg := s.Config.Sessions
	switch cfg.Backend {
	case "", "database":
		return sessions.NewManager(s.Store), s.Store, nil
	case "memory":
		mem := store.NewMemoryStore()
		return sessions.NewManager(mem), mem, nil
	case "redis":
		client := backend.NewClient(&backend.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		s.redis = client
		log.Info().Str("addr", cfg.RedisAddr).Msg("Redis session backend configured")
		return sessions.NewManager(
			sessions.NewRedisStore(client, sessions.WithTTL(cfg.TTL)),
			sessions.WithLocker(sessions.NewRedisLocker(client, sessions.DefaultRedisPrefix), cfg.LockTTL),
		), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown session backend %q", cfg.Backend)
}

func intentRouter(cfg config.RouterConfig) (*intent.Registry, *intent.Router, error) {
	reg := intent.DefaultRegistry()
	if cfg.AgentsFile != "" {
		loaded, err := intent.LoadRegistry(cfg.AgentsFile)
		if err != nil {
			return nil, nil, fmt.Errorf("load agents: %w", err)
		}
		reg = loaded
	}

	actions := intent.DefaultActions()
	if cfg.SuggestedActionsFile != "" {
		loaded, err := intent.LoadActions(cfg.SuggestedActionsFile)
		if err != nil {
			return nil, nil, fmt.Errorf("load suggested actions: %w", err)
		}
		actions = loaded
	}

	router := intent.NewRouter(reg,
		intent.WithShortKeywordMaxLen(cfg.ShortKeywordMaxLen),
		intent.WithMinFrenchWords(cfg.MinFrenchWords),
		intent.WithActions(actions),
	)
	return reg, router, nil
}

func entityProcessors(cfg *config.Config, s store.Store, caps *capability.Registry, reg *intent.Registry) ([]processor.EntityProcessor, error) {
	deps := processor.Collaborators{
		Fetcher:   s,
		Persister: s,
		Caps:      caps,
		Turn: processor.TurnConfig{
			Model:             cfg.Upstream.Model,
			MaxToolIterations: cfg.Upstream.MaxToolIterations,
			MaxOutputTokens:   cfg.Upstream.MaxOutputTokens,
		},
	}

	claims, ok := reg.ForEntity(models.EntityClaim)
	if !ok {
		return nil, fmt.Errorf("no agent handles %s entities", models.EntityClaim)
	}
	tenders, ok := reg.ForEntity(models.EntityTender)
	if !ok {
		return nil, fmt.Errorf("no agent handles %s entities", models.EntityTender)
	}
	return []processor.EntityProcessor{
		processor.NewClaimProcessor(deps, claims),
		processor.NewTenderProcessor(deps, tenders),
	}, nil
}
