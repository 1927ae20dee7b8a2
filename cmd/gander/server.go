package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gander-ai/gander/agent"
	"github.com/gander-ai/gander/agent/feedback"
	"github.com/gander-ai/gander/agent/promptvars"
	"github.com/gander-ai/gander/agent/session"
	"github.com/gander-ai/gander/api/handlers"
	"github.com/gander-ai/gander/config"
	"github.com/gander-ai/gander/extension"
	"github.com/gander-ai/gander/internal/metrics"
	"github.com/gander-ai/gander/internal/server"
	"github.com/gander-ai/gander/internal/telemetry"
	"github.com/gander-ai/gander/llm"
	"github.com/gander-ai/gander/llm/providers/anthropic"
	"github.com/gander-ai/gander/llm/providers/openai"
	"github.com/gander-ai/gander/llm/retry"
)

// Server assembles the serve command: provider, extension registry,
// session store, handlers and the HTTP manager.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	httpManager *server.Manager

	healthHandler     *handlers.HealthHandler
	sessionsHandler   *handlers.SessionsHandler
	extensionsHandler *handlers.ExtensionsHandler
	replyHandler      *handlers.ReplyHandler
	feedbackHandler   *handlers.FeedbackHandler

	collector *metrics.Collector
	telemetry *telemetry.Providers

	providers *llm.ProviderRegistry
	registry  *extension.Registry
	store     session.Store
	variants  promptvars.Provider
	feedback  feedback.Store

	rateLimiterCancel context.CancelFunc
}

// NewServer creates a server from loaded configuration.
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up every component and begins serving. It does not
// block; pair it with WaitForShutdown.
func (s *Server) Start() error {
	s.collector = metrics.NewCollector("gander", s.logger)

	tel, err := telemetry.Init(s.cfg.Telemetry, s.logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	s.telemetry = tel

	if err := s.initProviders(); err != nil {
		return fmt.Errorf("init providers: %w", err)
	}
	if err := s.initExtensions(); err != nil {
		return fmt.Errorf("init extensions: %w", err)
	}
	if err := s.initStore(); err != nil {
		return fmt.Errorf("init session store: %w", err)
	}
	s.initHandlers()

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("start HTTP server: %w", err)
	}

	s.logger.Info("server started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.String("provider", s.cfg.Provider.Name),
		zap.String("model", s.cfg.Agent.Model),
		zap.String("session_store", s.cfg.Session.Type),
		zap.Int("extensions", s.registry.Len()),
	)
	return nil
}

// initProviders constructs the configured LLM adapter and registers it
// as the default. MaxRetries wraps it with retry before the agent sees
// it.
func (s *Server) initProviders() error {
	s.providers = llm.NewProviderRegistry()

	var provider llm.Provider
	switch s.cfg.Provider.Name {
	case "", "anthropic":
		provider = anthropic.New(anthropic.Config{
			APIKey:       s.cfg.Provider.APIKey,
			BaseURL:      s.cfg.Provider.BaseURL,
			DefaultModel: s.cfg.Agent.Model,
			Timeout:      s.cfg.Provider.Timeout,
		}, s.logger)
	case "openai":
		provider = openai.New(openai.Config{
			APIKey:       s.cfg.Provider.APIKey,
			BaseURL:      s.cfg.Provider.BaseURL,
			DefaultModel: s.cfg.Agent.Model,
			Timeout:      s.cfg.Provider.Timeout,
		}, s.logger)
	default:
		return fmt.Errorf("unknown provider %q", s.cfg.Provider.Name)
	}

	if s.cfg.Provider.MaxRetries > 0 {
		policy := retry.DefaultPolicy()
		policy.MaxRetries = s.cfg.Provider.MaxRetries
		provider = llm.NewResilientProvider(provider, policy, s.logger)
	}

	s.providers.Register(provider)
	return s.providers.SetDefault(provider.Name())
}

// initExtensions registers the platform tools and every configured
// extension. A handshake failure aborts startup so a missing tool
// surface is caught at boot rather than mid-conversation.
func (s *Server) initExtensions() error {
	s.registry = extension.NewRegistry(s.logger)
	ctx := context.Background()
	if err := s.registry.RegisterConnection(ctx, extension.NewPlatform(s.registry, s.logger)); err != nil {
		return fmt.Errorf("register platform extension: %w", err)
	}
	for _, ext := range s.cfg.Extensions {
		if err := s.registry.Register(ctx, ext); err != nil {
			return fmt.Errorf("register extension %s: %w", ext.ID, err)
		}
	}
	return nil
}

// initStore opens the session backend, composing the store config from
// the session section plus the shared Redis and Database sections.
func (s *Server) initStore() error {
	store, err := session.NewStore(session.Config{
		Type:    session.StoreType(s.cfg.Session.Type),
		BaseDir: s.cfg.Session.BaseDir,
		Redis: session.RedisConfig{
			Addr:      s.cfg.Redis.Addr,
			Password:  s.cfg.Redis.Password,
			DB:        s.cfg.Redis.DB,
			PoolSize:  s.cfg.Redis.PoolSize,
			KeyPrefix: s.cfg.Session.KeyPrefix,
		},
		Database: session.DatabaseConfig{
			Driver:          s.cfg.Database.Driver,
			DSN:             s.cfg.Database.DSN(),
			MaxOpenConns:    s.cfg.Database.MaxOpenConns,
			MaxIdleConns:    s.cfg.Database.MaxIdleConns,
			ConnMaxLifetime: s.cfg.Database.ConnMaxLifetime,
		},
		Mongo: session.MongoConfig{
			URI:      s.cfg.Session.MongoURI,
			Database: s.cfg.Session.MongoDatabase,
		},
	})
	if err != nil {
		return err
	}
	s.store = store
	return nil
}

func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.NewPingCheck("session_store", s.store.Ping))

	if key := s.cfg.Agent.PromptVariantKey; key != "" {
		// The configured instructions become variant one; later
		// versions can be stored at runtime and win selection.
		provider := promptvars.NewMemoryProvider()
		if err := provider.Store(context.Background(), promptvars.New(key, s.cfg.Agent.Instructions)); err == nil {
			s.variants = provider
		}
	}

	// Agents share the feedback store with the API so the loop's own
	// observations land beside user submissions.
	s.feedback = feedback.NewMemoryStore()

	s.sessionsHandler = handlers.NewSessionsHandler(s.store, s.logger)
	s.extensionsHandler = handlers.NewExtensionsHandler(s.registry, s.logger)
	s.replyHandler = handlers.NewReplyHandler(s.agentFactory(), s.store, s.logger)
	s.feedbackHandler = handlers.NewFeedbackHandler(s.feedback, s.logger)
}

// agentFactory builds agents for the reply handler, one per session.
func (s *Server) agentFactory() handlers.AgentFactory {
	return func() (*agent.Agent, error) {
		provider, err := s.providers.Resolve(s.cfg.Provider.Name)
		if err != nil {
			return nil, err
		}

		a, err := agent.New(s.agentConfig(), provider, s.registry, s.logger)
		if err != nil {
			return nil, err
		}
		a.WithMetrics(s.collector).WithSessionStore(s.store).WithFeedback(s.feedback)
		if s.cfg.Telemetry.Enabled {
			a.WithTraceEmitter(telemetry.NewSpanEmitter())
		}
		if s.variants != nil {
			a.WithPromptVariants(s.variants, s.cfg.Agent.PromptVariantKey)
		}
		return a, nil
	}
}

// agentConfig maps the agent and context config sections onto the
// agent package.
func (s *Server) agentConfig() agent.Config {
	ac := s.cfg.Agent
	return agent.Config{
		Instructions:     ac.Instructions,
		Model:            ac.Model,
		Mode:             agent.Mode(ac.Mode),
		MaxTurns:         ac.MaxTurns,
		MaxTokens:        ac.MaxTokens,
		Temperature:      ac.Temperature,
		ProviderTimeout:  ac.ProviderTimeout,
		ToolTimeout:      ac.ToolTimeout,
		ApprovalTimeout:  ac.ApprovalTimeout,
		GuardThreshold:   ac.GuardThreshold,
		Interactive:      ac.Interactive,
		DisableStreaming: ac.DisableStreaming,
		WorkingDir:       ac.WorkingDir,
		PromptVars:       ac.PromptVars,
		Context:          s.cfg.Context,
	}
}

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /api/v1/reply", s.replyHandler.HandleReply)
	mux.HandleFunc("POST /api/v1/approvals/{id}", s.replyHandler.HandleApproval)
	mux.HandleFunc("GET /api/v1/sessions", s.sessionsHandler.HandleList)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.sessionsHandler.HandleGet)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.sessionsHandler.HandleDelete)
	mux.HandleFunc("GET /api/v1/sessions/{id}/feedback", s.feedbackHandler.HandleListBySession)
	mux.HandleFunc("GET /api/v1/extensions", s.extensionsHandler.HandleList)
	mux.HandleFunc("GET /api/v1/tools", s.extensionsHandler.HandleTools)
	mux.HandleFunc("POST /api/v1/feedback", s.feedbackHandler.HandleSubmit)
	mux.HandleFunc("GET /api/v1/feedback/{id}", s.feedbackHandler.HandleGet)

	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
	}
	if s.cfg.Telemetry.Enabled {
		middlewares = append(middlewares, OTelTracing())
	}
	if s.cfg.Server.RateLimitRPS > 0 {
		middlewares = append(middlewares,
			RateLimiter(rateLimiterCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger))
	}
	if s.cfg.Server.JWTSecret != "" {
		middlewares = append(middlewares, JWTAuth(s.cfg.Server.JWTSecret, skipAuthPaths, s.logger))
	}
	handler := Chain(mux, middlewares...)

	serverCfg := server.DefaultConfig()
	serverCfg.Addr = s.cfg.Server.Addr()
	serverCfg.ReadTimeout = s.cfg.Server.ReadTimeout
	serverCfg.WriteTimeout = s.cfg.Server.WriteTimeout
	serverCfg.MaxConns = s.cfg.Server.MaxConns
	serverCfg.ShutdownTimeout = s.cfg.Server.ShutdownTimeout
	if s.cfg.Server.ReadTimeout > 0 {
		serverCfg.IdleTimeout = 4 * s.cfg.Server.ReadTimeout
	}

	s.httpManager = server.NewManager(handler, serverCfg, s.logger)
	return s.httpManager.Start()
}

// WaitForShutdown blocks until a signal or serve error, then tears
// everything down.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown stops the HTTP surface first, then releases extensions,
// the session store and telemetry.
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")
	ctx := context.Background()

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown error", zap.Error(err))
		}
	}
	if s.registry != nil {
		if err := s.registry.Close(); err != nil {
			s.logger.Error("extension registry close error", zap.Error(err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("session store close error", zap.Error(err))
		}
	}
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			s.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("graceful shutdown completed")
}
