// Package app is the composition root that ties all components together.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/agentgate-io/agentgate/internal/api"
	"github.com/agentgate-io/agentgate/internal/auth"
	"github.com/agentgate-io/agentgate/internal/config"
	"github.com/agentgate-io/agentgate/internal/llm"
	"github.com/agentgate-io/agentgate/internal/recovery"
	"github.com/agentgate-io/agentgate/internal/router"
	"github.com/agentgate-io/agentgate/internal/steps"
	"github.com/agentgate-io/agentgate/internal/store"
	"github.com/agentgate-io/agentgate/internal/workflow"
)

// App is the main server process.
type App struct {
	cfg          *config.Config
	store        store.Store
	authProvider auth.Provider
	router       *router.EventRouter
	recovery     *recovery.Manager
	orchestrator *workflow.Orchestrator
	api          *api.Server
	logger       *slog.Logger
}

// New creates the application from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := store.New(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	authProvider, err := auth.NewProvider(cfg.Auth, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	// Bootstrap (creates the admin user for the builtin provider).
	if err := authProvider.Bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	var loginProvider auth.LoginProvider
	if lp, ok := authProvider.(auth.LoginProvider); ok {
		loginProvider = lp
	}

	rt := router.New(logger, router.Options{
		StaleThreshold: cfg.Connection.StaleThreshold.Duration,
	})

	rm := recovery.NewManager(rt, logger, recovery.ManagerOptions{
		Policy: recovery.Policy{
			MaxAttempts:      cfg.Recovery.MaxAttempts,
			InitialBackoff:   cfg.Recovery.InitialBackoff.Duration,
			MaxBackoff:       cfg.Recovery.MaxBackoff.Duration,
			BreakerThreshold: cfg.Recovery.BreakerThreshold,
			BreakerCooldown:  cfg.Recovery.BreakerCooldown.Duration,
		},
	})

	model := llm.NewOpenAI(llm.OpenAIOptions{
		APIKey:      cfg.Model.APIKey,
		BaseURL:     cfg.Model.BaseURL,
		Model:       cfg.Model.Name,
		Temperature: cfg.Model.Temperature,
		MaxTokens:   cfg.Model.MaxTokens,
	})

	orch := workflow.New(db, rm, logger, workflow.Options{
		Steps:      steps.Pipeline(model),
		StepRetry:  recovery.Policy{MaxAttempts: cfg.Workflow.StepMaxAttempts},
		RunTimeout: cfg.Workflow.RunTimeout.Duration,
	})

	apiSrv := api.NewServer(db, authProvider, loginProvider, rt, rm, orch, cfg, logger)

	a := &App{
		cfg:          cfg,
		store:        db,
		authProvider: authProvider,
		router:       rt,
		recovery:     rm,
		orchestrator: orch,
		api:          apiSrv,
		logger:       logger.With("component", "app"),
	}

	// Startup validation warnings (only for builtin provider).
	if authProvider.Name() == "builtin" {
		if cfg.Auth.InitialAdmin != nil &&
			cfg.Auth.InitialAdmin.Username == "admin" && cfg.Auth.InitialAdmin.Password == "admin" {
			logger.Warn("default admin credentials detected (admin/admin), change immediately in production")
		}
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    a.cfg.Server.Addr,
		Handler: a.api.Handler(),
	}

	// Start the stale connection sweeper.
	a.router.StartSweeper(ctx, a.cfg.Connection.SweepInterval.Duration)

	// Start rate limiter cleanup tasks.
	a.api.StartBackgroundTasks(ctx)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server listening", "addr", a.cfg.Server.Addr)
		if a.cfg.Server.TLSCert != "" && a.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(a.cfg.Server.TLSCert, a.cfg.Server.TLSKey)
		} else {
			a.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Cancel active runs and notify their users before the sockets go away.
		a.orchestrator.Shutdown(shutdownCtx)

		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			a.logger.Info("http server stopped gracefully")
		}

		a.logger.Info("closing store")
		_ = a.store.Close()
		a.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = a.store.Close()
		return err
	}
}
