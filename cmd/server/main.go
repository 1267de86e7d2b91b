package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/tabfence/tabfence/internal/api"
	"github.com/tabfence/tabfence/internal/blocklist"
	"github.com/tabfence/tabfence/internal/config"
	"github.com/tabfence/tabfence/internal/headers"
	"github.com/tabfence/tabfence/internal/intercept"
	"github.com/tabfence/tabfence/internal/jitter"
	"github.com/tabfence/tabfence/internal/logging"
	"github.com/tabfence/tabfence/internal/metrics"
	"github.com/tabfence/tabfence/internal/proxycfg"
	"github.com/tabfence/tabfence/internal/ratelimit"
	"github.com/tabfence/tabfence/internal/receipt"
	"github.com/tabfence/tabfence/internal/sessionhost"
	"github.com/tabfence/tabfence/internal/state"
	"github.com/tabfence/tabfence/pkg/models"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using system environment")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := logging.MustNew(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	defer logger.Sync()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	sessions, cleanup, err := buildSessions(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize session backend", zap.Error(err))
	}
	defer cleanup()

	machine := state.New(sessions, logger)
	machine.OnTransition(func(_ string, from, to models.ContextState) {
		m.ObserveTransition(from, to)
	})
	machine.OnRegistry(func(_ string, s models.ContextState, registered bool) {
		m.ObserveRegistration(s, registered)
	})

	rules := blocklist.NewStore(cfg.Blocklist.Path, logger, m)
	if err := rules.Load(); err != nil {
		logger.Warn("starting with degraded blocklist", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Blocklist.Watch {
		if err := rules.Watch(ctx); err != nil {
			logger.Warn("blocklist watch unavailable, use /v1/blocklist/reload", zap.Error(err))
		}
	}

	receipts := receipt.NewHub(cfg.Receipts.Buffer, logger, m)
	go receipts.Run(ctx)

	interceptor := intercept.New(
		machine,
		rules,
		receipts,
		jitter.NewDeterministic(time.Duration(cfg.Jitter.MaxMs)*time.Millisecond),
		headers.NewMinimizer(),
		logger,
		m,
	)
	configurator := proxycfg.NewConfigurator(machine, sessions, logger)

	if reg, ok := sessions.(sessionhost.HookRegistrar); ok {
		machine.OnCreate(func(id string, h sessionhost.Handle) {
			interceptor.Attach(reg, h, id)
		})
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst)
	}

	handler := api.NewHandler(machine, configurator, logger)
	interceptHandler := api.NewInterceptHandler(interceptor, rules, receipts, logger)
	router := handler.SetupRoutes(interceptHandler, limiter, registry)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting",
			zap.String("addr", cfg.Server.Addr),
			zap.String("sessions", cfg.Sessions.Backend),
			zap.String("blocklist", cfg.Blocklist.Path))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("forced shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

// buildSessions selects the session backend from configuration.
func buildSessions(cfg *config.Config, logger *zap.Logger) (sessionhost.Provider, func(), error) {
	switch cfg.Sessions.Backend {
	case "docker":
		d, err := sessionhost.NewDocker(sessionhost.DockerOptions{
			Image:   cfg.Sessions.Image,
			DataDir: cfg.Sessions.DataDir,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		pullCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := d.EnsureImage(pullCtx); err != nil {
			d.Close()
			return nil, nil, err
		}
		return d, func() { d.Close() }, nil
	default:
		return sessionhost.NewMemory(), func() {}, nil
	}
}
