package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sahyog/sahyog-backend/internal/allocation"
	"github.com/sahyog/sahyog-backend/internal/api/middleware"
	"github.com/sahyog/sahyog-backend/internal/api/rest"
	"github.com/sahyog/sahyog-backend/internal/api/websocket"
	"github.com/sahyog/sahyog-backend/internal/config"
	"github.com/sahyog/sahyog-backend/internal/dispatch"
	"github.com/sahyog/sahyog-backend/internal/eventstore"
	"github.com/sahyog/sahyog-backend/internal/ingest"
	"github.com/sahyog/sahyog-backend/internal/pkg/logger"
	"github.com/sahyog/sahyog-backend/internal/pkg/tracing"
	"github.com/sahyog/sahyog-backend/internal/repository"
	"github.com/sahyog/sahyog-backend/internal/rooms"
)

func main() {
	configFile := pflag.String("config", "", "path to a YAML config file")
	pflag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		File:       cfg.LogFile,
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 14,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("Server exited with error", zap.Error(err))
	}
	log.Info("Server exited gracefully")
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init("sahyog-backend", cfg.TracingEndpoint, cfg.TracingSampleRate)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing()

	// Event log
	repo, err := repository.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open event repository: %w", err)
	}
	defer repo.Close()
	if err := repo.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate event repository: %w", err)
	}
	store, err := eventstore.New(ctx, repo, eventstore.Options{
		Retention: cfg.IdempotencyTTL(),
		Logger:    log.Named("eventstore"),
	})
	if err != nil {
		return err
	}
	log.Info("Event store ready", zap.Uint64("head", store.Head()))

	// Real-time delivery
	registry := rooms.NewRegistry()
	hub := websocket.NewHub(ctx, registry, cfg.MaxQueueDepth, log.Named("websocket"))
	wake, unsubscribe := store.Subscribe()
	defer unsubscribe()
	dispatcher, err := dispatch.New(store, registry, hub, dispatch.NewFileCursor(cfg.CursorPath), dispatch.Options{
		PollInterval: cfg.DispatchPollInterval(),
		Wake:         wake,
		Logger:       log.Named("dispatch"),
	})
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}

	// Allocation
	policy := allocation.DefaultPolicy()
	if cfg.PolicyPath != "" {
		if policy, err = allocation.LoadPolicy(cfg.PolicyPath); err != nil {
			return err
		}
	}
	matcher := allocation.NewMatcher(allocation.Options{
		Policy:          policy,
		RematchInterval: cfg.RematchInterval(),
		EmitTimeout:     cfg.StoreTimeout(),
		Logger:          log.Named("allocation"),
	})
	if err := matcher.Recover(ctx, store); err != nil {
		return err
	}

	gateway := ingest.New(store, ingest.Options{
		Timeout:    cfg.StoreTimeout(),
		Retention:  cfg.IdempotencyTTL(),
		CacheSize:  cfg.IdempotencyCache,
		Dispatcher: dispatcher,
		Matcher:    matcher,
		Incidents:  matcher,
		Logger:     log.Named("ingest"),
	})
	matcher.SetEmitter(gateway)

	// HTTP surface
	router := mux.NewRouter()
	router.Use(middleware.StructuredLog(log.Named("http")))
	router.Use(middleware.Tracing)

	healthz := rest.NewHealthzHandler(store)
	router.HandleFunc("/healthz/live", healthz.Live).Methods(http.MethodGet)
	router.HandleFunc("/healthz/ready", healthz.Ready).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	wsHandler := websocket.NewHandler(ctx, hub, cfg.AllowedOrigins)
	router.HandleFunc("/ws", wsHandler.ServeWS).Methods(http.MethodGet)

	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	apiRouter.Use(middleware.MaxBodySize(cfg.MaxBodyBytes))
	apiRouter.Use(middleware.RateLimit(cfg.IngestRatePerSec, cfg.IngestRateBurst))
	apiRouter.Use(middleware.SecureHeaders)
	rest.SetupRoutes(apiRouter, rest.NewHandler(gateway, store, matcher, cfg.ReplayPageLimit, log.Named("rest")))

	var handler http.Handler = router
	handler = middleware.Recovery(log)(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.CORS(cfg.AllowedOrigins, log)(handler)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run()
		return nil
	})
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return matcher.Run(gctx) })
	if cfg.PolicyPath != "" {
		g.Go(func() error { return allocation.WatchPolicy(gctx, cfg.PolicyPath, log.Named("policy"), matcher.SetPolicy) })
	}
	g.Go(func() error {
		log.Info("Server listening",
			zap.Int("port", cfg.Port),
			zap.String("api", "/api/v1"),
			zap.String("websocket", "/ws"),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()
		hub.Stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("Server forced to shutdown", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}
