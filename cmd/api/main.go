package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chronicle/governance/internal/app"
	"chronicle/governance/internal/config"
	"chronicle/governance/internal/dedupe"
	"chronicle/governance/internal/evaluation"
	"chronicle/governance/internal/search"
	"chronicle/governance/internal/store"
	"chronicle/governance/internal/templatelog"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
}

type deliveryStore interface {
	app.DeliveryStore
	Close() error
}

// runtime holds the wired dependencies shared by the subcommands.
type runtime struct {
	cfg     config.Config
	logger  *slog.Logger
	db      *sql.DB
	repo    store.TxRepository
	search  *search.Service
	service *app.Service
	closers []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func openDatabase(ctx context.Context, cfg config.Config, migrate bool) (*sql.DB, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	if migrate {
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
	}
	return db, nil
}

func buildRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}

	var fallback search.Searcher
	switch cfg.Storage {
	case "memory":
		logger.Warn("using in-memory storage; data is lost on restart")
		memory := store.NewMemoryStore()
		rt.repo = memory
		fallback = search.NewStoreScan(memory)
	case "postgres":
		db, err := openDatabase(ctx, cfg, true)
		if err != nil {
			return nil, err
		}
		rt.db = db
		rt.closers = append(rt.closers, func() { _ = db.Close() })
		rt.repo = store.NewPostgresStore(db)
		fallback = search.NewPgFTS(db)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage)
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
	}
	rt.search = search.NewService(meiliClient, fallback, logger)
	rt.closers = append(rt.closers, rt.search.Close)

	var deliveries deliveryStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		logger.Info("using redis for webhook delivery dedupe")
		redisStore, err := dedupe.NewRedisStore(cfg.RedisURL)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		deliveries = redisStore
	} else {
		logger.Info("using process memory for webhook delivery dedupe")
		deliveries = dedupe.NewMemoryStore()
	}
	rt.closers = append(rt.closers, func() { _ = deliveries.Close() })

	engine := evaluation.New(rt.repo,
		evaluation.WithLogger(logger),
		evaluation.WithTemplateRecorder(templatelog.New(cfg.HistoryDir)),
		evaluation.WithProposalIndexer(rt.search),
	)
	rt.service = app.NewService(cfg, engine, rt.search, deliveries, logger)
	return rt, nil
}

func seedFromFile(ctx context.Context, rt *runtime, path string) error {
	seed, err := config.LoadWorkflowSeed(path)
	if err != nil {
		return err
	}
	created, err := rt.service.SeedWorkflows(ctx, seed)
	if err != nil {
		return err
	}
	rt.logger.Info("workflow seed applied", "file", path, "workspace_id", seed.Workspace, "created", len(created))
	return nil
}

func serve(cfg config.Config) error {
	logger := newLogger(cfg)
	ctx := context.Background()

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	if cfg.SeedFile != "" {
		if err := seedFromFile(ctx, rt, cfg.SeedFile); err != nil {
			logger.Warn("workflow seed failed", "file", cfg.SeedFile, "error", err)
		}
	}

	httpServer := app.NewHTTPServer(rt.service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("governance API listening", "addr", cfg.Addr, "storage", cfg.Storage)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	return nil
}
