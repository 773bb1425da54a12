package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"

	"credit-insights/internal/api"
	"credit-insights/internal/config"
	"credit-insights/internal/dictionary"
	"credit-insights/internal/engine"
	"credit-insights/internal/generator"
	"credit-insights/internal/history"
	"credit-insights/internal/pipeline"
	"credit-insights/internal/service"
	"credit-insights/internal/sqlguard"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.LoadDotEnv(".env"); err != nil {
		slog.Warn("could not load .env", "error", err)
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	dict, err := dictionary.Load(cfg.DictionaryPath)
	if err != nil {
		return err
	}

	rails := cfg.Guardrails()
	validator := sqlguard.New(rails)

	pool, err := engine.NewPool(ctx, engine.PoolConfig{
		URL:              cfg.DatabaseURL,
		MaxConns:         int32(cfg.PoolMaxConns),
		MinConns:         int32(cfg.PoolMinConns),
		StatementTimeout: cfg.QueryTimeout,
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	eng := engine.New(pool, engine.Config{
		QueryTimeout:   cfg.QueryTimeout,
		AcquireTimeout: cfg.AcquireTimeout,
	}, logger)

	gen := generator.New(generator.Config{
		Model:        cfg.AnthropicModel,
		MaxTokens:    cfg.GeneratorMaxTokens,
		MinGroupSize: cfg.MinGroupSize,
	}, logger)
	controller := pipeline.New(validator, eng, gen, rails, logger)

	store, err := history.Open(cfg.HistoryDBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	questions := service.New(controller, dict, store, logger)

	server := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: api.NewServer(questions, store, eng, logger).Router(api.Options{
			CORSAllowedOrigins: cfg.CORSAllowedOrigins,
			RateLimitRPS:       cfg.RateLimitRPS,
			RateLimitBurst:     cfg.RateLimitBurst,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.ListenAddr, "env", cfg.Env,
			"table", rails.AllowedTables, "min_group_size", rails.MinGroupSize)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newLogger(cfg *config.Config) *slog.Logger {
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: cfg.SlogLevel()}))
}
