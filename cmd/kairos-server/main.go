// Package main runs the KAIROS knowledge-protocol server: mint/search/
// begin/next/attest/update/delete/dump over HTTP, plus health and metrics
// endpoints. Grounded on cmd/api/main.go's run(cfg, logger) wiring and
// graceful-shutdown shape.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/debian777/kairos-mcp-sub003/internal/cachebus"
	"github.com/debian777/kairos-mcp-sub003/internal/chainstore"
	"github.com/debian777/kairos-mcp-sub003/internal/config"
	"github.com/debian777/kairos-mcp-sub003/internal/embedclient"
	"github.com/debian777/kairos-mcp-sub003/internal/httpapi"
	"github.com/debian777/kairos-mcp-sub003/internal/proofstore"
	"github.com/debian777/kairos-mcp-sub003/internal/searchengine"
	"github.com/debian777/kairos-mcp-sub003/internal/statemachine"
	"github.com/debian777/kairos-mcp-sub003/internal/vectorstore"
	"github.com/debian777/kairos-mcp-sub003/pkg/mid"
)

const version = "0.1.0"

func main() {
	cfg := config.Load()
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	vs, err := vectorstore.New(cfg.VectorStoreURL, cfg.VectorCollection, cfg.EmbeddingDimension)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer vs.Close()
	if err := vs.EnsureCollection(ctx, cfg.EmbeddingDimension); err != nil {
		return fmt.Errorf("ensure qdrant collection: %w", err)
	}

	embed := embedclient.New(embedclient.Config{
		BaseURL:   cfg.EmbeddingURL,
		Model:     "kairos-embed",
		Dimension: cfg.EmbeddingDimension,
	})

	nc, err := nats.Connect(cfg.KVURL)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	js, err := nc.JetStream()
	if err != nil {
		return fmt.Errorf("nats jetstream: %w", err)
	}
	proof, err := proofstore.Open(js)
	if err != nil {
		return fmt.Errorf("open proof store: %w", err)
	}

	chain := &chainstore.Store{
		VS:      vs,
		Embed:   embed,
		Cache:   cachebus.New(nc),
		SpaceID: cfg.SpaceID,
		Log:     logger,
	}
	state := &statemachine.Engine{Mem: chain, Proof: proof, Log: logger}
	search := &searchengine.Engine{
		VS:              vs,
		Embed:           embed,
		SpaceID:         cfg.SpaceID,
		MatchThreshold:  cfg.MatchThreshold,
		RefineThreshold: cfg.ScoreThreshold,
	}

	api := &httpapi.Server{
		Chain:   chain,
		State:   state,
		Search:  search,
		Version: version,
		Started: time.Now(),
		Log:     logger,
		Deps: httpapi.Dependencies{
			VectorStore: func() bool {
				pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				return vs.Ping(pingCtx) == nil
			},
			KV:        func() bool { return nc.IsConnected() },
			Embedding: embed.Healthy,
		},
	}

	handler := mid.Chain(api.Mux(),
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
		mid.OTel("kairos"),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	metricsSrv := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: httpapi.Metrics.Handler(),
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("kairos server starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()
	go func() {
		logger.Info("metrics server starting", "port", cfg.MetricsPort)
		errCh <- metricsSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutCtx)
	return srv.Shutdown(shutCtx)
}
