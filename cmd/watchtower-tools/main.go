// Command watchtower-tools serves the security tool catalog over stdio.
// The watchtowerd service runs it as a child process and talks the
// line-delimited JSON protocol over its stdin/stdout.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kestrelsec/watchtower"
	"github.com/kestrelsec/watchtower/archive"
	"github.com/kestrelsec/watchtower/internal/config"
	"github.com/kestrelsec/watchtower/provider/openaicompat"
	"github.com/kestrelsec/watchtower/retrieve"
	"github.com/kestrelsec/watchtower/semindex"
	"github.com/kestrelsec/watchtower/toolsrv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "watchtower-tools:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// stdout carries the protocol; all logging goes to stderr
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Load(os.Getenv("WATCHTOWER_CONFIG"))
	if err != nil {
		return err
	}
	if p := os.Getenv("WATCHTOWER_ARCHIVE_PATH"); p != "" {
		cfg.Database.ArchivePath = p
	}
	if cfg.Database.ArchivePath == "" {
		return watchtower.E(watchtower.KindConfigMissing, "tools", "archive path is required", nil)
	}

	store := archive.New(cfg.Database.ArchivePath, archive.WithLogger(logger))
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer store.Close()

	var embedder watchtower.EmbeddingProvider = openaicompat.NewEmbeddingClient(
		cfg.Model.APIKey, cfg.Retrieval.EmbeddingModel, cfg.Retrieval.EmbeddingBaseURL,
		cfg.Retrieval.VectorDim,
	)
	embedder = watchtower.WithEmbeddingRetry(embedder, watchtower.RetryLogger(logger))

	idx := semindex.New(store, embedder,
		semindex.WithWindow(cfg.Retrieval.IndexWindow),
		semindex.WithBatchSize(cfg.Performance.EmbedBatchSize),
		semindex.WithLogger(logger),
	)
	go func() {
		if err := idx.Build(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("semantic index build failed; searches degrade to keyword matching", "error", err)
			return
		}
		_ = idx.Follow(ctx, time.Duration(cfg.Performance.IngestIntervalSeconds)*time.Second)
	}()

	searcher := retrieve.NewSearcher(store,
		retrieve.WithIndex(idx),
		retrieve.WithLogger(logger),
	)

	registry := watchtower.NewToolRegistry()
	registry.Add(toolsrv.NewSecurityTools(store, searcher))

	srv := toolsrv.NewServer(registry, toolsrv.WithLogger(logger))
	logger.Info("tool server ready", "archive", cfg.Database.ArchivePath)
	return srv.Serve(ctx)
}
