package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gyaneshwarpardhi/cookgraph/internal/api"
	"github.com/gyaneshwarpardhi/cookgraph/internal/config"
	"github.com/gyaneshwarpardhi/cookgraph/internal/contentkey"
	"github.com/gyaneshwarpardhi/cookgraph/internal/depindex"
	"github.com/gyaneshwarpardhi/cookgraph/internal/engine"
	"github.com/gyaneshwarpardhi/cookgraph/internal/manifest"
	"github.com/gyaneshwarpardhi/cookgraph/internal/policy"
	"github.com/gyaneshwarpardhi/cookgraph/internal/policy/rules"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	cfgPath := flag.String("config", "configs/cookgraph.yaml", "Path to YAML config")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// ── Load config ──────────────────────────────────────────────────────────
	loader, err := config.NewLoader(*cfgPath, logger)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	cfg := loader.Config()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Storage ───────────────────────────────────────────────────────────────
	idx, err := depindex.Open(ctx, cfg.Storage.IndexPath)
	if err != nil {
		slog.Error("failed to open dependency index", "err", err)
		os.Exit(1)
	}
	defer idx.Close()

	store, err := manifest.Open(manifest.Config{
		Dir:            cfg.Storage.ManifestDir,
		InMemory:       cfg.Storage.InMemory,
		SyncWrites:     cfg.Storage.SyncWrites,
		GCInterval:     cfg.Storage.GCInterval(),
		GCDiscardRatio: cfg.Storage.GCDiscard,
		Logger:         logger,
	})
	if err != nil {
		slog.Error("failed to open manifest store", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	// ── Policy ────────────────────────────────────────────────────────────────
	reg := rules.Default()
	pol, err := policy.New(reg, &cfg.Policy)
	if err != nil {
		slog.Error("failed to build policy", "err", err)
		os.Exit(1)
	}
	slog.Info("policy loaded", "rules", pol.RuleIDs())

	// ── Engine ────────────────────────────────────────────────────────────────
	transport := engine.NewTransport(ctx, store, cfg.Fetch, logger)
	eng := engine.New(ctx, engine.Deps{
		Resolver:  idx,
		Index:     idx,
		Keys:      contentkey.New(cfg.ContentKey.Salt),
		Transport: transport,
	}, cfg.Session, pol, logger)

	// ── Hot-reload watcher ────────────────────────────────────────────────────
	loader.OnChange(func(newCfg *config.Config) {
		newPol, err := policy.New(reg, &newCfg.Policy)
		if err != nil {
			slog.Warn("hot-reload skipped: policy invalid", "err", err)
			return
		}
		if newCfg.Storage != cfg.Storage || newCfg.Fetch != cfg.Fetch || newCfg.ContentKey != cfg.ContentKey {
			slog.Warn("storage, fetch and content_key changes apply after restart")
		}
		eng.Swap(newCfg.Session, newPol)
		slog.Info("config hot-reloaded", "targets", newCfg.Session.Targets, "rules", newPol.RuleIDs())
	})
	stopWatch, err := loader.Watch()
	if err != nil {
		slog.Warn("config watcher unavailable (hot-reload disabled)", "err", err)
	} else {
		defer stopWatch()
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	handler := api.New(eng, loader, transport.QueueUtilization)
	srv := &http.Server{
		Addr:         *addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 6 * time.Minute, // result?wait=true may block up to 5m
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)
	eng.Shutdown()
	transport.Close()
	cancel()
	slog.Info("goodbye")
}
