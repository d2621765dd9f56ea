package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gyaneshwarpardhi/cookgraph/internal/config"
	"github.com/gyaneshwarpardhi/cookgraph/internal/contentkey"
	"github.com/gyaneshwarpardhi/cookgraph/internal/depindex"
	"github.com/gyaneshwarpardhi/cookgraph/internal/engine"
	"github.com/gyaneshwarpardhi/cookgraph/internal/fixture"
	"github.com/gyaneshwarpardhi/cookgraph/internal/manifest"
	"github.com/gyaneshwarpardhi/cookgraph/internal/model"
	"github.com/gyaneshwarpardhi/cookgraph/internal/policy"
	"github.com/gyaneshwarpardhi/cookgraph/internal/policy/rules"
)

var (
	cfgPath  string
	logLevel string

	exploreKeys        []string
	exploreTargets     []string
	exploreIncremental bool
	exploreTraversal   string
	exploreTimeout     time.Duration

	seedTargets []string
)

var rootCmd = &cobra.Command{
	Use:           "graphctl",
	Short:         "Inspect and exercise the build dependency graph",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var level slog.Level
		if err := level.UnmarshalText([]byte(logLevel)); err != nil {
			level = slog.LevelInfo
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

var importCmd = &cobra.Command{
	Use:   "import <fixture.yaml>",
	Short: "Load items and a previous build from a YAML fixture",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := fixture.Load(args[0])
		if err != nil {
			return err
		}
		return withStores(cmd.Context(), func(s *stores) error {
			st, err := fixture.Import(cmd.Context(), f, s.index, s.manifests, s.keys)
			if err != nil {
				return err
			}
			return printJSON(st)
		})
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Record the current content of every item as a previous build",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStores(cmd.Context(), func(s *stores) error {
			targets := toTargets(seedTargets)
			if len(targets) == 0 {
				targets = toTargets(s.cfg.Session.Targets)
			}
			st, err := fixture.Seed(cmd.Context(), s.index, s.manifests, s.keys, targets, slog.Default())
			if err != nil {
				return err
			}
			return printJSON(st)
		})
	},
}

var exploreCmd = &cobra.Command{
	Use:   "explore",
	Short: "Run one exploration to completion and print the result as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(exploreKeys) == 0 {
			return fmt.Errorf("at least one --key is required")
		}
		return withStores(cmd.Context(), func(s *stores) error {
			return explore(cmd.Context(), cmd, s)
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "configs/cookgraph.yaml", "Path to YAML config")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	exploreCmd.Flags().StringSliceVarP(&exploreKeys, "key", "k", nil, "Item to request (repeatable)")
	exploreCmd.Flags().StringSliceVarP(&exploreTargets, "target", "t", nil, "Session targets (default: config session.targets)")
	exploreCmd.Flags().BoolVar(&exploreIncremental, "incremental", false, "Reuse unmodified items from the previous build (default: config)")
	exploreCmd.Flags().StringVar(&exploreTraversal, "traversal", "", "none, fetch_edges or follow (default: config)")
	exploreCmd.Flags().DurationVar(&exploreTimeout, "timeout", 5*time.Minute, "Give up after this long")

	seedCmd.Flags().StringSliceVarP(&seedTargets, "target", "t", nil, "Targets to seed (default: config session.targets)")

	rootCmd.AddCommand(importCmd, seedCmd, exploreCmd)
}

// stores are the backends every command opens.
type stores struct {
	cfg       *config.Config
	index     *depindex.Index
	manifests *manifest.Store
	keys      *contentkey.Service
}

func withStores(ctx context.Context, fn func(*stores) error) error {
	loader, err := config.NewLoader(cfgPath, slog.Default())
	if err != nil {
		return err
	}
	cfg := loader.Config()
	if cfg.Storage.IndexPath == "" && !cfg.Storage.InMemory {
		return fmt.Errorf("storage.index_path is required outside in_memory mode")
	}

	idx, err := depindex.Open(ctx, cfg.Storage.IndexPath)
	if err != nil {
		return err
	}
	defer idx.Close()

	ms, err := manifest.Open(manifest.Config{
		Dir:        cfg.Storage.ManifestDir,
		InMemory:   cfg.Storage.InMemory,
		SyncWrites: true,
		Logger:     slog.Default(),
	})
	if err != nil {
		return err
	}
	defer ms.Close()

	return fn(&stores{cfg: cfg, index: idx, manifests: ms, keys: contentkey.New(cfg.ContentKey.Salt)})
}

func explore(ctx context.Context, cmd *cobra.Command, s *stores) error {
	ctx, cancel := context.WithTimeout(ctx, exploreTimeout)
	defer cancel()

	pol, err := policy.New(rules.Default(), &s.cfg.Policy)
	if err != nil {
		return err
	}
	transport := engine.NewTransport(ctx, s.manifests, s.cfg.Fetch, slog.Default())
	defer transport.Close()
	eng := engine.New(ctx, engine.Deps{
		Resolver:  s.index,
		Index:     s.index,
		Keys:      s.keys,
		Transport: transport,
	}, s.cfg.Session, pol, slog.Default())
	defer eng.Shutdown()

	spec := engine.Spec{Targets: toTargets(exploreTargets), Traversal: exploreTraversal}
	if cmd.Flags().Changed("incremental") {
		spec.Incremental = &exploreIncremental
	}
	for _, k := range exploreKeys {
		spec.Requests = append(spec.Requests, engine.Request{Key: model.Key(k)})
	}
	info, err := eng.Create(spec)
	if err != nil {
		return err
	}
	for _, r := range info.Rejected {
		slog.Warn("request rejected", "key", r.Key, "error", r.Error)
	}
	if err := eng.DrainAll(ctx); err != nil {
		return err
	}
	res, err := eng.Result(info.ID)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func toTargets(names []string) []model.Target {
	out := make([]model.Target, len(names))
	for i, n := range names {
		out[i] = model.Target(n)
	}
	return out
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
