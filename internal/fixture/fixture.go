// Package fixture loads dependency graphs and previous builds from YAML so
// the index and the manifest store can be populated without a real build
// system.
package fixture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/gyaneshwarpardhi/cookgraph/internal/dag"
	"github.com/gyaneshwarpardhi/cookgraph/internal/depindex"
	"github.com/gyaneshwarpardhi/cookgraph/internal/manifest"
	"github.com/gyaneshwarpardhi/cookgraph/internal/model"
)

// File is the top-level fixture document.
//
//	items:
//	  - key: /Game/A
//	    class: World
//	    digest: a1
//	    deps: {hard: [/Game/B], build: [/Game/M]}
//	previous_build:
//	  linux:
//	    /Game/A: {}                        # built with the current content
//	    /Game/B: {content_key: stale}      # built from older content
//	    /Game/M: {deps: {transitive_build: [/Game/X]}}
type File struct {
	Items    []ItemSpec                                  `yaml:"items"`
	Previous map[model.Target]map[model.Key]ManifestSpec `yaml:"previous_build"`
}

// ItemSpec is one item and its dependency lists by kind name.
type ItemSpec struct {
	model.Item `yaml:",inline"`
	Deps       map[string][]model.Key `yaml:"deps"`
}

// ManifestSpec is one previous-build record. An empty ContentKey means the
// key the item has now, so the item counts as unchanged.
type ManifestSpec struct {
	ContentKey model.ContentKey       `yaml:"content_key"`
	Deps       map[string][]model.Key `yaml:"deps"`
}

// Stats counts what an import or seed wrote.
type Stats struct {
	Items     int `json:"items"`
	Manifests int `json:"manifests"`
	Skipped   int `json:"skipped"`
}

// Load reads and parses a fixture file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("fixture %s: %w", path, err)
	}
	return f, nil
}

// Parse decodes a fixture and checks keys and dependency kinds.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	var errs []error
	seen := make(map[model.Key]bool, len(f.Items))
	for i, it := range f.Items {
		if it.Key == "" {
			errs = append(errs, fmt.Errorf("items[%d]: key is required", i))
			continue
		}
		if seen[it.Key] {
			errs = append(errs, fmt.Errorf("items[%d]: duplicate key %s", i, it.Key))
		}
		seen[it.Key] = true
		if _, err := kinds(it.Deps); err != nil {
			errs = append(errs, fmt.Errorf("item %s: %w", it.Key, err))
		}
	}
	for target, records := range f.Previous {
		if target.IsPseudo() {
			errs = append(errs, fmt.Errorf("previous_build: target %q uses the reserved @ prefix", target))
		}
		for key, rec := range records {
			if _, err := kinds(rec.Deps); err != nil {
				errs = append(errs, fmt.Errorf("previous_build %s %s: %w", target, key, err))
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &f, nil
}

func kinds(deps map[string][]model.Key) (map[model.DependencyKind][]model.Key, error) {
	out := make(map[model.DependencyKind][]model.Key, len(deps))
	for name, keys := range deps {
		k, err := model.ParseDependencyKind(name)
		if err != nil {
			return nil, err
		}
		out[k] = keys
	}
	return out, nil
}

// Entries converts the items for depindex.Index.Import.
func (f *File) Entries() []depindex.Entry {
	out := make([]depindex.Entry, len(f.Items))
	for i, it := range f.Items {
		deps, _ := kinds(it.Deps) // checked by Parse
		out[i] = depindex.Entry{Item: it.Item, Deps: deps}
	}
	return out
}

// Import writes the items into idx and the previous build into store.
func Import(ctx context.Context, f *File, idx *depindex.Index, store *manifest.Store, keys dag.ContentKeyService) (Stats, error) {
	var st Stats
	if err := idx.Import(ctx, f.Entries()); err != nil {
		return st, err
	}
	st.Items = len(f.Items)

	targets := make([]model.Target, 0, len(f.Previous))
	for t := range f.Previous {
		targets = append(targets, t)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })
	for _, target := range targets {
		batch := make(map[model.Key]*model.Manifest, len(f.Previous[target]))
		for key, rec := range f.Previous[target] {
			m, err := rec.manifest(ctx, idx, keys, key, target)
			if err != nil {
				return st, err
			}
			batch[key] = m
		}
		if err := store.PutBatch(target, batch); err != nil {
			return st, fmt.Errorf("store previous build for %s: %w", target, err)
		}
		st.Manifests += len(batch)
	}
	return st, nil
}

func (rec ManifestSpec) manifest(ctx context.Context, idx *depindex.Index, keys dag.ContentKeyService, key model.Key, target model.Target) (*model.Manifest, error) {
	m := &model.Manifest{ContentKey: rec.ContentKey}
	if m.ContentKey == "" {
		item, err := idx.Resolve(ctx, key)
		if err != nil {
			return nil, err
		}
		if item == nil {
			return nil, fmt.Errorf("previous_build %s %s: %w", target, key, dag.ErrUnknownKey)
		}
		if m.ContentKey, err = keys.ComputeKey(item, target); err != nil {
			return nil, err
		}
	}
	deps, _ := kinds(rec.Deps)
	for kind := model.Hard; kind <= model.TransitiveBuild; kind++ {
		for _, d := range deps[kind] {
			m.Dependencies = append(m.Dependencies, model.Dependency{Kind: kind, Key: d})
		}
	}
	return m, nil
}

// Seed records a previous build of every indexed item for targets, as if
// the current content had just been built. Build dependencies become the
// manifest's transitive build dependencies. Items without a content key
// are skipped.
func Seed(ctx context.Context, idx *depindex.Index, store *manifest.Store, keys dag.ContentKeyService, targets []model.Target, logger *slog.Logger) (Stats, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var st Stats
	items, err := idx.Items(ctx)
	if err != nil {
		return st, err
	}
	st.Items = len(items)
	for _, target := range targets {
		batch := make(map[model.Key]*model.Manifest, len(items))
		for i := range items {
			item := &items[i]
			ck, err := keys.ComputeKey(item, target)
			if err != nil {
				logger.Warn("skipping item without content key", "key", item.Key, "target", target, "error", err)
				st.Skipped++
				continue
			}
			m := &model.Manifest{ContentKey: ck}
			for _, rel := range []struct{ from, to model.DependencyKind }{
				{model.Build, model.TransitiveBuild},
				{model.Runtime, model.Runtime},
			} {
				deps, err := idx.Dependencies(ctx, item.Key, rel.from)
				if err != nil {
					return st, err
				}
				for _, d := range deps {
					m.Dependencies = append(m.Dependencies, model.Dependency{Kind: rel.to, Key: d})
				}
			}
			batch[item.Key] = m
		}
		if err := store.PutBatch(target, batch); err != nil {
			return st, fmt.Errorf("seed %s: %w", target, err)
		}
		st.Manifests += len(batch)
		logger.Info("seeded previous build", "target", target, "manifests", len(batch))
	}
	return st, nil
}
