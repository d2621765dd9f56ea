package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/gyaneshwarpardhi/cookgraph/internal/model"
)

// Config holds configuration for the manifest store.
type Config struct {
	// Dir is the badger directory. Ignored when InMemory is set.
	Dir        string
	InMemory   bool
	SyncWrites bool
	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval     time.Duration
	GCDiscardRatio float64
	Logger         *slog.Logger
}

// badgerLogger adapts slog.Logger to badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store persists previous-build manifests keyed by (target, item).
type Store struct {
	db     *badger.DB
	gc     *gcRunner
	logger *slog.Logger
}

// Open opens the store and starts value log GC if configured.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Dir == "" {
		return nil, errors.New("manifest store: dir is required unless in_memory is set")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
			return nil, fmt.Errorf("create manifest dir %s: %w", cfg.Dir, err)
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: logger.With("component", "badger")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open manifest store: %w", err)
	}
	s := &Store{db: db, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		s.gc = newGCRunner(db, cfg.GCInterval, ratio, logger)
		s.gc.start()
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.gc != nil {
		s.gc.stop()
	}
	return s.db.Close()
}

func storeKey(target model.Target, key model.Key) []byte {
	return []byte("m/" + string(target) + "/" + string(key))
}

// Get returns the manifest for (target, key), or nil if none was recorded.
func (s *Store) Get(target model.Target, key model.Key) (*model.Manifest, error) {
	var m *model.Manifest
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(storeKey(target, key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			m = &model.Manifest{}
			return json.Unmarshal(val, m)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("get manifest %s/%s: %w", target, key, err)
	}
	return m, nil
}

// GetMany reads several manifests in one transaction and calls fn for each
// key in order. Missing manifests are passed as nil.
func (s *Store) GetMany(target model.Target, keys []model.Key, fn func(model.Key, *model.Manifest, error)) error {
	return s.db.View(func(txn *badger.Txn) error {
		for _, key := range keys {
			item, err := txn.Get(storeKey(target, key))
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
				fn(key, nil, nil)
				continue
			case err != nil:
				fn(key, nil, err)
				continue
			}
			var m model.Manifest
			err = item.Value(func(val []byte) error { return json.Unmarshal(val, &m) })
			if err != nil {
				fn(key, nil, fmt.Errorf("decode manifest %s/%s: %w", target, key, err))
				continue
			}
			fn(key, &m, nil)
		}
		return nil
	})
}

// Put records the manifest for (target, key).
func (s *Store) Put(target model.Target, key model.Key, m *model.Manifest) error {
	val, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest %s/%s: %w", target, key, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(storeKey(target, key), val)
	})
}

// PutBatch records many manifests for one target in a write batch.
func (s *Store) PutBatch(target model.Target, manifests map[model.Key]*model.Manifest) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for key, m := range manifests {
		val, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode manifest %s/%s: %w", target, key, err)
		}
		if err := wb.Set(storeKey(target, key), val); err != nil {
			return fmt.Errorf("stage manifest %s/%s: %w", target, key, err)
		}
	}
	return wb.Flush()
}

// Delete removes the manifest for (target, key); deleting a missing entry
// is not an error.
func (s *Store) Delete(target model.Target, key model.Key) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(storeKey(target, key))
	})
}

// Count returns the number of manifests recorded for target.
func (s *Store) Count(target model.Target) (int, error) {
	n := 0
	prefix := []byte("m/" + string(target) + "/")
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}
