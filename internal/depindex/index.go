package depindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/gyaneshwarpardhi/cookgraph/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS items (
	key    TEXT PRIMARY KEY,
	class  TEXT NOT NULL DEFAULT '',
	path   TEXT NOT NULL DEFAULT '',
	digest TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS deps (
	src  TEXT NOT NULL,
	kind TEXT NOT NULL,
	dst  TEXT NOT NULL,
	seq  INTEGER NOT NULL,
	PRIMARY KEY (src, kind, dst)
);
CREATE INDEX IF NOT EXISTS deps_by_src ON deps (src, kind, seq);
`

// Index is a sqlite-backed dependency index. It resolves item keys and
// answers dependency queries in recorded order, and is safe for concurrent
// reads.
type Index struct {
	db *sql.DB
}

// Open opens (creating if needed) the index at path. An empty path opens a
// private in-memory database.
func Open(ctx context.Context, path string) (*Index, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open dependency index %s: %w", path, err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create dependency index schema: %w", err)
	}
	return &Index{db: db}, nil
}

func (x *Index) Close() error {
	return x.db.Close()
}

// Resolve implements dag.ItemResolver.
func (x *Index) Resolve(ctx context.Context, key model.Key) (*model.Item, error) {
	item := &model.Item{Key: key}
	err := x.db.QueryRowContext(ctx,
		`SELECT class, path, digest FROM items WHERE key = ?`, string(key),
	).Scan(&item.Class, &item.Path, &item.Digest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", key, err)
	}
	return item, nil
}

// Dependencies implements dag.DependencyIndex.
func (x *Index) Dependencies(ctx context.Context, key model.Key, kind model.DependencyKind) ([]model.Key, error) {
	rows, err := x.db.QueryContext(ctx,
		`SELECT dst FROM deps WHERE src = ? AND kind = ? ORDER BY seq, dst`,
		string(key), kind.String())
	if err != nil {
		return nil, fmt.Errorf("dependencies of %s (%s): %w", key, kind, err)
	}
	defer rows.Close()

	var out []model.Key
	for rows.Next() {
		var dst string
		if err := rows.Scan(&dst); err != nil {
			return nil, fmt.Errorf("scan dependency of %s: %w", key, err)
		}
		out = append(out, model.Key(dst))
	}
	return out, rows.Err()
}

// PutItem inserts or replaces one item.
func (x *Index) PutItem(ctx context.Context, item model.Item) error {
	_, err := x.db.ExecContext(ctx,
		`INSERT INTO items (key, class, path, digest) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET class = excluded.class, path = excluded.path, digest = excluded.digest`,
		string(item.Key), item.Class, item.Path, item.Digest)
	if err != nil {
		return fmt.Errorf("put item %s: %w", item.Key, err)
	}
	return nil
}

// SetDependencies replaces the dependencies of one kind for src, keeping
// the given order.
func (x *Index) SetDependencies(ctx context.Context, src model.Key, kind model.DependencyKind, dsts []model.Key) error {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := setDependencies(ctx, tx, src, kind, dsts); err != nil {
		return err
	}
	return tx.Commit()
}

func setDependencies(ctx context.Context, tx *sql.Tx, src model.Key, kind model.DependencyKind, dsts []model.Key) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM deps WHERE src = ? AND kind = ?`, string(src), kind.String()); err != nil {
		return fmt.Errorf("clear %s dependencies of %s: %w", kind, src, err)
	}
	for i, dst := range dsts {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO deps (src, kind, dst, seq) VALUES (?, ?, ?, ?)`,
			string(src), kind.String(), string(dst), i); err != nil {
			return fmt.Errorf("add dependency %s -> %s: %w", src, dst, err)
		}
	}
	return nil
}

// Entry is one item with its dependency lists, the unit of bulk import.
type Entry struct {
	Item model.Item
	Deps map[model.DependencyKind][]model.Key
}

// Import writes all entries in a single transaction.
func (x *Index) Import(ctx context.Context, entries []Entry) error {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin import: %w", err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO items (key, class, path, digest) VALUES (?, ?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET class = excluded.class, path = excluded.path, digest = excluded.digest`,
			string(e.Item.Key), e.Item.Class, e.Item.Path, e.Item.Digest); err != nil {
			return fmt.Errorf("import item %s: %w", e.Item.Key, err)
		}
		for kind, dsts := range e.Deps {
			if err := setDependencies(ctx, tx, e.Item.Key, kind, dsts); err != nil {
				return err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit import: %w", err)
	}
	return nil
}

// Items returns every item in key order.
func (x *Index) Items(ctx context.Context) ([]model.Item, error) {
	rows, err := x.db.QueryContext(ctx, `SELECT key, class, path, digest FROM items ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var out []model.Item
	for rows.Next() {
		var it model.Item
		var key string
		if err := rows.Scan(&key, &it.Class, &it.Path, &it.Digest); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		it.Key = model.Key(key)
		out = append(out, it)
	}
	return out, rows.Err()
}
