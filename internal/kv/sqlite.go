package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	// DefaultTimeout bounds every store call so a wedged database fails
	// fast instead of stalling the request path.
	DefaultTimeout = 500 * time.Millisecond

	schema = `
CREATE TABLE IF NOT EXISTS kv(
  path  TEXT PRIMARY KEY,
  value TEXT NOT NULL
);
`
)

var _ Store = (*SQLite)(nil)

// SQLite is a Store backed by a single SQLite database file.
type SQLite struct {
	db      *sql.DB
	hub     *hub
	timeout time.Duration
}

// OpenSQLite opens or creates the database at path. Use ":memory:" for a
// throwaway store.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serialises writers and keeps ":memory:" databases
	// from splitting across the pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=250;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLite{db: db, hub: newHub(), timeout: DefaultTimeout}, nil
}

// Close closes all subscriptions and the database.
func (s *SQLite) Close() error {
	s.hub.closeAll()
	return s.db.Close()
}

// Dropped reports how many changes were not delivered to slow watchers.
func (s *SQLite) Dropped() uint64 {
	return s.hub.dropped.Load()
}

func (s *SQLite) Watch(prefix string) *Subscription {
	return s.hub.add(prefix)
}

func (s *SQLite) GetString(ctx context.Context, path string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE path=?`, path).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", path, err)
	}
	return v, nil
}

func (s *SQLite) SetString(ctx context.Context, path, value string) error {
	return s.SetAll(ctx, map[string]string{path: value})
}

func (s *SQLite) GetInt(ctx context.Context, path string) (int64, error) {
	v, err := s.GetString(ctx, path)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s is not an integer: %w", path, err)
	}
	return n, nil
}

func (s *SQLite) SetInt(ctx context.Context, path string, value int64) error {
	return s.SetString(ctx, path, strconv.FormatInt(value, 10))
}

func (s *SQLite) SetAll(ctx context.Context, values map[string]string) error {
	_, err := s.setAll(ctx, "", values)
	return err
}

func (s *SQLite) SetAllIf(ctx context.Context, guard string, values map[string]string) (bool, error) {
	return s.setAll(ctx, guard, values)
}

func (s *SQLite) setAll(ctx context.Context, guard string, values map[string]string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if guard != "" {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM kv WHERE path=?`, guard).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("get %s: %w", guard, err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO kv(path, value) VALUES(?, ?)
ON CONFLICT(path) DO UPDATE SET value=excluded.value`)
	if err != nil {
		return false, fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	changes := make([]Change, 0, len(values))
	for p, v := range values {
		if _, err := stmt.ExecContext(ctx, p, v); err != nil {
			return false, fmt.Errorf("set %s: %w", p, err)
		}
		changes = append(changes, Change{Path: p, Value: v})
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	s.hub.publish(changes...)
	return true, nil
}

func (s *SQLite) Tree(ctx context.Context, path string) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT path, value FROM kv WHERE path=? OR substr(path, 1, ?)=?`,
		path, len(path)+1, path+"/")
	if err != nil {
		return nil, fmt.Errorf("tree %s: %w", path, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var p, v string
		if err := rows.Scan(&p, &v); err != nil {
			return nil, fmt.Errorf("tree %s: %w", path, err)
		}
		out[p] = v
	}
	return out, rows.Err()
}

func (s *SQLite) Search(ctx context.Context, prefix string) ([]string, error) {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT path FROM kv WHERE substr(path, 1, ?)=?`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", prefix, err)
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("search %s: %w", prefix, err)
		}
		child, _, _ := strings.Cut(p[len(prefix):], "/")
		if child == "" {
			continue
		}
		seen[prefix+child] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search %s: %w", prefix, err)
	}

	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func (s *SQLite) Prune(ctx context.Context, path string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const match = `path=? OR substr(path, 1, ?)=?`
	args := []any{path, len(path) + 1, path + "/"}

	rows, err := tx.QueryContext(ctx, `SELECT path FROM kv WHERE `+match, args...)
	if err != nil {
		return fmt.Errorf("prune %s: %w", path, err)
	}
	var changes []Change
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return fmt.Errorf("prune %s: %w", path, err)
		}
		changes = append(changes, Change{Path: p, Deleted: true})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("prune %s: %w", path, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE `+match, args...); err != nil {
		return fmt.Errorf("prune %s: %w", path, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	s.hub.publish(changes...)
	return nil
}
