// Package sessionindex keeps a durable record of every session the daemon
// has seen, so tombstones survive restarts and the CLI can list sessions
// without a running daemon.
package sessionindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned for ids the index has never recorded.
var ErrNotFound = errors.New("session not indexed")

// State of an indexed session.
type State string

const (
	StateActive State = "active"
	// StateEvicted marks sessions dropped from memory by a restart; they
	// can still be reconnected.
	StateEvicted State = "evicted"
	StateEnded   State = "ended"
)

// Record is one indexed session.
type Record struct {
	ID            string    `json:"session_id"`
	WorkingDir    string    `json:"working_dir"`
	Project       string    `json:"project"`
	Surface       string    `json:"surface"`
	Description   string    `json:"description,omitempty"`
	BundleVersion string    `json:"bundle_version"`
	State         State     `json:"state"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Config for Open.
type Config struct {
	DBPath string
	Logger zerolog.Logger
}

// Index is safe for concurrent use.
type Index struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open creates or opens the index database.
func Open(cfg Config) (*Index, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create index dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.DBPath == ":memory:" {
		// Every pooled connection would otherwise get its own empty db.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	idx := &Index{db: db, logger: cfg.Logger.With().Str("component", "sessionindex").Logger()}
	if err := idx.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return idx, nil
}

func (i *Index) initSchema() error {
	_, err := i.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			working_dir TEXT NOT NULL,
			project TEXT NOT NULL DEFAULT '',
			surface TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			bundle_version TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);
		CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
	`)
	return err
}

// Upsert records rec as live. An ended session is never revived.
func (i *Index) Upsert(ctx context.Context, rec Record) error {
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.State == "" {
		rec.State = StateActive
	}
	_, err := i.db.ExecContext(ctx, `
		INSERT INTO sessions (id, working_dir, project, surface, description, bundle_version, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			working_dir = excluded.working_dir,
			project = excluded.project,
			surface = excluded.surface,
			bundle_version = excluded.bundle_version,
			state = excluded.state,
			updated_at = excluded.updated_at
		WHERE sessions.state != 'ended'`,
		rec.ID, rec.WorkingDir, rec.Project, rec.Surface, rec.Description, rec.BundleVersion,
		string(rec.State), rec.CreatedAt.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", rec.ID, err)
	}
	return nil
}

// MarkEnded tombstones id, creating a bare record if needed.
func (i *Index) MarkEnded(ctx context.Context, id string) error {
	now := time.Now().UnixMilli()
	_, err := i.db.ExecContext(ctx, `
		INSERT INTO sessions (id, working_dir, state, created_at, updated_at)
		VALUES (?, '', 'ended', ?, ?)
		ON CONFLICT(id) DO UPDATE SET state = 'ended', updated_at = excluded.updated_at`,
		id, now, now)
	if err != nil {
		return fmt.Errorf("tombstone session %s: %w", id, err)
	}
	return nil
}

// EvictActive flips every active session to evicted; called at startup
// because no runtime session survives a restart.
func (i *Index) EvictActive(ctx context.Context) (int64, error) {
	res, err := i.db.ExecContext(ctx,
		`UPDATE sessions SET state = 'evicted', updated_at = ? WHERE state = 'active'`,
		time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("evict sessions: %w", err)
	}
	return res.RowsAffected()
}

// Tombstones returns every ended id.
func (i *Index) Tombstones(ctx context.Context) ([]string, error) {
	rows, err := i.db.QueryContext(ctx, `SELECT id FROM sessions WHERE state = 'ended'`)
	if err != nil {
		return nil, fmt.Errorf("query tombstones: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Get returns one record or ErrNotFound.
func (i *Index) Get(ctx context.Context, id string) (Record, error) {
	row := i.db.QueryRowContext(ctx, `
		SELECT id, working_dir, project, surface, description, bundle_version, state, created_at, updated_at
		FROM sessions WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

// ListOptions filter List. Zero values mean no filter.
type ListOptions struct {
	State State
	Limit int
}

// List returns records, most recently updated first.
func (i *Index) List(ctx context.Context, opts ListOptions) ([]Record, error) {
	query := `SELECT id, working_dir, project, surface, description, bundle_version, state, created_at, updated_at FROM sessions`
	var args []interface{}
	if opts.State != "" {
		query += ` WHERE state = ?`
		args = append(args, string(opts.State))
	}
	query += ` ORDER BY updated_at DESC, id`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := i.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (Record, error) {
	var (
		rec              Record
		state            string
		created, updated int64
	)
	if err := s.Scan(&rec.ID, &rec.WorkingDir, &rec.Project, &rec.Surface, &rec.Description,
		&rec.BundleVersion, &state, &created, &updated); err != nil {
		return Record{}, err
	}
	rec.State = State(state)
	rec.CreatedAt = time.UnixMilli(created)
	rec.UpdatedAt = time.UnixMilli(updated)
	return rec, nil
}

func (i *Index) Close() error {
	return i.db.Close()
}
