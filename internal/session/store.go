// Package session persists the messaging session journal: connection phase
// transitions and small key/value session metadata. Conversation content is
// never written here.
package session

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"companion/internal/domain"

	_ "modernc.org/sqlite"
)

// Transition is one recorded connection phase change.
type Transition struct {
	ID        int64
	Phase     domain.Phase
	Detail    string
	CreatedAt time.Time
}

// Journal implements whatsapp.TransitionSink on SQLite.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewJournal(dbPath string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Set connection pool (single connection for SQLite)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	j := &Journal{db: db, logger: logger}

	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return j, nil
}

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transitions (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		phase       TEXT NOT NULL,
		detail      TEXT,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_transitions_time ON transitions(created_at);

	CREATE TABLE IF NOT EXISTS session_meta (
		key         TEXT PRIMARY KEY,
		value       TEXT NOT NULL,
		updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := j.db.Exec(schema)
	return err
}

// Record satisfies whatsapp.TransitionSink. Journal failures are logged, never
// propagated: the bridge must not fail because bookkeeping did.
func (j *Journal) Record(phase domain.Phase, detail string) {
	_, err := j.db.Exec(
		`INSERT INTO transitions (phase, detail, created_at) VALUES (?, ?, ?)`,
		string(phase), detail, time.Now(),
	)
	if err != nil {
		j.logger.Warn("journal write failed", "phase", phase, "err", err)
		return
	}
	if phase == domain.PhaseReady {
		j.setMeta("last_ready_at", time.Now().Format(time.RFC3339))
	}
}

// RecentTransitions returns the latest transitions, newest first.
func (j *Journal) RecentTransitions(ctx context.Context, limit int) ([]Transition, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, phase, detail, created_at FROM transitions
		 ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var phase string
		var detail sql.NullString
		if err := rows.Scan(&t.ID, &phase, &detail, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Phase = domain.Phase(phase)
		t.Detail = detail.String
		out = append(out, t)
	}
	return out, rows.Err()
}

// LastPhase returns the most recently journaled phase, or uninitialized when
// the journal is empty.
func (j *Journal) LastPhase(ctx context.Context) (domain.Phase, error) {
	var phase string
	err := j.db.QueryRowContext(ctx,
		`SELECT phase FROM transitions ORDER BY id DESC LIMIT 1`,
	).Scan(&phase)
	if err == sql.ErrNoRows {
		return domain.PhaseUninitialized, nil
	}
	if err != nil {
		return "", err
	}
	return domain.Phase(phase), nil
}

// Meta reads one session metadata value; empty string when unset.
func (j *Journal) Meta(ctx context.Context, key string) (string, error) {
	var value string
	err := j.db.QueryRowContext(ctx,
		`SELECT value FROM session_meta WHERE key = ?`, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func (j *Journal) setMeta(key, value string) {
	_, err := j.db.Exec(
		`INSERT INTO session_meta (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now(),
	)
	if err != nil {
		j.logger.Warn("session meta write failed", "key", key, "err", err)
	}
}

// Prune drops transitions older than the retention window.
func (j *Journal) Prune(ctx context.Context, keep time.Duration) error {
	_, err := j.db.ExecContext(ctx,
		`DELETE FROM transitions WHERE created_at < ?`, time.Now().Add(-keep),
	)
	return err
}

func (j *Journal) Close() error {
	return j.db.Close()
}
