package publish

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/NodePath81/netprobe/internal/probe"
)

const (
	DefaultSQLiteRetention = 24 * time.Hour
	sqlitePruneEvery       = time.Minute
)

type SQLiteConfig struct {
	Path string
	// Retention drops rows older than this; zero keeps everything.
	Retention time.Duration
}

// SQLite appends every published snapshot to a local log table. It is
// write-only from the probes' point of view; history is never restored
// from it.
type SQLite struct {
	db        *sql.DB
	retention time.Duration
	now       func() time.Time

	mu        sync.Mutex
	lastPrune time.Time
}

func NewSQLite(cfg SQLiteConfig) (*SQLite, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite path must not be empty")
	}
	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite wal: %w", err)
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS snapshots (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id        TEXT NOT NULL,
			seq           INTEGER NOT NULL,
			probe         TEXT NOT NULL,
			up            BOOLEAN NOT NULL,
			failed        BOOLEAN NOT NULL,
			rtt_ms        REAL,
			avg_rtt_ms    REAL,
			jitter_ms     REAL,
			loss_percent  REAL,
			error         TEXT,
			record        TEXT NOT NULL,
			ts_ms         INTEGER NOT NULL
		)
	`)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err = db.Exec(`CREATE INDEX IF NOT EXISTS snapshots_probe_ts ON snapshots (probe, ts_ms)`); err != nil {
		_ = db.Close()
		return nil, err
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS probes (
			probe         TEXT PRIMARY KEY,
			descriptor    TEXT NOT NULL,
			announced_at  DATETIME NOT NULL
		)
	`)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db, retention: cfg.Retention, now: time.Now}, nil
}

func (s *SQLite) Announce(ctx context.Context, descriptors []probe.Descriptor) error {
	now := s.now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, d := range descriptors {
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO probes (probe, descriptor, announced_at)
			VALUES (?, ?, ?)
			ON CONFLICT(probe) DO UPDATE SET descriptor=excluded.descriptor, announced_at=excluded.announced_at
		`, d.Identity.String(), string(data), now)
		if err != nil {
			return fmt.Errorf("store descriptor %s: %w", d.Identity, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) Publish(ctx context.Context, snap probe.Snapshot) error {
	rec := NewRecord(snap)
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ts := rec.Time
	if ts.IsZero() {
		ts = s.now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (run_id, seq, probe, up, failed, rtt_ms, avg_rtt_ms, jitter_ms, loss_percent, error, record, ts_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.RunID,
		rec.Seq,
		rec.Probe,
		rec.Up,
		rec.Failed,
		nullFloat(rec.RTTMs),
		nullFloat(rec.AvgRTTMs),
		nullFloat(rec.JitterMs),
		nullFloat(rec.LossPercent),
		nullString(rec.Error),
		string(data),
		ts.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return s.maybePrune(ctx)
}

// Recent returns up to limit records of id, newest first.
func (s *SQLite) Recent(ctx context.Context, id probe.Identity, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record FROM snapshots WHERE probe = ? ORDER BY id DESC LIMIT ?
	`, id.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune deletes rows older than the retention window and returns how many
// were removed.
func (s *SQLite) Prune(ctx context.Context) (int64, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.retention).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE ts_ms < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLite) maybePrune(ctx context.Context) error {
	s.mu.Lock()
	now := s.now()
	due := now.Sub(s.lastPrune) >= sqlitePruneEvery
	if due {
		s.lastPrune = now
	}
	s.mu.Unlock()
	if !due {
		return nil
	}
	_, err := s.Prune(ctx)
	return err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
