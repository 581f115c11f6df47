package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fluxkompensator/postfixer/internal/model"

	_ "modernc.org/sqlite"
)

// Metadata keys.
const (
	MetaLastFullFetch  = "last_full_fetch"
	MetaBackendVersion = "backend_version"

	metaRecent = "recent_aggregate"
)

// SQLiteStore caches the last known request history in a local SQLite
// database so the dashboard has something to show while the backend comes
// up. Records are kept in arrival order: a higher seq is newer.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at the given path and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS records (
	id           TEXT PRIMARY KEY,
	seq          INTEGER NOT NULL,
	ts_rfc3339   TEXT NOT NULL DEFAULT '',
	final_action TEXT NOT NULL DEFAULT '',
	payload      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS records_seq ON records (seq DESC);

CREATE TABLE IF NOT EXISTS metadata (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL DEFAULT ''
);
`
	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ReplaceRecords swaps the whole cache for a full fetch. records are
// newest first.
func (s *SQLiteStore) ReplaceRecords(ctx context.Context, records []model.Record, recent model.RecentAggregate) error {
	recentJSON, err := json.Marshal(recent)
	if err != nil {
		return fmt.Errorf("encode recent aggregate: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM records"); err != nil {
		return fmt.Errorf("clear records: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records (id, seq, ts_rfc3339, final_action, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, r := range records {
		payload, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", r.ID, err)
		}
		seq := len(records) - i
		if _, err := stmt.ExecContext(ctx, r.ID, seq, r.Attr("timestamp"), r.FinalAction, string(payload)); err != nil {
			return err
		}
	}

	if err := setMeta(ctx, tx, metaRecent, string(recentJSON)); err != nil {
		return err
	}
	return tx.Commit()
}

// PutRecord stores a pushed record as the newest entry, replacing any
// cached record with the same id.
func (s *SQLiteStore) PutRecord(ctx context.Context, r model.Record) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", r.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (id, seq, ts_rfc3339, final_action, payload)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM records), ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			seq          = excluded.seq,
			ts_rfc3339   = excluded.ts_rfc3339,
			final_action = excluded.final_action,
			payload      = excluded.payload
	`, r.ID, r.Attr("timestamp"), r.FinalAction, string(payload))
	return err
}

// LoadRecords returns up to limit records, newest first. A limit <= 0
// returns everything.
func (s *SQLiteStore) LoadRecords(ctx context.Context, limit int) ([]model.Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, "SELECT payload FROM records ORDER BY seq DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var r model.Record
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, fmt.Errorf("decode cached record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LoadRecent returns the aggregate saved by the last ReplaceRecords.
func (s *SQLiteStore) LoadRecent(ctx context.Context) (model.RecentAggregate, error) {
	val, err := s.GetMeta(ctx, metaRecent)
	if err != nil || val == "" {
		return model.RecentAggregate{}, err
	}
	var recent model.RecentAggregate
	if err := json.Unmarshal([]byte(val), &recent); err != nil {
		return nil, fmt.Errorf("decode recent aggregate: %w", err)
	}
	if recent == nil {
		recent = model.RecentAggregate{}
	}
	return recent, nil
}

// Prune keeps only the newest keep records.
func (s *SQLiteStore) Prune(ctx context.Context, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM records WHERE seq NOT IN (
			SELECT seq FROM records ORDER BY seq DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) CountRecords(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records").Scan(&count)
	return count, err
}

func (s *SQLiteStore) GetMeta(ctx context.Context, key string) (string, error) {
	var val string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return val, err
}

func (s *SQLiteStore) SetMeta(ctx context.Context, key, value string) error {
	return setMeta(ctx, s.db, key, value)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func setMeta(ctx context.Context, db execer, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}
