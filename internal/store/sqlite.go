// Package store persists terminal prescription records for audit.
package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/clearscript-health/rxscan/internal/model"
)

// RecordFilter narrows ListRecords.
type RecordFilter struct {
	Status model.RecordStatus
	Limit  int
	Offset int
}

// SQLiteStore implements the audit store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS prescription_records (
	id             TEXT PRIMARY KEY,
	status         TEXT NOT NULL,
	failure_reason TEXT,
	record         TEXT NOT NULL,
	created_at     DATETIME NOT NULL,
	completed_at   DATETIME
);

CREATE INDEX IF NOT EXISTS idx_prescription_records_status ON prescription_records(status);
CREATE INDEX IF NOT EXISTS idx_prescription_records_created_at ON prescription_records(created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveRecord upserts a terminal record. The full record is stored as JSON;
// the source image bytes never leave the invocation.
func (s *SQLiteStore) SaveRecord(ctx context.Context, rec *model.PrescriptionRecord) error {
	recordJSON, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal record")
	}

	var completedAt any
	if rec.CompletedAt != nil {
		completedAt = rec.CompletedAt.UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO prescription_records (id, status, failure_reason, record, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			failure_reason = excluded.failure_reason,
			record = excluded.record,
			completed_at = excluded.completed_at`,
		rec.ID, string(rec.Status), rec.FailureReason, string(recordJSON),
		rec.CreatedAt.UTC(), completedAt,
	)
	return eris.Wrapf(err, "sqlite: save record %s", rec.ID)
}

// GetRecord loads one record by id. Returns nil with no error when absent.
func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*model.PrescriptionRecord, error) {
	var recordJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM prescription_records WHERE id = ?`, id,
	).Scan(&recordJSON)
	if err != nil {
		if eris.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get record %s", id)
	}

	var rec model.PrescriptionRecord
	if err := json.Unmarshal([]byte(recordJSON), &rec); err != nil {
		return nil, eris.Wrapf(err, "sqlite: unmarshal record %s", id)
	}
	return &rec, nil
}

// ListRecords returns records newest first, optionally filtered by status.
func (s *SQLiteStore) ListRecords(ctx context.Context, filter RecordFilter) ([]model.PrescriptionRecord, error) {
	query := `SELECT record FROM prescription_records WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list records")
	}
	defer rows.Close()

	var out []model.PrescriptionRecord
	for rows.Next() {
		var recordJSON string
		if err := rows.Scan(&recordJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		var rec model.PrescriptionRecord
		if err := json.Unmarshal([]byte(recordJSON), &rec); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal record")
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list records iterate")
}

// Ping verifies the database is reachable, used by the health prober.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}
