package downloader

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Johnny-Darko/WabbaDownloader/internal"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	manifest_path    TEXT NOT NULL,
	destination_root TEXT NOT NULL,
	created_at       DATETIME NOT NULL,
	UNIQUE(manifest_path, destination_root)
);

CREATE TABLE IF NOT EXISTS download_records (
	job_id        TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	entry_id      TEXT NOT NULL,
	display_name  TEXT NOT NULL DEFAULT '',
	state         TEXT NOT NULL,
	bytes_written INTEGER NOT NULL DEFAULT 0,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	last_error    TEXT NOT NULL DEFAULT '',
	updated_at    DATETIME NOT NULL,
	PRIMARY KEY (job_id, entry_id)
);
`

// Store persists jobs and their download records in a sqlite database, so
// an interrupted run picks up where it stopped.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the database at path.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite allows one writer; serialize access to avoid SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureJob returns the job id for the manifest/destination pair, creating
// the job row on first sight.
func (s *Store) EnsureJob(ctx context.Context, manifestPath, destRoot string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM jobs WHERE manifest_path = ? AND destination_root = ?`,
		manifestPath, destRoot).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("look up job: %w", err)
	}

	id = uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, manifest_path, destination_root, created_at) VALUES (?, ?, ?, ?)`,
		id, manifestPath, destRoot, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	return id, nil
}

// EnsureRecord returns the record for entry under jobID, creating a pending
// row on first sight.
func (s *Store) EnsureRecord(ctx context.Context, jobID string, entry internal.ManifestEntry) (*internal.DownloadRecord, error) {
	rec, err := s.getRecord(ctx, jobID, entry.ID)
	if err == nil {
		return rec, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("look up record %s: %w", entry.ID, err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO download_records (job_id, entry_id, display_name, state, bytes_written, attempt_count, last_error, updated_at)
		 VALUES (?, ?, ?, ?, 0, 0, '', ?)`,
		jobID, entry.ID, entry.DisplayName, internal.StatePending, now)
	if err != nil {
		return nil, fmt.Errorf("create record %s: %w", entry.ID, err)
	}

	return &internal.DownloadRecord{
		JobID:       jobID,
		EntryID:     entry.ID,
		DisplayName: entry.DisplayName,
		State:       internal.StatePending,
		UpdatedAt:   now,
	}, nil
}

// SaveRecord writes the record's mutable fields.
func (s *Store) SaveRecord(ctx context.Context, rec *internal.DownloadRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE download_records
		 SET state = ?, bytes_written = ?, attempt_count = ?, last_error = ?, updated_at = ?
		 WHERE job_id = ? AND entry_id = ?`,
		rec.State, rec.BytesWritten, rec.AttemptCount, rec.LastError, rec.UpdatedAt,
		rec.JobID, rec.EntryID)
	if err != nil {
		return fmt.Errorf("save record %s: %w", rec.EntryID, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("save record %s: no such record", rec.EntryID)
	}
	return nil
}

// ListRecords returns every record of a job in insertion order.
func (s *Store) ListRecords(ctx context.Context, jobID string) ([]internal.DownloadRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, entry_id, display_name, state, bytes_written, attempt_count, last_error, updated_at
		 FROM download_records WHERE job_id = ? ORDER BY rowid`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var records []internal.DownloadRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// DiscardJob deletes a job and all of its records.
func (s *Store) DiscardJob(ctx context.Context, jobID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin discard: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM download_records WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("discard records: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID); err != nil {
		return fmt.Errorf("discard job: %w", err)
	}
	return tx.Commit()
}

func (s *Store) getRecord(ctx context.Context, jobID, entryID string) (*internal.DownloadRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT job_id, entry_id, display_name, state, bytes_written, attempt_count, last_error, updated_at
		 FROM download_records WHERE job_id = ? AND entry_id = ?`, jobID, entryID)
	return scanRecord(row)
}

func scanRecord(row interface{ Scan(dest ...any) error }) (*internal.DownloadRecord, error) {
	var rec internal.DownloadRecord
	var state string
	err := row.Scan(&rec.JobID, &rec.EntryID, &rec.DisplayName, &state,
		&rec.BytesWritten, &rec.AttemptCount, &rec.LastError, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.State = internal.RecordState(state)
	return &rec, nil
}
