package job

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SQLHistory stores terminal jobs in the job_history table.
type SQLHistory struct {
	db *sql.DB
}

// NewSQLHistory creates the history table if needed.
func NewSQLHistory(db *sql.DB) (*SQLHistory, error) {
	h := &SQLHistory{db: db}
	if err := h.InitTable(); err != nil {
		return nil, err
	}
	return h, nil
}

// InitTable creates the job_history table if it doesn't exist
func (h *SQLHistory) InitTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS job_history (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		format_id TEXT,
		audio_only INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		message TEXT,
		filename TEXT,
		added_at DATETIME NOT NULL,
		finished_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_job_history_finished ON job_history(finished_at);
	`
	_, err := h.db.Exec(query)
	return err
}

// Save inserts or replaces the row for rec.
func (h *SQLHistory) Save(ctx context.Context, rec Record) error {
	query := `INSERT OR REPLACE INTO job_history (id, url, format_id, audio_only, status, message, filename, added_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	var finished any
	if !rec.FinishedAt.IsZero() {
		finished = rec.FinishedAt.UTC()
	}
	_, err := h.db.ExecContext(ctx, query,
		rec.ID, rec.Params.URL, rec.Params.FormatID, rec.Params.AudioOnly,
		string(rec.Status), rec.Message, rec.Filename, rec.AddedAt.UTC(), finished)
	return err
}

// List returns up to limit rows, most recently finished first.
func (h *SQLHistory) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, url, format_id, audio_only, status, message, filename, added_at, finished_at
		FROM job_history ORDER BY finished_at DESC LIMIT ?`
	rows, err := h.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Get returns the history row for id, or ErrNotFound.
func (h *SQLHistory) Get(ctx context.Context, id string) (Record, error) {
	query := `SELECT id, url, format_id, audio_only, status, message, filename, added_at, finished_at
		FROM job_history WHERE id = ?`
	rec, err := scanHistory(h.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHistory(row rowScanner) (Record, error) {
	var (
		rec      Record
		formatID sql.NullString
		message  sql.NullString
		filename sql.NullString
		status   string
		finished sql.NullTime
		added    time.Time
	)
	if err := row.Scan(&rec.ID, &rec.Params.URL, &formatID, &rec.Params.AudioOnly,
		&status, &message, &filename, &added, &finished); err != nil {
		return Record{}, err
	}
	rec.Params.FormatID = formatID.String
	rec.Status = Status(status)
	rec.Message = message.String
	rec.Filename = filename.String
	rec.Error = rec.Status == StatusFailed
	rec.AddedAt = added
	if finished.Valid {
		rec.FinishedAt = finished.Time
	}
	switch rec.Status {
	case StatusCompleted:
		rec.Progress = 100
	case StatusFailed:
		rec.Progress = -1
	}
	return rec, nil
}
