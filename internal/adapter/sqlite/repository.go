// Package sqlite implements the job store on an embedded SQLite database.
// One row per job with a state column; state transitions are guarded
// UPDATEs, so a transition whose premise is gone affects zero rows and
// reports the conflict.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/cwygoda/fetchd/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id          TEXT PRIMARY KEY,
    state       TEXT NOT NULL,
    url         TEXT NOT NULL,
    title       TEXT NOT NULL DEFAULT '',
    retry_count INTEGER NOT NULL DEFAULT 0,
    timestamp   DATETIME NOT NULL,
    sort_order  INTEGER NOT NULL,
    metadata    TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
`

// Store implements domain.JobStore using SQLite.
type Store struct {
	db  *sql.DB
	log *logrus.Entry
}

// New opens the database, initializing the schema if needed.
func New(dbPath string, log *logrus.Entry) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, log: log}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put inserts the job, rejecting IDs that already exist in any state.
func (s *Store) Put(ctx context.Context, job *domain.Job) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, job.ID).Scan(&exists)
	if err == nil {
		return domain.ErrJobExists
	}
	if err != sql.ErrNoRows {
		return err
	}

	meta, err := marshalMetadata(job.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, state, url, title, retry_count, timestamp, sort_order, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.State, job.URL, job.Title, job.RetryCount, job.Timestamp, job.SortOrder, meta,
	)
	return err
}

// Get retrieves a job by ID, whatever its state.
func (s *Store) Get(ctx context.Context, id string) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, state, url, title, retry_count, timestamp, sort_order, metadata
		 FROM jobs WHERE id = ?`, id,
	)
	return s.scanJob(row)
}

// List returns jobs in the state ordered by sort order, then timestamp.
// Rows with unreadable metadata are skipped and logged.
func (s *Store) List(ctx context.Context, state domain.State) ([]*domain.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, state, url, title, retry_count, timestamp, sort_order, metadata
		 FROM jobs WHERE state = ? ORDER BY sort_order ASC, timestamp ASC`,
		state,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := s.scanJob(rows)
		if err != nil {
			s.log.WithError(err).Warn("skipping malformed job row")
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Update rewrites the record, guarded on the job still being in job.State.
func (s *Store) Update(ctx context.Context, job *domain.Job) error {
	meta, err := marshalMetadata(job.Metadata)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET url = ?, title = ?, retry_count = ?, timestamp = ?, sort_order = ?, metadata = ?
		 WHERE id = ? AND state = ?`,
		job.URL, job.Title, job.RetryCount, job.Timestamp, job.SortOrder, meta, job.ID, job.State,
	)
	if err != nil {
		return err
	}
	return affectedOrNotFound(result)
}

// Move flips the state column, guarded on the expected source state.
func (s *Store) Move(ctx context.Context, id string, from, to domain.State) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ? WHERE id = ? AND state = ?`,
		to, id, from,
	)
	if err != nil {
		return err
	}
	return affectedOrNotFound(result)
}

// Delete removes the job row.
func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(result)
}

func affectedOrNotFound(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

func marshalMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(data), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanJob(row scanner) (*domain.Job, error) {
	var job domain.Job
	var state, meta string
	var ts time.Time
	err := row.Scan(&job.ID, &state, &job.URL, &job.Title, &job.RetryCount, &ts, &job.SortOrder, &meta)
	if err == sql.ErrNoRows {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	job.State = domain.State(state)
	job.Timestamp = ts
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &job.Metadata); err != nil {
			return nil, fmt.Errorf("job %s: unmarshal metadata: %w", job.ID, err)
		}
	}
	return &job, nil
}
