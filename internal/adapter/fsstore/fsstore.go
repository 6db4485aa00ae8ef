// Package fsstore persists jobs as one JSON document per job, in one
// directory per state. The filename carries the job ID and the directory
// the state, so the document itself holds neither. Same-filesystem renames
// are atomic, which is all the durability this store promises.
package fsstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cwygoda/fetchd/internal/domain"
	"github.com/cwygoda/fetchd/internal/fsutil"
)

// record is the persisted shape of a job.
type record struct {
	URL        string         `json:"url"`
	Title      string         `json:"title,omitempty"`
	RetryCount int            `json:"retryCount"`
	Timestamp  time.Time      `json:"timestamp"`
	SortOrder  int64          `json:"sortOrder"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func toRecord(j *domain.Job) record {
	return record{
		URL:        j.URL,
		Title:      j.Title,
		RetryCount: j.RetryCount,
		Timestamp:  j.Timestamp,
		SortOrder:  j.SortOrder,
		Metadata:   j.Metadata,
	}
}

func (r record) toJob(id string, state domain.State) *domain.Job {
	return &domain.Job{
		ID:         id,
		URL:        r.URL,
		Title:      r.Title,
		RetryCount: r.RetryCount,
		Timestamp:  r.Timestamp,
		SortOrder:  r.SortOrder,
		State:      state,
		Metadata:   r.Metadata,
	}
}

// Store implements domain.JobStore on the filesystem.
type Store struct {
	root string
	log  *logrus.Entry
}

// New creates the per-state directories under root if needed.
func New(root string, log *logrus.Entry) (*Store, error) {
	for _, st := range domain.States {
		if err := os.MkdirAll(filepath.Join(root, string(st)), 0755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", st, err)
		}
	}
	return &Store{root: root, log: log}, nil
}

func (s *Store) path(state domain.State, id string) string {
	return filepath.Join(s.root, string(state), id+".json")
}

// Put creates the job record in its state directory. An ID present in any
// state blocks the write.
func (s *Store) Put(_ context.Context, job *domain.Job) error {
	for _, st := range domain.States {
		if _, err := os.Stat(s.path(st, job.ID)); err == nil {
			return domain.ErrJobExists
		}
	}
	return s.write(job)
}

// Get probes each state directory in fixed order and returns the first
// readable record. Unreadable records are skipped with a warning, the same
// policy List applies.
func (s *Store) Get(_ context.Context, id string) (*domain.Job, error) {
	for _, st := range domain.States {
		data, err := os.ReadFile(s.path(st, id))
		if err != nil {
			continue
		}
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			s.log.WithField("file", s.path(st, id)).WithError(err).Warn("skipping unreadable job record")
			continue
		}
		return rec.toJob(id, st), nil
	}
	return nil, domain.ErrJobNotFound
}

// List returns jobs in the state ordered by SortOrder, then Timestamp.
// Records that fail to parse are skipped and logged, never fatal.
func (s *Store) List(_ context.Context, state domain.State) ([]*domain.Job, error) {
	dir := filepath.Join(s.root, string(state))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s dir: %w", state, err)
	}

	var jobs []*domain.Job
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			s.log.WithField("file", name).WithError(err).Warn("skipping unreadable job record")
			continue
		}
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			s.log.WithField("file", name).WithError(err).Warn("skipping malformed job record")
			continue
		}
		jobs = append(jobs, rec.toJob(strings.TrimSuffix(name, ".json"), state))
	}

	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].SortOrder != jobs[j].SortOrder {
			return jobs[i].SortOrder < jobs[j].SortOrder
		}
		return jobs[i].Timestamp.Before(jobs[j].Timestamp)
	})
	return jobs, nil
}

// Update rewrites the record inside job.State.
func (s *Store) Update(_ context.Context, job *domain.Job) error {
	if _, err := os.Stat(s.path(job.State, job.ID)); err != nil {
		if os.IsNotExist(err) {
			return domain.ErrJobNotFound
		}
		return err
	}
	return s.write(job)
}

// Move copies the record into the target state directory before removing
// the source, so a crash in between duplicates the record instead of
// losing it.
func (s *Store) Move(_ context.Context, id string, from, to domain.State) error {
	src := s.path(from, id)
	data, err := os.ReadFile(src)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.ErrJobNotFound
		}
		return err
	}
	if err := fsutil.WriteFileAtomic(s.path(to, id), data); err != nil {
		return fmt.Errorf("move %s to %s: %w", id, to, err)
	}
	return os.Remove(src)
}

// Delete removes the record from whichever state directory holds it.
func (s *Store) Delete(_ context.Context, id string) error {
	for _, st := range domain.States {
		err := os.Remove(s.path(st, id))
		if err == nil {
			return nil
		}
		if !os.IsNotExist(err) {
			return err
		}
	}
	return domain.ErrJobNotFound
}

func (s *Store) write(job *domain.Job) error {
	data, err := json.MarshalIndent(toRecord(job), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	data = append(data, '\n')
	if err := fsutil.WriteFileAtomic(s.path(job.State, job.ID), data); err != nil {
		return fmt.Errorf("write job %s: %w", job.ID, err)
	}
	return nil
}
