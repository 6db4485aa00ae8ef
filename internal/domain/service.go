package domain

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var (
	ErrInvalidURL   = errors.New("invalid URL")
	ErrJobNotFound  = errors.New("job not found")
	ErrJobExists    = errors.New("job already exists")
	ErrNotRetryable = errors.New("only failed jobs can be requeued")
)

// SubmitOptions carries optional fields for job creation.
type SubmitOptions struct {
	Title     string
	SortOrder int64
	Metadata  map[string]any
}

// JobUpdate is a partial update. Nil fields are left untouched; Metadata
// is shallow-merged into the existing map.
type JobUpdate struct {
	Title      *string
	RetryCount *int
	SortOrder  *int64
	Metadata   map[string]any
}

// JobService orchestrates job state transitions over a JobStore. It
// re-reads the current record immediately before every dependent write, so
// a transition whose premise disappeared fails with ErrJobNotFound instead
// of clobbering someone else's work.
type JobService struct {
	store      JobStore
	maxRetries int
}

// NewJobService creates a new JobService.
func NewJobService(store JobStore, maxRetries int) *JobService {
	return &JobService{store: store, maxRetries: maxRetries}
}

// Submit validates the URL, derives the content-addressed ID and persists
// the job as queued. Resubmitting a URL that exists in any state fails
// with ErrJobExists.
func (s *JobService) Submit(ctx context.Context, rawURL string, opts SubmitOptions) (*Job, error) {
	rawURL = strings.TrimSpace(rawURL)
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, ErrInvalidURL
	}

	now := time.Now().UTC()
	sortOrder := opts.SortOrder
	if sortOrder == 0 {
		sortOrder = now.UnixMilli()
	}

	job := &Job{
		ID:        JobID(rawURL),
		URL:       rawURL,
		Title:     opts.Title,
		Timestamp: now,
		SortOrder: sortOrder,
		State:     StateQueued,
	}
	job.MergeMetadata(opts.Metadata)

	if err := s.store.Put(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Get retrieves a job wherever it currently lives.
func (s *JobService) Get(ctx context.Context, id string) (*Job, error) {
	return s.store.Get(ctx, id)
}

// ListByState returns jobs in the state ordered by SortOrder, then
// Timestamp.
func (s *JobService) ListByState(ctx context.Context, state State) ([]*Job, error) {
	if !state.Valid() {
		return nil, fmt.Errorf("unknown state %q", state)
	}
	return s.store.List(ctx, state)
}

// Move places the job in the target state. Moving a job already there is
// a no-op and returns the job unchanged.
func (s *JobService) Move(ctx context.Context, id string, to State) (*Job, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("unknown state %q", to)
	}
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.State == to {
		return job, nil
	}
	if err := s.store.Move(ctx, id, job.State, to); err != nil {
		return nil, err
	}
	job.State = to
	return job, nil
}

// Update applies a partial update against the freshly read record.
func (s *JobService) Update(ctx context.Context, id string, change JobUpdate) (*Job, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if change.Title != nil {
		job.Title = *change.Title
	}
	if change.RetryCount != nil {
		job.RetryCount = *change.RetryCount
	}
	if change.SortOrder != nil {
		job.SortOrder = *change.SortOrder
	}
	job.MergeMetadata(change.Metadata)

	if err := s.store.Update(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Delete removes the job record.
func (s *JobService) Delete(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}

// RecordFailure counts a failed attempt against the job. It returns to the
// queue immediately until the retry budget is spent, then lands in failed
// for good. The cause is kept in metadata for the UI.
func (s *JobService) RecordFailure(ctx context.Context, id string, cause error) (*Job, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	job.RetryCount++
	if cause != nil {
		job.MergeMetadata(map[string]any{MetaError: cause.Error()})
	}
	if err := s.store.Update(ctx, job); err != nil {
		return nil, err
	}

	to := StateQueued
	if !job.CanRetry(s.maxRetries) {
		to = StateFailed
	}
	if job.State != to {
		if err := s.store.Move(ctx, id, job.State, to); err != nil {
			return nil, err
		}
		job.State = to
	}
	return job, nil
}

// Requeue returns a failed job to the queue with a fresh retry budget.
func (s *JobService) Requeue(ctx context.Context, id string) (*Job, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.State != StateFailed {
		return nil, fmt.Errorf("job %s is %s: %w", id, job.State, ErrNotRetryable)
	}
	job.RetryCount = 0
	delete(job.Metadata, MetaError)
	if err := s.store.Update(ctx, job); err != nil {
		return nil, err
	}
	if err := s.store.Move(ctx, id, StateFailed, StateQueued); err != nil {
		return nil, err
	}
	job.State = StateQueued
	return job, nil
}

// RecoverInterrupted routes jobs stranded in active by a crash through the
// failure path, so each either re-queues with a bumped retry count or
// exhausts its budget. Returns how many jobs were found stranded.
func (s *JobService) RecoverInterrupted(ctx context.Context) (int, error) {
	jobs, err := s.store.List(ctx, StateActive)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		if _, err := s.RecordFailure(ctx, job.ID, errors.New("interrupted by restart")); err != nil {
			return 0, fmt.Errorf("recover job %s: %w", job.ID, err)
		}
	}
	return len(jobs), nil
}
