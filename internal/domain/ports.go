package domain

import "context"

// JobStore is the driven port for job persistence. A job lives in exactly
// one state at a time; implementations key records by (state, id). Move is
// the state transition primitive: it writes the new location before
// removing the old, and fails with ErrJobNotFound when the job is no
// longer in the expected source state, which is what callers rely on to
// detect concurrent transitions.
type JobStore interface {
	// Put creates the job in job.State, rejecting IDs that already exist
	// in any state with ErrJobExists.
	Put(ctx context.Context, job *Job) error
	// Get probes states in the order of States and returns the first
	// match with its state set, or ErrJobNotFound.
	Get(ctx context.Context, id string) (*Job, error)
	// List returns all jobs in the state, ordered by SortOrder ascending,
	// ties broken by Timestamp ascending.
	List(ctx context.Context, state State) ([]*Job, error)
	// Update rewrites the record of job.ID within job.State, or returns
	// ErrJobNotFound if the job has left that state.
	Update(ctx context.Context, job *Job) error
	// Move transfers the record between states.
	Move(ctx context.Context, id string, from, to State) error
	// Delete removes the record from whichever state holds it.
	Delete(ctx context.Context, id string) error
}
