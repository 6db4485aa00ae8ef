package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// State represents where a job sits in its lifecycle.
type State string

const (
	StateQueued   State = "queued"
	StateActive   State = "active"
	StateFinished State = "finished"
	StateFailed   State = "failed"
)

// States lists all states in probe order. Lookups by ID walk this order,
// so queued and active hits resolve first.
var States = []State{StateQueued, StateActive, StateFinished, StateFailed}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateQueued, StateActive, StateFinished, StateFailed:
		return true
	}
	return false
}

// Metadata keys with meaning beyond the submitting client.
const (
	MetaError    = "error"
	MetaFilesize = "filesize"
	MetaUploader = "uploader"
	MetaDuration = "duration"
)

// Job represents a single media download request.
type Job struct {
	ID         string
	URL        string
	Title      string
	RetryCount int
	Timestamp  time.Time
	SortOrder  int64
	State      State
	Metadata   map[string]any
}

// JobID derives the identifier for a URL. The URL is trimmed first, so
// submissions differing only in surrounding whitespace collide on purpose,
// and resubmitting a URL always addresses the same job.
func JobID(rawURL string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(rawURL)))
	return hex.EncodeToString(sum[:])[:16]
}

// CanRetry reports whether the job has retry budget left.
func (j *Job) CanRetry(maxRetries int) bool {
	return j.RetryCount < maxRetries
}

// MergeMetadata shallow-merges m into the job's metadata. Keys m does not
// mention survive unchanged.
func (j *Job) MergeMetadata(m map[string]any) {
	if len(m) == 0 {
		return
	}
	if j.Metadata == nil {
		j.Metadata = make(map[string]any, len(m))
	}
	for k, v := range m {
		j.Metadata[k] = v
	}
}
