// Package notify keeps the user-facing notification feed and the change
// hub behind the push channel.
package notify

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cwygoda/fetchd/internal/fsutil"
)

// Notification types surfaced to the user.
const (
	TypeDownloadComplete = "download_complete"
	TypeDownloadFailed   = "download_failed"
)

// maxEntries caps the feed so the file cannot grow without bound.
const maxEntries = 100

// Notification is one entry in the feed.
type Notification struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	JobID     string    `json:"jobId,omitempty"`
	Title     string    `json:"title"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Log is the notification feed, persisted as a single JSON array. Append
// is read-modify-write under a lock; the write is atomic so a crash never
// leaves a torn file.
type Log struct {
	mu   sync.Mutex
	path string
	log  *logrus.Entry
}

// NewLog creates a feed backed by the given file.
func NewLog(path string, log *logrus.Entry) *Log {
	return &Log{path: path, log: log}
}

// Append assigns the entry an ID and timestamp and adds it to the feed,
// dropping the oldest entries past the cap.
func (l *Log) Append(n Notification) (Notification, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := l.read()
	n.ID = uuid.NewString()
	n.Timestamp = time.Now().UTC()
	entries = append(entries, n)
	if len(entries) > maxEntries {
		entries = entries[len(entries)-maxEntries:]
	}
	if err := l.write(entries); err != nil {
		return Notification{}, err
	}
	return n, nil
}

// List returns the feed newest-first.
func (l *Log) List() []Notification {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := l.read()
	out := make([]Notification, len(entries))
	for i, n := range entries {
		out[len(entries)-1-i] = n
	}
	return out
}

// Clear empties the feed.
func (l *Log) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.write([]Notification{})
}

// read loads the feed, degrading to empty on a missing or corrupt file.
func (l *Log) read() []Notification {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if !os.IsNotExist(err) {
			l.log.WithError(err).Warn("notification feed unreadable, starting empty")
		}
		return nil
	}
	var entries []Notification
	if err := json.Unmarshal(data, &entries); err != nil {
		l.log.WithError(err).Warn("notification feed corrupt, starting empty")
		return nil
	}
	return entries
}

func (l *Log) write(entries []Notification) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal notifications: %w", err)
	}
	data = append(data, '\n')
	if err := fsutil.WriteFileAtomic(l.path, data); err != nil {
		return fmt.Errorf("write notifications: %w", err)
	}
	return nil
}
