// Package registry is the persistent task registry. Each chat thread and
// each pull request has exactly one record, keyed by a stable context id,
// surviving container restarts. Records are never deleted; closed records
// stay retrievable and appendable.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status of a context record.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusClosed     Status = "closed"
	StatusCancelled  Status = "cancelled"
)

// ErrNotFound is returned by Get for an unknown context id.
var ErrNotFound = errors.New("context record not found")

// Record is one persistent task record.
type Record struct {
	ContextID  string    `json:"context_id"`
	InternalID string    `json:"internal_id"`
	Title      string    `json:"title"`
	Status     Status    `json:"status"`
	Labels     []string  `json:"labels"`
	Notes      []string  `json:"notes"` // timestamp-prefixed, append-only
	Links      []string  `json:"links"` // other context_ids
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// HasLabel reports whether the record carries the given label.
func (r *Record) HasLabel(label string) bool {
	for _, l := range r.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Store is the registry persistence interface. Implementations serialize
// writes per context id; distinct context ids may proceed concurrently.
type Store interface {
	// GetOrCreate returns the record for contextID, creating it with the
	// given title and labels when absent. Creation is idempotent: calling
	// twice with the same contextID yields the same internal id and a
	// single record.
	GetOrCreate(ctx context.Context, contextID, title string, labels []string) (*Record, error)

	// Get returns the record or ErrNotFound. Closed records are returned
	// like any other.
	Get(ctx context.Context, contextID string) (*Record, error)

	// SetStatus transitions the record's status.
	SetStatus(ctx context.Context, contextID string, status Status) error

	// AppendNote appends a timestamp-prefixed note in arrival order.
	AppendNote(ctx context.Context, contextID, note string) error

	// AddLabels adds any labels not already present.
	AddLabels(ctx context.Context, contextID string, labels ...string) error

	// Link records a cross-reference to another context id.
	Link(ctx context.Context, contextID, otherContextID string) error

	// Search returns records whose context id, title, or labels contain
	// the query substring. An empty query returns everything.
	Search(ctx context.Context, query string) ([]*Record, error)

	Close() error
}

// ThreadContextID derives the stable key for a chat thread.
func ThreadContextID(threadTS string) string { return "thread-" + threadTS }

// PRContextID derives the stable key for a pull request.
func PRContextID(repo string, number int) string {
	return fmt.Sprintf("pr-%s-%d", repo, number)
}

// NoteLine formats a note body with the standard timestamp prefix.
func NoteLine(at time.Time, body string) string {
	return at.UTC().Format("2006-01-02 15:04:05") + " " + body
}
