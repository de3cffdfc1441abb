// Package memory stores agent memories: episodic records of past
// execution outcomes and semantic rules distilled from them. Recall
// ranks entries by similarity to a query, using embeddings when they
// are present and token overlap when they are not.
package memory

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/deployd/internal/deploy"
)

// Kind distinguishes episodic records from semantic rules.
type Kind string

const (
	// KindEpisodic is a record of one specific past outcome. Expires
	// after the configured TTL.
	KindEpisodic Kind = "episodic"

	// KindSemantic is a generalized rule or lesson. Retained until
	// explicitly invalidated.
	KindSemantic Kind = "semantic"
)

// Outcome is the result half of an episodic entry.
type Outcome struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Entry is a single memory record. Entries are immutable after write.
type Entry struct {
	MemoryID  string            `json:"memory_id"`
	Agent     deploy.AgentType  `json:"agent"`
	Kind      Kind              `json:"kind"`
	Context   map[string]string `json:"context,omitempty"`
	Outcome   Outcome           `json:"outcome"`
	Pattern   string            `json:"pattern,omitempty"`
	Lesson    string            `json:"lesson,omitempty"`
	Embedding []float32         `json:"embedding,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// ErrInvalidEntry is returned by Put for entries missing required
// fields.
var ErrInvalidEntry = errors.New("invalid memory entry")

// Store is the agent memory persistence contract.
type Store interface {
	// Put stores the entry, assigning a memory id. Atomic per entry.
	Put(ctx context.Context, entry *Entry) (string, error)

	// Recall returns up to limit entries for the agent ranked by
	// similarity to query, best first. Expired entries never surface.
	Recall(ctx context.Context, agent deploy.AgentType, query string, limit int) ([]*Entry, error)

	// List returns the agent's entries created at or after since,
	// oldest first. A zero since returns everything live.
	List(ctx context.Context, agent deploy.AgentType, since time.Time) ([]*Entry, error)

	// DeleteForPlan removes entries whose context references the plan.
	// Returns the number removed.
	DeleteForPlan(ctx context.Context, planID string) (int, error)
}
