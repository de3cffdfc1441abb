package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/deployd/internal/deploy"
)

// EmbedFunc turns text into a vector for similarity recall. Optional;
// without one, recall falls back to token overlap.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// InMemoryStore keeps memories in process. Episodic entries expire
// after the configured TTL; semantic entries are kept indefinitely.
type InMemoryStore struct {
	ttl   time.Duration
	embed EmbedFunc
	clock func() time.Time

	mu      sync.RWMutex
	entries map[string]*Entry
}

// Option configures an InMemoryStore.
type Option func(*InMemoryStore)

// WithEmbedder installs an embedding function used to embed entries on
// write and queries on recall.
func WithEmbedder(embed EmbedFunc) Option {
	return func(s *InMemoryStore) { s.embed = embed }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *InMemoryStore) { s.clock = clock }
}

// NewInMemoryStore creates a store whose episodic entries expire after
// ttl.
func NewInMemoryStore(ttl time.Duration, opts ...Option) *InMemoryStore {
	s := &InMemoryStore{
		ttl:     ttl,
		clock:   func() time.Time { return time.Now().UTC() },
		entries: make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemoryStore) Put(ctx context.Context, entry *Entry) (string, error) {
	if entry == nil {
		return "", fmt.Errorf("%w: entry is nil", ErrInvalidEntry)
	}
	if entry.Agent == "" {
		return "", fmt.Errorf("%w: agent is required", ErrInvalidEntry)
	}
	switch entry.Kind {
	case KindEpisodic, KindSemantic:
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidEntry, entry.Kind)
	}

	stored := cloneEntry(entry)
	stored.MemoryID = uuid.NewString()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.clock()
	}

	if s.embed != nil && len(stored.Embedding) == 0 {
		if vec, err := s.embed(ctx, entryText(stored)); err == nil {
			stored.Embedding = vec
		}
		// Embedding failures degrade to token overlap, never fail the
		// write.
	}

	s.mu.Lock()
	s.entries[stored.MemoryID] = stored
	s.mu.Unlock()

	return stored.MemoryID, nil
}

func (s *InMemoryStore) Recall(ctx context.Context, agent deploy.AgentType, query string, limit int) ([]*Entry, error) {
	if limit < 1 {
		return nil, nil
	}

	var queryVec []float32
	if s.embed != nil {
		if vec, err := s.embed(ctx, query); err == nil {
			queryVec = vec
		}
	}

	now := s.clock()

	s.mu.RLock()
	type scored struct {
		entry *Entry
		score float64
	}
	var candidates []scored
	for _, e := range s.entries {
		if e.Agent != agent || s.expired(e, now) {
			continue
		}
		score := tokenOverlap(query, entryText(e))
		if len(queryVec) > 0 && len(e.Embedding) > 0 {
			score = cosineSimilarity(queryVec, e.Embedding)
		}
		candidates = append(candidates, scored{entry: e, score: score})
	}
	s.mu.RUnlock()

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score == candidates[j].score {
			return candidates[i].entry.CreatedAt.After(candidates[j].entry.CreatedAt)
		}
		return candidates[i].score > candidates[j].score
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]*Entry, len(candidates))
	for i, c := range candidates {
		out[i] = cloneEntry(c.entry)
	}
	return out, nil
}

func (s *InMemoryStore) List(ctx context.Context, agent deploy.AgentType, since time.Time) ([]*Entry, error) {
	now := s.clock()

	s.mu.RLock()
	var out []*Entry
	for _, e := range s.entries {
		if e.Agent != agent || s.expired(e, now) {
			continue
		}
		if !since.IsZero() && e.CreatedAt.Before(since) {
			continue
		}
		out = append(out, cloneEntry(e))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].MemoryID < out[j].MemoryID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) DeleteForPlan(ctx context.Context, planID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.entries {
		if e.Context["plan_id"] == planID {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}

// Prune drops expired episodic entries and returns how many were
// removed.
func (s *InMemoryStore) Prune(ctx context.Context) int {
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.entries {
		if s.expired(e, now) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

func (s *InMemoryStore) expired(e *Entry, now time.Time) bool {
	return e.Kind == KindEpisodic && s.ttl > 0 && now.Sub(e.CreatedAt) > s.ttl
}

// entryText is the text surface used for similarity scoring.
func entryText(e *Entry) string {
	text := ""
	for _, k := range []string{"intent", "env", "action", "error"} {
		if v := e.Context[k]; v != "" {
			text += v + " "
		}
	}
	if e.Outcome.Error != "" {
		text += e.Outcome.Error + " "
	}
	if e.Pattern != "" {
		text += e.Pattern + " "
	}
	if e.Lesson != "" {
		text += e.Lesson
	}
	return text
}

func cloneEntry(e *Entry) *Entry {
	cp := *e
	if e.Context != nil {
		cp.Context = make(map[string]string, len(e.Context))
		for k, v := range e.Context {
			cp.Context[k] = v
		}
	}
	cp.Embedding = append([]float32(nil), e.Embedding...)
	return &cp
}
