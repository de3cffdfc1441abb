package planstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/deployd/internal/deploy"
)

// FileStore persists plans to a single JSON file. Every mutation
// rewrites the file through a temp file and rename so a crash never
// leaves a torn document. Intended for single-process use.
type FileStore struct {
	path string

	mu    sync.RWMutex
	plans map[string]*deploy.DeploymentPlan
}

// OpenFileStore loads (or creates) the store at path.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path:  path,
		plans: make(map[string]*deploy.DeploymentPlan),
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create plan store directory: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read plan store %s: %w", path, err)
	default:
		var plans []*deploy.DeploymentPlan
		if err := json.Unmarshal(data, &plans); err != nil {
			return nil, fmt.Errorf("failed to decode plan store %s: %w", path, err)
		}
		for _, p := range plans {
			s.plans[p.PlanID] = p
		}
	}
	return s, nil
}

func (s *FileStore) Get(ctx context.Context, planID string) (*deploy.DeploymentPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.plans[planID]
	if !ok {
		return nil, deploy.ErrPlanNotFound
	}
	return p.Clone(), nil
}

func (s *FileStore) Put(ctx context.Context, plan *deploy.DeploymentPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.plans[plan.PlanID]
	s.plans[plan.PlanID] = plan.Clone()
	if err := s.flushLocked(); err != nil {
		// Restore the committed state so memory and disk agree.
		if had {
			s.plans[plan.PlanID] = prev
		} else {
			delete(s.plans, plan.PlanID)
		}
		return err
	}
	return nil
}

func (s *FileStore) List(ctx context.Context, filter Filter) ([]*deploy.DeploymentPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*deploy.DeploymentPlan
	for _, p := range s.plans {
		if filter.Matches(p) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].PlanID < out[j].PlanID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *FileStore) Delete(ctx context.Context, planID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.plans[planID]
	if !had {
		return nil
	}
	delete(s.plans, planID)
	if err := s.flushLocked(); err != nil {
		s.plans[planID] = prev
		return err
	}
	return nil
}

// flushLocked writes the full plan set to disk. Caller holds the lock.
func (s *FileStore) flushLocked() error {
	plans := make([]*deploy.DeploymentPlan, 0, len(s.plans))
	for _, p := range s.plans {
		plans = append(plans, p)
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].PlanID < plans[j].PlanID })

	data, err := json.MarshalIndent(plans, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode plan store: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write plan store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to commit plan store: %w", err)
	}
	return nil
}
