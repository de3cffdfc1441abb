package planstore

import (
	"context"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/deployd/internal/deploy"
)

// MemoryStore keeps plans in a process-local map. Safe for concurrent
// use; every read and write passes through deep copies.
type MemoryStore struct {
	mu    sync.RWMutex
	plans map[string]*deploy.DeploymentPlan
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{plans: make(map[string]*deploy.DeploymentPlan)}
}

func (s *MemoryStore) Get(ctx context.Context, planID string) (*deploy.DeploymentPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.plans[planID]
	if !ok {
		return nil, deploy.ErrPlanNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) Put(ctx context.Context, plan *deploy.DeploymentPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.plans[plan.PlanID] = plan.Clone()
	return nil
}

func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]*deploy.DeploymentPlan, error) {
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

func (s *MemoryStore) Delete(ctx context.Context, planID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.plans, planID)
	return nil
}
