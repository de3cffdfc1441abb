// Package planstore persists deployment plans keyed by plan id. Two
// implementations are provided: a process-local in-memory store and a
// JSON file store that survives restarts.
package planstore

import (
	"context"

	"github.com/fyrsmithlabs/deployd/internal/deploy"
)

// Filter narrows List results. Zero values match everything. Soft
// deleted plans are excluded unless IncludeDeleted is set.
type Filter struct {
	Status         []deploy.PlanStatus
	Env            deploy.Environment
	UserID         string
	IncludeDeleted bool
}

// Matches reports whether the plan passes the filter.
func (f Filter) Matches(p *deploy.DeploymentPlan) bool {
	if !f.IncludeDeleted && p.Status == deploy.StatusDeleted {
		return false
	}
	if len(f.Status) > 0 {
		ok := false
		for _, s := range f.Status {
			if p.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Env != "" && p.Env != f.Env {
		return false
	}
	if f.UserID != "" && p.UserID != f.UserID {
		return false
	}
	return true
}

// Store is the durable plan persistence contract. Put is
// last-writer-wins on plan id. Implementations must return deep copies
// so callers never share mutable state with the store.
type Store interface {
	// Get returns the plan, or deploy.ErrPlanNotFound.
	Get(ctx context.Context, planID string) (*deploy.DeploymentPlan, error)

	// Put stores the plan, replacing any previous version.
	Put(ctx context.Context, plan *deploy.DeploymentPlan) error

	// List returns plans passing the filter, ordered by creation time
	// ascending.
	List(ctx context.Context, filter Filter) ([]*deploy.DeploymentPlan, error)

	// Delete removes the plan row entirely. Missing rows are not an
	// error.
	Delete(ctx context.Context, planID string) error
}
