package planstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/deployd/internal/deploy"
)

func newPlan(id string, status deploy.PlanStatus, created time.Time) *deploy.DeploymentPlan {
	return &deploy.DeploymentPlan{
		PlanID:    id,
		UserID:    "user-1",
		Intent:    "deploy llama-3.1 8B for chatbot-x",
		Env:       deploy.EnvStaging,
		Status:    status,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

// storeFactories runs each test against both implementations.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"file": func(t *testing.T) Store {
			s, err := OpenFileStore(filepath.Join(t.TempDir(), "plans.json"))
			require.NoError(t, err)
			return s
		},
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			_, err := s.Get(ctx, "missing")
			assert.ErrorIs(t, err, deploy.ErrPlanNotFound)

			p := newPlan("p1", deploy.StatusCreated, time.Now().UTC())
			require.NoError(t, s.Put(ctx, p))

			got, err := s.Get(ctx, "p1")
			require.NoError(t, err)
			assert.Equal(t, p.Intent, got.Intent)
			assert.Equal(t, p.Status, got.Status)

			// Mutating the returned copy must not leak into the store.
			got.Status = deploy.StatusFailed
			again, err := s.Get(ctx, "p1")
			require.NoError(t, err)
			assert.Equal(t, deploy.StatusCreated, again.Status)
		})
	}
}

func TestStorePutIsLastWriterWins(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			p := newPlan("p1", deploy.StatusCreated, time.Now().UTC())
			require.NoError(t, s.Put(ctx, p))

			p.Status = deploy.StatusDeploying
			require.NoError(t, s.Put(ctx, p))

			got, err := s.Get(ctx, "p1")
			require.NoError(t, err)
			assert.Equal(t, deploy.StatusDeploying, got.Status)
		})
	}
}

func TestStoreListFilter(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)
			base := time.Now().UTC()

			require.NoError(t, s.Put(ctx, newPlan("p1", deploy.StatusDeployed, base)))
			require.NoError(t, s.Put(ctx, newPlan("p2", deploy.StatusDeploying, base.Add(time.Second))))
			require.NoError(t, s.Put(ctx, newPlan("p3", deploy.StatusDeleted, base.Add(2*time.Second))))

			all, err := s.List(ctx, Filter{})
			require.NoError(t, err)
			require.Len(t, all, 2, "deleted plans are filtered by default")
			assert.Equal(t, "p1", all[0].PlanID)
			assert.Equal(t, "p2", all[1].PlanID)

			withDeleted, err := s.List(ctx, Filter{IncludeDeleted: true})
			require.NoError(t, err)
			assert.Len(t, withDeleted, 3)

			active, err := s.List(ctx, Filter{Status: []deploy.PlanStatus{deploy.StatusDeploying, deploy.StatusDeployed}})
			require.NoError(t, err)
			assert.Len(t, active, 2)

			none, err := s.List(ctx, Filter{UserID: "other"})
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestStoreDelete(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := factory(t)

			require.NoError(t, s.Put(ctx, newPlan("p1", deploy.StatusDeployed, time.Now().UTC())))
			require.NoError(t, s.Delete(ctx, "p1"))

			_, err := s.Get(ctx, "p1")
			assert.ErrorIs(t, err, deploy.ErrPlanNotFound)

			// Deleting a missing row is not an error.
			assert.NoError(t, s.Delete(ctx, "p1"))
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "plans.json")

	s, err := OpenFileStore(path)
	require.NoError(t, err)

	p := newPlan("p1", deploy.StatusAwaitingApproval, time.Now().UTC())
	p.Artifact = &deploy.DeploymentArtifact{
		ModelName:     "llama-3-1-8b",
		EndpointName:  "chatbot-x",
		InstanceType:  "ml.m5.large",
		InstanceCount: 2,
		MaxPayloadMB:  10,
	}
	require.NoError(t, s.Put(ctx, p))

	reopened, err := OpenFileStore(path)
	require.NoError(t, err)

	got, err := reopened.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, deploy.StatusAwaitingApproval, got.Status)
	require.NotNil(t, got.Artifact)
	assert.Equal(t, "chatbot-x", got.Artifact.EndpointName)
}
