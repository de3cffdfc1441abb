package backend

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/deployd/internal/deploy"
	"github.com/fyrsmithlabs/deployd/internal/logging"
)

// DryRunBackend logs every mutation instead of performing it and
// reports synthetic success. Endpoint state is tracked in memory so
// verification polls behave like a real rollout: the first describe
// after creation sees "creating", subsequent ones see "in_service".
type DryRunBackend struct {
	logger *logging.Logger

	mu        sync.Mutex
	models    map[string]string // endpoint name -> model name
	configs   map[string]bool
	endpoints map[string]EndpointStatus
}

// NewDryRunBackend creates a dry-run backend.
func NewDryRunBackend(logger *logging.Logger) *DryRunBackend {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &DryRunBackend{
		logger:    logger.Named("backend.dryrun"),
		models:    make(map[string]string),
		configs:   make(map[string]bool),
		endpoints: make(map[string]EndpointStatus),
	}
}

func (b *DryRunBackend) CreateModel(ctx context.Context, artifact *deploy.DeploymentArtifact) (Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.logger.Info(ctx, "dry-run create model",
		zap.String("model_name", artifact.ModelName),
		zap.String("instance_type", artifact.InstanceType))

	b.models[artifact.EndpointName] = artifact.ModelName
	return Result{OK: true, ResourceID: "model/" + artifact.ModelName, DryRun: true}, nil
}

func (b *DryRunBackend) CreateEndpointConfig(ctx context.Context, artifact *deploy.DeploymentArtifact) (Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.logger.Info(ctx, "dry-run create endpoint config",
		zap.String("endpoint_name", artifact.EndpointName),
		zap.Int("instance_count", artifact.InstanceCount))

	b.configs[configName(artifact.EndpointName)] = true
	return Result{OK: true, ResourceID: "endpoint-config/" + configName(artifact.EndpointName), DryRun: true}, nil
}

func (b *DryRunBackend) CreateEndpoint(ctx context.Context, artifact *deploy.DeploymentArtifact) (Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.logger.Info(ctx, "dry-run create endpoint",
		zap.String("endpoint_name", artifact.EndpointName))

	b.endpoints[artifact.EndpointName] = EndpointCreating
	return Result{OK: true, ResourceID: "endpoint/" + artifact.EndpointName, DryRun: true}, nil
}

func (b *DryRunBackend) DescribeEndpoint(ctx context.Context, endpointName string) (EndpointStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	status, ok := b.endpoints[endpointName]
	if !ok {
		return EndpointNotFound, NewError("DescribeEndpoint", deploy.ErrKindSemantic,
			fmt.Sprintf("endpoint %s not found", endpointName))
	}
	if status == EndpointCreating {
		b.endpoints[endpointName] = EndpointInService
	}
	return status, nil
}

func (b *DryRunBackend) DeleteEndpoint(ctx context.Context, endpointName string) (DeleteResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.logger.Info(ctx, "dry-run delete endpoint resources",
		zap.String("endpoint_name", endpointName))

	res := DeleteResult{}
	if _, ok := b.endpoints[endpointName]; ok {
		delete(b.endpoints, endpointName)
		res.EndpointDeleted = true
	} else {
		res.Errors = append(res.Errors, fmt.Sprintf("endpoint %s not found", endpointName))
	}
	if _, ok := b.configs[configName(endpointName)]; ok {
		delete(b.configs, configName(endpointName))
		res.EndpointConfigDeleted = true
	}
	if _, ok := b.models[endpointName]; ok {
		delete(b.models, endpointName)
		res.ModelDeleted = true
	}
	return res, nil
}

func (b *DryRunBackend) ConfigureMonitor(ctx context.Context, artifact *deploy.DeploymentArtifact) (Result, error) {
	b.logger.Info(ctx, "dry-run configure monitoring",
		zap.String("endpoint_name", artifact.EndpointName),
		zap.Strings("rollback_alarms", artifact.RollbackAlarms))

	return Result{OK: true, ResourceID: "monitor/" + artifact.EndpointName, DryRun: true}, nil
}

func configName(endpointName string) string {
	return endpointName + "-config"
}
