package backend

import (
	"context"

	"github.com/fyrsmithlabs/deployd/internal/deploy"
)

// UnconfiguredBackend rejects every call with an unrecoverable error.
// It is wired when real execution is requested but no cloud backend is
// built in, so the request fails loudly instead of silently dry-running.
type UnconfiguredBackend struct{}

// NewUnconfiguredBackend returns a backend that refuses all operations.
func NewUnconfiguredBackend() *UnconfiguredBackend {
	return &UnconfiguredBackend{}
}

func (b *UnconfiguredBackend) CreateModel(ctx context.Context, artifact *deploy.DeploymentArtifact) (Result, error) {
	return Result{}, b.refuse("create_model")
}

func (b *UnconfiguredBackend) CreateEndpointConfig(ctx context.Context, artifact *deploy.DeploymentArtifact) (Result, error) {
	return Result{}, b.refuse("create_endpoint_config")
}

func (b *UnconfiguredBackend) CreateEndpoint(ctx context.Context, artifact *deploy.DeploymentArtifact) (Result, error) {
	return Result{}, b.refuse("create_endpoint")
}

func (b *UnconfiguredBackend) DescribeEndpoint(ctx context.Context, endpointName string) (EndpointStatus, error) {
	return EndpointNotFound, b.refuse("describe_endpoint")
}

func (b *UnconfiguredBackend) DeleteEndpoint(ctx context.Context, endpointName string) (DeleteResult, error) {
	res := DeleteResult{}
	err := b.refuse("delete_endpoint")
	res.Errors = append(res.Errors, err.Error())
	return res, err
}

func (b *UnconfiguredBackend) ConfigureMonitor(ctx context.Context, artifact *deploy.DeploymentArtifact) (Result, error) {
	return Result{}, b.refuse("configure_monitor")
}

func (b *UnconfiguredBackend) refuse(op string) error {
	return NewError(op, deploy.ErrKindUnrecoverable, "real execution enabled but no cloud backend is configured")
}
