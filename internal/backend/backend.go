// Package backend defines the deployment backend capability consumed
// by the executor agent, its error taxonomy, and a dry-run
// implementation used when real execution is disabled.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/deployd/internal/deploy"
)

// EndpointStatus is the backend-reported state of an endpoint.
type EndpointStatus string

const (
	EndpointCreating  EndpointStatus = "creating"
	EndpointInService EndpointStatus = "in_service"
	EndpointUpdating  EndpointStatus = "updating"
	EndpointFailed    EndpointStatus = "failed"
	EndpointDeleting  EndpointStatus = "deleting"
	EndpointNotFound  EndpointStatus = "not_found"
)

// Result is the outcome of a backend mutation.
type Result struct {
	OK         bool   `json:"ok"`
	ResourceID string `json:"resource_id,omitempty"`
	DryRun     bool   `json:"dry_run"`
}

// DeleteResult reports per-resource outcomes of a hard delete.
type DeleteResult struct {
	EndpointDeleted       bool     `json:"endpoint_deleted"`
	EndpointConfigDeleted bool     `json:"endpoint_config_deleted"`
	ModelDeleted          bool     `json:"model_deleted"`
	Errors                []string `json:"errors,omitempty"`
}

// DeploymentBackend is the cloud model-hosting capability. Repeated
// Create* calls with identical parameters are expected to be idempotent
// or to fail with a distinguishable already-exists error.
type DeploymentBackend interface {
	CreateModel(ctx context.Context, artifact *deploy.DeploymentArtifact) (Result, error)
	CreateEndpointConfig(ctx context.Context, artifact *deploy.DeploymentArtifact) (Result, error)
	CreateEndpoint(ctx context.Context, artifact *deploy.DeploymentArtifact) (Result, error)
	DescribeEndpoint(ctx context.Context, endpointName string) (EndpointStatus, error)
	DeleteEndpoint(ctx context.Context, endpointName string) (DeleteResult, error)
	ConfigureMonitor(ctx context.Context, artifact *deploy.DeploymentArtifact) (Result, error)
}

// ErrAlreadyExists marks a create call that found the resource already
// present. The executor classifies it as success.
var ErrAlreadyExists = errors.New("resource already exists")

// Error is a backend failure tagged with its taxonomy kind.
type Error struct {
	Op      string
	Kind    deploy.ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a kind-tagged backend error.
func NewError(op string, kind deploy.ErrorKind, message string) *Error {
	return &Error{Op: op, Kind: kind, Message: message}
}

// KindOf extracts the taxonomy kind from err. Untagged errors are
// treated as transient so callers retry rather than give up.
func KindOf(err error) deploy.ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return deploy.ErrKindTransient
}

// IsAlreadyExists reports whether err wraps ErrAlreadyExists.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}
