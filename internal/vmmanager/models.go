// Package vmmanager is the boundary to the external VM lifecycle manager.
// The metering engine only sees the Manager interface; the HTTP client in
// this package is the production implementation.
package vmmanager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/metering-plane/pkg/models"
)

// ErrDoesNotExist is returned when the manager no longer knows the
// instance. Repeated Terminate calls on a gone id return this, never an
// ambiguous failure.
var ErrDoesNotExist = errors.New("instance does not exist")

// ManageError is a transient lifecycle-manager failure. The caller logs it
// and relies on the next charge cycle to retry.
type ManageError struct {
	Op         string
	InstanceID string
	Err        error
}

func (e *ManageError) Error() string {
	return fmt.Sprintf("vm manager %s failed for %s: %v", e.Op, e.InstanceID, e.Err)
}

func (e *ManageError) Unwrap() error {
	return e.Err
}

// CreateRequest describes the instances to provision.
type CreateRequest struct {
	ResourceType string `json:"resource_type"`
	NodeCount    int    `json:"node_count"`
	Owner        string `json:"owner"`
}

// InstanceState is the manager's view of one instance.
type InstanceState struct {
	ID        string                `json:"id"`
	Status    models.InstanceStatus `json:"status"`
	StoppedAt *time.Time            `json:"stopped_at,omitempty"`
}

// Manager is the lifecycle operations the metering engine consumes.
type Manager interface {
	// Create provisions the requested instances and returns their
	// identities. Failures carry the manager's original error kind.
	Create(ctx context.Context, req CreateRequest) ([]string, error)

	// Exists reports whether the manager still knows the instance.
	Exists(ctx context.Context, id string) (bool, error)

	// State returns the manager's current view of the instance, or
	// ErrDoesNotExist.
	State(ctx context.Context, id string) (*InstanceState, error)

	// Terminate tears the instance down. Returns ErrDoesNotExist for an
	// already-gone id, or a *ManageError for transient failures.
	Terminate(ctx context.Context, id, owner string) error
}
