// Package provider implements the lifecycle contract once, on top of small
// per-provider drivers.
//
// A Driver only knows how to talk to its provider: list, read, create,
// power and destroy instances. Machine adds everything the contract
// requires on top of it: label validation, the resource cache, no-op
// detection, state confirmation through the sync-wait engine, progress
// events and staged creation bookkeeping.
package provider

import (
	"context"

	"github.com/jbweber/vmctl/internal/backend"
)

// Driver is the provider-specific half of a backend.
type Driver interface {
	// Name returns the backend name the driver registers under.
	Name() string

	// List returns every instance the provider currently reports.
	List(ctx context.Context) ([]*backend.Instance, error)

	// Get re-reads inst from the provider. It returns an error wrapping
	// backend.ErrNotFound once the provider no longer knows the instance.
	Get(ctx context.Context, inst *backend.Instance) (*backend.Instance, error)

	// Templates returns the templates new instances can be created from.
	Templates(ctx context.Context) ([]*backend.Template, error)

	// Create provisions the instance described by b. Staged drivers report
	// each step through b; single-call drivers may ignore it. Create returns
	// once the instance is booting; Machine confirms it is running.
	Create(ctx context.Context, b *Build) (*backend.Instance, error)

	// Boot powers inst on.
	Boot(ctx context.Context, inst *backend.Instance) error

	// Shutdown powers inst off.
	Shutdown(ctx context.Context, inst *backend.Instance) error

	// Destroy deletes inst and every disk attached to it.
	Destroy(ctx context.Context, inst *backend.Instance) error
}

// Rebuilder is implemented by drivers able to re-image an existing
// instance in place. Rebuild is called on an offline instance and leaves it
// booting from the new image.
type Rebuilder interface {
	Rebuild(ctx context.Context, inst *backend.Instance, req CreateRequest) error
}

// CreateRequest carries the resolved inputs of a New or Rebuild call.
type CreateRequest struct {
	Label    string
	Template *backend.Template
	// SSHKey is an authorized_keys formatted public key, possibly empty.
	SSHKey string
	Sync   bool
}
