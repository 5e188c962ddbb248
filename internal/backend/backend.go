package backend

import (
	"context"
	"time"
)

// Backend is a provider-specific implementation of the VM lifecycle contract.
//
// Implementations are not safe for concurrent lifecycle calls against the
// same label; callers serialize them.
type Backend interface {
	// Name returns the registered backend name (e.g. "linode").
	Name() string

	// New provisions an instance labelled label from template.
	New(ctx context.Context, label, template, sshKey string, opts Options) (*Instance, error)

	// Rebuild re-images an existing instance from template and boots it.
	Rebuild(ctx context.Context, label, template, sshKey string, opts Options) (*Instance, error)

	// Start boots an instance. Starting a running instance is a no-op.
	Start(ctx context.Context, label string, opts Options) error

	// Stop shuts an instance down. Stopping an offline instance is a no-op.
	Stop(ctx context.Context, label string, opts Options) error

	// Delete removes an instance from the provider and the local cache.
	Delete(ctx context.Context, label string, opts Options) error

	// Instances refreshes the cache from the provider and returns its content.
	Instances(ctx context.Context) ([]*Instance, error)

	// Templates returns the templates the provider offers.
	Templates(ctx context.Context) ([]*Template, error)
}

// Options controls how a lifecycle operation completes.
type Options struct {
	// Sync makes the operation block until the provider confirms the
	// target state.
	Sync bool
}

// SyncOptions returns Options with Sync set.
func SyncOptions() Options {
	return Options{Sync: true}
}

// Instance is the normalized view of a provider-managed virtual machine.
type Instance struct {
	Label        string    `json:"label" yaml:"label"`
	ID           string    `json:"id" yaml:"id"`
	Status       Status    `json:"status" yaml:"status"`
	NativeStatus string    `json:"nativeStatus,omitempty" yaml:"nativeStatus,omitempty"`
	Addresses    []string  `json:"addresses,omitempty" yaml:"addresses,omitempty"`
	DiskMB       int       `json:"diskMB,omitempty" yaml:"diskMB,omitempty"`
	Template     string    `json:"template,omitempty" yaml:"template,omitempty"`
	Region       string    `json:"region,omitempty" yaml:"region,omitempty"`
	Type         string    `json:"type,omitempty" yaml:"type,omitempty"`
	Created      time.Time `json:"created,omitempty" yaml:"created,omitempty"`
}

// PrimaryAddress returns the first known address, or "" if none.
func (i *Instance) PrimaryAddress() string {
	if i == nil || len(i.Addresses) == 0 {
		return ""
	}
	return i.Addresses[0]
}

// Clone returns a deep copy of the instance.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	c := *i
	c.Addresses = append([]string(nil), i.Addresses...)
	return &c
}

// Template is a provider-defined blueprint for new instances. Templates are
// fetched from the provider, never created.
type Template struct {
	Name        string `json:"name" yaml:"name"`
	ID          string `json:"id" yaml:"id"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Image       string `json:"image,omitempty" yaml:"image,omitempty"`
	Provider    string `json:"provider" yaml:"provider"`
}

// Matches reports whether ref names this template, by name or by ID.
func (t *Template) Matches(ref string) bool {
	return t != nil && ref != "" && (t.Name == ref || t.ID == ref)
}

// Resource identifies a provider sub-resource created on behalf of an
// instance (the instance shell itself, a disk, a boot configuration).
type Resource struct {
	Kind  string `json:"kind" yaml:"kind"`
	ID    string `json:"id" yaml:"id"`
	Label string `json:"label,omitempty" yaml:"label,omitempty"`
}

func (r Resource) String() string {
	if r.Label != "" {
		return r.Kind + " " + r.Label + " (" + r.ID + ")"
	}
	return r.Kind + " " + r.ID
}
