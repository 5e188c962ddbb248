package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jbweber/vmctl/internal/backend"
	"github.com/jbweber/vmctl/internal/progress"
)

const testSSHKey = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIIbJKZscbOLzBsgY5y2QupKW4A2kSDjMBQGPb1dChr+S test@example.com"

// mockDriver is an in-memory provider. Instance status changes as the
// provider would report them: each Get pops the next scripted status.
type mockDriver struct {
	mu sync.Mutex

	instances map[string]*backend.Instance
	scripts   map[string][]backend.Status
	templates []*backend.Template
	nextID    int

	// destroyLag is the number of List calls that still report a destroyed
	// instance.
	destroyLag map[string]int

	// Configurable behavior
	createFunc   func(ctx context.Context, b *Build) (*backend.Instance, error)
	bootFunc     func(inst *backend.Instance) error
	shutdownFunc func(inst *backend.Instance) error
	destroyFunc  func(inst *backend.Instance) error
	listFunc     func() ([]*backend.Instance, error)

	// Call tracking
	calls []string
}

func newMockDriver() *mockDriver {
	return &mockDriver{
		instances:  make(map[string]*backend.Instance),
		scripts:    make(map[string][]backend.Status),
		destroyLag: make(map[string]int),
		templates: []*backend.Template{
			{Name: "fedora-43", ID: "img-1", Provider: "mock"},
			{Name: "debian-13", ID: "img-2", Provider: "mock"},
		},
	}
}

func (d *mockDriver) Name() string { return "mock" }

func (d *mockDriver) record(format string, args ...any) {
	d.calls = append(d.calls, fmt.Sprintf(format, args...))
}

// Calls returns a copy of the recorded calls.
func (d *mockDriver) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// add seeds an existing instance.
func (d *mockDriver) add(label string, status backend.Status) *backend.Instance {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	inst := &backend.Instance{
		Label:     label,
		ID:        fmt.Sprintf("%d", d.nextID),
		Status:    status,
		Addresses: []string{fmt.Sprintf("192.0.2.%d", d.nextID)},
		Created:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	d.instances[label] = inst
	return inst.Clone()
}

// script queues statuses reported by the next Get calls for label.
func (d *mockDriver) script(label string, statuses ...backend.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scripts[label] = append(d.scripts[label], statuses...)
}

func (d *mockDriver) List(ctx context.Context) ([]*backend.Instance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("list")
	if d.listFunc != nil {
		return d.listFunc()
	}
	var out []*backend.Instance
	for _, inst := range d.instances {
		out = append(out, inst.Clone())
	}
	for label, lag := range d.destroyLag {
		if lag > 0 {
			out = append(out, &backend.Instance{Label: label, Status: backend.StatusDeleting})
			d.destroyLag[label] = lag - 1
		}
	}
	return out, nil
}

func (d *mockDriver) Get(ctx context.Context, inst *backend.Instance) (*backend.Instance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("get %s", inst.Label)
	cur, ok := d.instances[inst.Label]
	if !ok {
		return nil, fmt.Errorf("%w: %s", backend.ErrNotFound, inst.Label)
	}
	if s := d.scripts[inst.Label]; len(s) > 0 {
		cur.Status = s[0]
		d.scripts[inst.Label] = s[1:]
	}
	return cur.Clone(), nil
}

func (d *mockDriver) Templates(ctx context.Context) ([]*backend.Template, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("templates")
	return d.templates, nil
}

func (d *mockDriver) Create(ctx context.Context, b *Build) (*backend.Instance, error) {
	d.mu.Lock()
	d.record("create %s %s", b.Label, b.Template.Name)
	fn := d.createFunc
	d.mu.Unlock()
	if fn != nil {
		return fn(ctx, b)
	}
	inst := d.add(b.Label, backend.StatusProvisioning)
	d.script(b.Label, backend.StatusRunning)
	return inst, nil
}

func (d *mockDriver) Boot(ctx context.Context, inst *backend.Instance) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("boot %s", inst.Label)
	if d.bootFunc != nil {
		return d.bootFunc(inst)
	}
	if cur, ok := d.instances[inst.Label]; ok && len(d.scripts[inst.Label]) == 0 {
		cur.Status = backend.StatusRunning
	}
	return nil
}

func (d *mockDriver) Shutdown(ctx context.Context, inst *backend.Instance) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("shutdown %s", inst.Label)
	if d.shutdownFunc != nil {
		return d.shutdownFunc(inst)
	}
	if cur, ok := d.instances[inst.Label]; ok && len(d.scripts[inst.Label]) == 0 {
		cur.Status = backend.StatusOffline
	}
	return nil
}

func (d *mockDriver) Destroy(ctx context.Context, inst *backend.Instance) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("destroy %s", inst.Label)
	if d.destroyFunc != nil {
		return d.destroyFunc(inst)
	}
	delete(d.instances, inst.Label)
	return nil
}

// mockRebuildDriver adds rebuild support to mockDriver.
type mockRebuildDriver struct {
	*mockDriver
	rebuildErr error
}

func (d *mockRebuildDriver) Rebuild(ctx context.Context, inst *backend.Instance, req CreateRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("rebuild %s %s", inst.Label, req.Template.Name)
	if d.rebuildErr != nil {
		return d.rebuildErr
	}
	if cur, ok := d.instances[inst.Label]; ok {
		cur.Status = backend.StatusProvisioning
		d.scripts[inst.Label] = append(d.scripts[inst.Label], backend.StatusRunning)
	}
	return nil
}

// newTestMachine returns a Machine with millisecond waits and its event
// recorder.
func newTestMachine(d Driver) (*Machine, *progress.Recorder) {
	rec := &progress.Recorder{}
	m := NewMachine(d, Settings{
		Interval: time.Millisecond,
		Timeout:  time.Second,
		Logger:   zerolog.Nop(),
		Sink:     rec,
	})
	return m, rec
}
