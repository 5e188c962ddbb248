package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jbweber/vmctl/internal/backend"
	"github.com/jbweber/vmctl/internal/cache"
	"github.com/jbweber/vmctl/internal/progress"
	"github.com/jbweber/vmctl/internal/syncwait"
)

// Settings configures a Machine.
type Settings struct {
	// Interval and Timeout drive instance status waits.
	Interval time.Duration
	Timeout  time.Duration
	// SubInterval drives sub-resource waits (disk readiness). Zero means
	// Interval.
	SubInterval time.Duration

	Logger zerolog.Logger
	Sink   progress.Sink
}

// Machine implements backend.Backend on top of a Driver.
type Machine struct {
	driver    Driver
	log       zerolog.Logger
	events    progress.Emitter
	waiter    *syncwait.Waiter
	subWaiter *syncwait.Waiter
	instances *cache.Cache[*backend.Instance]

	mu        sync.Mutex
	templates []*backend.Template
}

var _ backend.Backend = (*Machine)(nil)

// NewMachine returns a Machine driving d. The cache starts empty; call
// Refresh to load it.
func NewMachine(d Driver, s Settings) *Machine {
	events := progress.Emitter{Sink: s.Sink, Backend: d.Name()}
	if events.Sink == nil {
		events.Sink = progress.Discard
	}
	waiter := syncwait.New(s.Interval, s.Timeout, events)
	sub := waiter
	if s.SubInterval > 0 {
		sub = waiter.WithInterval(s.SubInterval)
	}
	return &Machine{
		driver:    d,
		log:       s.Logger.With().Str("backend", d.Name()).Logger(),
		events:    events,
		waiter:    waiter,
		subWaiter: sub,
		instances: cache.New[*backend.Instance](),
	}
}

// Name returns the driver name.
func (m *Machine) Name() string {
	return m.driver.Name()
}

// Driver returns the underlying driver.
func (m *Machine) Driver() Driver {
	return m.driver
}

// Close closes the driver when it holds a connection.
func (m *Machine) Close() error {
	if c, ok := m.driver.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Refresh reloads the cache from the provider's live listing.
func (m *Machine) Refresh(ctx context.Context) error {
	list, err := m.driver.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list instances: %w", err)
	}
	dups := m.instances.Load(list, func(i *backend.Instance) string { return i.Label })
	for _, l := range dups {
		m.logger(ctx).Warn().Str("label", l).Msg("label listed more than once, keeping the first instance")
	}
	return nil
}

// New creates an instance labelled label from template.
func (m *Machine) New(ctx context.Context, label, template, sshKey string, opts backend.Options) (*backend.Instance, error) {
	if err := backend.ValidateLabel(label); err != nil {
		return nil, err
	}
	key, err := backend.NormalizeSSHKey(sshKey)
	if err != nil {
		return nil, err
	}
	if m.instances.Has(label) {
		return nil, fmt.Errorf("%w: %q", backend.ErrAlreadyExists, label)
	}
	tmpl, err := m.resolveTemplate(ctx, template)
	if err != nil {
		return nil, err
	}

	m.events.Emit(ctx, progress.Event{Kind: progress.OperationStarted, Label: label})
	b := &Build{
		CreateRequest: CreateRequest{Label: label, Template: tmpl, SSHKey: key, Sync: opts.Sync},
		m:             m,
	}
	inst, err := m.driver.Create(ctx, b)
	if err != nil {
		return nil, m.fail(ctx, label, err)
	}
	if inst.Label == "" {
		inst.Label = label
	}
	if inst.Template == "" {
		inst.Template = tmpl.Name
	}
	if b.inst == nil {
		if err := b.Created(inst); err != nil {
			return nil, m.fail(ctx, label, err)
		}
	} else {
		m.instances.Update(label, inst.Clone())
	}

	if opts.Sync {
		err := b.Stage(ctx, "running", fmt.Sprintf("Waiting for instance '%s' to be running", label), func(ctx context.Context) error {
			return m.waitStatus(ctx, label, backend.StatusRunning)
		})
		if err != nil {
			return nil, m.fail(ctx, label, err)
		}
		m.instances.Confirm(label)
	}

	out := m.cached(label, inst)
	m.done(ctx, label, readyMessage(out, opts.Sync))
	return out, nil
}

// Rebuild re-images label from template and boots it.
func (m *Machine) Rebuild(ctx context.Context, label, template, sshKey string, opts backend.Options) (*backend.Instance, error) {
	if err := backend.ValidateLabel(label); err != nil {
		return nil, err
	}
	if !m.instances.Has(label) {
		return nil, fmt.Errorf("%w: %q", backend.ErrNotFound, label)
	}
	rb, ok := m.driver.(Rebuilder)
	if !ok {
		return nil, backend.Unsupported(m.Name(), "rebuild")
	}
	key, err := backend.NormalizeSSHKey(sshKey)
	if err != nil {
		return nil, err
	}
	tmpl, err := m.resolveTemplate(ctx, template)
	if err != nil {
		return nil, err
	}

	m.events.Emit(ctx, progress.Event{Kind: progress.OperationStarted, Label: label})
	inst, err := m.current(ctx, label)
	if err != nil {
		return nil, m.fail(ctx, label, err)
	}
	if !inst.Status.IsStopped() {
		if err := m.stage(ctx, label, "stop", fmt.Sprintf("Stopping instance '%s'", label), func(ctx context.Context) error {
			if err := m.driver.Shutdown(ctx, inst); err != nil {
				return err
			}
			return m.waitStatus(ctx, label, backend.StatusOffline)
		}); err != nil {
			return nil, m.fail(ctx, label, err)
		}
	}

	req := CreateRequest{Label: label, Template: tmpl, SSHKey: key, Sync: opts.Sync}
	if err := m.stage(ctx, label, "rebuild", fmt.Sprintf("Rebuilding instance '%s' from '%s'", label, tmpl.Name), func(ctx context.Context) error {
		return rb.Rebuild(ctx, inst, req)
	}); err != nil {
		return nil, m.fail(ctx, label, err)
	}
	inst.Template = tmpl.Name
	m.instances.Update(label, inst.Clone())

	if opts.Sync {
		if err := m.stage(ctx, label, "running", fmt.Sprintf("Waiting for instance '%s' to be running", label), func(ctx context.Context) error {
			return m.waitStatus(ctx, label, backend.StatusRunning)
		}); err != nil {
			return nil, m.fail(ctx, label, err)
		}
	}

	out := m.cached(label, inst)
	m.done(ctx, label, readyMessage(out, opts.Sync))
	return out, nil
}

// Start boots label. Starting a running instance issues no provider call.
func (m *Machine) Start(ctx context.Context, label string, opts backend.Options) error {
	if err := backend.ValidateLabel(label); err != nil {
		return err
	}
	if !m.instances.Has(label) {
		return fmt.Errorf("%w: %q", backend.ErrNotFound, label)
	}
	inst, err := m.current(ctx, label)
	if err != nil {
		return err
	}
	if inst.Status.IsRunning() {
		m.noop(ctx, label, fmt.Sprintf("Instance '%s' is already running", label))
		return nil
	}

	m.events.Emit(ctx, progress.Event{Kind: progress.OperationStarted, Label: label})
	err = m.stage(ctx, label, "boot", fmt.Sprintf("Booting instance '%s'", label), func(ctx context.Context) error {
		if err := m.driver.Boot(ctx, inst); err != nil {
			return err
		}
		if opts.Sync {
			return m.waitStatus(ctx, label, backend.StatusRunning)
		}
		return nil
	})
	if err != nil {
		return m.fail(ctx, label, err)
	}
	m.done(ctx, label, "")
	return nil
}

// Stop shuts label down. Stopping an offline instance issues no provider
// call.
func (m *Machine) Stop(ctx context.Context, label string, opts backend.Options) error {
	if err := backend.ValidateLabel(label); err != nil {
		return err
	}
	if !m.instances.Has(label) {
		return fmt.Errorf("%w: %q", backend.ErrNotFound, label)
	}
	inst, err := m.current(ctx, label)
	if err != nil {
		return err
	}
	if inst.Status.IsStopped() {
		m.noop(ctx, label, fmt.Sprintf("Instance '%s' is already stopped", label))
		return nil
	}

	m.events.Emit(ctx, progress.Event{Kind: progress.OperationStarted, Label: label})
	err = m.stage(ctx, label, "shutdown", fmt.Sprintf("Stopping instance '%s'", label), func(ctx context.Context) error {
		if err := m.driver.Shutdown(ctx, inst); err != nil {
			return err
		}
		if opts.Sync {
			return m.waitStatus(ctx, label, backend.StatusOffline)
		}
		return nil
	})
	if err != nil {
		return m.fail(ctx, label, err)
	}
	m.done(ctx, label, "")
	return nil
}

// Delete destroys label. With Sync it returns once the provider's live
// listing no longer contains the label.
func (m *Machine) Delete(ctx context.Context, label string, opts backend.Options) error {
	if err := backend.ValidateLabel(label); err != nil {
		return err
	}
	inst, ok := m.instances.Get(label)
	if !ok {
		return fmt.Errorf("%w: %q", backend.ErrNotFound, label)
	}

	m.events.Emit(ctx, progress.Event{Kind: progress.OperationStarted, Label: label})
	err := m.stage(ctx, label, "delete", fmt.Sprintf("Deleting instance '%s'", label), func(ctx context.Context) error {
		if err := m.driver.Destroy(ctx, inst); err != nil {
			return err
		}
		if !opts.Sync {
			m.instances.Delete(label)
			return nil
		}
		if err := m.waitAbsent(ctx, label); err != nil {
			return err
		}
		m.instances.Delete(label)
		return nil
	})
	if err != nil {
		return m.fail(ctx, label, err)
	}
	m.done(ctx, label, "")
	return nil
}

// Instances refreshes the cache and returns its content sorted by label.
func (m *Machine) Instances(ctx context.Context) ([]*backend.Instance, error) {
	if err := m.Refresh(ctx); err != nil {
		return nil, err
	}
	entries := m.instances.Snapshot()
	out := make([]*backend.Instance, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Value.Clone())
	}
	return out, nil
}

// Templates fetches the provider's templates.
func (m *Machine) Templates(ctx context.Context) ([]*backend.Template, error) {
	tmpls, err := m.driver.Templates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	m.mu.Lock()
	m.templates = tmpls
	m.mu.Unlock()
	return tmpls, nil
}

// resolveTemplate finds ref among the provider's templates, fetching them
// on first use or when ref is not known yet.
func (m *Machine) resolveTemplate(ctx context.Context, ref string) (*backend.Template, error) {
	if ref == "" {
		return nil, fmt.Errorf("%w: template name is required", backend.ErrTemplateNotFound)
	}
	m.mu.Lock()
	known := m.templates
	m.mu.Unlock()
	if t := findTemplate(known, ref); t != nil {
		return t, nil
	}
	tmpls, err := m.Templates(ctx)
	if err != nil {
		return nil, err
	}
	if t := findTemplate(tmpls, ref); t != nil {
		return t, nil
	}
	return nil, fmt.Errorf("%w: %q on backend %s", backend.ErrTemplateNotFound, ref, m.Name())
}

func findTemplate(tmpls []*backend.Template, ref string) *backend.Template {
	for _, t := range tmpls {
		if t.Matches(ref) {
			return t
		}
	}
	return nil
}

// current re-reads label from the provider and refreshes its cache entry.
// An instance the provider no longer knows is dropped from the cache.
func (m *Machine) current(ctx context.Context, label string) (*backend.Instance, error) {
	cached, ok := m.instances.Get(label)
	if !ok {
		return nil, fmt.Errorf("%w: %q", backend.ErrNotFound, label)
	}
	inst, err := m.driver.Get(ctx, cached)
	if errors.Is(err, backend.ErrNotFound) {
		m.instances.Delete(label)
		return nil, fmt.Errorf("%w: %q", backend.ErrNotFound, label)
	}
	if err != nil {
		return nil, err
	}
	if inst.Label == "" {
		inst.Label = label
	}
	if inst.Template == "" {
		inst.Template = cached.Template
	}
	m.instances.Update(label, inst.Clone())
	return inst, nil
}

// waitStatus waits for the provider-observed status of label to reach
// target. Each probe refreshes the cache entry.
func (m *Machine) waitStatus(ctx context.Context, label string, target backend.Status) error {
	return m.waiter.ForStatus(ctx, label, target, func(ctx context.Context) (backend.Status, error) {
		cached, ok := m.instances.Get(label)
		if !ok {
			return backend.StatusAbsent, nil
		}
		inst, err := m.driver.Get(ctx, cached)
		if errors.Is(err, backend.ErrNotFound) {
			// Freshly created instances may not be readable yet.
			return backend.StatusAbsent, nil
		}
		if err != nil {
			return "", err
		}
		if inst.Template == "" {
			inst.Template = cached.Template
		}
		m.instances.Update(label, inst.Clone())
		return inst.Status, nil
	})
}

// waitAbsent polls the provider's live listing until label is gone.
func (m *Machine) waitAbsent(ctx context.Context, label string) error {
	return m.waiter.ForAbsence(ctx, label, func(ctx context.Context) (bool, error) {
		list, err := m.driver.List(ctx)
		if err != nil {
			return false, err
		}
		for _, i := range list {
			if i.Label == label {
				return true, nil
			}
		}
		return false, nil
	})
}

// stage runs fn as a named step outside of a creation. Failures are not
// turned into StageErrors since nothing new is left behind.
func (m *Machine) stage(ctx context.Context, label, name, message string, fn func(context.Context) error) error {
	start := time.Now()
	m.events.Emit(ctx, progress.Event{Kind: progress.StageStarted, Label: label, Stage: name, Message: message})
	if err := fn(ctx); err != nil {
		m.events.Emit(ctx, progress.Event{Kind: progress.StageFailed, Label: label, Stage: name, Duration: time.Since(start), Err: err})
		return err
	}
	m.events.Emit(ctx, progress.Event{Kind: progress.StageDone, Label: label, Stage: name, Duration: time.Since(start)})
	return nil
}

func (m *Machine) cached(label string, fallback *backend.Instance) *backend.Instance {
	if inst, ok := m.instances.Get(label); ok {
		return inst.Clone()
	}
	return fallback.Clone()
}

func (m *Machine) done(ctx context.Context, label, message string) {
	m.events.Emit(ctx, progress.Event{Kind: progress.OperationDone, Label: label, Message: message})
}

func (m *Machine) noop(ctx context.Context, label, message string) {
	m.logger(ctx).Debug().Str("label", label).Msg("nothing to do")
	m.events.Emit(ctx, progress.Event{Kind: progress.OperationNoop, Label: label, Message: message})
}

func (m *Machine) fail(ctx context.Context, label string, err error) error {
	m.events.Emit(ctx, progress.Event{Kind: progress.OperationFailed, Label: label, Err: err})
	return err
}

// logger returns the operation logger carried by ctx, or the machine's.
func (m *Machine) logger(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &m.log
}

func readyMessage(inst *backend.Instance, sync bool) string {
	if !sync {
		return fmt.Sprintf("Instance '%s' is being provisioned", inst.Label)
	}
	if ip := inst.PrimaryAddress(); ip != "" {
		return fmt.Sprintf("Your instance is ready with IP: %s", ip)
	}
	return fmt.Sprintf("Your instance '%s' is ready", inst.Label)
}
