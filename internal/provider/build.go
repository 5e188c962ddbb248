package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jbweber/vmctl/internal/backend"
	"github.com/jbweber/vmctl/internal/cache"
	"github.com/jbweber/vmctl/internal/progress"
	"github.com/jbweber/vmctl/internal/syncwait"
	"github.com/jbweber/vmctl/internal/telemetry"
)

// Resource kinds reported in StageError orphan lists.
const (
	KindInstance = "instance"
	KindDisk     = "disk"
	KindVolume   = "volume"
	KindConfig   = "config"
	KindKey      = "key"
)

// Build tracks one instance creation. Drivers use it to register the
// instance shell as soon as it exists, to run named stages and to wait on
// provider state between stages.
//
// Stages never roll back. When a stage fails, the resources created so far
// are reported as orphans in a *backend.StageError.
type Build struct {
	CreateRequest

	m       *Machine
	inst    *backend.Instance
	orphans []backend.Resource
}

// Instance returns the instance registered with Created, or nil.
func (b *Build) Instance() *backend.Instance {
	return b.inst
}

// Created registers the instance shell in the cache as provisioning and
// records it as the first orphan candidate.
func (b *Build) Created(inst *backend.Instance) error {
	if inst.Label == "" {
		inst.Label = b.Label
	}
	if !b.m.instances.Insert(inst.Label, inst.Clone(), cache.StateProvisioning) {
		return fmt.Errorf("%w: %q", backend.ErrAlreadyExists, inst.Label)
	}
	b.inst = inst
	b.Track(backend.Resource{Kind: KindInstance, ID: inst.ID, Label: inst.Label})
	return nil
}

// Track records a sub-resource created on behalf of the instance.
func (b *Build) Track(r backend.Resource) {
	b.orphans = append(b.orphans, r)
}

// Orphans returns the resources created so far.
func (b *Build) Orphans() []backend.Resource {
	return append([]backend.Resource(nil), b.orphans...)
}

// Stage runs fn as a named creation step. message is the human readable
// description shown while the stage runs. A failure is returned as a
// *backend.StageError listing the resources created by earlier stages.
func (b *Build) Stage(ctx context.Context, name, message string, fn func(context.Context) error) error {
	ctx, span := trace.SpanFromContext(ctx).TracerProvider().
		Tracer(telemetry.TracerName).
		Start(ctx, "vmctl.stage."+name, trace.WithAttributes(
			attribute.String("vmctl.label", b.Label),
			attribute.String("vmctl.stage", name),
		))
	defer span.End()

	log := b.m.logger(ctx)
	start := time.Now()
	b.m.events.Emit(ctx, progress.Event{
		Kind:    progress.StageStarted,
		Label:   b.Label,
		Stage:   name,
		Message: message,
	})
	log.Debug().Str("stage", name).Msg("stage started")

	err := fn(ctx)
	elapsed := time.Since(start)
	if err == nil {
		b.m.events.Emit(ctx, progress.Event{
			Kind:     progress.StageDone,
			Label:    b.Label,
			Stage:    name,
			Duration: elapsed,
		})
		log.Debug().Str("stage", name).Dur("duration", elapsed).Msg("stage done")
		return nil
	}

	var se *backend.StageError
	if !errors.As(err, &se) {
		se = &backend.StageError{Label: b.Label, Stage: name, Orphans: b.Orphans(), Err: err}
	}
	span.RecordError(se)
	span.SetStatus(codes.Error, se.Error())

	left := make([]string, 0, len(se.Orphans))
	for _, r := range se.Orphans {
		left = append(left, r.String())
	}
	log.Warn().Err(se.Err).
		Str("stage", name).
		Strs("orphans", left).
		Msg("staged creation failed, created resources are left in place")

	var msg string
	if len(left) > 0 {
		msg = "Left behind: " + strings.Join(left, ", ")
	}
	b.m.events.Emit(ctx, progress.Event{
		Kind:     progress.StageFailed,
		Label:    b.Label,
		Stage:    name,
		Message:  msg,
		Duration: elapsed,
		Err:      se,
	})
	return se
}

// WaitStatus blocks until the provider reports the instance in target.
func (b *Build) WaitStatus(ctx context.Context, target backend.Status) error {
	return b.m.waitStatus(ctx, b.Label, target)
}

// WaitUntil polls cond at the sub-resource interval (disk readiness).
func (b *Build) WaitUntil(ctx context.Context, what string, cond syncwait.Condition) error {
	return b.m.subWaiter.Until(ctx, b.Label, what, cond)
}
