package provider

import (
	"context"

	"github.com/jbweber/vmctl/internal/backend"
	"github.com/jbweber/vmctl/internal/progress"
	"github.com/jbweber/vmctl/internal/telemetry"
)

// Open builds a Machine for d from registry deps and loads its cache from
// the provider. Drivers call it from their backend.Factory.
func Open(ctx context.Context, d Driver, deps backend.Deps) (*Machine, error) {
	wait := deps.Config.Wait
	sinks := []progress.Sink{deps.Sink}
	if deps.Metrics != nil {
		sinks = append(sinks, deps.Metrics)
	}
	m := NewMachine(d, Settings{
		Interval:    wait.Interval,
		Timeout:     wait.WaitTimeout(),
		SubInterval: wait.DiskInterval,
		Logger:      telemetry.Component(deps.Logger, "provider"),
		Sink:        progress.Multi(sinks...),
	})
	if err := m.Refresh(ctx); err != nil {
		return nil, err
	}
	return m, nil
}
