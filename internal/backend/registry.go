package backend

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/jbweber/vmctl/internal/config"
	"github.com/jbweber/vmctl/internal/progress"
	"github.com/jbweber/vmctl/internal/telemetry"
)

// Deps are the collaborators handed to a backend factory.
type Deps struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Sink    progress.Sink
	Metrics *telemetry.Metrics
	Tracer  trace.Tracer
}

// Factory builds a backend from its configuration. Factories connect to the
// provider and load the initial cache.
type Factory func(ctx context.Context, deps Deps) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a backend available under name. It panics if name is
// registered twice or f is nil.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if f == nil {
		panic("backend: Register factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic("backend: Register called twice for " + name)
	}
	registry[name] = f
}

// Names returns the registered backend names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Open builds the backend registered under name and wraps it with
// Instrument.
func Open(ctx context.Context, name string, deps Deps) (Backend, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown backend %q (available: %v)", name, Names())
	}
	if deps.Config == nil {
		deps.Config = config.Default()
	}
	if deps.Sink == nil {
		deps.Sink = progress.Discard
	}

	logger := telemetry.Component(deps.Logger, "backend")
	b, err := f(ctx, deps)
	if err != nil {
		return nil, fmt.Errorf("failed to open backend %s: %w", name, err)
	}
	logger.Debug().Str("backend", name).Msg("backend opened")
	return Instrument(b, deps.Logger, deps.Metrics, deps.Tracer), nil
}

// Close releases the provider connection held by b, if any.
func Close(b Backend) error {
	if c, ok := b.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
