// Package progress carries structured progress events out of the lifecycle
// core. The core emits events; presentation (console lines, log records,
// metrics) is left to Sink implementations.
package progress

import (
	"context"
	"sync"
	"time"
)

// Kind identifies what an event reports.
type Kind string

const (
	OperationStarted Kind = "operation.started"
	OperationDone    Kind = "operation.done"
	OperationFailed  Kind = "operation.failed"
	OperationNoop    Kind = "operation.noop"

	StageStarted Kind = "stage.started"
	StageDone    Kind = "stage.done"
	StageFailed  Kind = "stage.failed"

	WaitStarted Kind = "wait.started"
	WaitPoll    Kind = "wait.poll"
	WaitDone    Kind = "wait.done"
)

// Event is a single progress report.
type Event struct {
	Time     time.Time
	OpID     string
	Backend  string
	Op       string
	Label    string
	Kind     Kind
	Stage    string
	Message  string
	Duration time.Duration
	Err      error
	Fields   map[string]any
}

// Sink consumes events. Implementations must not block for long; Emit is
// called inline from lifecycle operations.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Event)

// Emit calls f(e).
func (f SinkFunc) Emit(e Event) { f(e) }

type discard struct{}

func (discard) Emit(Event) {}

// Discard drops every event.
var Discard Sink = discard{}

type multi []Sink

func (m multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// Multi fans events out to every non-nil sink.
func Multi(sinks ...Sink) Sink {
	var m multi
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	switch len(m) {
	case 0:
		return Discard
	case 1:
		return m[0]
	}
	return m
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit records e.
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds returns the kinds of the recorded events, in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]Kind, 0, len(r.events))
	for _, e := range r.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

// Stages returns the stage names of StageStarted events, in order.
func (r *Recorder) Stages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stages []string
	for _, e := range r.events {
		if e.Kind == StageStarted {
			stages = append(stages, e.Stage)
		}
	}
	return stages
}

type opIDKey struct{}

// WithOpID attaches an operation ID to ctx. Events emitted through an
// Emitter pick it up.
func WithOpID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, opIDKey{}, id)
}

// OpID returns the operation ID attached to ctx, or "".
func OpID(ctx context.Context) string {
	id, _ := ctx.Value(opIDKey{}).(string)
	return id
}

type opKey struct{}

// WithOp attaches the lifecycle operation name to ctx.
func WithOp(ctx context.Context, op string) context.Context {
	return context.WithValue(ctx, opKey{}, op)
}

// Op returns the lifecycle operation name attached to ctx, or "".
func Op(ctx context.Context) string {
	op, _ := ctx.Value(opKey{}).(string)
	return op
}

// Emitter stamps events with a backend name, the context's operation and
// the current time before handing them to a Sink.
type Emitter struct {
	Sink    Sink
	Backend string
	Now     func() time.Time
}

// Emit fills in the common fields of e and forwards it.
func (em Emitter) Emit(ctx context.Context, e Event) {
	if em.Sink == nil {
		return
	}
	if e.Time.IsZero() {
		if em.Now != nil {
			e.Time = em.Now()
		} else {
			e.Time = time.Now()
		}
	}
	if e.Backend == "" {
		e.Backend = em.Backend
	}
	if e.OpID == "" {
		e.OpID = OpID(ctx)
	}
	if e.Op == "" {
		e.Op = Op(ctx)
	}
	em.Sink.Emit(e)
}
