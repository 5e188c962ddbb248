// Package syncwait turns asynchronous provider state transitions into
// blocking calls by polling at a fixed interval.
//
// A Waiter has two modes. ForStatus polls until the provider reports a
// target status; ForAbsence polls the provider's live listing until a label
// disappears. Both check the condition once before the first sleep, so a
// condition that already holds costs exactly one probe.
//
// Waits are bounded by Waiter.Timeout (zero means unbounded) and by the
// caller's context.
package syncwait

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/jbweber/vmctl/internal/backend"
	"github.com/jbweber/vmctl/internal/progress"
)

const (
	// DefaultInterval is the fixed delay between two probes.
	DefaultInterval = 5 * time.Second

	// DefaultTimeout bounds a single wait.
	DefaultTimeout = 30 * time.Minute
)

// ErrMissingLabel is returned when a wait is requested without a label.
var ErrMissingLabel = errors.New("syncwait: label is required")

// StatusProbe returns the provider-observed status of the waited-on
// instance.
type StatusProbe func(ctx context.Context) (backend.Status, error)

// PresenceProbe reports whether the provider still lists the instance.
type PresenceProbe func(ctx context.Context) (bool, error)

// Condition reports whether the waited-on condition holds.
type Condition func(ctx context.Context) (bool, error)

// WaitError describes a wait that did not complete.
type WaitError struct {
	Label    string
	Target   string
	Attempts int
	Elapsed  time.Duration
	Err      error
}

func (e *WaitError) Error() string {
	return fmt.Sprintf("waiting for %s to become %s (%d probes in %s): %v",
		e.Label, e.Target, e.Attempts, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *WaitError) Unwrap() error {
	return e.Err
}

// Waiter polls provider state until a condition holds.
type Waiter struct {
	// Interval is the delay between probes. Zero means DefaultInterval.
	Interval time.Duration
	// Timeout bounds each wait. Zero means no bound other than the context.
	Timeout time.Duration
	// Events receives wait.* progress events. May be zero.
	Events progress.Emitter
}

// New returns a Waiter with the given interval and timeout.
func New(interval, timeout time.Duration, events progress.Emitter) *Waiter {
	return &Waiter{Interval: interval, Timeout: timeout, Events: events}
}

// WithInterval returns a copy of w polling at interval.
func (w *Waiter) WithInterval(interval time.Duration) *Waiter {
	c := *w
	c.Interval = interval
	return &c
}

// ForStatus blocks until probe reports target.
func (w *Waiter) ForStatus(ctx context.Context, label string, target backend.Status, probe StatusProbe) error {
	if label == "" {
		return ErrMissingLabel
	}
	var last backend.Status
	return w.run(ctx, label, string(target), "status", func(ctx context.Context) (bool, error) {
		s, err := probe(ctx)
		if err != nil {
			return false, err
		}
		last = s
		return s == target, nil
	}, func() map[string]any {
		return map[string]any{"observed": string(last)}
	})
}

// ForAbsence blocks until probe reports the instance is no longer listed.
func (w *Waiter) ForAbsence(ctx context.Context, label string, probe PresenceProbe) error {
	if label == "" {
		return ErrMissingLabel
	}
	return w.run(ctx, label, string(backend.StatusAbsent), "absence", func(ctx context.Context) (bool, error) {
		present, err := probe(ctx)
		if err != nil {
			return false, err
		}
		return !present, nil
	}, nil)
}

// Until blocks until cond holds. what names the condition in events and
// errors (e.g. "disk SWAP ready").
func (w *Waiter) Until(ctx context.Context, label, what string, cond Condition) error {
	if label == "" {
		return ErrMissingLabel
	}
	return w.run(ctx, label, what, "condition", cond, nil)
}

func (w *Waiter) run(ctx context.Context, label, target, mode string, cond Condition, observed func() map[string]any) error {
	interval := w.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	start := time.Now()
	attempts := 0
	w.Events.Emit(ctx, progress.Event{
		Kind:   progress.WaitStarted,
		Label:  label,
		Fields: map[string]any{"target": target, "mode": mode},
	})

	condition := func(ctx context.Context) (bool, error) {
		attempts++
		done, err := cond(ctx)
		fields := map[string]any{"target": target, "mode": mode, "attempt": attempts}
		if observed != nil {
			for k, v := range observed() {
				fields[k] = v
			}
		}
		w.Events.Emit(ctx, progress.Event{Kind: progress.WaitPoll, Label: label, Fields: fields})
		return done, err
	}

	var err error
	if w.Timeout > 0 {
		err = wait.PollUntilContextTimeout(ctx, interval, w.Timeout, true, condition)
	} else {
		err = wait.PollUntilContextCancel(ctx, interval, true, condition)
	}

	elapsed := time.Since(start)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			err = ctx.Err()
		case wait.Interrupted(err):
			err = backend.ErrWaitTimeout
		}
		return &WaitError{Label: label, Target: target, Attempts: attempts, Elapsed: elapsed, Err: err}
	}

	w.Events.Emit(ctx, progress.Event{
		Kind:     progress.WaitDone,
		Label:    label,
		Duration: elapsed,
		Fields:   map[string]any{"target": target, "mode": mode, "attempts": attempts},
	})
	return nil
}
