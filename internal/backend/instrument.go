package backend

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jbweber/vmctl/internal/progress"
	"github.com/jbweber/vmctl/internal/telemetry"
)

// Instrument wraps b so that every operation gets an operation ID, a log
// line, a span and a metrics sample. Nil metrics or tracer are allowed.
func Instrument(b Backend, logger zerolog.Logger, metrics *telemetry.Metrics, tracer trace.Tracer) Backend {
	return &instrumented{next: b, log: logger, metrics: metrics, tracer: tracer}
}

type instrumented struct {
	next    Backend
	log     zerolog.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer
}

func (i *instrumented) Name() string { return i.next.Name() }

func (i *instrumented) Close() error { return Close(i.next) }

func (i *instrumented) New(ctx context.Context, label, template, sshKey string, opts Options) (inst *Instance, err error) {
	ctx, done := i.begin(ctx, "new", label, opts, attribute.String("vmctl.template", template))
	defer func() { done(err) }()
	return i.next.New(ctx, label, template, sshKey, opts)
}

func (i *instrumented) Rebuild(ctx context.Context, label, template, sshKey string, opts Options) (inst *Instance, err error) {
	ctx, done := i.begin(ctx, "rebuild", label, opts, attribute.String("vmctl.template", template))
	defer func() { done(err) }()
	return i.next.Rebuild(ctx, label, template, sshKey, opts)
}

func (i *instrumented) Start(ctx context.Context, label string, opts Options) (err error) {
	ctx, done := i.begin(ctx, "start", label, opts)
	defer func() { done(err) }()
	return i.next.Start(ctx, label, opts)
}

func (i *instrumented) Stop(ctx context.Context, label string, opts Options) (err error) {
	ctx, done := i.begin(ctx, "stop", label, opts)
	defer func() { done(err) }()
	return i.next.Stop(ctx, label, opts)
}

func (i *instrumented) Delete(ctx context.Context, label string, opts Options) (err error) {
	ctx, done := i.begin(ctx, "delete", label, opts)
	defer func() { done(err) }()
	return i.next.Delete(ctx, label, opts)
}

func (i *instrumented) Instances(ctx context.Context) (insts []*Instance, err error) {
	ctx, done := i.begin(ctx, "list", "", Options{})
	defer func() {
		done(err)
		if err == nil {
			i.metrics.SetCachedInstances(i.next.Name(), len(insts))
		}
	}()
	return i.next.Instances(ctx)
}

func (i *instrumented) Templates(ctx context.Context) (tmpls []*Template, err error) {
	ctx, done := i.begin(ctx, "templates", "", Options{})
	defer func() { done(err) }()
	return i.next.Templates(ctx)
}

func (i *instrumented) begin(ctx context.Context, op, label string, opts Options, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	opID := progress.OpID(ctx)
	if opID == "" {
		opID = uuid.NewString()
		ctx = progress.WithOpID(ctx, opID)
	}
	ctx = progress.WithOp(ctx, op)

	logger := i.log.With().
		Str("backend", i.next.Name()).
		Str("op", op).
		Str("op_id", opID).
		Logger()
	if label != "" {
		logger = logger.With().Str("label", label).Logger()
	}
	ctx = logger.WithContext(ctx)

	var span trace.Span
	if i.tracer != nil {
		attrs = append(attrs,
			attribute.String("vmctl.backend", i.next.Name()),
			attribute.String("vmctl.label", label),
			attribute.Bool("vmctl.sync", opts.Sync),
		)
		ctx, span = i.tracer.Start(ctx, "vmctl."+op, trace.WithAttributes(attrs...))
	}

	start := time.Now()
	logger.Debug().Bool("sync", opts.Sync).Msg("operation started")

	return ctx, func(err error) {
		d := time.Since(start)
		result := resultOf(err)
		i.metrics.ObserveOperation(i.next.Name(), op, result, d)
		if span != nil {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.SetAttributes(attribute.String("vmctl.result", result))
			span.End()
		}
		ev := logger.Debug()
		if err != nil {
			ev = logger.Error().Err(err)
		}
		ev.Dur("duration", d).Str("result", result).Msg("operation finished")
	}
}

// resultOf maps an operation error to a low-cardinality metrics label.
func resultOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrTemplateNotFound):
		return "not_found"
	case errors.Is(err, ErrUnsupported):
		return "unsupported"
	case errors.Is(err, ErrWaitTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	var se *StageError
	if errors.As(err, &se) {
		return "stage_failed"
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return "provider_error"
	}
	return "error"
}
