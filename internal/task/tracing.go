package task

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name used when no tracer is supplied.
const TracerName = "github.com/ChuLiYu/livetask"

// Span attribute keys.
const (
	AttrExecutionID = attribute.Key("livetask.execution_id")
	AttrTaskName    = attribute.Key("livetask.task.name")
	AttrTaskType    = attribute.Key("livetask.task.type")
	AttrPrincipal   = attribute.Key("livetask.principal")
	AttrRetryCount  = attribute.Key("livetask.retry_count")
	AttrStatus      = attribute.Key("livetask.status")
)

// Tracer returns tr, or the global provider's tracer when tr is nil.
func Tracer(tr trace.Tracer) trace.Tracer {
	if tr != nil {
		return tr
	}
	return otel.Tracer(TracerName)
}

// StartSpan opens a span named op describing t.
func StartSpan(ctx context.Context, tr trace.Tracer, op string, t *Task) (context.Context, trace.Span) {
	cfg := t.Config()
	attrs := []attribute.KeyValue{
		AttrExecutionID.String(string(t.ID())),
		AttrTaskName.String(cfg.Name),
		AttrTaskType.String(cfg.Type),
	}
	if cfg.Principal != "" {
		attrs = append(attrs, AttrPrincipal.String(cfg.Principal))
	}
	return Tracer(tr).Start(ctx, op, trace.WithAttributes(attrs...))
}

// EndSpan records the task's final state on span and ends it.
func EndSpan(span trace.Span, t *Task) {
	span.SetAttributes(
		AttrStatus.String(string(t.Status())),
		AttrRetryCount.Int(t.RetryCount()),
	)
	if err := t.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
