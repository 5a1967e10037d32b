package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/irfndi/coin-rag/rag"

// BuildTracer wraps the stages of an index build in spans.
type BuildTracer struct {
	tracer trace.Tracer
}

// NewBuildTracer creates a tracer bound to the global provider.
func NewBuildTracer() *BuildTracer {
	return &BuildTracer{tracer: otel.Tracer(tracerName)}
}

// NewBuildTracerWithProvider creates a tracer from an explicit provider.
func NewBuildTracerWithProvider(tp trace.TracerProvider) *BuildTracer {
	return &BuildTracer{tracer: tp.Tracer(tracerName)}
}

// StartBuild opens the root span for one build.
func (bt *BuildTracer) StartBuild(ctx context.Context, runID string) (context.Context, trace.Span) {
	return bt.tracer.Start(ctx, "rag.build", trace.WithAttributes(
		attribute.String("rag.run_id", runID),
	))
}

// StartStage opens a child span for a build stage (load, fold, normalize, score, publish, artifacts).
func (bt *BuildTracer) StartStage(ctx context.Context, stage string) (context.Context, trace.Span) {
	return bt.tracer.Start(ctx, "rag."+stage)
}

// RecordBuildResult annotates the root span with the outcome.
func (bt *BuildTracer) RecordBuildResult(span trace.Span, assets int, err error) {
	span.SetAttributes(attribute.Int("rag.coins_indexed", assets))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// RecordSource annotates a load span with one source outcome.
func (bt *BuildTracer) RecordSource(span trace.Span, source, status string) {
	span.SetAttributes(attribute.String("rag.source."+source, status))
}
