// Package trace provides tracing instrumentation for page operations.
package trace

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "chromium.session"

// liveSpan is the navigation span currently open for a page. API calls made
// on the page while it is live become its children.
type liveSpan struct {
	ctx  context.Context
	span trace.Span
}

// Tracer generates spans for page navigations and API calls, keyed by the
// page they happen on.
type Tracer struct {
	logger logrus.FieldLogger

	trace.Tracer

	metadata []attribute.KeyValue

	liveSpansMu sync.RWMutex
	liveSpans   map[string]*liveSpan
}

// NewTracer creates a new Tracer from the given TracerProvider.
func NewTracer(
	logger logrus.FieldLogger, tp trace.TracerProvider, metadata map[string]string, options ...trace.TracerOption,
) *Tracer {
	if tp == nil {
		tp = trace.NewNoopTracerProvider()
	}
	return &Tracer{
		logger:    logger,
		Tracer:    tp.Tracer(tracerName, options...),
		metadata:  buildMetadataAttributes(metadata),
		liveSpans: make(map[string]*liveSpan),
	}
}

// Start overrides the underlying OTEL tracer method to include the tracer metadata.
func (t *Tracer) Start(
	ctx context.Context, spanName string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	opts = append(opts, trace.WithAttributes(t.metadata...))
	return t.Tracer.Start(ctx, spanName, opts...)
}

// GetTraceID returns the trace ID of spanCtx, or an empty string.
func GetTraceID(spanCtx trace.SpanContext) string {
	if spanCtx.HasTraceID() {
		traceID := spanCtx.TraceID()
		return traceID.String()
	}
	return ""
}

// TraceAPICall starts a span for an API call on the page identified by
// targetID. The span is a child of the page's live navigation span if there
// is one, of whatever span ctx carries otherwise. The caller ends it.
func (t *Tracer) TraceAPICall(
	ctx context.Context, targetID string, spanName string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	t.liveSpansMu.RLock()
	ls := t.liveSpans[targetID]
	t.liveSpansMu.RUnlock()

	parent := ctx
	if ls != nil {
		parent = ls.ctx
	}
	sCtx, span := t.Start(parent, spanName, opts...)
	t.logger.Debugf("TraceAPICall: spanName: %q traceID: %q targetID: %q",
		spanName, GetTraceID(span.SpanContext()), targetID)

	// keep the caller's deadline and cancellation
	sCtx = trace.ContextWithSpan(ctx, trace.SpanFromContext(sCtx))

	return sCtx, &SpanLogger{Span: span, logger: t.logger, spanName: spanName}
}

// TraceNavigation starts the live span of the page identified by targetID,
// ending the previous one. The returned span stays live until the next
// navigation or EndNavigation.
func (t *Tracer) TraceNavigation(
	ctx context.Context, targetID string, url string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	t.liveSpansMu.Lock()
	defer t.liveSpansMu.Unlock()

	ls := t.liveSpans[targetID]
	if ls != nil {
		ls.span.End()
	} else {
		ls = &liveSpan{}
	}

	opts = append(opts, trace.WithAttributes(attribute.String("navigation.url", url)))

	spanName := "navigation"
	ls.ctx, ls.span = t.Start(ctx, spanName, opts...)
	t.liveSpans[targetID] = ls

	t.logger.Debugf("TraceNavigation: spanName: %q traceID: %q targetID: %q",
		spanName, GetTraceID(ls.span.SpanContext()), targetID)

	return ls.ctx, &SpanLogger{Span: ls.span, logger: t.logger, spanName: spanName}
}

// EndNavigation ends the live span of the page identified by targetID.
func (t *Tracer) EndNavigation(targetID string) {
	t.liveSpansMu.Lock()
	defer t.liveSpansMu.Unlock()

	if ls := t.liveSpans[targetID]; ls != nil {
		ls.span.End()
		delete(t.liveSpans, targetID)
	}
}

func buildMetadataAttributes(metadata map[string]string) []attribute.KeyValue {
	meta := make([]attribute.KeyValue, 0, len(metadata))
	for mk, mv := range metadata {
		meta = append(meta, attribute.String(mk, mv))
	}

	return meta
}

// SpanLogger is a Span that will log the method calls.
type SpanLogger struct {
	trace.Span
	logger   logrus.FieldLogger
	spanName string
}

// SetStatus will log some info before calling the underlying SetStatus.
func (i *SpanLogger) SetStatus(code codes.Code, description string) {
	traceID := GetTraceID(i.SpanContext())
	i.logger.Debugf("SetStatus: spanName: %q traceID: %q code: %q description: %q", i.spanName, traceID, code, description)

	i.Span.SetStatus(code, description)
}

// End will log some info before calling the underlying End.
func (i *SpanLogger) End(options ...trace.SpanEndOption) {
	traceID := GetTraceID(i.SpanContext())
	i.logger.Debugf("End: spanName: %q traceID: %q", i.spanName, traceID)

	i.Span.End(options...)
}

// RecordError will log some info before calling the underlying RecordError.
func (i *SpanLogger) RecordError(err error, options ...trace.EventOption) {
	traceID := GetTraceID(i.SpanContext())
	i.logger.Debugf("RecordError: spanName: %q traceID: %q err: %q", i.spanName, traceID, err)

	i.Span.RecordError(err, options...)
}

// Fail records err on span and marks it failed. A nil err does nothing.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
