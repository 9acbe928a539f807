package trace

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingTracer(t *testing.T) (*Tracer, *tracetest.SpanRecorder, *logtest.Hook) {
	t.Helper()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	return NewTracer(logger, tp, map[string]string{"session.id": "s1"}), sr, hook
}

func endedByName(sr *tracetest.SpanRecorder, name string) []sdktrace.ReadOnlySpan {
	var spans []sdktrace.ReadOnlySpan
	for _, s := range sr.Ended() {
		if s.Name() == name {
			spans = append(spans, s)
		}
	}
	return spans
}

func hasAttribute(s sdktrace.ReadOnlySpan, kv attribute.KeyValue) bool {
	for _, a := range s.Attributes() {
		if a == kv {
			return true
		}
	}
	return false
}

func TestTraceAPICallWithoutNavigation(t *testing.T) {
	t.Parallel()

	tr, sr, _ := newRecordingTracer(t)

	_, span := tr.TraceAPICall(context.Background(), "page-1", "page.evaluate")
	span.End()

	spans := endedByName(sr, "page.evaluate")
	require.Len(t, spans, 1)
	assert.False(t, spans[0].Parent().IsValid(), "expected a root span")
	assert.True(t, hasAttribute(spans[0], attribute.String("session.id", "s1")))
}

func TestTraceAPICallUnderNavigation(t *testing.T) {
	t.Parallel()

	tr, sr, _ := newRecordingTracer(t)

	_, nav := tr.TraceNavigation(context.Background(), "page-1", "https://example.com/")
	_, call := tr.TraceAPICall(context.Background(), "page-1", "page.evaluate")
	call.End()
	// another page has its own spans
	_, other := tr.TraceAPICall(context.Background(), "page-2", "page.evaluate")
	other.End()
	tr.EndNavigation("page-1")

	navs := endedByName(sr, "navigation")
	require.Len(t, navs, 1)
	assert.True(t, hasAttribute(navs[0], attribute.String("navigation.url", "https://example.com/")))
	assert.Equal(t, nav.SpanContext().SpanID(), navs[0].SpanContext().SpanID())

	calls := endedByName(sr, "page.evaluate")
	require.Len(t, calls, 2)
	assert.Equal(t, navs[0].SpanContext().SpanID(), calls[0].Parent().SpanID())
	assert.False(t, calls[1].Parent().IsValid())
}

func TestTraceNavigationEndsPrevious(t *testing.T) {
	t.Parallel()

	tr, sr, _ := newRecordingTracer(t)

	tr.TraceNavigation(context.Background(), "page-1", "https://example.com/a")
	assert.Empty(t, endedByName(sr, "navigation"))

	tr.TraceNavigation(context.Background(), "page-1", "https://example.com/b")
	navs := endedByName(sr, "navigation")
	require.Len(t, navs, 1)
	assert.True(t, hasAttribute(navs[0], attribute.String("navigation.url", "https://example.com/a")))

	tr.EndNavigation("page-1")
	tr.EndNavigation("page-1")
	assert.Len(t, endedByName(sr, "navigation"), 2)
}

func TestTraceAPICallKeepsCallerContext(t *testing.T) {
	t.Parallel()

	tr, _, _ := newRecordingTracer(t)
	tr.TraceNavigation(context.Background(), "page-1", "about:blank")
	defer tr.EndNavigation("page-1")

	ctx, cancel := context.WithCancel(context.Background())
	sCtx, span := tr.TraceAPICall(ctx, "page-1", "page.navigate")
	defer span.End()

	cancel()
	assert.ErrorIs(t, sCtx.Err(), context.Canceled)
}

func TestFail(t *testing.T) {
	t.Parallel()

	tr, sr, hook := newRecordingTracer(t)

	_, span := tr.TraceAPICall(context.Background(), "page-1", "page.snapshot")
	Fail(span, nil)
	Fail(span, errors.New("boom"))
	span.End()

	spans := endedByName(sr, "page.snapshot")
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "boom", spans[0].Status().Description)

	var logged []string
	for _, e := range hook.AllEntries() {
		logged = append(logged, e.Message)
	}
	joined := strings.Join(logged, "\n")
	assert.Contains(t, joined, `RecordError: spanName: "page.snapshot"`)
	assert.Contains(t, joined, `End: spanName: "page.snapshot"`)
}

func TestNoopTraceProvider(t *testing.T) {
	t.Parallel()

	tp := NewNoopTraceProvider()
	logger, _ := logtest.NewNullLogger()
	tr := NewTracer(logger, tp, nil)

	_, span := tr.TraceAPICall(context.Background(), "page-1", "page.close")
	span.End()
	assert.False(t, span.SpanContext().IsValid())
	require.NoError(t, tp.Shutdown(context.Background()))
}

func TestNewTraceProviderUnsupportedProto(t *testing.T) {
	t.Parallel()

	_, err := NewTraceProvider(context.Background(), "carrier-pigeon", "localhost:4318", true)
	require.ErrorIs(t, err, ErrUnsupportedProto)
}
