package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestWrapHTTPClientPropagatesTraceContext(t *testing.T) {
	recorder := useRecorder(t)
	prevPropagator := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prevPropagator) })

	var traceparent string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("traceparent")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	client := WrapHTTPClient(&http.Client{Timeout: 5 * time.Second})
	assert.Equal(t, 5*time.Second, client.Timeout)

	ctx, parent := otel.Tracer("test").Start(context.Background(), "analyze")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, upstream.URL, nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	parent.End()

	require.NotEmpty(t, traceparent)
	assert.Contains(t, traceparent, parent.SpanContext().TraceID().String())

	var clientSpan bool
	for _, span := range recorder.Ended() {
		if span.Name() == "analysis POST" {
			clientSpan = true
			assert.Equal(t, trace.SpanKindClient, span.SpanKind())
			assert.Equal(t, parent.SpanContext().TraceID(), span.SpanContext().TraceID())
		}
	}
	assert.True(t, clientSpan, "expected an analysis client span")
}

func TestWrapHTTPClientAcceptsNil(t *testing.T) {
	client := WrapHTTPClient(nil)
	require.NotNil(t, client)
	assert.NotNil(t, client.Transport)
}
