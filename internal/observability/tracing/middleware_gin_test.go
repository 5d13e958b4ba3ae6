package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	obscontext "github.com/reefbuddy/reefbuddy/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const testSalt = "test-salt"

func useRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = provider.Shutdown(context.Background())
	})
	return recorder
}

func newTracedEngine(t *testing.T) (*gin.Engine, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := useRecorder(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(GinMiddleware(MiddlewareConfig{
		SkipPaths:      []string{"/health"},
		DeviceHashSalt: testSalt,
		ErrorClassifier: func(err error) (string, string) {
			if strings.HasPrefix(err.Error(), "storage_unavailable") {
				return "storage_unavailable", ""
			}
			return "rate_limited", "device"
		},
	}))
	return r, recorder
}

func spanAttrs(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func withDevice(c *gin.Context, deviceID string) {
	ctx := obscontext.WithDeviceID(c.Request.Context(), deviceID)
	ctx = obscontext.WithClientIP(ctx, "203.0.113.7")
	c.Request = c.Request.WithContext(ctx)
}

func TestGinMiddlewareTagsAnalyzeSpan(t *testing.T) {
	r, recorder := newTracedEngine(t)
	r.POST("/analyze", func(c *gin.Context) {
		withDevice(c, "device-0001")
		c.Set("entitlement_source", "free")
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/analyze", nil))
	require.Equal(t, http.StatusOK, w.Code)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "POST /analyze", span.Name())
	assert.Equal(t, codes.Unset, span.Status().Code)

	attrs := spanAttrs(span)
	assert.Equal(t, DeviceHash(testSalt, "device-0001"), attrs[AttrDeviceHash].AsString())
	assert.Equal(t, "free", attrs[AttrEntitlementSource].AsString())
	assert.Equal(t, "203.0.113.7", attrs["client.address"].AsString())
	assert.Equal(t, "/analyze", attrs["http.route"].AsString())
	assert.Equal(t, int64(http.StatusOK), attrs["http.response.status_code"].AsInt64())
	assert.NotContains(t, attrs, attribute.Key("device_id"))
	for _, value := range attrs {
		assert.NotContains(t, value.Emit(), "device-0001")
	}
}

func TestGinMiddlewareRecordsRateLimitRefusal(t *testing.T) {
	r, recorder := newTracedEngine(t)
	r.POST("/purchase", func(c *gin.Context) {
		withDevice(c, "device-0002")
		c.Header("X-Rate-Limited-Reason", "device")
		_ = c.Error(errors.New("rate_limited"))
		c.Status(http.StatusTooManyRequests)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/purchase", nil))
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	attrs := spanAttrs(spans[0])
	assert.Equal(t, "device", attrs[AttrRateLimitReason].AsString())
	assert.Equal(t, "rate_limited", attrs["error.type"].AsString())
	assert.Equal(t, "device", attrs[AttrErrorCode].AsString())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
}

func TestGinMiddlewareMarksServerErrors(t *testing.T) {
	r, recorder := newTracedEngine(t)
	r.GET("/balance", func(c *gin.Context) {
		_ = c.Error(errors.New("storage_unavailable: dial tcp 10.0.0.1:6379: connection refused"))
		c.Status(http.StatusServiceUnavailable)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/balance", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, codes.Error, span.Status().Code)
	assert.Equal(t, "storage_unavailable", spanAttrs(span)["error.type"].AsString())
	require.NotEmpty(t, span.Events())
	for _, event := range span.Events() {
		for _, kv := range event.Attributes {
			assert.NotContains(t, kv.Value.Emit(), "10.0.0.1")
		}
	}
}

func TestGinMiddlewareSkipsUntracedPaths(t *testing.T) {
	r, recorder := newTracedEngine(t)
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, recorder.Ended())
}

func TestDeviceHash(t *testing.T) {
	hash := DeviceHash(testSalt, "device-0001")
	assert.Len(t, hash, 16)
	assert.Equal(t, hash, DeviceHash(testSalt, "device-0001"))
	assert.NotEqual(t, hash, DeviceHash("other-salt", "device-0001"))
	assert.NotEqual(t, hash, DeviceHash(testSalt, "device-0002"))
	assert.Empty(t, DeviceHash(testSalt, ""))
}
