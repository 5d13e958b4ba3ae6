package tracing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/reefbuddy/reefbuddy/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	AttrDeviceHash        = "reefbuddy.device.hash"
	AttrEntitlementSource = "reefbuddy.entitlement.source"
	AttrRateLimitReason   = "reefbuddy.rate_limit.reason"
	AttrErrorCode         = "reefbuddy.error.code"
)

// MiddlewareConfig controls the server span of each ledger request.
type MiddlewareConfig struct {
	SkipPaths       []string
	DeviceHashSalt  string
	ErrorClassifier func(error) (string, string)
}

// DeviceHash returns a stable pseudonym for a device id. Spans leave the
// process, so the raw id never goes on them.
func DeviceHash(salt, deviceID string) string {
	if deviceID == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(salt))
	mac.Write([]byte(deviceID))
	return hex.EncodeToString(mac.Sum(nil)[:8])
}

// GinMiddleware opens a server span per request, tagged with the device
// pseudonym, the entitlement that paid for an analysis and any rate-limit
// refusal.
func GinMiddleware(cfg MiddlewareConfig) gin.HandlerFunc {
	tracer := otel.Tracer("reefbuddy/http")
	skip := make(map[string]struct{}, len(cfg.SkipPaths))
	for _, path := range cfg.SkipPaths {
		skip[path] = struct{}{}
	}

	return func(c *gin.Context) {
		if _, ok := skip[c.Request.URL.Path]; ok {
			c.Next()
			return
		}

		method := strings.ToUpper(c.Request.Method)
		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
			if member, err := baggage.NewMember("request_id", requestID); err == nil {
				if bag, err := baggage.New(member); err == nil {
					ctx = baggage.ContextWithBaggage(ctx, bag)
				}
			}
			span.SetAttributes(attribute.String("request_id", requestID))
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		status := c.Writer.Status()
		span.SetName(method + " " + route)

		reqCtx := c.Request.Context()
		clientIP := obscontext.ClientIPFromContext(reqCtx)
		if clientIP == "" {
			clientIP = c.ClientIP()
		}
		attrs := []attribute.KeyValue{
			attribute.String("http.request.method", method),
			attribute.String("http.route", route),
			attribute.Int("http.response.status_code", status),
			attribute.String("client.address", clientIP),
		}
		if hash := DeviceHash(cfg.DeviceHashSalt, obscontext.DeviceIDFromContext(reqCtx)); hash != "" {
			attrs = append(attrs, attribute.String(AttrDeviceHash, hash))
		}
		if source := strings.TrimSpace(c.GetString("entitlement_source")); source != "" {
			attrs = append(attrs, attribute.String(AttrEntitlementSource, source))
		}
		if reason := c.Writer.Header().Get("X-Rate-Limited-Reason"); reason != "" {
			attrs = append(attrs, attribute.String(AttrRateLimitReason, reason))
		}

		lastErr := c.Errors.Last()
		if lastErr != nil && cfg.ErrorClassifier != nil {
			errType, errCode := cfg.ErrorClassifier(lastErr.Err)
			if errType != "" {
				attrs = append(attrs, attribute.String("error.type", errType))
			}
			if errCode != "" {
				attrs = append(attrs, attribute.String(AttrErrorCode, errCode))
			}
		}
		span.SetAttributes(SafeAttributes(attrs...)...)

		if status >= http.StatusInternalServerError {
			if lastErr != nil {
				if safeErr := SafeError(lastErr.Err); safeErr != nil {
					span.RecordError(safeErr)
				}
			}
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	}
}
