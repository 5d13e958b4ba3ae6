package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	entitlementdomain "github.com/reefbuddy/reefbuddy/internal/entitlement/domain"
	obscontext "github.com/reefbuddy/reefbuddy/internal/observability/context"
	"github.com/reefbuddy/reefbuddy/internal/observability/logger"
	"github.com/reefbuddy/reefbuddy/internal/ratelimit"
	"go.uber.org/zap"
)

const (
	headerDeviceID = "X-Device-ID"

	maxBodyBytes = 256 << 10

	rateLimitReasonUnavailable = "unavailable"
)

type deviceKey struct {
	DeviceID string `json:"device_id"`
}

// RateLimit gates endpoint per device and per client IP. The limiter fails
// closed: when the counter store is down the request is refused with 503.
func (s *Server) RateLimit(endpoint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		deviceID, err := readDeviceID(c)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		// Malformed ids are limited by IP only and rejected by the handler.
		if entitlementdomain.ValidateDeviceID(deviceID) != nil {
			deviceID = ""
		}
		if deviceID != "" {
			ctx = obscontext.WithDeviceID(ctx, deviceID)
			c.Request = c.Request.WithContext(ctx)
		}
		clientIP := c.ClientIP()
		ctx = obscontext.WithClientIP(ctx, clientIP)

		decision, err := s.guard.Check(ctx, endpoint, deviceID, clientIP)
		if err != nil {
			logger.FromContext(ctx).Warn("rate limit check failed",
				zap.String("endpoint", endpoint),
				zap.Error(err),
			)
			s.obsMetrics.RecordRateLimitDenied(ctx, endpoint, rateLimitReasonUnavailable)
			setRetryAfter(c, retryAfterSeconds(decision))
			AbortWithError(c, fmt.Errorf("%w: %w", ErrServiceUnavailable, err))
			return
		}
		if !decision.Allowed {
			logger.FromContext(ctx).Warn("rate limit exceeded",
				zap.String("endpoint", endpoint),
				zap.String("reason", decision.Reason),
			)
			s.obsMetrics.RecordRateLimitDenied(ctx, endpoint, decision.Reason)
			setRetryAfter(c, retryAfterSeconds(decision))
			c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("X-Rate-Limited-Reason", decision.Reason)
			AbortWithError(c, ErrRateLimited)
			return
		}

		if decision.Limit > 0 {
			c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		}
		s.obsMetrics.RecordRateLimitAllowed(ctx, endpoint)
		c.Next()
	}
}

func retryAfterSeconds(decision ratelimit.Decision) int64 {
	return int64(math.Ceil(decision.RetryAfter.Seconds()))
}

// readDeviceID finds the device id in the query, the X-Device-ID header and a
// JSON body. Every place that carries an id must carry the same one, so the
// limiter keys on the device the handler will charge. The body is restored for
// the handler.
func readDeviceID(c *gin.Context) (string, error) {
	bodyID, err := readBodyDeviceID(c)
	if err != nil {
		return "", err
	}

	deviceID := ""
	for _, id := range []string{
		bodyID,
		strings.TrimSpace(c.Query("device_id")),
		strings.TrimSpace(c.GetHeader(headerDeviceID)),
	} {
		if id == "" {
			continue
		}
		if deviceID != "" && id != deviceID {
			return "", newValidationError("device_id", "conflict", "device_id differs between query, header and body")
		}
		deviceID = id
	}
	return deviceID, nil
}

func readBodyDeviceID(c *gin.Context) (string, error) {
	if c.Request.Body == nil || !strings.Contains(c.ContentType(), "json") {
		return "", nil
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil {
		return "", invalidRequestError()
	}
	if len(body) > maxBodyBytes {
		return "", ErrPayloadTooLarge
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	if len(body) == 0 {
		return "", nil
	}

	var payload deviceKey
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", nil
	}
	return strings.TrimSpace(payload.DeviceID), nil
}
