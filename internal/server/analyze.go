package server

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/reefbuddy/reefbuddy/internal/analysis"
	"github.com/reefbuddy/reefbuddy/internal/observability/logger"
	"go.uber.org/zap"
)

type analyzeRequest struct {
	DeviceID    string          `json:"device_id" binding:"required,deviceid"`
	Measurement json.RawMessage `json:"measurement" binding:"required"`
}

type analyzeResponse struct {
	GrantToken       string          `json:"grant_token"`
	Source           string          `json:"source"`
	CreditsRemaining int64           `json:"credits_remaining"`
	FreeRemaining    int             `json:"free_remaining"`
	PaidCredits      int64           `json:"paid_credits"`
	Analysis         json.RawMessage `json:"analysis"`
}

type entitlementDeniedResponse struct {
	Error            errorPayload `json:"error"`
	Upsell           bool         `json:"upsell"`
	CreditsRemaining int64        `json:"credits_remaining"`
	FreeRemaining    int          `json:"free_remaining"`
	PaidCredits      int64        `json:"paid_credits"`
}

type analysisFailedResponse struct {
	Error            errorPayload `json:"error"`
	GrantToken       string       `json:"grant_token"`
	CreditsRemaining int64        `json:"credits_remaining"`
}

// Analyze consumes one unit and then runs the analysis. The unit is charged
// on grant; a failed analysis is not refunded.
func (s *Server) Analyze(c *gin.Context) {
	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindingError(err))
		return
	}
	if !isJSONObject(req.Measurement) {
		AbortWithError(c, newValidationError("measurement", "object", "measurement must be a JSON object"))
		return
	}

	ctx := c.Request.Context()
	decision, err := s.entitlements.CheckAndConsume(ctx, req.DeviceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Set("entitlement_source", decision.Source)

	if !decision.Granted {
		c.JSON(http.StatusPaymentRequired, entitlementDeniedResponse{
			Error: errorPayload{
				Type:    "insufficient_entitlement",
				Message: "no analysis credits remaining",
			},
			Upsell:           decision.Upsell,
			CreditsRemaining: decision.CreditsRemaining,
			FreeRemaining:    decision.FreeRemaining,
			PaidCredits:      decision.PaidCredits,
		})
		return
	}

	result, err := s.executor.Analyze(ctx, analysis.Request{
		GrantToken:  decision.GrantToken,
		Measurement: req.Measurement,
	})
	if err != nil {
		logger.FromContext(ctx).Warn("analysis failed after grant",
			zap.String("grant_token", decision.GrantToken),
			zap.String("source", decision.Source),
		)
		_ = c.Error(err)
		c.JSON(http.StatusBadGateway, analysisFailedResponse{
			Error: errorPayload{
				Type:    "analysis_failed",
				Message: "analysis failed",
			},
			GrantToken:       decision.GrantToken,
			CreditsRemaining: decision.CreditsRemaining,
		})
		return
	}

	c.JSON(http.StatusOK, analyzeResponse{
		GrantToken:       decision.GrantToken,
		Source:           decision.Source,
		CreditsRemaining: decision.CreditsRemaining,
		FreeRemaining:    decision.FreeRemaining,
		PaidCredits:      decision.PaidCredits,
		Analysis:         result.Analysis,
	})
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 1 && trimmed[0] == '{' && json.Valid(trimmed)
}

