package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	receiptdomain "github.com/reefbuddy/reefbuddy/internal/receipt/domain"
)

// HandleStripeWebhook applies a checkout notification. Redeliveries and
// events without a purchase are acknowledged with 200 so Stripe stops retrying;
// storage failures return 503 so it retries.
func (s *Server) HandleStripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if len(payload) > maxBodyBytes {
		AbortWithError(c, ErrPayloadTooLarge)
		return
	}

	res, err := s.entitlements.ApplyWebhook(c.Request.Context(), payload, c.Request.Header)
	if errors.Is(err, receiptdomain.ErrEventIgnored) {
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "duplicate": res.Duplicate})
}
