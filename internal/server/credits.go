package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	entitlementdomain "github.com/reefbuddy/reefbuddy/internal/entitlement/domain"
)

type purchaseRequest struct {
	DeviceID      string `json:"device_id" binding:"required,deviceid"`
	ReceiptFormat string `json:"receipt_format" binding:"required,max=32"`
	Receipt       string `json:"receipt" binding:"required,max=131072"`
}

type purchaseResponse struct {
	Duplicate      bool                          `json:"duplicate"`
	ProductID      string                        `json:"product_id"`
	CreditsGranted int64                         `json:"credits_granted"`
	Balance        entitlementdomain.BalanceView `json:"balance"`
}

func (s *Server) GetBalance(c *gin.Context) {
	deviceID := strings.TrimSpace(c.Query("device_id"))
	if deviceID == "" {
		deviceID = strings.TrimSpace(c.GetHeader(headerDeviceID))
	}
	if deviceID == "" {
		AbortWithError(c, newValidationError("device_id", "required", "device_id is required"))
		return
	}

	view, err := s.entitlements.Balance(c.Request.Context(), deviceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// SubmitPurchase verifies a store receipt and credits it. Resubmitting the
// same transaction is a successful no-op.
func (s *Server) SubmitPurchase(c *gin.Context) {
	var req purchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindingError(err))
		return
	}

	res, err := s.entitlements.SubmitReceipt(c.Request.Context(), req.DeviceID, req.ReceiptFormat, []byte(req.Receipt))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, purchaseResponse{
		Duplicate:      res.Duplicate,
		ProductID:      res.ProductID,
		CreditsGranted: res.CreditsGranted,
		Balance:        res.Balance,
	})
}
