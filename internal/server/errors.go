package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/reefbuddy/reefbuddy/internal/analysis"
	entitlementdomain "github.com/reefbuddy/reefbuddy/internal/entitlement/domain"
	"github.com/reefbuddy/reefbuddy/internal/ratelimit"
	receiptdomain "github.com/reefbuddy/reefbuddy/internal/receipt/domain"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrPayloadTooLarge    = errors.New("payload_too_large")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		if status == http.StatusServiceUnavailable || status == http.StatusTooManyRequests {
			if c.Writer.Header().Get("Retry-After") == "" {
				c.Header("Retry-After", "1")
			}
		}
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

// mapError is the only place domain errors become HTTP statuses. Messages are
// fixed strings; wrapped causes never reach the client.
func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	// An unconfigured webhook is reported as a missing route even though the
	// coordinator classifies it as invalid input.
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, entitlementdomain.ErrWebhookNotConfigured):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, entitlementdomain.ErrInvalidInput):
		code := invalidInputCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_input",
			Message: "invalid input",
			Errors: []ValidationError{
				{
					Field:   invalidInputField(code),
					Code:    code,
					Message: invalidInputMessage(code),
				},
			},
		}
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "invalid request",
		}
	case errors.Is(err, entitlementdomain.ErrUnverifiable):
		status := http.StatusUnprocessableEntity
		if errors.Is(err, receiptdomain.ErrInvalidSignature) {
			status = http.StatusUnauthorized
		}
		return status, errorPayload{
			Type:    "unverifiable_receipt",
			Message: "receipt could not be verified",
		}
	case errors.Is(err, entitlementdomain.ErrInsufficientEntitlement):
		return http.StatusPaymentRequired, errorPayload{
			Type:    "insufficient_entitlement",
			Message: "no analysis credits remaining",
		}
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, errorPayload{
			Type:    "payload_too_large",
			Message: "payload too large",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, entitlementdomain.ErrStorageUnavailable),
		errors.Is(err, ratelimit.ErrUnavailable),
		errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	case errors.Is(err, analysis.ErrExecutorFailed),
		errors.Is(err, analysis.ErrInvalidResponse),
		errors.Is(err, analysis.ErrNotConfigured):
		return http.StatusBadGateway, errorPayload{
			Type:    "analysis_failed",
			Message: "analysis failed",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog feeds the request logger the same type the client saw.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	code := ""
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return payload.Type, code
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

var invalidInputCauses = []error{
	entitlementdomain.ErrInvalidDeviceID,
	entitlementdomain.ErrInvalidReceipt,
	entitlementdomain.ErrUnknownProduct,
	entitlementdomain.ErrDeviceMismatch,
	entitlementdomain.ErrTransactionOwnedElsewhere,
	receiptdomain.ErrUnknownFormat,
	receiptdomain.ErrNotConfigured,
}

func invalidInputCode(err error) string {
	for _, cause := range invalidInputCauses {
		if errors.Is(err, cause) {
			return cause.Error()
		}
	}
	return "invalid_input"
}

func invalidInputField(code string) string {
	switch code {
	case entitlementdomain.ErrInvalidDeviceID.Error(),
		entitlementdomain.ErrDeviceMismatch.Error(),
		entitlementdomain.ErrTransactionOwnedElsewhere.Error():
		return "device_id"
	case entitlementdomain.ErrUnknownProduct.Error():
		return "product_id"
	case receiptdomain.ErrUnknownFormat.Error(),
		receiptdomain.ErrNotConfigured.Error():
		return "receipt_format"
	case entitlementdomain.ErrInvalidReceipt.Error():
		return "receipt"
	default:
		return "request"
	}
}

func invalidInputMessage(code string) string {
	switch code {
	case entitlementdomain.ErrInvalidDeviceID.Error():
		return "device id must be 8 to 128 characters of letters, digits, '.', '_', ':' or '-'"
	case entitlementdomain.ErrDeviceMismatch.Error(),
		entitlementdomain.ErrTransactionOwnedElsewhere.Error():
		return "purchase belongs to another device"
	case entitlementdomain.ErrUnknownProduct.Error():
		return "unknown product"
	case receiptdomain.ErrUnknownFormat.Error(),
		receiptdomain.ErrNotConfigured.Error():
		return "unsupported receipt format"
	default:
		return "invalid value"
	}
}

func setRetryAfter(c *gin.Context, seconds int64) {
	c.Header("Retry-After", strconv.FormatInt(max(1, seconds), 10))
}
