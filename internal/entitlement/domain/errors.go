package domain

import (
	"errors"
	"fmt"
)

// Error kinds surfaced to callers. Specific causes wrap one of these.
var (
	ErrInvalidInput            = errors.New("invalid_input")
	ErrUnverifiable            = errors.New("unverifiable_receipt")
	ErrInsufficientEntitlement = errors.New("insufficient_entitlement")
	ErrStorageUnavailable      = errors.New("storage_unavailable")
)

var (
	ErrInvalidDeviceID           = errors.New("invalid_device_id")
	ErrInvalidReceipt            = errors.New("invalid_receipt")
	ErrUnknownProduct            = errors.New("unknown_product")
	ErrDeviceMismatch            = errors.New("device_mismatch")
	ErrWebhookNotConfigured      = errors.New("webhook_not_configured")
	ErrTransactionOwnedElsewhere = errors.New("transaction_owned_by_other_device")
)

// Invalid wraps cause as an InvalidInput error.
func Invalid(cause error) error {
	return fmt.Errorf("%w: %w", ErrInvalidInput, cause)
}

// Unverifiable wraps a receipt verification failure.
func Unverifiable(cause error) error {
	return fmt.Errorf("%w: %w", ErrUnverifiable, cause)
}

// Unavailable wraps a storage failure; the cause stays available for logs only.
func Unavailable(op string, cause error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, cause)
}
