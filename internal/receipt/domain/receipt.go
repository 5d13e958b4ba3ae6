package domain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

var (
	ErrInvalidSignature    = errors.New("receipt_invalid_signature")
	ErrExpired             = errors.New("receipt_expired")
	ErrMalformedReceipt    = errors.New("receipt_malformed")
	ErrEnvironmentMismatch = errors.New("receipt_environment_mismatch")
	ErrBundleMismatch      = errors.New("receipt_bundle_mismatch")
	ErrRevoked             = errors.New("receipt_revoked")
	ErrUnknownFormat       = errors.New("receipt_unknown_format")
	ErrNotConfigured       = errors.New("receipt_verifier_not_configured")
	ErrEventIgnored        = errors.New("receipt_event_ignored")
)

const (
	FormatStoreKit2 = "storekit2"
	FormatLegacy    = "legacy"
	FormatStripe    = "stripe"

	EnvironmentProduction = "Production"
	EnvironmentSandbox    = "Sandbox"
)

// VerifiedReceipt is produced only after the provider signature checked out.
type VerifiedReceipt struct {
	Provider              string
	ProductID             string
	ProviderTransactionID string
	// ClaimedDeviceID is the device the provider bound the purchase to, if any.
	ClaimedDeviceID string
	Environment     string
	PurchasedAt     time.Time
	Digest          string
}

// Verifier validates a client-submitted receipt of one format.
type Verifier interface {
	Format() string
	Verify(ctx context.Context, payload []byte) (*VerifiedReceipt, error)
}

// WebhookVerifier validates a server-to-server purchase notification.
type WebhookVerifier interface {
	Provider() string
	VerifyWebhook(ctx context.Context, payload []byte, headers http.Header) (*VerifiedReceipt, error)
}

// Digest is the hex SHA-256 of the raw receipt bytes.
func Digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// AppleTransactionID keys StoreKit2 and legacy receipts for the same App Store
// transaction identically, so either format can credit it only once.
func AppleTransactionID(transactionID string) string {
	return "apple:" + strings.TrimSpace(transactionID)
}

// IsUnverifiable reports whether err means the receipt itself was rejected.
func IsUnverifiable(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidSignature),
		errors.Is(err, ErrExpired),
		errors.Is(err, ErrMalformedReceipt),
		errors.Is(err, ErrEnvironmentMismatch),
		errors.Is(err, ErrBundleMismatch),
		errors.Is(err, ErrRevoked):
		return true
	}
	return false
}
