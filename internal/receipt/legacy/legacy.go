// Package legacy verifies pre-StoreKit 2 receipts: a base64 JSON envelope
// carrying the receipt bytes and an RSA PKCS#1 v1.5 SHA-256 signature over them.
package legacy

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	"github.com/reefbuddy/reefbuddy/internal/clock"
	"github.com/reefbuddy/reefbuddy/internal/receipt/domain"
)

type Config struct {
	PublicKeyPEM string
	BundleID     string
	AllowSandbox bool
}

type Verifier struct {
	key          *rsa.PublicKey
	bundleID     string
	allowSandbox bool
	clock        clock.Clock
}

type envelope struct {
	Receipt   string `json:"receipt"`
	Signature string `json:"signature"`
}

type receiptBody struct {
	TransactionID string     `json:"transaction_id"`
	ProductID     string     `json:"product_id"`
	BundleID      string     `json:"bundle_id"`
	DeviceID      string     `json:"device_id"`
	Environment   string     `json:"environment"`
	PurchaseDate  time.Time  `json:"purchase_date"`
	ExpiresDate   *time.Time `json:"expires_date,omitempty"`
	Revoked       bool       `json:"revoked"`
}

func New(cfg Config, clk clock.Clock) (*Verifier, error) {
	key, err := parsePublicKey(cfg.PublicKeyPEM)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Verifier{
		key:          key,
		bundleID:     strings.TrimSpace(cfg.BundleID),
		allowSandbox: cfg.AllowSandbox,
		clock:        clk,
	}, nil
}

func (v *Verifier) Format() string { return domain.FormatLegacy }

func (v *Verifier) Verify(_ context.Context, payload []byte) (*domain.VerifiedReceipt, error) {
	payload = bytes.TrimSpace(payload)
	raw, err := base64.StdEncoding.DecodeString(string(payload))
	if err != nil {
		return nil, domain.ErrMalformedReceipt
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, domain.ErrMalformedReceipt
	}
	receiptBytes, err := base64.StdEncoding.DecodeString(env.Receipt)
	if err != nil || len(receiptBytes) == 0 {
		return nil, domain.ErrMalformedReceipt
	}
	signature, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil || len(signature) == 0 {
		return nil, domain.ErrMalformedReceipt
	}

	digest := sha256.Sum256(receiptBytes)
	if err := rsa.VerifyPKCS1v15(v.key, crypto.SHA256, digest[:], signature); err != nil {
		return nil, domain.ErrInvalidSignature
	}

	var body receiptBody
	if err := json.Unmarshal(receiptBytes, &body); err != nil {
		return nil, domain.ErrMalformedReceipt
	}
	if err := v.check(body); err != nil {
		return nil, err
	}

	return &domain.VerifiedReceipt{
		Provider:              domain.FormatLegacy,
		ProductID:             strings.TrimSpace(body.ProductID),
		ProviderTransactionID: domain.AppleTransactionID(body.TransactionID),
		ClaimedDeviceID:       strings.TrimSpace(body.DeviceID),
		Environment:           body.Environment,
		PurchasedAt:           body.PurchaseDate.UTC(),
		Digest:                domain.Digest(payload),
	}, nil
}

func (v *Verifier) check(body receiptBody) error {
	if strings.TrimSpace(body.TransactionID) == "" || strings.TrimSpace(body.ProductID) == "" {
		return domain.ErrMalformedReceipt
	}
	if v.bundleID != "" && body.BundleID != v.bundleID {
		return domain.ErrBundleMismatch
	}
	switch body.Environment {
	case domain.EnvironmentProduction:
	case domain.EnvironmentSandbox:
		if !v.allowSandbox {
			return domain.ErrEnvironmentMismatch
		}
	default:
		return domain.ErrEnvironmentMismatch
	}
	if body.Revoked {
		return domain.ErrRevoked
	}
	if body.ExpiresDate != nil && !v.clock.Now().Before(*body.ExpiresDate) {
		return domain.ErrExpired
	}
	return nil
}

func parsePublicKey(raw string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(raw)))
	if block == nil {
		return nil, fmt.Errorf("%w: legacy public key is required", domain.ErrNotConfigured)
	}
	switch block.Type {
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: parse legacy public key: %v", domain.ErrNotConfigured, err)
		}
		return key, nil
	default:
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: parse legacy public key: %v", domain.ErrNotConfigured, err)
		}
		key, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: legacy public key is not RSA", domain.ErrNotConfigured)
		}
		return key, nil
	}
}
