// Package storekit verifies StoreKit 2 signed transactions (compact JWS, ES256).
package storekit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/reefbuddy/reefbuddy/internal/clock"
	"github.com/reefbuddy/reefbuddy/internal/receipt/domain"
)

const typeConsumable = "Consumable"

type Config struct {
	PublicKeyPEM string
	BundleID     string
	AllowSandbox bool
	// MaxAge bounds how old signedDate may be; zero disables the check.
	MaxAge time.Duration
}

type Verifier struct {
	key          jwk.Key
	bundleID     string
	allowSandbox bool
	maxAge       time.Duration
	clock        clock.Clock
}

func New(cfg Config, clk clock.Clock) (*Verifier, error) {
	pem := strings.TrimSpace(cfg.PublicKeyPEM)
	if pem == "" {
		return nil, fmt.Errorf("%w: storekit public key is required", domain.ErrNotConfigured)
	}
	key, err := jwk.ParseKey([]byte(pem), jwk.WithPEM(true))
	if err != nil {
		return nil, fmt.Errorf("%w: parse storekit public key: %v", domain.ErrNotConfigured, err)
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Verifier{
		key:          key,
		bundleID:     strings.TrimSpace(cfg.BundleID),
		allowSandbox: cfg.AllowSandbox,
		maxAge:       cfg.MaxAge,
		clock:        clk,
	}, nil
}

func (v *Verifier) Format() string { return domain.FormatStoreKit2 }

// transaction mirrors the fields of JWSTransactionDecodedPayload we rely on.
// Dates are milliseconds since the epoch.
type transaction struct {
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	BundleID              string `json:"bundleId"`
	ProductID             string `json:"productId"`
	Type                  string `json:"type"`
	AppAccountToken       string `json:"appAccountToken"`
	Environment           string `json:"environment"`
	PurchaseDate          int64  `json:"purchaseDate"`
	ExpiresDate           int64  `json:"expiresDate"`
	SignedDate            int64  `json:"signedDate"`
	RevocationDate        int64  `json:"revocationDate"`
}

func (v *Verifier) Verify(_ context.Context, payload []byte) (*domain.VerifiedReceipt, error) {
	token := bytes.TrimSpace(payload)
	if bytes.Count(token, []byte(".")) != 2 {
		return nil, domain.ErrMalformedReceipt
	}

	message, err := jws.Verify(token, jws.WithKey(jwa.ES256, v.key))
	if err != nil {
		return nil, domain.ErrInvalidSignature
	}

	var tx transaction
	if err := json.Unmarshal(message, &tx); err != nil {
		return nil, domain.ErrMalformedReceipt
	}
	if err := v.check(tx); err != nil {
		return nil, err
	}

	return &domain.VerifiedReceipt{
		Provider:              domain.FormatStoreKit2,
		ProductID:             strings.TrimSpace(tx.ProductID),
		ProviderTransactionID: domain.AppleTransactionID(tx.TransactionID),
		ClaimedDeviceID:       strings.TrimSpace(tx.AppAccountToken),
		Environment:           tx.Environment,
		PurchasedAt:           fromMillis(tx.PurchaseDate),
		Digest:                domain.Digest(token),
	}, nil
}

func (v *Verifier) check(tx transaction) error {
	if strings.TrimSpace(tx.TransactionID) == "" || strings.TrimSpace(tx.ProductID) == "" {
		return domain.ErrMalformedReceipt
	}
	if tx.Type != "" && tx.Type != typeConsumable {
		return domain.ErrMalformedReceipt
	}
	if v.bundleID != "" && tx.BundleID != v.bundleID {
		return domain.ErrBundleMismatch
	}

	switch tx.Environment {
	case domain.EnvironmentProduction:
	case domain.EnvironmentSandbox:
		if !v.allowSandbox {
			return domain.ErrEnvironmentMismatch
		}
	default:
		return domain.ErrEnvironmentMismatch
	}

	if tx.RevocationDate > 0 {
		return domain.ErrRevoked
	}

	now := v.clock.Now()
	if tx.ExpiresDate > 0 && !now.Before(fromMillis(tx.ExpiresDate)) {
		return domain.ErrExpired
	}
	if v.maxAge > 0 && tx.SignedDate > 0 && now.Sub(fromMillis(tx.SignedDate)) > v.maxAge {
		return domain.ErrExpired
	}
	return nil
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
