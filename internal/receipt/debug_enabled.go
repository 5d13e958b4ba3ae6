//go:build debugreceipts

package receipt

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/reefbuddy/reefbuddy/internal/receipt/domain"
)

const (
	FormatDebug      = "debug"
	EnvironmentDebug = "Debug"
)

const DebugVerifiersCompiled = true

func debugVerifiers() []domain.Verifier { return []domain.Verifier{debugVerifier{}} }

// debugVerifier accepts unsigned receipts for local development builds only.
type debugVerifier struct{}

type debugReceipt struct {
	TransactionID string `json:"transaction_id"`
	ProductID     string `json:"product_id"`
	DeviceID      string `json:"device_id"`
}

func (debugVerifier) Format() string { return FormatDebug }

func (debugVerifier) Verify(_ context.Context, payload []byte) (*domain.VerifiedReceipt, error) {
	var body debugReceipt
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, domain.ErrMalformedReceipt
	}
	if strings.TrimSpace(body.TransactionID) == "" || strings.TrimSpace(body.ProductID) == "" {
		return nil, domain.ErrMalformedReceipt
	}
	return &domain.VerifiedReceipt{
		Provider:              FormatDebug,
		ProductID:             strings.TrimSpace(body.ProductID),
		ProviderTransactionID: "debug:" + strings.TrimSpace(body.TransactionID),
		ClaimedDeviceID:       strings.TrimSpace(body.DeviceID),
		Environment:           EnvironmentDebug,
		PurchasedAt:           time.Now().UTC(),
		Digest:                domain.Digest(payload),
	}, nil
}
