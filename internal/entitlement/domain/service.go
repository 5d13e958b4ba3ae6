package domain

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	purchasedomain "github.com/reefbuddy/reefbuddy/internal/purchase/domain"
	receiptdomain "github.com/reefbuddy/reefbuddy/internal/receipt/domain"
)

const (
	SourceFree = "free"
	SourcePaid = "paid"
	SourceNone = "none"
)

// Decision is the outcome of CheckAndConsume. A denial is a normal result,
// not an error.
type Decision struct {
	Granted          bool   `json:"granted"`
	Source           string `json:"source"`
	GrantToken       string `json:"grant_token,omitempty"`
	FreeRemaining    int    `json:"free_remaining"`
	PaidCredits      int64  `json:"paid_credits"`
	CreditsRemaining int64  `json:"credits_remaining"`
	Upsell           bool   `json:"upsell"`
}

type BalanceView struct {
	DeviceID              string    `json:"device_id"`
	FreeLimit             int       `json:"free_limit"`
	FreeUsed              int       `json:"free_used"`
	FreeRemaining         int       `json:"free_remaining"`
	PaidCredits           int64     `json:"paid_credits"`
	CreditsRemaining      int64     `json:"credits_remaining"`
	LifetimeAnalysisCount int64     `json:"lifetime_analysis_count"`
	PeriodResetsAt        time.Time `json:"period_resets_at"`
}

type PurchaseResult struct {
	Duplicate      bool        `json:"duplicate"`
	ProductID      string      `json:"product_id"`
	CreditsGranted int64       `json:"credits_granted"`
	Balance        BalanceView `json:"balance"`
}

type ReconcileReport struct {
	Scanned int `json:"scanned"`
	Applied int `json:"applied"`
	Failed  int `json:"failed"`
}

// PurchaseLedger is the relational side of the balance: the append-only
// purchase ledger plus the paid-credit mirror.
type PurchaseLedger interface {
	Record(ctx context.Context, record *purchasedomain.Record) (purchasedomain.InsertResult, error)
	Apply(ctx context.Context, record *purchasedomain.Record) (bool, error)
	IsApplied(ctx context.Context, recordID snowflake.ID) (bool, error)
	PendingForDevice(ctx context.Context, deviceID string, since time.Time) ([]purchasedomain.Record, error)
	Pending(ctx context.Context, olderThan time.Time, limit int) ([]purchasedomain.Record, error)
	Balance(ctx context.Context, deviceID string) (purchasedomain.CreditBalance, error)
	ConsumePaid(ctx context.Context, deviceID string) (bool, error)
}

// ReceiptVerifier turns a client-submitted receipt into a verified one.
type ReceiptVerifier interface {
	Verify(ctx context.Context, format string, payload []byte) (*receiptdomain.VerifiedReceipt, error)
}

type Service interface {
	CheckAndConsume(ctx context.Context, deviceID string) (Decision, error)
	ApplyPurchase(ctx context.Context, deviceID string, receipt *receiptdomain.VerifiedReceipt) (PurchaseResult, error)
	SubmitReceipt(ctx context.Context, deviceID, format string, payload []byte) (PurchaseResult, error)
	ApplyWebhook(ctx context.Context, payload []byte, headers http.Header) (PurchaseResult, error)
	Balance(ctx context.Context, deviceID string) (BalanceView, error)
	Reconcile(ctx context.Context, olderThan time.Duration, limit int) (ReconcileReport, error)
}
