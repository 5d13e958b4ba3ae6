package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrInvalidRecord  = errors.New("invalid_purchase_record")
	ErrRecordNotFound = errors.New("purchase_record_not_found")
)

const (
	ProviderStoreKit2 = "storekit2"
	ProviderLegacy    = "legacy"
	ProviderStripe    = "stripe"
)

// Record is one verified purchase. Rows are immutable once inserted.
type Record struct {
	ID                    snowflake.ID `json:"id" gorm:"primaryKey"`
	DeviceID              string       `json:"device_id" gorm:"type:varchar(128);not null;index"`
	ProductID             string       `json:"product_id" gorm:"type:varchar(64);not null"`
	CreditsGranted        int64        `json:"credits_granted" gorm:"not null"`
	Provider              string       `json:"provider" gorm:"type:varchar(32);not null"`
	ProviderTransactionID string       `json:"provider_transaction_id" gorm:"type:varchar(255);not null;uniqueIndex"`
	RawReceiptDigest      string       `json:"raw_receipt_digest" gorm:"type:varchar(64);not null"`
	Environment           string       `json:"environment" gorm:"type:varchar(32);not null"`
	AppliedAt             time.Time    `json:"applied_at" gorm:"not null"`
}

func (Record) TableName() string { return "purchase_records" }

// Application marks a record as credited to the relational balance.
type Application struct {
	RecordID   snowflake.ID `json:"record_id" gorm:"primaryKey"`
	DeviceID   string       `json:"device_id"`
	Credits    int64        `json:"credits"`
	CreditedAt time.Time    `json:"credited_at"`
}

func (Application) TableName() string { return "purchase_applications" }

// CreditBalance is the authoritative paid-credit balance of a device.
type CreditBalance struct {
	DeviceID             string    `json:"device_id" gorm:"primaryKey"`
	PaidCredits          int64     `json:"paid_credits"`
	LifetimePaidConsumed int64     `json:"lifetime_paid_consumed"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

func (CreditBalance) TableName() string { return "device_credit_balances" }

type InsertOutcome int

const (
	Inserted InsertOutcome = iota + 1
	AlreadyPresent
)

func (o InsertOutcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case AlreadyPresent:
		return "already_present"
	default:
		return "unknown"
	}
}

// InsertResult tags the outcome of a conflict-ignoring insert. Record is the
// stored row: the new one when Inserted, the pre-existing one when AlreadyPresent.
type InsertResult struct {
	Outcome InsertOutcome
	Record  *Record
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, record *Record) (InsertResult, error)
	FindByTransactionID(ctx context.Context, db *gorm.DB, providerTransactionID string) (*Record, error)
	CountByTransactionID(ctx context.Context, db *gorm.DB, providerTransactionID string) (int64, error)
	ListUnappliedForDevice(ctx context.Context, db *gorm.DB, deviceID string, since time.Time) ([]Record, error)
	ListUnapplied(ctx context.Context, db *gorm.DB, olderThan time.Time, limit int) ([]Record, error)
	IsApplied(ctx context.Context, db *gorm.DB, recordID snowflake.ID) (bool, error)
	InsertApplication(ctx context.Context, db *gorm.DB, application *Application) (bool, error)
}

type CreditRepository interface {
	Get(ctx context.Context, db *gorm.DB, deviceID string) (*CreditBalance, error)
	Increment(ctx context.Context, db *gorm.DB, deviceID string, credits int64, now time.Time) error
	// DecrementPaid consumes one paid credit; false means the balance was zero.
	DecrementPaid(ctx context.Context, db *gorm.DB, deviceID string, now time.Time) (bool, error)
}
