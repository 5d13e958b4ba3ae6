package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/reefbuddy/reefbuddy/internal/purchase/domain"
	"gorm.io/gorm"
)

const recordColumns = `r.id, r.device_id, r.product_id, r.credits_granted, r.provider,
	r.provider_transaction_id, r.raw_receipt_digest, r.environment, r.applied_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *domain.Record) (domain.InsertResult, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO purchase_records (
			id, device_id, product_id, credits_granted, provider,
			provider_transaction_id, raw_receipt_digest, environment, applied_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider_transaction_id) DO NOTHING`,
		record.ID,
		record.DeviceID,
		record.ProductID,
		record.CreditsGranted,
		record.Provider,
		record.ProviderTransactionID,
		record.RawReceiptDigest,
		record.Environment,
		record.AppliedAt,
	)
	if res.Error != nil {
		return domain.InsertResult{}, res.Error
	}
	if res.RowsAffected > 0 {
		return domain.InsertResult{Outcome: domain.Inserted, Record: record}, nil
	}

	existing, err := r.FindByTransactionID(ctx, db, record.ProviderTransactionID)
	if err != nil {
		return domain.InsertResult{}, err
	}
	if existing == nil {
		return domain.InsertResult{}, domain.ErrRecordNotFound
	}
	return domain.InsertResult{Outcome: domain.AlreadyPresent, Record: existing}, nil
}

func (r *repo) FindByTransactionID(ctx context.Context, db *gorm.DB, providerTransactionID string) (*domain.Record, error) {
	var item domain.Record
	err := db.WithContext(ctx).Raw(
		`SELECT `+recordColumns+`
		 FROM purchase_records r
		 WHERE r.provider_transaction_id = ?
		 LIMIT 1`,
		providerTransactionID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) CountByTransactionID(ctx context.Context, db *gorm.DB, providerTransactionID string) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM purchase_records WHERE provider_transaction_id = ?`,
		providerTransactionID,
	).Scan(&count).Error
	return count, err
}

func (r *repo) ListUnappliedForDevice(ctx context.Context, db *gorm.DB, deviceID string, since time.Time) ([]domain.Record, error) {
	var items []domain.Record
	err := db.WithContext(ctx).Raw(
		`SELECT `+recordColumns+`
		 FROM purchase_records r
		 LEFT JOIN purchase_applications a ON a.record_id = r.id
		 WHERE r.device_id = ? AND r.applied_at >= ? AND a.record_id IS NULL
		 ORDER BY r.applied_at ASC, r.id ASC`,
		deviceID,
		since,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListUnapplied(ctx context.Context, db *gorm.DB, olderThan time.Time, limit int) ([]domain.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	var items []domain.Record
	err := db.WithContext(ctx).Raw(
		`SELECT `+recordColumns+`
		 FROM purchase_records r
		 LEFT JOIN purchase_applications a ON a.record_id = r.id
		 WHERE a.record_id IS NULL AND r.applied_at < ?
		 ORDER BY r.applied_at ASC, r.id ASC
		 LIMIT ?`,
		olderThan,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) IsApplied(ctx context.Context, db *gorm.DB, recordID snowflake.ID) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM purchase_applications WHERE record_id = ?`,
		recordID,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repo) InsertApplication(ctx context.Context, db *gorm.DB, application *domain.Application) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO purchase_applications (record_id, device_id, credits, credited_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (record_id) DO NOTHING`,
		application.RecordID,
		application.DeviceID,
		application.Credits,
		application.CreditedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
