package repository

import (
	"context"
	"time"

	"github.com/reefbuddy/reefbuddy/internal/purchase/domain"
	"gorm.io/gorm"
)

type creditRepo struct{}

func ProvideCredits() domain.CreditRepository {
	return &creditRepo{}
}

func (r *creditRepo) Get(ctx context.Context, db *gorm.DB, deviceID string) (*domain.CreditBalance, error) {
	var item domain.CreditBalance
	err := db.WithContext(ctx).Raw(
		`SELECT device_id, paid_credits, lifetime_paid_consumed, created_at, updated_at
		 FROM device_credit_balances
		 WHERE device_id = ?
		 LIMIT 1`,
		deviceID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.DeviceID == "" {
		return nil, nil
	}
	return &item, nil
}

func (r *creditRepo) Increment(ctx context.Context, db *gorm.DB, deviceID string, credits int64, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO device_credit_balances (device_id, paid_credits, lifetime_paid_consumed, created_at, updated_at)
		 VALUES (?, ?, 0, ?, ?)
		 ON CONFLICT (device_id) DO UPDATE
		 SET paid_credits = device_credit_balances.paid_credits + excluded.paid_credits,
		     updated_at = excluded.updated_at`,
		deviceID,
		credits,
		now,
		now,
	).Error
}

func (r *creditRepo) DecrementPaid(ctx context.Context, db *gorm.DB, deviceID string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE device_credit_balances
		 SET paid_credits = paid_credits - 1,
		     lifetime_paid_consumed = lifetime_paid_consumed + 1,
		     updated_at = ?
		 WHERE device_id = ? AND paid_credits >= 1`,
		now,
		deviceID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
