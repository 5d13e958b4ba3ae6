package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/reefbuddy/reefbuddy/internal/clock"
	"github.com/reefbuddy/reefbuddy/internal/purchase/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    domain.Repository
	Credits domain.CreditRepository
}

// Service owns the purchase ledger and the relational paid-credit mirror.
type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    domain.Repository
	credits domain.CreditRepository
}

func NewService(p Params) *Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("purchase.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		credits: p.Credits,
	}
}

// Record appends a verified purchase. A second record with the same provider
// transaction id is never written; the existing row is returned instead.
func (s *Service) Record(ctx context.Context, record *domain.Record) (domain.InsertResult, error) {
	if err := validateRecord(record); err != nil {
		return domain.InsertResult{}, err
	}
	if record.ID == 0 {
		record.ID = s.genID.Generate()
	}
	if record.AppliedAt.IsZero() {
		record.AppliedAt = s.clock.Now()
	}
	return s.repo.Insert(ctx, s.db, record)
}

// Apply credits record to its device at most once. It reports whether this
// call performed the credit.
func (s *Service) Apply(ctx context.Context, record *domain.Record) (bool, error) {
	if record == nil || record.ID == 0 {
		return false, domain.ErrInvalidRecord
	}

	now := s.clock.Now()
	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := s.repo.InsertApplication(ctx, tx, &domain.Application{
			RecordID:   record.ID,
			DeviceID:   record.DeviceID,
			Credits:    record.CreditsGranted,
			CreditedAt: now,
		})
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}
		if err := s.credits.Increment(ctx, tx, record.DeviceID, record.CreditsGranted, now); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if applied {
		s.log.Info("purchase credited",
			zap.Int64("record_id", record.ID.Int64()),
			zap.String("provider", record.Provider),
			zap.String("product_id", record.ProductID),
			zap.Int64("credits", record.CreditsGranted),
		)
	}
	return applied, nil
}

func (s *Service) IsApplied(ctx context.Context, recordID snowflake.ID) (bool, error) {
	return s.repo.IsApplied(ctx, s.db, recordID)
}

func (s *Service) FindByTransactionID(ctx context.Context, providerTransactionID string) (*domain.Record, error) {
	return s.repo.FindByTransactionID(ctx, s.db, strings.TrimSpace(providerTransactionID))
}

func (s *Service) CountByTransactionID(ctx context.Context, providerTransactionID string) (int64, error) {
	return s.repo.CountByTransactionID(ctx, s.db, strings.TrimSpace(providerTransactionID))
}

// PendingForDevice lists uncredited records for deviceID applied at or after since.
func (s *Service) PendingForDevice(ctx context.Context, deviceID string, since time.Time) ([]domain.Record, error) {
	return s.repo.ListUnappliedForDevice(ctx, s.db, deviceID, since)
}

// Pending lists uncredited records of any device applied before olderThan.
func (s *Service) Pending(ctx context.Context, olderThan time.Time, limit int) ([]domain.Record, error) {
	return s.repo.ListUnapplied(ctx, s.db, olderThan, limit)
}

// Balance returns the device's paid balance, zero when it never purchased.
func (s *Service) Balance(ctx context.Context, deviceID string) (domain.CreditBalance, error) {
	balance, err := s.credits.Get(ctx, s.db, deviceID)
	if err != nil {
		return domain.CreditBalance{}, err
	}
	if balance == nil {
		return domain.CreditBalance{DeviceID: deviceID}, nil
	}
	return *balance, nil
}

// ConsumePaid atomically takes one paid credit. It returns false without
// side effects when the balance is zero.
func (s *Service) ConsumePaid(ctx context.Context, deviceID string) (bool, error) {
	return s.credits.DecrementPaid(ctx, s.db, deviceID, s.clock.Now())
}

func validateRecord(record *domain.Record) error {
	if record == nil {
		return domain.ErrInvalidRecord
	}
	record.DeviceID = strings.TrimSpace(record.DeviceID)
	record.ProviderTransactionID = strings.TrimSpace(record.ProviderTransactionID)
	switch {
	case record.DeviceID == "",
		record.ProductID == "",
		record.ProviderTransactionID == "",
		record.Provider == "",
		record.CreditsGranted <= 0:
		return domain.ErrInvalidRecord
	}
	return nil
}
