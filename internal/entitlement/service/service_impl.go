package service

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/reefbuddy/reefbuddy/internal/clock"
	"github.com/reefbuddy/reefbuddy/internal/config"
	"github.com/reefbuddy/reefbuddy/internal/entitlement/domain"
	"github.com/reefbuddy/reefbuddy/internal/observability/logger"
	obsmetrics "github.com/reefbuddy/reefbuddy/internal/observability/metrics"
	purchasedomain "github.com/reefbuddy/reefbuddy/internal/purchase/domain"
	receiptdomain "github.com/reefbuddy/reefbuddy/internal/receipt/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ReadRepairSkew widens the read-repair window to cover clock drift between
// the API nodes and the database.
const ReadRepairSkew = 2 * time.Minute

const (
	storeKV = "kv"
	storeDB = "db"

	outcomeGranted     = "granted"
	outcomeDenied      = "denied"
	outcomeUnavailable = "unavailable"

	purchaseCredited  = "credited"
	purchaseRecovered = "recovered"
	purchaseDuplicate = "duplicate"
	purchaseRejected  = "rejected"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Clock    clock.Clock
	Config   config.Config
	Catalog  *config.CatalogHolder
	Balances domain.BalanceStore
	Ledger   domain.PurchaseLedger
	Receipts domain.ReceiptVerifier
	Webhook  receiptdomain.WebhookVerifier `optional:"true"`
	Metrics  *obsmetrics.Metrics           `optional:"true"`
}

// Service decides whether a device may run an analysis. It coordinates the
// key-value balance with the relational ledger; neither store is trusted to be
// consistent with the other, so every read reconciles them first.
type Service struct {
	log      *zap.Logger
	clock    clock.Clock
	catalog  *config.CatalogHolder
	balances domain.BalanceStore
	ledger   domain.PurchaseLedger
	receipts domain.ReceiptVerifier
	webhook  receiptdomain.WebhookVerifier
	metrics  *obsmetrics.Metrics

	freeLimit int
	period    time.Duration
}

func NewService(p Params) domain.Service {
	return &Service{
		log:       p.Log.Named("entitlement.service"),
		clock:     p.Clock,
		catalog:   p.Catalog,
		balances:  p.Balances,
		ledger:    p.Ledger,
		receipts:  p.Receipts,
		webhook:   p.Webhook,
		metrics:   p.Metrics,
		freeLimit: max(0, p.Config.FreeTier.Limit),
		period:    p.Config.FreeTier.Period,
	}
}

// CheckAndConsume grants one analysis unit, free tier first, or denies.
// A denial leaves both stores untouched.
func (s *Service) CheckAndConsume(ctx context.Context, deviceID string) (domain.Decision, error) {
	deviceID = domain.NormalizeDeviceID(deviceID)
	if err := domain.ValidateDeviceID(deviceID); err != nil {
		return domain.Decision{}, err
	}
	log := logger.WithDevice(logger.WithContext(ctx, s.log), deviceID)

	balance, now, err := s.load(ctx, log, deviceID)
	if err != nil {
		s.metrics.RecordDecision(ctx, outcomeUnavailable, domain.SourceNone)
		return domain.Decision{}, err
	}
	token, err := ulid.New(ulid.Timestamp(now), ulid.DefaultEntropy())
	if err != nil {
		return domain.Decision{}, err
	}
	balance.ResetIfDue(now, s.period)

	if balance.FreeUnitsUsed < s.freeLimit {
		balance.FreeUnitsUsed++
		balance.LifetimeAnalysisCount++
		balance.UpdatedAt = now
		if err := s.balances.Save(ctx, balance); err != nil {
			s.storageError(ctx, log, storeKV, "save_balance", err)
			s.metrics.RecordDecision(ctx, outcomeUnavailable, domain.SourceFree)
			return domain.Decision{}, domain.Unavailable("save balance", err)
		}
		return s.grant(ctx, balance, domain.SourceFree, token), nil
	}

	consumed, err := s.ledger.ConsumePaid(ctx, deviceID)
	if err != nil {
		s.storageError(ctx, log, storeDB, "consume_paid", err)
		s.metrics.RecordDecision(ctx, outcomeUnavailable, domain.SourcePaid)
		return domain.Decision{}, domain.Unavailable("consume paid credit", err)
	}
	if !consumed {
		s.metrics.RecordDecision(ctx, outcomeDenied, domain.SourceNone)
		return domain.Decision{Source: domain.SourceNone, Upsell: true}, nil
	}

	// The decrement is durable from here on; later failures must not revoke the grant.
	if paid, err := s.ledger.Balance(ctx, deviceID); err != nil {
		s.storageError(ctx, log, storeDB, "load_paid_balance", err)
		balance.PaidCredits = max(0, balance.PaidCredits-1)
	} else {
		balance.PaidCredits = paid.PaidCredits
	}
	balance.LifetimeAnalysisCount++
	balance.UpdatedAt = now
	if err := s.balances.Save(ctx, balance); err != nil {
		s.storageError(ctx, log, storeKV, "save_balance", err)
		log.Warn("paid credit consumed but balance view not persisted", zap.Error(err))
	}
	return s.grant(ctx, balance, domain.SourcePaid, token), nil
}

// ApplyPurchase records a verified receipt in the ledger and credits it at
// most once. Replays return the current balance with Duplicate set.
func (s *Service) ApplyPurchase(ctx context.Context, deviceID string, receipt *receiptdomain.VerifiedReceipt) (domain.PurchaseResult, error) {
	deviceID = domain.NormalizeDeviceID(deviceID)
	if err := domain.ValidateDeviceID(deviceID); err != nil {
		return domain.PurchaseResult{}, err
	}
	if receipt == nil || strings.TrimSpace(receipt.ProviderTransactionID) == "" || receipt.Provider == "" {
		return domain.PurchaseResult{}, domain.Invalid(domain.ErrInvalidReceipt)
	}
	if claimed := strings.TrimSpace(receipt.ClaimedDeviceID); claimed != "" && claimed != deviceID {
		s.metrics.RecordPurchase(ctx, receipt.Provider, receipt.ProductID, purchaseRejected)
		return domain.PurchaseResult{}, domain.Invalid(domain.ErrDeviceMismatch)
	}
	product, ok := s.catalog.Get().Resolve(receipt.ProductID)
	if !ok {
		s.metrics.RecordPurchase(ctx, receipt.Provider, receipt.ProductID, purchaseRejected)
		return domain.PurchaseResult{}, domain.Invalid(domain.ErrUnknownProduct)
	}
	log := logger.WithDevice(logger.WithContext(ctx, s.log), deviceID).With(
		zap.String("provider", receipt.Provider),
		zap.String("product_id", product.ID),
	)

	inserted, err := s.ledger.Record(ctx, &purchasedomain.Record{
		DeviceID:              deviceID,
		ProductID:             product.ID,
		CreditsGranted:        int64(product.Credits),
		Provider:              receipt.Provider,
		ProviderTransactionID: receipt.ProviderTransactionID,
		RawReceiptDigest:      receipt.Digest,
		Environment:           receipt.Environment,
	})
	if errors.Is(err, purchasedomain.ErrInvalidRecord) {
		return domain.PurchaseResult{}, domain.Invalid(domain.ErrInvalidReceipt)
	}
	if err != nil {
		s.storageError(ctx, log, storeDB, "record_purchase", err)
		return domain.PurchaseResult{}, domain.Unavailable("record purchase", err)
	}

	record := inserted.Record
	if record.DeviceID != deviceID {
		log.Warn("transaction replayed from another device",
			zap.Int64("record_id", record.ID.Int64()),
		)
		s.metrics.RecordPurchase(ctx, receipt.Provider, product.ID, purchaseRejected)
		return domain.PurchaseResult{}, domain.Invalid(domain.ErrTransactionOwnedElsewhere)
	}

	applied, err := s.ledger.Apply(ctx, record)
	if err != nil {
		s.storageError(ctx, log, storeDB, "apply_purchase", err)
		return domain.PurchaseResult{}, domain.Unavailable("apply purchase", err)
	}

	view, err := s.refresh(ctx, log, deviceID)
	if err != nil {
		return domain.PurchaseResult{}, err
	}

	duplicate := inserted.Outcome == purchasedomain.AlreadyPresent
	outcome := purchaseCredited
	switch {
	case duplicate && applied:
		outcome = purchaseRecovered
	case duplicate:
		outcome = purchaseDuplicate
	}
	s.metrics.RecordPurchase(ctx, record.Provider, record.ProductID, outcome)
	log.Info("purchase processed",
		zap.Int64("record_id", record.ID.Int64()),
		zap.String("outcome", outcome),
	)

	return domain.PurchaseResult{
		Duplicate:      duplicate,
		ProductID:      record.ProductID,
		CreditsGranted: record.CreditsGranted,
		Balance:        view,
	}, nil
}

// SubmitReceipt verifies a client-submitted receipt and applies it.
func (s *Service) SubmitReceipt(ctx context.Context, deviceID, format string, payload []byte) (domain.PurchaseResult, error) {
	deviceID = domain.NormalizeDeviceID(deviceID)
	if err := domain.ValidateDeviceID(deviceID); err != nil {
		return domain.PurchaseResult{}, err
	}
	verified, err := s.receipts.Verify(ctx, format, payload)
	if err != nil {
		s.metrics.RecordPurchase(ctx, format, "", purchaseRejected)
		return domain.PurchaseResult{}, verificationError(err)
	}
	return s.ApplyPurchase(ctx, deviceID, verified)
}

// ApplyWebhook verifies a provider notification and applies the purchase to
// the device the provider bound it to. Events that carry no purchase return
// receiptdomain.ErrEventIgnored.
func (s *Service) ApplyWebhook(ctx context.Context, payload []byte, headers http.Header) (domain.PurchaseResult, error) {
	if s.webhook == nil {
		return domain.PurchaseResult{}, domain.Invalid(domain.ErrWebhookNotConfigured)
	}
	verified, err := s.webhook.VerifyWebhook(ctx, payload, headers)
	if errors.Is(err, receiptdomain.ErrEventIgnored) {
		return domain.PurchaseResult{}, err
	}
	if err != nil {
		s.metrics.RecordPurchase(ctx, s.webhook.Provider(), "", purchaseRejected)
		return domain.PurchaseResult{}, verificationError(err)
	}
	if verified.ClaimedDeviceID == "" {
		return domain.PurchaseResult{}, domain.Invalid(domain.ErrInvalidDeviceID)
	}
	return s.ApplyPurchase(ctx, verified.ClaimedDeviceID, verified)
}

// Balance reports the device's entitlement without consuming anything.
// A due period reset is reflected in the view but not persisted.
func (s *Service) Balance(ctx context.Context, deviceID string) (domain.BalanceView, error) {
	deviceID = domain.NormalizeDeviceID(deviceID)
	if err := domain.ValidateDeviceID(deviceID); err != nil {
		return domain.BalanceView{}, err
	}
	log := logger.WithDevice(logger.WithContext(ctx, s.log), deviceID)

	balance, now, err := s.load(ctx, log, deviceID)
	if err != nil {
		return domain.BalanceView{}, err
	}
	return s.view(*balance, now), nil
}

// Reconcile credits ledger rows that were recorded but never applied, for
// example when the process died between the two writes.
func (s *Service) Reconcile(ctx context.Context, olderThan time.Duration, limit int) (domain.ReconcileReport, error) {
	log := logger.WithContext(ctx, s.log)
	cutoff := s.clock.Now().Add(-olderThan)

	pending, err := s.ledger.Pending(ctx, cutoff, limit)
	if err != nil {
		s.storageError(ctx, log, storeDB, "list_pending", err)
		return domain.ReconcileReport{}, domain.Unavailable("list pending purchases", err)
	}

	report := domain.ReconcileReport{Scanned: len(pending)}
	devices := map[string]struct{}{}
	for i := range pending {
		record := &pending[i]
		applied, err := s.ledger.Apply(ctx, record)
		if err != nil {
			report.Failed++
			s.storageError(ctx, log, storeDB, "apply_purchase", err)
			log.Warn("reconcile apply failed",
				zap.Int64("record_id", record.ID.Int64()),
				zap.Error(err),
			)
			continue
		}
		if applied {
			report.Applied++
			devices[record.DeviceID] = struct{}{}
		}
	}

	for deviceID := range devices {
		if _, err := s.refresh(ctx, logger.WithDevice(log, deviceID), deviceID); err != nil {
			log.Warn("reconcile balance refresh failed", zap.Error(err))
		}
	}

	s.metrics.RecordReconciled(ctx, "sweep", report.Applied)
	if report.Scanned > 0 {
		log.Info("reconcile finished",
			zap.Int("scanned", report.Scanned),
			zap.Int("applied", report.Applied),
			zap.Int("failed", report.Failed),
		)
	}
	return report, nil
}

// load returns the device balance with pending purchases credited and the
// paid view synced from the relational mirror.
func (s *Service) load(ctx context.Context, log *zap.Logger, deviceID string) (*domain.DeviceBalance, time.Time, error) {
	now := s.clock.Now()

	balance, found, err := s.balances.Load(ctx, deviceID)
	if err != nil {
		s.storageError(ctx, log, storeKV, "load_balance", err)
		return nil, now, domain.Unavailable("load balance", err)
	}
	// A device never seen before has no window yet; every unapplied row counts.
	var since time.Time
	if !found {
		balance = domain.NewDeviceBalance(deviceID, now)
	} else if !balance.UpdatedAt.IsZero() {
		since = balance.UpdatedAt.Add(-ReadRepairSkew)
	}

	pending, err := s.ledger.PendingForDevice(ctx, deviceID, since)
	if err != nil {
		s.storageError(ctx, log, storeDB, "list_pending", err)
		return nil, now, domain.Unavailable("list pending purchases", err)
	}
	repaired := 0
	for i := range pending {
		applied, err := s.ledger.Apply(ctx, &pending[i])
		if err != nil {
			s.storageError(ctx, log, storeDB, "apply_purchase", err)
			return nil, now, domain.Unavailable("apply pending purchase", err)
		}
		if applied {
			repaired++
		}
	}
	if repaired > 0 {
		s.metrics.RecordReconciled(ctx, "read_repair", repaired)
		log.Info("pending purchases credited on read", zap.Int("count", repaired))
	}

	paid, err := s.ledger.Balance(ctx, deviceID)
	if err != nil {
		s.storageError(ctx, log, storeDB, "load_paid_balance", err)
		return nil, now, domain.Unavailable("load paid balance", err)
	}
	balance.PaidCredits = paid.PaidCredits
	return balance, now, nil
}

// refresh rewrites the cached paid view. Only the read is required to succeed;
// a failed write is repaired by the next load.
func (s *Service) refresh(ctx context.Context, log *zap.Logger, deviceID string) (domain.BalanceView, error) {
	balance, now, err := s.load(ctx, log, deviceID)
	if err != nil {
		return domain.BalanceView{}, err
	}
	balance.UpdatedAt = now
	if err := s.balances.Save(ctx, balance); err != nil {
		s.storageError(ctx, log, storeKV, "save_balance", err)
		log.Warn("balance view not persisted", zap.Error(err))
	}
	return s.view(*balance, now), nil
}

func (s *Service) view(balance domain.DeviceBalance, now time.Time) domain.BalanceView {
	balance.ResetIfDue(now, s.period)
	free := balance.FreeRemaining(s.freeLimit)
	return domain.BalanceView{
		DeviceID:              balance.DeviceID,
		FreeLimit:             s.freeLimit,
		FreeUsed:              min(balance.FreeUnitsUsed, s.freeLimit),
		FreeRemaining:         free,
		PaidCredits:           balance.PaidCredits,
		CreditsRemaining:      int64(free) + balance.PaidCredits,
		LifetimeAnalysisCount: balance.LifetimeAnalysisCount,
		PeriodResetsAt:        balance.PeriodAnchor.Add(s.period),
	}
}

func (s *Service) grant(ctx context.Context, balance *domain.DeviceBalance, source string, token ulid.ULID) domain.Decision {
	s.metrics.RecordDecision(ctx, outcomeGranted, source)
	free := balance.FreeRemaining(s.freeLimit)
	return domain.Decision{
		Granted:          true,
		Source:           source,
		GrantToken:       token.String(),
		FreeRemaining:    free,
		PaidCredits:      balance.PaidCredits,
		CreditsRemaining: int64(free) + balance.PaidCredits,
	}
}

func (s *Service) storageError(ctx context.Context, log *zap.Logger, store, operation string, err error) {
	s.metrics.RecordStorageError(ctx, store, operation)
	log.Error("storage operation failed",
		zap.String("store", store),
		zap.String("operation", operation),
		zap.Error(err),
	)
}

func verificationError(err error) error {
	switch {
	case errors.Is(err, receiptdomain.ErrUnknownFormat),
		errors.Is(err, receiptdomain.ErrNotConfigured):
		return domain.Invalid(err)
	default:
		return domain.Unverifiable(err)
	}
}
