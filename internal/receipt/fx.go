package receipt

import (
	"errors"

	"github.com/reefbuddy/reefbuddy/internal/clock"
	"github.com/reefbuddy/reefbuddy/internal/config"
	"github.com/reefbuddy/reefbuddy/internal/receipt/domain"
	"github.com/reefbuddy/reefbuddy/internal/receipt/legacy"
	"github.com/reefbuddy/reefbuddy/internal/receipt/storekit"
	"github.com/reefbuddy/reefbuddy/internal/receipt/stripe"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("receipt.verifier",
	fx.Provide(NewRegistryFromConfig),
	fx.Provide(NewWebhookVerifier),
)

// NewRegistryFromConfig registers every verifier whose key material is configured.
// Unsigned debug receipts exist only in binaries built with the debugreceipts tag
// and are never registered in production.
func NewRegistryFromConfig(cfg config.Config, clk clock.Clock, log *zap.Logger) (*Registry, error) {
	verifiers := []domain.Verifier{}

	if cfg.Receipt.StoreKitPublicKeyPEM != "" {
		v, err := storekit.New(storekit.Config{
			PublicKeyPEM: cfg.Receipt.StoreKitPublicKeyPEM,
			BundleID:     cfg.Receipt.BundleID,
			AllowSandbox: cfg.Receipt.AllowSandbox,
			MaxAge:       cfg.Receipt.MaxReceiptAge,
		}, clk)
		if err != nil {
			return nil, err
		}
		verifiers = append(verifiers, v)
	}

	if cfg.Receipt.LegacyPublicKeyPEM != "" {
		v, err := legacy.New(legacy.Config{
			PublicKeyPEM: cfg.Receipt.LegacyPublicKeyPEM,
			BundleID:     cfg.Receipt.BundleID,
			AllowSandbox: cfg.Receipt.AllowSandbox,
		}, clk)
		if err != nil {
			return nil, err
		}
		verifiers = append(verifiers, v)
	}

	if DebugVerifiersCompiled {
		if cfg.IsProduction() {
			log.Warn("debug receipt verifier compiled in but disabled in production")
		} else {
			log.Warn("debug receipt verifier enabled; unsigned receipts are accepted")
			verifiers = append(verifiers, debugVerifiers()...)
		}
	}

	registry := NewRegistry(verifiers...)
	if len(registry.Formats()) == 0 {
		log.Warn("no receipt verifiers configured; purchases will be rejected")
	} else {
		log.Info("receipt verifiers configured", zap.Strings("formats", registry.Formats()))
	}
	return registry, nil
}

// NewWebhookVerifier returns nil when no Stripe secret is configured.
func NewWebhookVerifier(cfg config.Config, clk clock.Clock) (domain.WebhookVerifier, error) {
	v, err := stripe.New(stripe.Config{
		WebhookSecret: cfg.Receipt.StripeWebhookSecret,
		Tolerance:     cfg.Receipt.StripeSignatureMaxSkew,
		AllowTestMode: cfg.Receipt.AllowSandbox,
	}, clk)
	if errors.Is(err, domain.ErrNotConfigured) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}
