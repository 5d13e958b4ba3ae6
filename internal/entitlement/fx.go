package entitlement

import (
	"github.com/reefbuddy/reefbuddy/internal/entitlement/domain"
	"github.com/reefbuddy/reefbuddy/internal/entitlement/repository"
	"github.com/reefbuddy/reefbuddy/internal/entitlement/service"
	purchaseservice "github.com/reefbuddy/reefbuddy/internal/purchase/service"
	"github.com/reefbuddy/reefbuddy/internal/receipt"
	"go.uber.org/fx"
)

var Module = fx.Module("entitlement.coordinator",
	fx.Provide(repository.Provide),
	fx.Provide(func(s *purchaseservice.Service) domain.PurchaseLedger { return s }),
	fx.Provide(func(r *receipt.Registry) domain.ReceiptVerifier { return r }),
	fx.Provide(service.NewService),
)
