package purchase

import (
	"github.com/reefbuddy/reefbuddy/internal/purchase/repository"
	"github.com/reefbuddy/reefbuddy/internal/purchase/service"
	"go.uber.org/fx"
)

var Module = fx.Module("purchase.ledger",
	fx.Provide(repository.Provide),
	fx.Provide(repository.ProvideCredits),
	fx.Provide(service.NewService),
)
