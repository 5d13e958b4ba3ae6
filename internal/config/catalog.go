package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	ProductSmallPack = "small_pack"
	ProductLargePack = "large_pack"
)

// Product is a consumable credit pack. ProviderIDs lists the store product
// identifiers (App Store, Stripe price) that resolve to it.
type Product struct {
	ID          string   `mapstructure:"id"`
	Credits     int      `mapstructure:"credits"`
	ProviderIDs []string `mapstructure:"providerIds"`
}

type Catalog struct {
	Products []Product `mapstructure:"products"`
}

func DefaultCatalog() Catalog {
	return Catalog{
		Products: []Product{
			{ID: ProductSmallPack, Credits: 5, ProviderIDs: []string{"com.reefbuddy.credits.small"}},
			{ID: ProductLargePack, Credits: 20, ProviderIDs: []string{"com.reefbuddy.credits.large"}},
		},
	}
}

// Resolve maps either a catalog id or a provider product id to a product.
func (c Catalog) Resolve(productID string) (Product, bool) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return Product{}, false
	}
	for _, product := range c.Products {
		if strings.EqualFold(product.ID, productID) {
			return product, true
		}
		for _, providerID := range product.ProviderIDs {
			if strings.EqualFold(strings.TrimSpace(providerID), productID) {
				return product, true
			}
		}
	}
	return Product{}, false
}

type CatalogHolder struct {
	current atomic.Value // holds Catalog
}

// NewStaticCatalogHolder returns a holder that never reloads.
func NewStaticCatalogHolder(catalog Catalog) (*CatalogHolder, error) {
	if err := validateCatalog(catalog); err != nil {
		return nil, err
	}
	holder := &CatalogHolder{}
	holder.current.Store(catalog)
	return holder, nil
}

func NewCatalogHolder(cfg Config, log *zap.Logger) (*CatalogHolder, error) {
	v := viper.New()

	if cfg.CatalogPath != "" {
		v.SetConfigFile(cfg.CatalogPath)
	} else {
		v.SetConfigName("catalog")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/reefbuddy")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("REEFBUDDY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultCatalog()
	v.SetDefault("catalog.products", defaults.Products)

	watch := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || cfg.CatalogPath != "" {
			return nil, fmt.Errorf("read catalog: %w", err)
		}
		watch = false
	}

	var catalog Catalog
	if err := v.UnmarshalKey("catalog", &catalog); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if err := validateCatalog(catalog); err != nil {
		return nil, err
	}

	holder := &CatalogHolder{}
	holder.current.Store(catalog)

	if !watch {
		return holder, nil
	}

	log = log.Named("catalog")
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated Catalog
		if err := v.UnmarshalKey("catalog", &updated); err != nil {
			log.Warn("catalog reload failed", zap.Error(err))
			return
		}
		if err := validateCatalog(updated); err != nil {
			log.Warn("invalid catalog ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("catalog reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *CatalogHolder) Get() Catalog {
	return h.current.Load().(Catalog)
}

func validateCatalog(catalog Catalog) error {
	if len(catalog.Products) == 0 {
		return errors.New("catalog.products cannot be empty")
	}
	seen := map[string]struct{}{}
	for _, product := range catalog.Products {
		id := strings.TrimSpace(product.ID)
		switch id {
		case ProductSmallPack, ProductLargePack:
		default:
			return fmt.Errorf("catalog: unknown product %q", product.ID)
		}
		if product.Credits <= 0 {
			return fmt.Errorf("catalog: product %s must grant positive credits", id)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("catalog: duplicate product %s", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
