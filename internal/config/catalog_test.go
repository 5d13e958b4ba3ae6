package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCatalogResolve(t *testing.T) {
	catalog := DefaultCatalog()

	product, ok := catalog.Resolve("com.reefbuddy.credits.small")
	require.True(t, ok)
	assert.Equal(t, ProductSmallPack, product.ID)
	assert.Equal(t, 5, product.Credits)

	product, ok = catalog.Resolve("large_pack")
	require.True(t, ok)
	assert.Equal(t, ProductLargePack, product.ID)

	_, ok = catalog.Resolve("com.reefbuddy.subscription.monthly")
	assert.False(t, ok)
	_, ok = catalog.Resolve("  ")
	assert.False(t, ok)
}

func TestValidateCatalogRejectsBadProducts(t *testing.T) {
	tests := []struct {
		name    string
		catalog Catalog
	}{
		{name: "empty", catalog: Catalog{}},
		{name: "unknown product", catalog: Catalog{Products: []Product{{ID: "mega_pack", Credits: 100}}}},
		{name: "zero credits", catalog: Catalog{Products: []Product{{ID: ProductSmallPack, Credits: 0}}}},
		{name: "duplicate", catalog: Catalog{Products: []Product{
			{ID: ProductSmallPack, Credits: 5},
			{ID: ProductSmallPack, Credits: 6},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStaticCatalogHolder(tt.catalog)
			assert.Error(t, err)
		})
	}
}

func TestNewCatalogHolderReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yml")
	content := []byte(`catalog:
  products:
    - id: small_pack
      credits: 7
      providerIds: ["com.example.small"]
    - id: large_pack
      credits: 25
      providerIds: ["com.example.large"]
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	holder, err := NewCatalogHolder(Config{CatalogPath: path}, zap.NewNop())
	require.NoError(t, err)

	product, ok := holder.Get().Resolve("com.example.small")
	require.True(t, ok)
	assert.Equal(t, 7, product.Credits)
}
