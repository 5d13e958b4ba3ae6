//go:build !debugreceipts

package receipt

import (
	"testing"

	"github.com/reefbuddy/reefbuddy/internal/clock"
	"github.com/reefbuddy/reefbuddy/internal/config"
	"github.com/reefbuddy/reefbuddy/internal/receipt/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDefaultBuildHasNoDebugVerifier(t *testing.T) {
	require.False(t, DebugVerifiersCompiled)

	registry, err := NewRegistryFromConfig(config.Config{Environment: "development"}, clock.New(), zap.NewNop())
	require.NoError(t, err)
	assert.Empty(t, registry.Formats())

	_, err = registry.Verify(t.Context(), "debug", []byte(`{"transaction_id":"x","product_id":"small_pack"}`))
	assert.ErrorIs(t, err, domain.ErrUnknownFormat)
}
