//go:build debugreceipts

package receipt

import (
	"testing"

	"github.com/reefbuddy/reefbuddy/internal/clock"
	"github.com/reefbuddy/reefbuddy/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDebugVerifierNeverRegisteredInProduction(t *testing.T) {
	registry, err := NewRegistryFromConfig(config.Config{Environment: "production"}, clock.New(), zap.NewNop())
	require.NoError(t, err)
	assert.False(t, registry.FormatExists(FormatDebug))

	registry, err = NewRegistryFromConfig(config.Config{Environment: "development"}, clock.New(), zap.NewNop())
	require.NoError(t, err)
	assert.True(t, registry.FormatExists(FormatDebug))
}
