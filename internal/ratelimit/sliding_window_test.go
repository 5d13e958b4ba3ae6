package ratelimit

import (
	"testing"
	"time"

	"github.com/reefbuddy/reefbuddy/internal/clock"
	"github.com/reefbuddy/reefbuddy/internal/config"
	"github.com/reefbuddy/reefbuddy/internal/kvstore"
	"github.com/reefbuddy/reefbuddy/internal/kvstore/kvstoretest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var windowEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestSlidingWindowAllowsUpToLimit(t *testing.T) {
	clk := clock.NewFakeClock(windowEpoch)
	limiter := NewSlidingWindow(kvstore.NewMemoryStore(clk), clk)

	for i := 0; i < 5; i++ {
		res, err := limiter.Allow(t.Context(), "analyze:device", "device-0001", 5, time.Minute)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 4-i, res.Remaining)
	}

	res, err := limiter.Allow(t.Context(), "analyze:device", "device-0001", 5, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.GreaterOrEqual(t, res.RetryAfter, time.Second)

	other, err := limiter.Allow(t.Context(), "analyze:device", "device-0002", 5, time.Minute)
	require.NoError(t, err)
	assert.True(t, other.Allowed, "subjects are counted independently")
}

func TestSlidingWindowWeighsPreviousBucket(t *testing.T) {
	clk := clock.NewFakeClock(windowEpoch)
	limiter := NewSlidingWindow(kvstore.NewMemoryStore(clk), clk)

	for i := 0; i < 10; i++ {
		_, err := limiter.Allow(t.Context(), "balance:ip", "10.0.0.1", 10, time.Minute)
		require.NoError(t, err)
	}

	// A quarter into the next window the previous bucket still weighs 7.5.
	clk.Advance(time.Minute + 15*time.Second)
	res, err := limiter.Allow(t.Context(), "balance:ip", "10.0.0.1", 10, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	for i := 0; i < 2; i++ {
		res, err = limiter.Allow(t.Context(), "balance:ip", "10.0.0.1", 10, time.Minute)
		require.NoError(t, err)
	}
	assert.False(t, res.Allowed, "7.5 + 3 exceeds the limit")

	// Two full windows later both buckets are gone.
	clk.Advance(2 * time.Minute)
	res, err = limiter.Allow(t.Context(), "balance:ip", "10.0.0.1", 10, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 9, res.Remaining)
}

func TestSlidingWindowFailsClosed(t *testing.T) {
	clk := clock.NewFakeClock(windowEpoch)
	store := kvstoretest.NewFailingStore(kvstore.NewMemoryStore(clk))
	limiter := NewSlidingWindow(store, clk)

	store.Fail(kvstoretest.OpIncr)
	res, err := limiter.Allow(t.Context(), "purchase:device", "device-0001", 100, time.Minute)
	require.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, res.Allowed)

	store.Heal()
	store.Fail(kvstoretest.OpGet)
	res, err = limiter.Allow(t.Context(), "purchase:device", "device-0001", 100, time.Minute)
	require.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, res.Allowed)
}

func TestSlidingWindowRejectsInvalidPolicy(t *testing.T) {
	clk := clock.NewFakeClock(windowEpoch)
	limiter := NewSlidingWindow(kvstore.NewMemoryStore(clk), clk)

	_, err := limiter.Allow(t.Context(), "analyze:device", "device-0001", 0, time.Minute)
	assert.ErrorIs(t, err, ErrInvalidPolicy)
	_, err = limiter.Allow(t.Context(), "analyze:device", "", 5, time.Minute)
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestGuardChecksDeviceAndIP(t *testing.T) {
	clk := clock.NewFakeClock(windowEpoch)
	guard := NewGuard(NewSlidingWindow(kvstore.NewMemoryStore(clk), clk), map[string]Policy{
		EndpointAnalyze: {DeviceLimit: 2, IPLimit: 3, Window: time.Minute},
	})

	for i := 0; i < 2; i++ {
		d, err := guard.Check(t.Context(), EndpointAnalyze, "device-0001", "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}

	d, err := guard.Check(t.Context(), EndpointAnalyze, "device-0001", "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonDevice, d.Reason)

	// Rotating device ids from one address still hits the IP bound.
	d, err = guard.Check(t.Context(), EndpointAnalyze, "device-0002", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	d, err = guard.Check(t.Context(), EndpointAnalyze, "device-0003", "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonIP, d.Reason)

	_, err = guard.Check(t.Context(), "unknown", "device-0001", "10.0.0.1")
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func testRateLimitConfig() config.Config {
	policy := config.RateLimitPolicy{DeviceLimit: 10, IPLimit: 30, Window: time.Minute}
	return config.Config{RateLimit: config.RateLimitConfig{
		Analyze:  policy,
		Balance:  policy,
		Purchase: policy,
		Webhook:  config.RateLimitPolicy{IPLimit: 120, Window: time.Minute},
	}}
}

func TestPoliciesFromConfig(t *testing.T) {
	policies, err := PoliciesFromConfig(testRateLimitConfig())
	require.NoError(t, err)
	assert.Equal(t, Policy{DeviceLimit: 10, IPLimit: 30, Window: time.Minute}, policies[EndpointAnalyze])
	assert.Equal(t, Policy{IPLimit: 120, Window: time.Minute}, policies[EndpointWebhook])
}

func TestPoliciesFromConfigRejectsDisabledThrottling(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"analyze without limits", func(c *config.Config) { c.RateLimit.Analyze.DeviceLimit, c.RateLimit.Analyze.IPLimit = 0, 0 }},
		{"balance without limits", func(c *config.Config) { c.RateLimit.Balance = config.RateLimitPolicy{Window: time.Minute} }},
		{"purchase without limits", func(c *config.Config) { c.RateLimit.Purchase = config.RateLimitPolicy{Window: time.Minute} }},
		{"webhook without limits", func(c *config.Config) { c.RateLimit.Webhook.IPLimit = 0 }},
		{"negative limit", func(c *config.Config) { c.RateLimit.Analyze.DeviceLimit = -1 }},
		{"zero window", func(c *config.Config) { c.RateLimit.Balance.Window = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testRateLimitConfig()
			tt.mutate(&cfg)

			_, err := PoliciesFromConfig(cfg)
			assert.ErrorIs(t, err, ErrInvalidPolicy)
		})
	}
}

func TestGuardRefusesPolicyWithoutLimits(t *testing.T) {
	clk := clock.NewFakeClock(windowEpoch)
	store := kvstoretest.NewFailingStore(kvstore.NewMemoryStore(clk))
	guard := NewGuard(NewSlidingWindow(store, clk), map[string]Policy{
		EndpointAnalyze: {Window: time.Minute},
	})

	d, err := guard.Check(t.Context(), EndpointAnalyze, "device-0001", "10.0.0.1")
	assert.ErrorIs(t, err, ErrInvalidPolicy)
	assert.False(t, d.Allowed)
	assert.Zero(t, store.Calls(kvstoretest.OpIncr))
}
