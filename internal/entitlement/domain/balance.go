package domain

import (
	"context"
	"time"
)

const (
	MinDeviceIDLength = 8
	MaxDeviceIDLength = 128
)

// DeviceBalance is the per-device record in the key-value store. PaidCredits
// here is a cached view; the relational mirror is authoritative.
type DeviceBalance struct {
	DeviceID              string    `json:"deviceId"`
	FreeUnitsUsed         int       `json:"freeUnitsUsed"`
	PaidCredits           int64     `json:"paidCredits"`
	LifetimeAnalysisCount int64     `json:"lifetimeAnalysisCount"`
	PeriodAnchor          time.Time `json:"periodAnchor"`
	UpdatedAt             time.Time `json:"updatedAt"`
}

// NewDeviceBalance returns the zero balance of a device first seen at now.
func NewDeviceBalance(deviceID string, now time.Time) *DeviceBalance {
	return &DeviceBalance{DeviceID: deviceID, PeriodAnchor: now}
}

// ResetIfDue clears the free counter once now has crossed the period boundary
// and advances the anchor by whole periods. It reports whether a reset happened.
func (b *DeviceBalance) ResetIfDue(now time.Time, period time.Duration) bool {
	if period <= 0 {
		return false
	}
	if b.PeriodAnchor.IsZero() {
		b.PeriodAnchor = now
		return false
	}
	elapsed := now.Sub(b.PeriodAnchor)
	if elapsed < period {
		return false
	}
	b.PeriodAnchor = b.PeriodAnchor.Add(period * (elapsed / period))
	b.FreeUnitsUsed = 0
	return true
}

// FreeRemaining never goes below zero, even if a lost update overshot the limit.
func (b *DeviceBalance) FreeRemaining(limit int) int {
	return max(0, limit-b.FreeUnitsUsed)
}

// BalanceStore persists DeviceBalance records with last-write-wins semantics.
type BalanceStore interface {
	// Load returns found=false when the device has never been seen.
	Load(ctx context.Context, deviceID string) (balance *DeviceBalance, found bool, err error)
	Save(ctx context.Context, balance *DeviceBalance) error
}
