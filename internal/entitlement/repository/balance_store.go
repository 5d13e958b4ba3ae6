package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/reefbuddy/reefbuddy/internal/entitlement/domain"
	"github.com/reefbuddy/reefbuddy/internal/kvstore"
)

const balanceKeyFormat = "balance:device:%s"

type balanceStore struct {
	kv kvstore.Store
}

// Provide returns the key-value backed DeviceBalance store. Records carry no TTL.
func Provide(kv kvstore.Store) domain.BalanceStore {
	return &balanceStore{kv: kv}
}

func BalanceKey(deviceID string) string {
	return fmt.Sprintf(balanceKeyFormat, deviceID)
}

func (s *balanceStore) Load(ctx context.Context, deviceID string) (*domain.DeviceBalance, bool, error) {
	raw, err := s.kv.Get(ctx, BalanceKey(deviceID))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var balance domain.DeviceBalance
	if err := json.Unmarshal(raw, &balance); err != nil {
		return nil, false, fmt.Errorf("decode device balance: %w", err)
	}
	if balance.DeviceID == "" {
		balance.DeviceID = deviceID
	}
	return &balance, true, nil
}

func (s *balanceStore) Save(ctx context.Context, balance *domain.DeviceBalance) error {
	if balance == nil || balance.DeviceID == "" {
		return kvstore.ErrInvalidKey
	}
	raw, err := json.Marshal(balance)
	if err != nil {
		return fmt.Errorf("encode device balance: %w", err)
	}
	return s.kv.Set(ctx, BalanceKey(balance.DeviceID), raw, 0)
}
