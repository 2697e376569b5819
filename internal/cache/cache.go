package cache

import (
	"context"
	"time"

	"optiledger/backend/internal/domain"
)

// SettingsCache fronts the read side of program settings. Sale commits never
// read through it; the engine always re-reads settings inside the
// transaction.
type SettingsCache interface {
	GetLoyalty(ctx context.Context) (*domain.LoyaltySettings, bool, error)
	SetLoyalty(ctx context.Context, value *domain.LoyaltySettings, ttl time.Duration) error
	GetFees(ctx context.Context) (map[string]domain.TerminalFeeSchedule, bool, error)
	SetFees(ctx context.Context, value map[string]domain.TerminalFeeSchedule, ttl time.Duration) error
}

type NoopSettingsCache struct{}

func (NoopSettingsCache) GetLoyalty(_ context.Context) (*domain.LoyaltySettings, bool, error) {
	return nil, false, nil
}

func (NoopSettingsCache) SetLoyalty(_ context.Context, _ *domain.LoyaltySettings, _ time.Duration) error {
	return nil
}

func (NoopSettingsCache) GetFees(_ context.Context) (map[string]domain.TerminalFeeSchedule, bool, error) {
	return nil, false, nil
}

func (NoopSettingsCache) SetFees(_ context.Context, _ map[string]domain.TerminalFeeSchedule, _ time.Duration) error {
	return nil
}
