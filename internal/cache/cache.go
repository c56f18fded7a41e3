package cache

import (
	"context"
	"time"

	"tokoku/backend/internal/domain"
)

// CampaignCache holds the active-campaign list consumed by the loyalty
// engine. It is a read-only input to the sale path, so a short TTL is the
// only freshness mechanism needed.
type CampaignCache interface {
	Get(ctx context.Context, key string) ([]domain.Campaign, bool, error)
	Set(ctx context.Context, key string, campaigns []domain.Campaign, ttl time.Duration) error
}

type NoopCampaignCache struct{}

func (NoopCampaignCache) Get(_ context.Context, _ string) ([]domain.Campaign, bool, error) {
	return nil, false, nil
}

func (NoopCampaignCache) Set(_ context.Context, _ string, _ []domain.Campaign, _ time.Duration) error {
	return nil
}
