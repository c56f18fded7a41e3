package loyalty

import (
	"context"
	"math"
	"time"

	"tokoku/backend/internal/cache"
	"tokoku/backend/internal/domain"
)

// CampaignSource is the slice of the repository the engine reads.
type CampaignSource interface {
	ListActiveCampaigns(ctx context.Context, at time.Time) ([]domain.Campaign, error)
}

// Engine computes loyalty point awards for a completed sale. The point math
// is pure; persistence of the resulting deltas happens inside the sale
// transaction so a rolled-back sale never credits points.
type Engine struct {
	source   CampaignSource
	cache    cache.CampaignCache
	cacheTTL time.Duration
}

func NewEngine(source CampaignSource, cacheStore cache.CampaignCache, cacheTTL time.Duration) *Engine {
	if cacheStore == nil {
		cacheStore = cache.NoopCampaignCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 60 * time.Second
	}

	return &Engine{
		source:   source,
		cache:    cacheStore,
		cacheTTL: cacheTTL,
	}
}

// ActiveCampaigns returns the campaigns running at the given time, reading
// through the cache. A cache failure falls back to the repository.
func (e *Engine) ActiveCampaigns(ctx context.Context, at time.Time) ([]domain.Campaign, error) {
	key := "pos:campaigns:active:" + at.UTC().Format("2006-01-02")
	if cached, ok, err := e.cache.Get(ctx, key); err == nil && ok {
		return filterActive(cached, at), nil
	}

	campaigns, err := e.source.ListActiveCampaigns(ctx, at)
	if err != nil {
		return nil, err
	}
	_ = e.cache.Set(ctx, key, campaigns, e.cacheTTL)
	return filterActive(campaigns, at), nil
}

// Accrue computes the point award per campaign: base points are the sale
// total divided by the campaign rate (floor), the payment-method bonus is
// floored independently and added to the base, never compounded. An
// anonymous sale accrues nothing.
func (e *Engine) Accrue(customerID string, totalCents int64, paymentMethod string, campaigns []domain.Campaign, at time.Time) []domain.PointsAward {
	if customerID == "" || totalCents < 1 {
		return nil
	}

	awards := make([]domain.PointsAward, 0, len(campaigns))
	for _, campaign := range campaigns {
		if !isRunning(campaign, at) || campaign.RateCents < 1 {
			continue
		}

		base := totalCents / campaign.RateCents
		if base < 1 {
			continue
		}

		bonusRate, ok := campaign.MethodBonus[paymentMethod]
		if !ok {
			bonusRate = domain.DefaultMethodBonus[paymentMethod]
		}
		bonus := int64(math.Floor(float64(base) * bonusRate))

		awards = append(awards, domain.PointsAward{
			CampaignID:  campaign.ID,
			BasePoints:  base,
			BonusPoints: bonus,
			TotalPoints: base + bonus,
		})
	}
	return awards
}

func isRunning(campaign domain.Campaign, at time.Time) bool {
	if !campaign.Active {
		return false
	}
	return !at.Before(campaign.StartDate) && !at.After(campaign.EndDate)
}

func filterActive(campaigns []domain.Campaign, at time.Time) []domain.Campaign {
	running := make([]domain.Campaign, 0, len(campaigns))
	for _, campaign := range campaigns {
		if isRunning(campaign, at) {
			running = append(running, campaign)
		}
	}
	return running
}
