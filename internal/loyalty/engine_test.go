package loyalty

import (
	"context"
	"testing"
	"time"

	"tokoku/backend/internal/cache"
	"tokoku/backend/internal/domain"
)

type staticSource struct {
	campaigns []domain.Campaign
	calls     int
}

func (s *staticSource) ListActiveCampaigns(_ context.Context, _ time.Time) ([]domain.Campaign, error) {
	s.calls++
	return s.campaigns, nil
}

func testCampaign(rate int64) domain.Campaign {
	now := time.Now().UTC()
	return domain.Campaign{
		ID:          "camp-test",
		Name:        "Test Campaign",
		RateCents:   rate,
		MethodBonus: domain.DefaultMethodBonus,
		StartDate:   now.Add(-24 * time.Hour),
		EndDate:     now.Add(24 * time.Hour),
		Active:      true,
	}
}

func TestAccrueBasePointsFloor(t *testing.T) {
	engine := NewEngine(&staticSource{}, cache.NoopCampaignCache{}, time.Second)
	now := time.Now().UTC()

	// 259900 / 100000 floors to 2 base points; cash bonus floor(2*0.20)=0.
	awards := engine.Accrue("cust-1", 259900, domain.PaymentCash, []domain.Campaign{testCampaign(100000)}, now)
	if len(awards) != 1 {
		t.Fatalf("expected one award, got %d", len(awards))
	}
	if awards[0].BasePoints != 2 || awards[0].BonusPoints != 0 || awards[0].TotalPoints != 2 {
		t.Fatalf("expected base=2 bonus=0 total=2, got %+v", awards[0])
	}
}

func TestAccrueMethodBonuses(t *testing.T) {
	engine := NewEngine(&staticSource{}, cache.NoopCampaignCache{}, time.Second)
	now := time.Now().UTC()
	campaigns := []domain.Campaign{testCampaign(100000)}

	cases := []struct {
		method string
		total  int64
		bonus  int64
	}{
		{domain.PaymentCash, 1000000, 2}, // base 10, floor(10*0.20)
		{domain.PaymentCard, 1000000, 1}, // base 10, floor(10*0.15)
		{domain.PaymentQR, 1000000, 2},   // base 10, floor(10*0.25)
	}
	for _, tc := range cases {
		awards := engine.Accrue("cust-1", tc.total, tc.method, campaigns, now)
		if len(awards) != 1 {
			t.Fatalf("%s: expected one award, got %d", tc.method, len(awards))
		}
		if awards[0].BonusPoints != tc.bonus {
			t.Fatalf("%s: expected bonus %d, got %d", tc.method, tc.bonus, awards[0].BonusPoints)
		}
		if awards[0].TotalPoints != 10+tc.bonus {
			t.Fatalf("%s: bonus must add to base, not compound, got total %d", tc.method, awards[0].TotalPoints)
		}
	}
}

func TestAccrueSkipsBelowRate(t *testing.T) {
	engine := NewEngine(&staticSource{}, cache.NoopCampaignCache{}, time.Second)

	awards := engine.Accrue("cust-1", 99999, domain.PaymentCash, []domain.Campaign{testCampaign(100000)}, time.Now().UTC())
	if len(awards) != 0 {
		t.Fatalf("expected no award below the rate, got %+v", awards)
	}
}

func TestAccrueAnonymousSale(t *testing.T) {
	engine := NewEngine(&staticSource{}, cache.NoopCampaignCache{}, time.Second)

	awards := engine.Accrue("", 1000000, domain.PaymentCash, []domain.Campaign{testCampaign(100000)}, time.Now().UTC())
	if awards != nil {
		t.Fatalf("anonymous sale must accrue nothing, got %+v", awards)
	}
}

func TestAccrueSkipsInactiveAndOutOfWindow(t *testing.T) {
	engine := NewEngine(&staticSource{}, cache.NoopCampaignCache{}, time.Second)
	now := time.Now().UTC()

	inactive := testCampaign(100000)
	inactive.Active = false

	expired := testCampaign(100000)
	expired.StartDate = now.Add(-48 * time.Hour)
	expired.EndDate = now.Add(-24 * time.Hour)

	upcoming := testCampaign(100000)
	upcoming.StartDate = now.Add(24 * time.Hour)
	upcoming.EndDate = now.Add(48 * time.Hour)

	awards := engine.Accrue("cust-1", 1000000, domain.PaymentCash, []domain.Campaign{inactive, expired, upcoming}, now)
	if len(awards) != 0 {
		t.Fatalf("expected no awards, got %+v", awards)
	}
}

func TestAccrueMultipleCampaignsIndependently(t *testing.T) {
	engine := NewEngine(&staticSource{}, cache.NoopCampaignCache{}, time.Second)
	now := time.Now().UTC()

	a := testCampaign(100000)
	b := testCampaign(50000)
	b.ID = "camp-second"

	awards := engine.Accrue("cust-1", 1000000, domain.PaymentCard, []domain.Campaign{a, b}, now)
	if len(awards) != 2 {
		t.Fatalf("expected two awards, got %d", len(awards))
	}
	if awards[0].BasePoints != 10 || awards[1].BasePoints != 20 {
		t.Fatalf("expected base 10 and 20, got %d and %d", awards[0].BasePoints, awards[1].BasePoints)
	}
}

func TestActiveCampaignsFallsBackWhenCacheEmpty(t *testing.T) {
	source := &staticSource{campaigns: []domain.Campaign{testCampaign(100000)}}
	engine := NewEngine(source, cache.NoopCampaignCache{}, time.Second)

	campaigns, err := engine.ActiveCampaigns(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("active campaigns failed: %v", err)
	}
	if len(campaigns) != 1 {
		t.Fatalf("expected one campaign, got %d", len(campaigns))
	}
	if source.calls != 1 {
		t.Fatalf("expected one source call, got %d", source.calls)
	}
}

func TestActiveCampaignsFiltersWindow(t *testing.T) {
	now := time.Now().UTC()
	expired := testCampaign(100000)
	expired.ID = "camp-expired"
	expired.StartDate = now.Add(-48 * time.Hour)
	expired.EndDate = now.Add(-24 * time.Hour)

	source := &staticSource{campaigns: []domain.Campaign{testCampaign(100000), expired}}
	engine := NewEngine(source, cache.NoopCampaignCache{}, time.Second)

	campaigns, err := engine.ActiveCampaigns(context.Background(), now)
	if err != nil {
		t.Fatalf("active campaigns failed: %v", err)
	}
	if len(campaigns) != 1 || campaigns[0].ID != "camp-test" {
		t.Fatalf("expected only the running campaign, got %+v", campaigns)
	}
}
