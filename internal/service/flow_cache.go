package service

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/unclebandit/campaign-engine/internal/flow"
	"github.com/unclebandit/campaign-engine/internal/model"
	"github.com/unclebandit/campaign-engine/internal/repository"
)

// CampaignFlow is a campaign together with its decoded step graph.
type CampaignFlow struct {
	Campaign model.Campaign
	Graph    *flow.Graph
}

// FlowSource resolves the flow an enrollment runs through.
type FlowSource interface {
	Get(ctx context.Context, campaignID string) (*CampaignFlow, error)
}

// FlowCache keeps decoded campaign flows for a short TTL so a batch touching
// the same campaign loads it once.
type FlowCache struct {
	CampaignRepo repository.CampaignRepositoryInterface
	cache        *gocache.Cache
	group        singleflight.Group
}

func NewFlowCache(repo repository.CampaignRepositoryInterface, ttl time.Duration) *FlowCache {
	return &FlowCache{
		CampaignRepo: repo,
		cache:        gocache.New(ttl, 2*ttl),
	}
}

func (f *FlowCache) Get(ctx context.Context, campaignID string) (*CampaignFlow, error) {
	if v, ok := f.cache.Get(campaignID); ok {
		return v.(*CampaignFlow), nil
	}
	v, err, _ := f.group.Do(campaignID, func() (any, error) {
		c, err := f.CampaignRepo.GetByID(ctx, campaignID)
		if err != nil {
			return nil, err
		}
		g, err := flow.Build(*c)
		if err != nil {
			return nil, err
		}
		cf := &CampaignFlow{Campaign: *c, Graph: g}
		f.cache.SetDefault(campaignID, cf)
		return cf, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*CampaignFlow), nil
}

// Invalidate drops a campaign after its status or steps change.
func (f *FlowCache) Invalidate(campaignID string) {
	f.cache.Delete(campaignID)
}

var _ FlowSource = (*FlowCache)(nil)
