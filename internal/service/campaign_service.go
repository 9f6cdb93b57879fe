// internal/service/campaign_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	appErrors "github.com/unclebandit/campaign-engine/internal/errors"
	"github.com/unclebandit/campaign-engine/internal/flow"
	"github.com/unclebandit/campaign-engine/internal/model"
	"github.com/unclebandit/campaign-engine/internal/repository"
)

type CampaignService struct {
	CampaignRepo   repository.CampaignRepositoryInterface
	ContactRepo    repository.ContactRepositoryInterface
	EnrollmentRepo repository.EnrollmentRepositoryInterface
	Flows          FlowInvalidator
	Logger         *slog.Logger
}

type CampaignDetails struct {
	ID        string               `json:"id"`
	TenantID  string               `json:"tenant_id"`
	Name      string               `json:"name"`
	Type      model.CampaignType   `json:"type"`
	Status    model.CampaignStatus `json:"status"`
	SegmentID *string              `json:"segment_id,omitempty"`
	Steps     []model.Step         `json:"steps"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt *time.Time           `json:"updated_at"`
	Stats     map[string]int       `json:"stats"`
}

func (s *CampaignService) Get(ctx context.Context, id string) (*model.Campaign, error) {
	return s.CampaignRepo.GetByID(ctx, id)
}

// GetCampaignDetailsWithStats returns the campaign with enrollment counts per status.
func (s *CampaignService) GetCampaignDetailsWithStats(ctx context.Context, id string) (*CampaignDetails, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	stats, err := s.EnrollmentRepo.CountByStatus(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("enrollment stats: %w", err)
	}
	total := 0
	for _, n := range stats {
		total += n
	}
	stats["total"] = total

	return &CampaignDetails{
		ID:        c.ID,
		TenantID:  c.TenantID,
		Name:      c.Name,
		Type:      c.Type,
		Status:    c.Status,
		SegmentID: c.SegmentID,
		Steps:     c.Steps,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
		Stats:     stats,
	}, nil
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, page, pageSize int, campaignType, status string) ([]model.Campaign, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	ptrs, total, err := s.CampaignRepo.ListCampaigns(ctx, offset, pageSize, campaignType, status)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}
	return campaigns, pagination, nil
}

// Activate validates the step graph and moves a DRAFT or PAUSED campaign to ACTIVE.
func (s *CampaignService) Activate(ctx context.Context, id string) (*model.Campaign, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := flow.Compile(*c); err != nil {
		return nil, err
	}
	return s.setStatus(ctx, c, []model.CampaignStatus{model.CampaignDraft, model.CampaignPaused}, model.CampaignActive)
}

// Pause stops the scheduler from picking up the campaign's enrollments.
// Their state is kept and they resume when the campaign is activated again.
func (s *CampaignService) Pause(ctx context.Context, id string) (*model.Campaign, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.setStatus(ctx, c, []model.CampaignStatus{model.CampaignActive}, model.CampaignPaused)
}

func (s *CampaignService) Archive(ctx context.Context, id string) (*model.Campaign, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	from := []model.CampaignStatus{model.CampaignDraft, model.CampaignActive, model.CampaignPaused, model.CampaignCompleted}
	return s.setStatus(ctx, c, from, model.CampaignArchived)
}

func (s *CampaignService) setStatus(ctx context.Context, c *model.Campaign, from []model.CampaignStatus, to model.CampaignStatus) (*model.Campaign, error) {
	err := s.CampaignRepo.UpdateStatus(ctx, c.ID, from, to)
	if errors.Is(err, appErrors.ErrStateChanged) {
		return nil, fmt.Errorf("%w: campaign %s is %s", appErrors.ErrInvalidTransition, c.ID, c.Status)
	}
	if err != nil {
		return nil, err
	}
	if s.Flows != nil {
		s.Flows.Invalidate(c.ID)
	}
	s.Logger.Info("campaign status changed",
		slog.String("campaign_id", c.ID),
		slog.String("from", string(c.Status)),
		slog.String("to", string(to)))
	c.Status = to
	return c, nil
}

// RenderPreview renders a MESSAGE step for one contact without sending it.
func (s *CampaignService) RenderPreview(ctx context.Context, campaignID string, order int, contactID string) (*model.MessageContent, error) {
	c, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	g, err := flow.Build(*c)
	if err != nil {
		return nil, &appErrors.ErrInvalidFlow{CampaignID: c.ID, Problems: []string{err.Error()}}
	}
	n, ok := g.Node(order)
	if !ok {
		return nil, &appErrors.ErrInvalidFlow{CampaignID: c.ID, Problems: []string{fmt.Sprintf("step %d does not exist", order)}}
	}
	m, ok := n.(flow.MessageNode)
	if !ok {
		return nil, fmt.Errorf("%w: step %d is %s", appErrors.ErrUnsupportedMessage, order, n.Step().Type)
	}

	contact, err := s.ContactRepo.GetByID(ctx, contactID)
	if err != nil {
		return nil, err
	}
	rendered := RenderMessage(m.Message, *contact)
	return &rendered, nil
}
