// internal/controller/campaign_controller.go
package controller

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	appErrors "github.com/unclebandit/campaign-engine/internal/errors"
	"github.com/unclebandit/campaign-engine/internal/model"
	"github.com/unclebandit/campaign-engine/internal/service"
)

type CampaignService interface {
	GetCampaignDetailsWithStats(ctx context.Context, id string) (*service.CampaignDetails, error)
	ListCampaigns(ctx context.Context, page, pageSize int, campaignType, status string) ([]model.Campaign, map[string]int, error)
	Activate(ctx context.Context, id string) (*model.Campaign, error)
	Pause(ctx context.Context, id string) (*model.Campaign, error)
	Archive(ctx context.Context, id string) (*model.Campaign, error)
	RenderPreview(ctx context.Context, campaignID string, order int, contactID string) (*model.MessageContent, error)
}

type Broadcaster interface {
	Broadcast(ctx context.Context, campaignID string) (service.BroadcastResult, error)
}

type CampaignController struct {
	CampaignService CampaignService
	Broadcasts      Broadcaster
	Logger          *slog.Logger
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))

	campaigns, pagination, err := c.CampaignService.ListCampaigns(r.Context(), page, pageSize, q.Get("type"), q.Get("status"))
	if err != nil {
		writeError(w, c.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":       campaigns,
		"pagination": pagination,
	})
}

func (c *CampaignController) GetCampaignDetails(w http.ResponseWriter, r *http.Request) {
	details, err := c.CampaignService.GetCampaignDetailsWithStats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, c.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (c *CampaignController) Activate(w http.ResponseWriter, r *http.Request) {
	c.changeStatus(w, r, c.CampaignService.Activate)
}

func (c *CampaignController) Pause(w http.ResponseWriter, r *http.Request) {
	c.changeStatus(w, r, c.CampaignService.Pause)
}

func (c *CampaignController) Archive(w http.ResponseWriter, r *http.Request) {
	c.changeStatus(w, r, c.CampaignService.Archive)
}

func (c *CampaignController) changeStatus(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (*model.Campaign, error)) {
	campaign, err := op(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, c.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

// Broadcast sends a broadcast campaign now. Chunk failures after a partial
// send are reported with 502 alongside the counts.
func (c *CampaignController) Broadcast(w http.ResponseWriter, r *http.Request) {
	result, err := c.Broadcasts.Broadcast(r.Context(), chi.URLParam(r, "id"))
	if err != nil && (appErrors.IsValidation(err) || result.Recipients == 0) {
		writeError(w, c.Logger, err)
		return
	}
	if err != nil {
		c.Logger.Error("broadcast partially failed", slog.String("campaign_id", result.CampaignID), slog.Any("error", err))
		writeJSON(w, http.StatusBadGateway, map[string]any{"result": result, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// PersonalizedPreview renders one MESSAGE step for a contact without sending it.
func (c *CampaignController) PersonalizedPreview(w http.ResponseWriter, r *http.Request) {
	order, err := strconv.Atoi(chi.URLParam(r, "order"))
	if err != nil || order < 1 {
		writeMessage(w, http.StatusBadRequest, "invalid step order")
		return
	}
	contactID := r.URL.Query().Get("contact_id")
	if contactID == "" {
		writeMessage(w, http.StatusBadRequest, "contact_id is required")
		return
	}

	msg, err := c.CampaignService.RenderPreview(r.Context(), chi.URLParam(r, "id"), order, contactID)
	if err != nil {
		writeError(w, c.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rendered_message": msg,
		"contact_id":       contactID,
		"step_order":       order,
	})
}
