package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/unclebandit/campaign-engine/internal/model"
)

type MessageHistoryRepositoryInterface interface {
	Create(ctx context.Context, h *model.MessageHistory) error
}

type MessageHistoryRepository struct {
	DB *sql.DB
}

// Create appends one history row. Rows are never updated.
func (r *MessageHistoryRepository) Create(ctx context.Context, h *model.MessageHistory) error {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now()
	}
	query := `
        INSERT INTO message_histories
        (id, tenant_id, contact_id, campaign_id, step_id, channel, direction, content, created_at)
        VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, $9)
    `
	_, err := r.DB.ExecContext(ctx, query,
		h.ID,
		h.TenantID,
		h.ContactID,
		h.CampaignID,
		h.StepID,
		h.Channel,
		h.Direction,
		[]byte(h.Content),
		h.CreatedAt,
	)
	return err
}

var _ MessageHistoryRepositoryInterface = (*MessageHistoryRepository)(nil)
