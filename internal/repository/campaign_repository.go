package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/campaign-engine/internal/errors"
	"github.com/unclebandit/campaign-engine/internal/model"
)

type CampaignRepositoryInterface interface {
	GetByID(ctx context.Context, id string) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, offset, limit int, campaignType, status string) ([]*model.Campaign, int, error)
	// UpdateStatus moves the campaign to `to` only if it is currently in one
	// of `from`. It returns appErrors.ErrStateChanged when no row matched.
	UpdateStatus(ctx context.Context, id string, from []model.CampaignStatus, to model.CampaignStatus) error
}

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `id, tenant_id, name, type, status, segment_id, created_at, updated_at`

func scanCampaign(row interface{ Scan(...any) error }, c *model.Campaign) error {
	var segment sql.NullString
	var updated sql.NullTime
	if err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.Type, &c.Status, &segment, &c.CreatedAt, &updated); err != nil {
		return err
	}
	if segment.Valid {
		c.SegmentID = &segment.String
	}
	if updated.Valid {
		c.UpdatedAt = &updated.Time
	}
	return nil
}

// GetByID loads the campaign with its steps ordered by step_order.
func (r *CampaignRepository) GetByID(ctx context.Context, id string) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id=$1`
	var c model.Campaign
	if err := scanCampaign(r.DB.QueryRowContext(ctx, query, id), &c); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}

	steps, err := r.steps(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load steps of campaign %s: %w", id, err)
	}
	c.Steps = steps
	return &c, nil
}

func (r *CampaignRepository) steps(ctx context.Context, campaignID string) ([]model.Step, error) {
	query := `
        SELECT id, campaign_id, step_order, type, delay_days, delay_hours, delay_minutes,
               send_time, content, conditions, true_branch_order, false_branch_order
        FROM campaign_steps
        WHERE campaign_id=$1
        ORDER BY step_order
    `
	rows, err := r.DB.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	steps := []model.Step{}
	for rows.Next() {
		var (
			s                   model.Step
			sendTime            sql.NullString
			content, conditions []byte
			onTrue, onFalse     sql.NullInt64
		)
		if err := rows.Scan(&s.ID, &s.CampaignID, &s.Order, &s.Type, &s.Delay.Days, &s.Delay.Hours, &s.Delay.Minutes,
			&sendTime, &content, &conditions, &onTrue, &onFalse); err != nil {
			return nil, err
		}
		s.SendTime = sendTime.String
		if len(content) > 0 {
			s.Content = json.RawMessage(content)
		}
		if len(conditions) > 0 {
			if err := json.Unmarshal(conditions, &s.Conditions); err != nil {
				return nil, fmt.Errorf("step %s conditions: %w", s.ID, err)
			}
		}
		s.TrueBranchOrder = nullIntPtr(onTrue)
		s.FalseBranchOrder = nullIntPtr(onFalse)
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

func nullIntPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, offset, limit int, campaignType, status string) ([]*model.Campaign, int, error) {
	campaigns := []*model.Campaign{}
	where := ` WHERE 1=1`
	args := []any{}
	argPos := 1

	if campaignType != "" {
		where += fmt.Sprintf(" AND type=$%d", argPos)
		args = append(args, campaignType)
		argPos++
	}
	if status != "" {
		where += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	query := `SELECT ` + campaignColumns + ` FROM campaigns` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)

	rows, err := r.DB.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		c := &model.Campaign{}
		if err := scanCampaign(rows, c); err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	return campaigns, total, nil
}

func (r *CampaignRepository) UpdateStatus(ctx context.Context, id string, from []model.CampaignStatus, to model.CampaignStatus) error {
	query := `UPDATE campaigns SET status=$1, updated_at=$2 WHERE id=$3 AND status = ANY($4)`
	res, err := r.DB.ExecContext(ctx, query, to, time.Now(), id, pq.Array(statusStrings(from)))
	if err != nil {
		return err
	}
	return expectOneRow(res, appErrors.ErrStateChanged)
}

func statusStrings[S ~string](in []S) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func expectOneRow(res sql.Result, none error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return none
	}
	return nil
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
