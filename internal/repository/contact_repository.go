package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/campaign-engine/internal/errors"
	"github.com/unclebandit/campaign-engine/internal/model"
)

// ContactRepositoryInterface defines the contact reads and patches the engine needs.
type ContactRepositoryInterface interface {
	GetByID(ctx context.Context, id string) (*model.Contact, error)
	ListAudience(ctx context.Context, q model.AudienceQuery) ([]model.Contact, error)
	AddTag(ctx context.Context, contactID, tagID string) error
	RemoveTag(ctx context.Context, contactID, tagID string) error
	UpsertScore(ctx context.Context, contactID string, field model.ScoreField, value float64) error
}

type ContactRepository struct {
	DB *sql.DB
}

// GetByID loads the contact with its tags and score record.
func (r *ContactRepository) GetByID(ctx context.Context, id string) (*model.Contact, error) {
	query := `
        SELECT c.id, c.tenant_id, COALESCE(c.email, ''), c.first_name, c.last_name,
               COALESCE(c.line_user_id, ''), c.line_opt_in, c.email_opt_in, c.score, c.attributes,
               ARRAY(SELECT ct.tag_id FROM contact_tags ct WHERE ct.contact_id = c.id ORDER BY ct.tag_id),
               ARRAY(SELECT t.name FROM contact_tags ct JOIN tags t ON t.id = ct.tag_id
                     WHERE ct.contact_id = c.id ORDER BY t.name),
               s.recency, s.frequency, s.monetary, s.lead_score, s.engagement_score, s.churn_score
        FROM contacts c
        LEFT JOIN contact_scores s ON s.contact_id = c.id
        WHERE c.id = $1
    `
	var (
		c          model.Contact
		attributes []byte
		scores     [6]sql.NullFloat64
	)
	err := r.DB.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.TenantID, &c.Email, &c.FirstName, &c.LastName,
		&c.LineUserID, &c.LineOptIn, &c.EmailOptIn, &c.Score, &attributes,
		pq.Array(&c.TagIDs), pq.Array(&c.TagNames),
		&scores[0], &scores[1], &scores[2], &scores[3], &scores[4], &scores[5],
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewContactNotFound(id)
		}
		return nil, err
	}
	if len(attributes) > 0 {
		if err := json.Unmarshal(attributes, &c.Attributes); err != nil {
			return nil, fmt.Errorf("contact %s attributes: %w", id, err)
		}
	}
	c.Scores = model.Scores{
		Recency:    nullFloatPtr(scores[0]),
		Frequency:  nullFloatPtr(scores[1]),
		Monetary:   nullFloatPtr(scores[2]),
		Lead:       nullFloatPtr(scores[3]),
		Engagement: nullFloatPtr(scores[4]),
		Churn:      nullFloatPtr(scores[5]),
	}
	return &c, nil
}

func nullFloatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// ListAudience returns the tenant's contacts reachable and opted in on q.Channel,
// narrowed to holders of q.TagID when set.
func (r *ContactRepository) ListAudience(ctx context.Context, q model.AudienceQuery) ([]model.Contact, error) {
	query := `
        SELECT c.id, c.tenant_id, COALESCE(c.email, ''), c.first_name, c.last_name,
               COALESCE(c.line_user_id, ''), c.line_opt_in, c.email_opt_in, c.score
        FROM contacts c
        WHERE c.tenant_id = $1`
	args := []any{q.TenantID}
	argPos := 2

	switch q.Channel {
	case model.ChannelLine:
		query += ` AND c.line_opt_in AND COALESCE(c.line_user_id, '') <> ''`
	case model.ChannelEmail:
		query += ` AND c.email_opt_in AND COALESCE(c.email, '') <> ''`
	default:
		return nil, fmt.Errorf("%w: %s", appErrors.ErrChannelUnavailable, q.Channel)
	}
	if q.TagID != "" {
		query += fmt.Sprintf(` AND EXISTS (SELECT 1 FROM contact_tags ct WHERE ct.contact_id = c.id AND ct.tag_id = $%d)`, argPos)
		args = append(args, q.TagID)
	}
	query += ` ORDER BY c.id`

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	contacts := []model.Contact{}
	for rows.Next() {
		var c model.Contact
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Email, &c.FirstName, &c.LastName,
			&c.LineUserID, &c.LineOptIn, &c.EmailOptIn, &c.Score); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// AddTag is idempotent.
func (r *ContactRepository) AddTag(ctx context.Context, contactID, tagID string) error {
	query := `INSERT INTO contact_tags (contact_id, tag_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	_, err := r.DB.ExecContext(ctx, query, contactID, tagID)
	return err
}

func (r *ContactRepository) RemoveTag(ctx context.Context, contactID, tagID string) error {
	query := `DELETE FROM contact_tags WHERE contact_id = $1 AND tag_id = $2`
	_, err := r.DB.ExecContext(ctx, query, contactID, tagID)
	return err
}

// UpsertScore sets one score column, creating the score record if needed.
func (r *ContactRepository) UpsertScore(ctx context.Context, contactID string, field model.ScoreField, value float64) error {
	col, err := scoreColumn(field)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
        INSERT INTO contact_scores (contact_id, %[1]s, updated_at)
        VALUES ($1, $2, NOW())
        ON CONFLICT (contact_id) DO UPDATE SET %[1]s = EXCLUDED.%[1]s, updated_at = NOW()
    `, col)
	_, err = r.DB.ExecContext(ctx, query, contactID, value)
	return err
}

func scoreColumn(f model.ScoreField) (string, error) {
	switch f {
	case model.ScoreRecency:
		return "recency", nil
	case model.ScoreFrequency:
		return "frequency", nil
	case model.ScoreMonetary:
		return "monetary", nil
	case model.ScoreLead:
		return "lead_score", nil
	case model.ScoreEngagement:
		return "engagement_score", nil
	case model.ScoreChurn:
		return "churn_score", nil
	}
	return "", fmt.Errorf("unknown score field %q", f)
}

var _ ContactRepositoryInterface = (*ContactRepository)(nil)
