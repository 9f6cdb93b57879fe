package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/campaign-engine/internal/errors"
	"github.com/unclebandit/campaign-engine/internal/model"
)

// EnrollmentRepositoryInterface covers enrollment persistence. Advance and
// Complete only succeed for the holder of the current claim while the
// enrollment is still ACTIVE; otherwise they return appErrors.ErrClaimLost.
type EnrollmentRepositoryInterface interface {
	Create(ctx context.Context, e *model.Enrollment) error
	GetByID(ctx context.Context, id string) (*model.Enrollment, error)
	FindInFlight(ctx context.Context, campaignID, contactID string) (*model.Enrollment, error)
	FindDue(ctx context.Context, now time.Time, limit int) ([]model.Enrollment, error)
	Claim(ctx context.Context, id string, version int64, token string, now, until time.Time) (bool, error)
	Release(ctx context.Context, id, token string) error
	Advance(ctx context.Context, id, token string, nextStep int, nextStepAt time.Time) error
	Complete(ctx context.Context, id, token string, at time.Time) error
	Transition(ctx context.Context, id string, from []model.EnrollmentStatus, to model.EnrollmentStatus, at time.Time) (*model.Enrollment, error)
	CountByStatus(ctx context.Context, campaignID string) (map[string]int, error)
}

type EnrollmentRepository struct {
	DB *sql.DB
}

// uniqueViolation is the Postgres SQLSTATE for unique_violation.
const uniqueViolation = "23505"

const enrollmentColumns = `id, campaign_id, contact_id, status, current_step, next_step_at, started_at,
               completed_at, version, COALESCE(claim_token, ''), claimed_until`

func scanEnrollment(row interface{ Scan(...any) error }, e *model.Enrollment) error {
	var completed, claimedUntil sql.NullTime
	if err := row.Scan(&e.ID, &e.CampaignID, &e.ContactID, &e.Status, &e.CurrentStep, &e.NextStepAt,
		&e.StartedAt, &completed, &e.Version, &e.ClaimToken, &claimedUntil); err != nil {
		return err
	}
	if completed.Valid {
		e.CompletedAt = &completed.Time
	}
	if claimedUntil.Valid {
		e.ClaimedUntil = &claimedUntil.Time
	}
	return nil
}

// Create inserts a new enrollment. The partial unique index on in-flight
// enrollments turns a concurrent duplicate into appErrors.ErrAlreadyEnrolled.
func (r *EnrollmentRepository) Create(ctx context.Context, e *model.Enrollment) error {
	query := `
        INSERT INTO campaign_enrollments
        (id, campaign_id, contact_id, status, current_step, next_step_at, started_at, version)
        VALUES ($1, $2, $3, $4, $5, $6, $7, 0)
    `
	_, err := r.DB.ExecContext(ctx, query, e.ID, e.CampaignID, e.ContactID, e.Status, e.CurrentStep, e.NextStepAt, e.StartedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return appErrors.ErrAlreadyEnrolled
	}
	return err
}

func (r *EnrollmentRepository) GetByID(ctx context.Context, id string) (*model.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM campaign_enrollments WHERE id=$1`
	var e model.Enrollment
	if err := scanEnrollment(r.DB.QueryRowContext(ctx, query, id), &e); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewEnrollmentNotFound(id)
		}
		return nil, err
	}
	return &e, nil
}

// FindInFlight returns the ACTIVE or PAUSED enrollment of the pair, or nil.
func (r *EnrollmentRepository) FindInFlight(ctx context.Context, campaignID, contactID string) (*model.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + `
        FROM campaign_enrollments
        WHERE campaign_id=$1 AND contact_id=$2 AND status IN ('ACTIVE', 'PAUSED')
        LIMIT 1`
	var e model.Enrollment
	if err := scanEnrollment(r.DB.QueryRowContext(ctx, query, campaignID, contactID), &e); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

// FindDue returns up to limit ACTIVE enrollments of ACTIVE campaigns that are
// due at now and not under a live claim, oldest-due first.
func (r *EnrollmentRepository) FindDue(ctx context.Context, now time.Time, limit int) ([]model.Enrollment, error) {
	query := `
        SELECT e.id, e.campaign_id, e.contact_id, e.status, e.current_step, e.next_step_at, e.started_at,
               e.completed_at, e.version, COALESCE(e.claim_token, ''), e.claimed_until
        FROM campaign_enrollments e
        JOIN campaigns c ON c.id = e.campaign_id
        WHERE e.status = 'ACTIVE'
          AND c.status = 'ACTIVE'
          AND e.next_step_at <= $1
          AND (e.claimed_until IS NULL OR e.claimed_until < $1)
        ORDER BY e.next_step_at ASC
        LIMIT $2
    `
	rows, err := r.DB.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	due := []model.Enrollment{}
	for rows.Next() {
		var e model.Enrollment
		if err := scanEnrollment(rows, &e); err != nil {
			return nil, err
		}
		due = append(due, e)
	}
	return due, rows.Err()
}

// Claim takes an exclusive lease on the enrollment if it is still at version
// and no unexpired claim exists. It reports whether this caller won.
func (r *EnrollmentRepository) Claim(ctx context.Context, id string, version int64, token string, now, until time.Time) (bool, error) {
	query := `
        UPDATE campaign_enrollments
        SET version = version + 1, claim_token = $3, claimed_until = $4
        WHERE id = $1 AND version = $2 AND status = 'ACTIVE'
          AND (claimed_until IS NULL OR claimed_until < $5)
    `
	res, err := r.DB.ExecContext(ctx, query, id, version, token, until, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release drops the claim without touching the enrollment's position.
func (r *EnrollmentRepository) Release(ctx context.Context, id, token string) error {
	query := `UPDATE campaign_enrollments SET claim_token = NULL, claimed_until = NULL WHERE id = $1 AND claim_token = $2`
	_, err := r.DB.ExecContext(ctx, query, id, token)
	return err
}

func (r *EnrollmentRepository) Advance(ctx context.Context, id, token string, nextStep int, nextStepAt time.Time) error {
	query := `
        UPDATE campaign_enrollments
        SET current_step = $3, next_step_at = $4, version = version + 1,
            claim_token = NULL, claimed_until = NULL
        WHERE id = $1 AND claim_token = $2 AND status = 'ACTIVE'
    `
	res, err := r.DB.ExecContext(ctx, query, id, token, nextStep, nextStepAt)
	if err != nil {
		return err
	}
	return expectOneRow(res, appErrors.ErrClaimLost)
}

func (r *EnrollmentRepository) Complete(ctx context.Context, id, token string, at time.Time) error {
	query := `
        UPDATE campaign_enrollments
        SET status = 'COMPLETED', completed_at = $3, version = version + 1,
            claim_token = NULL, claimed_until = NULL
        WHERE id = $1 AND claim_token = $2 AND status = 'ACTIVE'
    `
	res, err := r.DB.ExecContext(ctx, query, id, token, at)
	if err != nil {
		return err
	}
	return expectOneRow(res, appErrors.ErrClaimLost)
}

// Transition changes status when the enrollment is currently in one of from.
// Any live claim is voided so an in-flight pass cannot persist its advance.
// It returns appErrors.ErrStateChanged when the row is not in an allowed state.
func (r *EnrollmentRepository) Transition(ctx context.Context, id string, from []model.EnrollmentStatus, to model.EnrollmentStatus, at time.Time) (*model.Enrollment, error) {
	var completedAt *time.Time
	if to.Terminal() {
		completedAt = &at
	}
	query := `
        UPDATE campaign_enrollments
        SET status = $2, completed_at = COALESCE($4, completed_at), version = version + 1,
            claim_token = NULL, claimed_until = NULL
        WHERE id = $1 AND status = ANY($3)
        RETURNING ` + enrollmentColumns
	var e model.Enrollment
	err := scanEnrollment(r.DB.QueryRowContext(ctx, query, id, to, pq.Array(statusStrings(from)), completedAt), &e)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrStateChanged
		}
		return nil, err
	}
	return &e, nil
}

// CountByStatus tallies a campaign's enrollments per status.
func (r *EnrollmentRepository) CountByStatus(ctx context.Context, campaignID string) (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM campaign_enrollments WHERE campaign_id=$1 GROUP BY status`
	rows, err := r.DB.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{
		string(model.EnrollmentActive):    0,
		string(model.EnrollmentPaused):    0,
		string(model.EnrollmentCompleted): 0,
		string(model.EnrollmentCancelled): 0,
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

var _ EnrollmentRepositoryInterface = (*EnrollmentRepository)(nil)
