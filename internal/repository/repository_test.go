package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/campaign-engine/internal/errors"
	"github.com/unclebandit/campaign-engine/internal/model"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return db, mock
}

var enrollmentCols = []string{"id", "campaign_id", "contact_id", "status", "current_step", "next_step_at",
	"started_at", "completed_at", "version", "claim_token", "claimed_until"}

func TestCampaignRepository_GetByID(t *testing.T) {
	db, mock := newMock(t)
	repo := &CampaignRepository{DB: db}
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery(`SELECT id, tenant_id, name, type, status, segment_id, created_at, updated_at FROM campaigns WHERE id=\$1`).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "name", "type", "status", "segment_id", "created_at", "updated_at"}).
			AddRow("c1", "t1", "Welcome", "LINE_STEP", "ACTIVE", "vip", created, nil))
	mock.ExpectQuery(`FROM campaign_steps WHERE campaign_id=\$1 ORDER BY step_order`).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "campaign_id", "step_order", "type", "delay_days", "delay_hours",
			"delay_minutes", "send_time", "content", "conditions", "true_branch_order", "false_branch_order"}).
			AddRow("s1", "c1", 1, "MESSAGE", 0, 0, 0, nil, []byte(`{"type":"text","text":"hi"}`), nil, nil, nil).
			AddRow("s2", "c1", 2, "CONDITION", 1, 0, 0, "09:00", nil,
				[]byte(`[{"field":"score","operator":"greater_than","value":10}]`), int64(5), nil))

	c, err := repo.GetByID(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, model.CampaignTypeLineStep, c.Type)
	assert.Equal(t, model.CampaignActive, c.Status)
	require.NotNil(t, c.SegmentID)
	assert.Equal(t, "vip", *c.SegmentID)
	assert.Nil(t, c.UpdatedAt)

	require.Len(t, c.Steps, 2)
	assert.JSONEq(t, `{"type":"text","text":"hi"}`, string(c.Steps[0].Content))
	assert.Nil(t, c.Steps[0].TrueBranchOrder)
	cond := c.Steps[1]
	assert.Equal(t, "09:00", cond.SendTime)
	assert.Equal(t, 1, cond.Delay.Days)
	require.Len(t, cond.Conditions, 1)
	assert.Equal(t, model.OpGreaterThan, cond.Conditions[0].Operator)
	require.NotNil(t, cond.TrueBranchOrder)
	assert.Equal(t, 5, *cond.TrueBranchOrder)
	assert.Nil(t, cond.FalseBranchOrder)
}

func TestCampaignRepository_GetByID_NotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := &CampaignRepository{DB: db}

	mock.ExpectQuery(`FROM campaigns WHERE id=\$1`).WithArgs("missing").WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), "missing")
	var nf *appErrors.ErrCampaignNotFound
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "missing", nf.CampaignID)
}

func TestCampaignRepository_ListCampaigns(t *testing.T) {
	db, mock := newMock(t)
	repo := &CampaignRepository{DB: db}
	now := time.Now()

	mock.ExpectQuery(`FROM campaigns WHERE 1=1 AND type=\$1 AND status=\$2 ORDER BY created_at DESC, id DESC LIMIT \$3 OFFSET \$4`).
		WithArgs("EMAIL_STEP", "ACTIVE", 2, 4).
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "name", "type", "status", "segment_id", "created_at", "updated_at"}).
			AddRow("c5", "t1", "C5", "EMAIL_STEP", "ACTIVE", nil, now, now))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM campaigns WHERE 1=1 AND type=\$1 AND status=\$2`).
		WithArgs("EMAIL_STEP", "ACTIVE").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(5))

	list, total, err := repo.ListCampaigns(context.Background(), 4, 2, "EMAIL_STEP", "ACTIVE")
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, list, 1)
	assert.Equal(t, "c5", list[0].ID)
	assert.NotNil(t, list[0].UpdatedAt)
}

func TestCampaignRepository_UpdateStatus(t *testing.T) {
	db, mock := newMock(t)
	repo := &CampaignRepository{DB: db}
	from := []model.CampaignStatus{model.CampaignDraft, model.CampaignActive}

	mock.ExpectExec(`UPDATE campaigns SET status=\$1, updated_at=\$2 WHERE id=\$3 AND status = ANY\(\$4\)`).
		WithArgs(model.CampaignCompleted, sqlmock.AnyArg(), "c1", pq.Array([]string{"DRAFT", "ACTIVE"})).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE campaigns SET status`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.UpdateStatus(context.Background(), "c1", from, model.CampaignCompleted))
	err := repo.UpdateStatus(context.Background(), "c1", from, model.CampaignCompleted)
	assert.ErrorIs(t, err, appErrors.ErrStateChanged)
}

func TestEnrollmentRepository_CreateDuplicate(t *testing.T) {
	db, mock := newMock(t)
	repo := &EnrollmentRepository{DB: db}
	now := time.Now()
	e := &model.Enrollment{ID: "e1", CampaignID: "c1", ContactID: "k1", Status: model.EnrollmentActive,
		CurrentStep: 1, NextStepAt: now, StartedAt: now}

	mock.ExpectExec(`INSERT INTO campaign_enrollments`).
		WithArgs("e1", "c1", "k1", model.EnrollmentActive, 1, now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO campaign_enrollments`).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	require.NoError(t, repo.Create(context.Background(), e))
	assert.ErrorIs(t, repo.Create(context.Background(), e), appErrors.ErrAlreadyEnrolled)
}

func TestEnrollmentRepository_FindDue(t *testing.T) {
	db, mock := newMock(t)
	repo := &EnrollmentRepository{DB: db}
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`JOIN campaigns c ON c.id = e.campaign_id WHERE e.status = 'ACTIVE' AND c.status = 'ACTIVE' AND e.next_step_at <= \$1 .* ORDER BY e.next_step_at ASC LIMIT \$2`).
		WithArgs(now, 100).
		WillReturnRows(sqlmock.NewRows(enrollmentCols).
			AddRow("e1", "c1", "k1", "ACTIVE", 2, now.Add(-time.Hour), now.Add(-48*time.Hour), nil, int64(3), "", nil).
			AddRow("e2", "c1", "k2", "ACTIVE", 1, now.Add(-time.Minute), now.Add(-time.Hour), nil, int64(0), "stale", now.Add(-time.Minute)))

	due, err := repo.FindDue(context.Background(), now, 100)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, int64(3), due[0].Version)
	assert.Equal(t, 2, due[0].CurrentStep)
	assert.Nil(t, due[0].ClaimedUntil)
	assert.Equal(t, "stale", due[1].ClaimToken)
	require.NotNil(t, due[1].ClaimedUntil)
}

func TestEnrollmentRepository_Claim(t *testing.T) {
	db, mock := newMock(t)
	repo := &EnrollmentRepository{DB: db}
	now := time.Now()
	until := now.Add(5 * time.Minute)

	mock.ExpectExec(`UPDATE campaign_enrollments SET version = version \+ 1, claim_token = \$3, claimed_until = \$4 WHERE id = \$1 AND version = \$2 AND status = 'ACTIVE'`).
		WithArgs("e1", int64(3), "tok", until, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE campaign_enrollments SET version = version \+ 1`).
		WithArgs("e1", int64(3), "other", until, now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	won, err := repo.Claim(context.Background(), "e1", 3, "tok", now, until)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = repo.Claim(context.Background(), "e1", 3, "other", now, until)
	require.NoError(t, err)
	assert.False(t, won, "stale version loses")
}

func TestEnrollmentRepository_AdvanceAndComplete(t *testing.T) {
	db, mock := newMock(t)
	repo := &EnrollmentRepository{DB: db}
	next := time.Now().Add(24 * time.Hour)

	mock.ExpectExec(`SET current_step = \$3, next_step_at = \$4.* WHERE id = \$1 AND claim_token = \$2 AND status = 'ACTIVE'`).
		WithArgs("e1", "tok", 2, next).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`SET current_step = \$3`).
		WithArgs("e1", "tok", 3, next).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`SET status = 'COMPLETED', completed_at = \$3`).
		WithArgs("e1", "tok", next).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.Advance(context.Background(), "e1", "tok", 2, next))
	assert.ErrorIs(t, repo.Advance(context.Background(), "e1", "tok", 3, next), appErrors.ErrClaimLost)
	assert.ErrorIs(t, repo.Complete(context.Background(), "e1", "tok", next), appErrors.ErrClaimLost)
}

func TestEnrollmentRepository_Release(t *testing.T) {
	db, mock := newMock(t)
	repo := &EnrollmentRepository{DB: db}

	mock.ExpectExec(`SET claim_token = NULL, claimed_until = NULL WHERE id = \$1 AND claim_token = \$2`).
		WithArgs("e1", "tok").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Release(context.Background(), "e1", "tok"))
}

func TestEnrollmentRepository_Transition(t *testing.T) {
	db, mock := newMock(t)
	repo := &EnrollmentRepository{DB: db}
	at := time.Now()

	mock.ExpectQuery(`UPDATE campaign_enrollments SET status = \$2, completed_at = COALESCE\(\$4, completed_at\)`).
		WithArgs("e1", model.EnrollmentCancelled, pq.Array([]string{"ACTIVE", "PAUSED"}), &at).
		WillReturnRows(sqlmock.NewRows(enrollmentCols).
			AddRow("e1", "c1", "k1", "CANCELLED", 2, at, at, at, int64(5), "", nil))
	mock.ExpectQuery(`UPDATE campaign_enrollments SET status = \$2`).
		WillReturnError(sql.ErrNoRows)

	from := []model.EnrollmentStatus{model.EnrollmentActive, model.EnrollmentPaused}
	e, err := repo.Transition(context.Background(), "e1", from, model.EnrollmentCancelled, at)
	require.NoError(t, err)
	assert.Equal(t, model.EnrollmentCancelled, e.Status)
	require.NotNil(t, e.CompletedAt)

	_, err = repo.Transition(context.Background(), "e1", from, model.EnrollmentCancelled, at)
	assert.ErrorIs(t, err, appErrors.ErrStateChanged)
}

func TestEnrollmentRepository_CountByStatus(t *testing.T) {
	db, mock := newMock(t)
	repo := &EnrollmentRepository{DB: db}

	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM campaign_enrollments WHERE campaign_id=\$1 GROUP BY status`).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).AddRow("ACTIVE", 7).AddRow("COMPLETED", 3))

	stats, err := repo.CountByStatus(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"ACTIVE": 7, "PAUSED": 0, "COMPLETED": 3, "CANCELLED": 0}, stats)
}

func TestContactRepository_GetByID(t *testing.T) {
	db, mock := newMock(t)
	repo := &ContactRepository{DB: db}

	mock.ExpectQuery(`FROM contacts c LEFT JOIN contact_scores s ON s.contact_id = c.id WHERE c.id = \$1`).
		WithArgs("k1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "email", "first_name", "last_name", "line_user_id",
			"line_opt_in", "email_opt_in", "score", "attributes", "tag_ids", "tag_names",
			"recency", "frequency", "monetary", "lead_score", "engagement_score", "churn_score"}).
			AddRow("k1", "t1", "", "Aiko", "Sato", "U123", true, false, 42, []byte(`{"plan":"pro"}`),
				"{t1,t2}", "{gold,vip}", 5.0, nil, nil, 80.0, nil, nil))

	c, err := repo.GetByID(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, "U123", c.LineUserID)
	assert.Equal(t, []string{"t1", "t2"}, c.TagIDs)
	assert.Equal(t, []string{"gold", "vip"}, c.TagNames)
	assert.Equal(t, "pro", c.Attributes["plan"])
	require.NotNil(t, c.Scores.Lead)
	assert.Equal(t, 80.0, *c.Scores.Lead)
	assert.Nil(t, c.Scores.Frequency)
}

func TestContactRepository_GetByID_NotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := &ContactRepository{DB: db}

	mock.ExpectQuery(`FROM contacts c`).WithArgs("nope").WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), "nope")
	assert.True(t, appErrors.IsNotFound(err))
}

func TestContactRepository_ListAudience(t *testing.T) {
	db, mock := newMock(t)
	repo := &ContactRepository{DB: db}
	cols := []string{"id", "tenant_id", "email", "first_name", "last_name", "line_user_id", "line_opt_in", "email_opt_in", "score"}

	mock.ExpectQuery(`WHERE c.tenant_id = \$1 AND c.line_opt_in AND COALESCE\(c.line_user_id, ''\) <> '' AND EXISTS \(SELECT 1 FROM contact_tags ct WHERE ct.contact_id = c.id AND ct.tag_id = \$2\) ORDER BY c.id`).
		WithArgs("t1", "vip").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("k1", "t1", "", "A", "B", "U1", true, false, 0).
			AddRow("k2", "t1", "", "C", "D", "U2", true, false, 0))
	mock.ExpectQuery(`WHERE c.tenant_id = \$1 AND c.email_opt_in AND COALESCE\(c.email, ''\) <> '' ORDER BY c.id`).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows(cols))

	line, err := repo.ListAudience(context.Background(), model.AudienceQuery{TenantID: "t1", Channel: model.ChannelLine, TagID: "vip"})
	require.NoError(t, err)
	assert.Len(t, line, 2)

	email, err := repo.ListAudience(context.Background(), model.AudienceQuery{TenantID: "t1", Channel: model.ChannelEmail})
	require.NoError(t, err)
	assert.Empty(t, email)

	_, err = repo.ListAudience(context.Background(), model.AudienceQuery{TenantID: "t1", Channel: "SMS"})
	assert.ErrorIs(t, err, appErrors.ErrChannelUnavailable)
}

func TestContactRepository_TagMutations(t *testing.T) {
	db, mock := newMock(t)
	repo := &ContactRepository{DB: db}

	mock.ExpectExec(`INSERT INTO contact_tags \(contact_id, tag_id\) VALUES \(\$1, \$2\) ON CONFLICT DO NOTHING`).
		WithArgs("k1", "vip").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM contact_tags WHERE contact_id = \$1 AND tag_id = \$2`).
		WithArgs("k1", "vip").WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.AddTag(context.Background(), "k1", "vip"))
	require.NoError(t, repo.RemoveTag(context.Background(), "k1", "vip"))
}

func TestContactRepository_UpsertScore(t *testing.T) {
	db, mock := newMock(t)
	repo := &ContactRepository{DB: db}

	mock.ExpectExec(`INSERT INTO contact_scores \(contact_id, lead_score, updated_at\) .* DO UPDATE SET lead_score = EXCLUDED.lead_score`).
		WithArgs("k1", 75.0).WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.UpsertScore(context.Background(), "k1", model.ScoreLead, 75))
	assert.Error(t, repo.UpsertScore(context.Background(), "k1", "ltv", 1))
}

func TestMessageHistoryRepository_Create(t *testing.T) {
	db, mock := newMock(t)
	repo := &MessageHistoryRepository{DB: db}
	h := &model.MessageHistory{
		ID: "h1", TenantID: "t1", ContactID: "k1", CampaignID: "c1", StepID: "s1",
		Channel: model.ChannelLine, Direction: model.DirectionOutbound,
		Content: []byte(`{"type":"text","text":"hi"}`),
	}

	mock.ExpectExec(`INSERT INTO message_histories`).
		WithArgs("h1", "t1", "k1", "c1", "s1", model.ChannelLine, model.DirectionOutbound,
			[]byte(`{"type":"text","text":"hi"}`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Create(context.Background(), h))
	assert.False(t, h.CreatedAt.IsZero())
}
