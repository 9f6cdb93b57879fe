// internal/model/enrollment.go
package model

import "time"

type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "ACTIVE"
	EnrollmentPaused    EnrollmentStatus = "PAUSED"
	EnrollmentCompleted EnrollmentStatus = "COMPLETED"
	EnrollmentCancelled EnrollmentStatus = "CANCELLED"
)

// Terminal states are never re-activated.
func (s EnrollmentStatus) Terminal() bool {
	return s == EnrollmentCompleted || s == EnrollmentCancelled
}

// Enrollment is a contact's traversal of one campaign's steps.
type Enrollment struct {
	ID          string           `db:"id" json:"id"`
	CampaignID  string           `db:"campaign_id" json:"campaign_id"`
	ContactID   string           `db:"contact_id" json:"contact_id"`
	Status      EnrollmentStatus `db:"status" json:"status"`
	CurrentStep int              `db:"current_step" json:"current_step"`
	NextStepAt  time.Time        `db:"next_step_at" json:"next_step_at"`
	StartedAt   time.Time        `db:"started_at" json:"started_at"`
	CompletedAt *time.Time       `db:"completed_at" json:"completed_at,omitempty"`

	// Version is bumped by every state change and by every claim.
	Version      int64      `db:"version" json:"-"`
	ClaimToken   string     `db:"claim_token" json:"-"`
	ClaimedUntil *time.Time `db:"claimed_until" json:"-"`
}
