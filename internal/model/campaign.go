// internal/model/campaign.go
package model

import (
	"strings"
	"time"
)

type CampaignType string

const (
	CampaignTypeLineStep       CampaignType = "LINE_STEP"
	CampaignTypeLineBroadcast  CampaignType = "LINE_BROADCAST"
	CampaignTypeEmailStep      CampaignType = "EMAIL_STEP"
	CampaignTypeEmailBroadcast CampaignType = "EMAIL_BROADCAST"
)

// Channel returns the outbound channel a campaign of this type delivers through.
func (t CampaignType) Channel() Channel {
	if strings.HasPrefix(string(t), "LINE") {
		return ChannelLine
	}
	return ChannelEmail
}

func (t CampaignType) IsBroadcast() bool {
	return strings.HasSuffix(string(t), "_BROADCAST")
}

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "DRAFT"
	CampaignActive    CampaignStatus = "ACTIVE"
	CampaignPaused    CampaignStatus = "PAUSED"
	CampaignCompleted CampaignStatus = "COMPLETED"
	CampaignArchived  CampaignStatus = "ARCHIVED"
)

// Closed reports whether the campaign can never produce new work again.
func (s CampaignStatus) Closed() bool {
	return s == CampaignCompleted || s == CampaignArchived
}

type Campaign struct {
	ID        string         `db:"id" json:"id"`
	TenantID  string         `db:"tenant_id" json:"tenant_id"`
	Name      string         `db:"name" json:"name"`
	Type      CampaignType   `db:"type" json:"type"`
	Status    CampaignStatus `db:"status" json:"status"`
	SegmentID *string        `db:"segment_id" json:"segment_id,omitempty"`
	Steps     []Step         `json:"steps"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt *time.Time     `db:"updated_at" json:"updated_at,omitempty"`
}

// StepAt returns the step with the given order.
func (c Campaign) StepAt(order int) (Step, bool) {
	for _, s := range c.Steps {
		if s.Order == order {
			return s, true
		}
	}
	return Step{}, false
}

// FirstStep returns the lowest-ordered step.
func (c Campaign) FirstStep() (Step, bool) {
	if len(c.Steps) == 0 {
		return Step{}, false
	}
	first := c.Steps[0]
	for _, s := range c.Steps[1:] {
		if s.Order < first.Order {
			first = s
		}
	}
	return first, true
}
