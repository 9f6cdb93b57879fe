// internal/model/message_history.go
package model

import (
	"encoding/json"
	"time"
)

type Direction string

const (
	DirectionOutbound Direction = "OUTBOUND"
	DirectionInbound  Direction = "INBOUND"
)

// MessageHistory is an append-only audit row, one per delivered message.
type MessageHistory struct {
	ID         string          `db:"id" json:"id"`
	TenantID   string          `db:"tenant_id" json:"tenant_id"`
	ContactID  string          `db:"contact_id" json:"contact_id"`
	CampaignID string          `db:"campaign_id" json:"campaign_id,omitempty"`
	StepID     string          `db:"step_id" json:"step_id,omitempty"`
	Channel    Channel         `db:"channel" json:"channel"`
	Direction  Direction       `db:"direction" json:"direction"`
	Content    json.RawMessage `db:"content" json:"content"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}
