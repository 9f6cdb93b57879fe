// internal/model/contact.go
package model

import "strings"

type Channel string

const (
	ChannelLine  Channel = "LINE"
	ChannelEmail Channel = "EMAIL"
)

// ScoreField enumerates the contact score columns an ACTION step may set.
type ScoreField string

const (
	ScoreRecency    ScoreField = "recency"
	ScoreFrequency  ScoreField = "frequency"
	ScoreMonetary   ScoreField = "monetary"
	ScoreLead       ScoreField = "leadScore"
	ScoreEngagement ScoreField = "engagementScore"
	ScoreChurn      ScoreField = "churnScore"
)

func (f ScoreField) Valid() bool {
	switch f {
	case ScoreRecency, ScoreFrequency, ScoreMonetary, ScoreLead, ScoreEngagement, ScoreChurn:
		return true
	}
	return false
}

type Scores struct {
	Recency    *float64 `json:"recency,omitempty"`
	Frequency  *float64 `json:"frequency,omitempty"`
	Monetary   *float64 `json:"monetary,omitempty"`
	Lead       *float64 `json:"leadScore,omitempty"`
	Engagement *float64 `json:"engagementScore,omitempty"`
	Churn      *float64 `json:"churnScore,omitempty"`
}

type Contact struct {
	ID         string         `db:"id" json:"id"`
	TenantID   string         `db:"tenant_id" json:"tenant_id"`
	Email      string         `db:"email" json:"email,omitempty"`
	FirstName  string         `db:"first_name" json:"first_name"`
	LastName   string         `db:"last_name" json:"last_name"`
	LineUserID string         `db:"line_user_id" json:"line_user_id,omitempty"`
	LineOptIn  bool           `db:"line_opt_in" json:"line_opt_in"`
	EmailOptIn bool           `db:"email_opt_in" json:"email_opt_in"`
	Score      int            `db:"score" json:"score"`
	Attributes map[string]any `db:"attributes" json:"attributes,omitempty"`
	TagIDs     []string       `json:"tag_ids,omitempty"`
	TagNames   []string       `json:"tags,omitempty"`
	Scores     Scores         `json:"scores"`
}

// Identity returns the address used to reach the contact on ch and whether
// the contact may be messaged there at all.
func (c Contact) Identity(ch Channel) (string, bool) {
	switch ch {
	case ChannelLine:
		return c.LineUserID, c.LineUserID != "" && c.LineOptIn
	case ChannelEmail:
		return c.Email, c.Email != "" && c.EmailOptIn
	}
	return "", false
}

// Snapshot is the read-only view condition predicates are evaluated against.
// Keys follow the field names used by campaign editors (camelCase).
func (c Contact) Snapshot() map[string]any {
	snap := map[string]any{
		"id":         c.ID,
		"tenantId":   c.TenantID,
		"firstName":  c.FirstName,
		"lastName":   c.LastName,
		"lineOptIn":  c.LineOptIn,
		"emailOptIn": c.EmailOptIn,
		"score":      c.Score,
		"tags":       strings.Join(c.TagNames, ","),
		"tagIds":     strings.Join(c.TagIDs, ","),
	}
	if c.Email != "" {
		snap["email"] = c.Email
	}
	if c.LineUserID != "" {
		snap["lineUserId"] = c.LineUserID
	}
	if c.Attributes != nil {
		snap["attributes"] = c.Attributes
	}

	scores := map[string]any{}
	put := func(k ScoreField, v *float64) {
		if v != nil {
			scores[string(k)] = *v
		}
	}
	put(ScoreRecency, c.Scores.Recency)
	put(ScoreFrequency, c.Scores.Frequency)
	put(ScoreMonetary, c.Scores.Monetary)
	put(ScoreLead, c.Scores.Lead)
	put(ScoreEngagement, c.Scores.Engagement)
	put(ScoreChurn, c.Scores.Churn)
	snap["scores"] = scores
	return snap
}

// AudienceQuery selects the recipients of a broadcast.
type AudienceQuery struct {
	TenantID string
	Channel  Channel
	TagID    string // empty selects every opted-in contact of the tenant
}
