// internal/model/step.go
package model

import "encoding/json"

type StepType string

const (
	StepMessage   StepType = "MESSAGE"
	StepWait      StepType = "WAIT"
	StepCondition StepType = "CONDITION"
	StepAction    StepType = "ACTION"
)

// Delay is applied when an enrollment advances onto the step that carries it.
type Delay struct {
	Days    int `json:"delay_days"`
	Hours   int `json:"delay_hours"`
	Minutes int `json:"delay_minutes"`
}

func (d Delay) IsZero() bool {
	return d.Days == 0 && d.Hours == 0 && d.Minutes == 0
}

type Step struct {
	ID               string          `db:"id" json:"id"`
	CampaignID       string          `db:"campaign_id" json:"campaign_id"`
	Order            int             `db:"step_order" json:"order"`
	Type             StepType        `db:"type" json:"type"`
	Delay            Delay           `json:"delay"`
	SendTime         string          `db:"send_time" json:"send_time,omitempty"`
	Content          json.RawMessage `db:"content" json:"content,omitempty"`
	Conditions       []Predicate     `db:"conditions" json:"conditions,omitempty"`
	TrueBranchOrder  *int            `db:"true_branch_order" json:"true_branch_order,omitempty"`
	FalseBranchOrder *int            `db:"false_branch_order" json:"false_branch_order,omitempty"`
}

// MessageContent is the payload of a MESSAGE step (and of a broadcast's single step).
type MessageContent struct {
	Type     string          `json:"type"` // text, flex
	Text     string          `json:"text,omitempty"`
	Subject  string          `json:"subject,omitempty"`
	AltText  string          `json:"altText,omitempty"`
	Contents json.RawMessage `json:"contents,omitempty"`
}

type ActionType string

const (
	ActionAddTag      ActionType = "add_tag"
	ActionRemoveTag   ActionType = "remove_tag"
	ActionUpdateScore ActionType = "update_score"
)

// ActionContent is the payload of an ACTION step.
type ActionContent struct {
	Type       ActionType `json:"type"`
	TagID      string     `json:"tagId,omitempty"`
	ScoreField ScoreField `json:"scoreField,omitempty"`
	ScoreValue *float64   `json:"scoreValue,omitempty"`
}

type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
)

type Predicate struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}
