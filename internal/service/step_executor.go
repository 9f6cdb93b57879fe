package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/unclebandit/campaign-engine/internal/channel"
	"github.com/unclebandit/campaign-engine/internal/condition"
	appErrors "github.com/unclebandit/campaign-engine/internal/errors"
	"github.com/unclebandit/campaign-engine/internal/flow"
	"github.com/unclebandit/campaign-engine/internal/metrics"
	"github.com/unclebandit/campaign-engine/internal/model"
	"github.com/unclebandit/campaign-engine/internal/repository"
	"github.com/unclebandit/campaign-engine/internal/schedule"
)

type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeSkipped
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

// Outcome describes one executed step. AdvancedTo is the step the enrollment
// now waits on; Terminal means the enrollment completed.
type Outcome struct {
	Kind       OutcomeKind
	AdvancedTo *int
	Terminal   bool
	Reason     string
}

// ChannelRouter picks the outbound channel for a campaign type.
type ChannelRouter interface {
	For(t model.CampaignType) (channel.OutboundChannel, error)
}

// StepExecutor runs exactly one step of one claimed enrollment.
type StepExecutor struct {
	EnrollmentRepo repository.EnrollmentRepositoryInterface
	ContactRepo    repository.ContactRepositoryInterface
	Channels       ChannelRouter
	History        HistoryWriter
	Metrics        *metrics.Metrics
	Now            func() time.Time
}

// retryKeySpace namespaces the deterministic provider retry keys.
var retryKeySpace = uuid.MustParse("6f1c2a9e-3b7d-4e58-9a0c-5d2e8f4b7c61")

// Execute runs the enrollment's current step and persists the advance through
// the caller's claim (e.ClaimToken). Any error before the advance leaves the
// enrollment untouched and is returned with an OutcomeFailed.
func (x *StepExecutor) Execute(ctx context.Context, e model.Enrollment, cf *CampaignFlow) (Outcome, error) {
	out, err := x.execute(ctx, e, cf)
	if x.Metrics != nil {
		stepType := "none"
		if n, ok := cf.Graph.Node(e.CurrentStep); ok {
			stepType = string(n.Step().Type)
		}
		x.Metrics.StepOutcomes.WithLabelValues(stepType, out.Kind.String()).Inc()
	}
	return out, err
}

func (x *StepExecutor) execute(ctx context.Context, e model.Enrollment, cf *CampaignFlow) (Outcome, error) {
	c, g := cf.Campaign, cf.Graph
	if c.Status != model.CampaignActive {
		return Outcome{Kind: OutcomeSkipped, Reason: "campaign is " + string(c.Status)}, nil
	}

	node, ok := g.Node(e.CurrentStep)
	if !ok {
		return x.complete(ctx, e)
	}

	contact, err := x.ContactRepo.GetByID(ctx, e.ContactID)
	if err != nil {
		return failed(fmt.Errorf("load contact %s: %w", e.ContactID, err))
	}
	identity, reachable := contact.Identity(c.Type.Channel())
	if !reachable {
		return Outcome{Kind: OutcomeSkipped, Reason: string(c.Type.Channel()) + " identity or opt-in missing"}, nil
	}

	outcome := false
	switch n := node.(type) {
	case flow.MessageNode:
		if err := x.send(ctx, e, c, *contact, identity, n); err != nil {
			return failed(err)
		}
	case flow.WaitNode:
	case flow.ConditionNode:
		outcome = condition.Evaluate(n.Predicates, contact.Snapshot())
	case flow.ActionNode:
		if err := x.apply(ctx, contact.ID, n.Action); err != nil {
			return failed(fmt.Errorf("step %d action %s: %w", n.Order(), n.Action.Type, err))
		}
	}

	next, ok := g.Next(node, outcome)
	if !ok {
		return x.complete(ctx, e)
	}
	s := next.Step()
	at, err := schedule.NextRun(x.Now(), s.Delay, s.SendTime)
	if err != nil {
		return failed(fmt.Errorf("schedule step %d: %w", s.Order, err))
	}
	if err := x.EnrollmentRepo.Advance(ctx, e.ID, e.ClaimToken, s.Order, at); err != nil {
		return lost(err)
	}
	order := s.Order
	return Outcome{Kind: OutcomeSuccess, AdvancedTo: &order}, nil
}

func (x *StepExecutor) complete(ctx context.Context, e model.Enrollment) (Outcome, error) {
	if err := x.EnrollmentRepo.Complete(ctx, e.ID, e.ClaimToken, x.Now()); err != nil {
		return lost(err)
	}
	return Outcome{Kind: OutcomeSuccess, Terminal: true}, nil
}

func (x *StepExecutor) send(ctx context.Context, e model.Enrollment, c model.Campaign, contact model.Contact, identity string, n flow.MessageNode) error {
	ch, err := x.Channels.For(c.Type)
	if err != nil {
		return err
	}
	msg := RenderMessage(n.Message, contact)
	if err := ch.Send(channel.WithRetryKey(ctx, retryKey(e)), identity, msg); err != nil {
		return fmt.Errorf("send step %d: %w", n.Order(), err)
	}

	content, err := json.Marshal(msg)
	if err != nil {
		content = n.Step().Content
	}
	x.History.Append(ctx, model.MessageHistory{
		TenantID:   contact.TenantID,
		ContactID:  contact.ID,
		CampaignID: c.ID,
		StepID:     n.Step().ID,
		Channel:    c.Type.Channel(),
		Direction:  model.DirectionOutbound,
		Content:    content,
		CreatedAt:  x.Now(),
	})
	return nil
}

// retryKey is stable for one visit of one step, so a resend after a lost
// advance carries the same key.
func retryKey(e model.Enrollment) string {
	name := e.ID + "/" + strconv.Itoa(e.CurrentStep) + "/" + e.NextStepAt.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(retryKeySpace, []byte(name)).String()
}

func (x *StepExecutor) apply(ctx context.Context, contactID string, a model.ActionContent) error {
	switch a.Type {
	case model.ActionAddTag:
		if a.TagID == "" {
			return nil
		}
		return x.ContactRepo.AddTag(ctx, contactID, a.TagID)
	case model.ActionRemoveTag:
		if a.TagID == "" {
			return nil
		}
		return x.ContactRepo.RemoveTag(ctx, contactID, a.TagID)
	case model.ActionUpdateScore:
		if !a.ScoreField.Valid() || a.ScoreValue == nil {
			return nil
		}
		return x.ContactRepo.UpsertScore(ctx, contactID, a.ScoreField, *a.ScoreValue)
	}
	return fmt.Errorf("unknown action %q", a.Type)
}

func failed(err error) (Outcome, error) {
	return Outcome{Kind: OutcomeFailed, Reason: err.Error()}, err
}

// lost classifies a failed advance. A lost claim means someone else owns the
// row now, so the step counts as skipped.
func lost(err error) (Outcome, error) {
	if errors.Is(err, appErrors.ErrClaimLost) {
		return Outcome{Kind: OutcomeSkipped, Reason: err.Error()}, nil
	}
	return failed(fmt.Errorf("persist enrollment: %w", err))
}
