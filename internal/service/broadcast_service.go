package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	appErrors "github.com/unclebandit/campaign-engine/internal/errors"
	"github.com/unclebandit/campaign-engine/internal/flow"
	"github.com/unclebandit/campaign-engine/internal/metrics"
	"github.com/unclebandit/campaign-engine/internal/model"
	"github.com/unclebandit/campaign-engine/internal/repository"
)

// BroadcastResult counts recipients. Sent only includes chunks the channel accepted.
type BroadcastResult struct {
	CampaignID string `json:"campaign_id"`
	Recipients int    `json:"recipients"`
	Sent       int    `json:"sent"`
	Failed     int    `json:"failed"`
	Completed  bool   `json:"completed"`
}

// FlowInvalidator drops cached flows after a campaign changes.
type FlowInvalidator interface {
	Invalidate(campaignID string)
}

type BroadcastService struct {
	CampaignRepo repository.CampaignRepositoryInterface
	ContactRepo  repository.ContactRepositoryInterface
	Channels     ChannelRouter
	History      HistoryWriter
	Flows        FlowInvalidator
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	ChunkSize    int
	ChunkDelay   time.Duration
	Now          func() time.Time
}

// Broadcast sends the campaign's single message to every opted-in contact of
// its audience, in chunks with a pause between them, then marks the campaign
// COMPLETED if anything was delivered. Chunk failures are returned together
// alongside the partial result.
func (b *BroadcastService) Broadcast(ctx context.Context, campaignID string) (BroadcastResult, error) {
	result := BroadcastResult{CampaignID: campaignID}

	c, err := b.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return result, err
	}
	if !c.Type.IsBroadcast() {
		return result, appErrors.ErrNotBroadcast
	}
	if c.Status != model.CampaignDraft && c.Status != model.CampaignActive {
		return result, fmt.Errorf("%w: broadcast campaign is %s", appErrors.ErrCampaignNotActive, c.Status)
	}
	msg, step, err := broadcastMessage(*c)
	if err != nil {
		return result, err
	}
	ch, err := b.Channels.For(c.Type)
	if err != nil {
		return result, err
	}

	q := model.AudienceQuery{TenantID: c.TenantID, Channel: c.Type.Channel()}
	if c.SegmentID != nil {
		q.TagID = *c.SegmentID
	}
	contacts, err := b.ContactRepo.ListAudience(ctx, q)
	if err != nil {
		return result, fmt.Errorf("select audience: %w", err)
	}

	type recipient struct {
		identity string
		contact  model.Contact
	}
	recipients := make([]recipient, 0, len(contacts))
	for _, k := range contacts {
		if id, ok := k.Identity(q.Channel); ok {
			recipients = append(recipients, recipient{identity: id, contact: k})
		}
	}
	result.Recipients = len(recipients)
	if len(recipients) == 0 {
		b.Logger.Info("broadcast has no recipients", slog.String("campaign_id", campaignID))
		return result, nil
	}

	content, _ := json.Marshal(msg)
	size := max(b.ChunkSize, 1)
	var errs *multierror.Error
	for start := 0; start < len(recipients); start += size {
		if start > 0 && !b.pause(ctx) {
			errs = multierror.Append(errs, ctx.Err())
			result.Failed += len(recipients) - start
			break
		}
		end := min(start+size, len(recipients))
		chunk := recipients[start:end]
		to := make([]string, len(chunk))
		for i, r := range chunk {
			to[i] = r.identity
		}

		if err := ch.Multicast(ctx, to, msg); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("chunk %d-%d: %w", start, end-1, err))
			result.Failed += len(chunk)
			b.count(q.Channel, "error", len(chunk))
			continue
		}
		result.Sent += len(chunk)
		b.count(q.Channel, "success", len(chunk))
		for _, r := range chunk {
			b.History.Append(ctx, model.MessageHistory{
				TenantID:   c.TenantID,
				ContactID:  r.contact.ID,
				CampaignID: c.ID,
				StepID:     step.ID,
				Channel:    q.Channel,
				Direction:  model.DirectionOutbound,
				Content:    content,
				CreatedAt:  b.Now(),
			})
		}
	}

	if result.Sent > 0 {
		from := []model.CampaignStatus{model.CampaignDraft, model.CampaignActive}
		if err := b.CampaignRepo.UpdateStatus(context.WithoutCancel(ctx), c.ID, from, model.CampaignCompleted); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("mark campaign completed: %w", err))
		} else {
			result.Completed = true
			if b.Flows != nil {
				b.Flows.Invalidate(c.ID)
			}
		}
	}

	b.Logger.Info("broadcast finished",
		slog.String("campaign_id", campaignID),
		slog.Int("recipients", result.Recipients),
		slog.Int("sent", result.Sent),
		slog.Int("failed", result.Failed))
	return result, errs.ErrorOrNil()
}

// broadcastMessage returns the message of the campaign's first step.
func broadcastMessage(c model.Campaign) (model.MessageContent, model.Step, error) {
	g, err := flow.Build(c)
	if err != nil {
		return model.MessageContent{}, model.Step{}, &appErrors.ErrInvalidFlow{CampaignID: c.ID, Problems: []string{err.Error()}}
	}
	first, ok := g.First()
	if !ok {
		return model.MessageContent{}, model.Step{}, &appErrors.ErrInvalidFlow{CampaignID: c.ID, Problems: []string{"broadcast has no step"}}
	}
	m, ok := first.(flow.MessageNode)
	if !ok {
		return model.MessageContent{}, model.Step{}, &appErrors.ErrInvalidFlow{CampaignID: c.ID, Problems: []string{"broadcast step is not a MESSAGE"}}
	}
	return m.Message, m.Step(), nil
}

func (b *BroadcastService) pause(ctx context.Context) bool {
	if b.ChunkDelay <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(b.ChunkDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (b *BroadcastService) count(ch model.Channel, status string, n int) {
	if b.Metrics != nil {
		b.Metrics.BroadcastRecipients.WithLabelValues(string(ch), status).Add(float64(n))
	}
}
