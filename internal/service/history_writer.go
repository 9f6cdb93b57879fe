package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/unclebandit/campaign-engine/internal/model"
	"github.com/unclebandit/campaign-engine/internal/queue"
	"github.com/unclebandit/campaign-engine/internal/repository"
)

const historyTopic = "message_history"

// HistoryWriter records delivered messages. Append never blocks the caller on
// persistence and never fails it.
type HistoryWriter interface {
	Append(ctx context.Context, h model.MessageHistory)
}

// AsyncHistoryWriter persists history rows on the queue's goroutines with retry.
type AsyncHistoryWriter struct {
	Queue  queue.Queue
	Logger *slog.Logger
}

// NewAsyncHistoryWriter subscribes the repository to the history topic of q.
func NewAsyncHistoryWriter(q queue.Queue, repo repository.MessageHistoryRepositoryInterface, logger *slog.Logger) (*AsyncHistoryWriter, error) {
	err := q.Subscribe(historyTopic, func(ctx context.Context, payload any) error {
		h, ok := payload.(model.MessageHistory)
		if !ok {
			logger.Error("dropping history payload of unexpected type", slog.String("type", fmt.Sprintf("%T", payload)))
			return nil
		}
		return repo.Create(ctx, &h)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", historyTopic, err)
	}
	return &AsyncHistoryWriter{Queue: q, Logger: logger}, nil
}

func (w *AsyncHistoryWriter) Append(_ context.Context, h model.MessageHistory) {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.Direction == "" {
		h.Direction = model.DirectionOutbound
	}
	if err := w.Queue.Publish(historyTopic, h); err != nil {
		w.Logger.Error("message history not recorded",
			slog.String("contact_id", h.ContactID),
			slog.String("campaign_id", h.CampaignID),
			slog.Any("error", err))
	}
}

var _ HistoryWriter = (*AsyncHistoryWriter)(nil)
