package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	appErrors "github.com/unclebandit/campaign-engine/internal/errors"
	"github.com/unclebandit/campaign-engine/internal/model"
	"github.com/unclebandit/campaign-engine/internal/repository"
	"github.com/unclebandit/campaign-engine/internal/schedule"
)

type EnrollmentService struct {
	CampaignRepo   repository.CampaignRepositoryInterface
	ContactRepo    repository.ContactRepositoryInterface
	EnrollmentRepo repository.EnrollmentRepositoryInterface
	Logger         *slog.Logger
	Now            func() time.Time
	NewID          func() string
}

// Enroll starts contactID on campaignID at step 1, due after the first step's delay.
func (s *EnrollmentService) Enroll(ctx context.Context, campaignID, contactID string) (*model.Enrollment, error) {
	c, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c.Status != model.CampaignActive {
		return nil, appErrors.ErrCampaignNotActive
	}
	if c.Type.IsBroadcast() {
		return nil, fmt.Errorf("%w: broadcast campaigns have no enrollments", appErrors.ErrInvalidTransition)
	}
	if s.ContactRepo != nil {
		if _, err := s.ContactRepo.GetByID(ctx, contactID); err != nil {
			return nil, err
		}
	}

	existing, err := s.EnrollmentRepo.FindInFlight(ctx, campaignID, contactID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, appErrors.ErrAlreadyEnrolled
	}

	now := s.Now()
	next := now
	if first, ok := c.StepAt(1); ok {
		next, err = schedule.NextRun(now, first.Delay, first.SendTime)
		if err != nil {
			return nil, fmt.Errorf("schedule first step: %w", err)
		}
	}

	e := &model.Enrollment{
		ID:          s.NewID(),
		CampaignID:  campaignID,
		ContactID:   contactID,
		Status:      model.EnrollmentActive,
		CurrentStep: 1,
		NextStepAt:  next,
		StartedAt:   now,
	}
	if err := s.EnrollmentRepo.Create(ctx, e); err != nil {
		return nil, err
	}
	s.Logger.Info("contact enrolled",
		slog.String("enrollment_id", e.ID),
		slog.String("campaign_id", campaignID),
		slog.String("contact_id", contactID),
		slog.Time("next_step_at", next))
	return e, nil
}

func (s *EnrollmentService) Get(ctx context.Context, id string) (*model.Enrollment, error) {
	return s.EnrollmentRepo.GetByID(ctx, id)
}

// Pause stops an ACTIVE enrollment from being picked up. A pass that already
// claimed it loses the claim and cannot persist its advance.
func (s *EnrollmentService) Pause(ctx context.Context, id string) (*model.Enrollment, error) {
	return s.transition(ctx, id, []model.EnrollmentStatus{model.EnrollmentActive}, model.EnrollmentPaused)
}

// Resume makes a PAUSED enrollment ACTIVE again at its stored position; if
// next_step_at already passed, it is due immediately.
func (s *EnrollmentService) Resume(ctx context.Context, id string) (*model.Enrollment, error) {
	return s.transition(ctx, id, []model.EnrollmentStatus{model.EnrollmentPaused}, model.EnrollmentActive)
}

func (s *EnrollmentService) Cancel(ctx context.Context, id string) (*model.Enrollment, error) {
	return s.transition(ctx, id, []model.EnrollmentStatus{model.EnrollmentActive, model.EnrollmentPaused}, model.EnrollmentCancelled)
}

func (s *EnrollmentService) transition(ctx context.Context, id string, from []model.EnrollmentStatus, to model.EnrollmentStatus) (*model.Enrollment, error) {
	e, err := s.EnrollmentRepo.Transition(ctx, id, from, to, s.Now())
	if err == nil {
		s.Logger.Info("enrollment status changed", slog.String("enrollment_id", id), slog.String("status", string(to)))
		return e, nil
	}
	if !errors.Is(err, appErrors.ErrStateChanged) {
		return nil, err
	}

	current, getErr := s.EnrollmentRepo.GetByID(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if current.Status.Terminal() {
		return nil, appErrors.ErrEnrollmentTerminal
	}
	return nil, fmt.Errorf("%w: %s to %s", appErrors.ErrInvalidTransition, current.Status, to)
}
