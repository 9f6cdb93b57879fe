package service

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/campaign-engine/internal/metrics"
	"github.com/unclebandit/campaign-engine/internal/model"
	"github.com/unclebandit/campaign-engine/internal/repository"
)

// PassResult tallies one scheduler pass. Contended counts enrollments another
// worker claimed first; they were not touched by this pass.
type PassResult struct {
	Success   int `json:"success"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Contended int `json:"contended"`
}

// PassLock keeps overlapping worker processes from polling at the same time.
// Correctness does not depend on it; the per-row claim does.
type PassLock interface {
	TryLock(ctx context.Context) (unlock func(context.Context) error, ok bool, err error)
}

// StepRunner executes one step of a claimed enrollment.
type StepRunner interface {
	Execute(ctx context.Context, e model.Enrollment, cf *CampaignFlow) (Outcome, error)
}

type Scheduler struct {
	EnrollmentRepo repository.EnrollmentRepositoryInterface
	Flows          FlowSource
	Executor       StepRunner
	Lock           PassLock
	Logger         *slog.Logger
	Metrics        *metrics.Metrics

	BatchSize int
	Workers   int
	ClaimTTL  time.Duration

	Now      func() time.Time
	NewToken func() string
}

// RunPass processes up to BatchSize due enrollments, oldest-due first, one
// step each. A failure in one enrollment never aborts the others.
func (s *Scheduler) RunPass(ctx context.Context) (PassResult, error) {
	start := time.Now()
	var result PassResult

	due, err := s.EnrollmentRepo.FindDue(ctx, s.Now(), s.BatchSize)
	if err != nil {
		s.observePass("error", start)
		return result, fmt.Errorf("find due enrollments: %w", err)
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(max(s.Workers, 1))
	for _, e := range due {
		e := e
		g.Go(func() error {
			kind := s.process(ctx, e)
			mu.Lock()
			defer mu.Unlock()
			switch kind {
			case OutcomeSuccess:
				result.Success++
			case OutcomeSkipped:
				result.Skipped++
			case OutcomeFailed:
				result.Failed++
			default:
				result.Contended++
			}
			return nil
		})
	}
	_ = g.Wait()

	s.Logger.Info("scheduler pass finished",
		slog.Int("due", len(due)),
		slog.Int("success", result.Success),
		slog.Int("failed", result.Failed),
		slog.Int("skipped", result.Skipped),
		slog.Int("contended", result.Contended),
		slog.Duration("elapsed", time.Since(start)))
	s.observePass("ok", start)
	return result, nil
}

// contended is returned by process when the claim was lost to another worker.
const contended OutcomeKind = -1

func (s *Scheduler) process(ctx context.Context, e model.Enrollment) (kind OutcomeKind) {
	log := s.Logger.With(
		slog.String("enrollment_id", e.ID),
		slog.String("campaign_id", e.CampaignID),
		slog.Int("step", e.CurrentStep))

	now := s.Now()
	token := s.NewToken()
	won, err := s.EnrollmentRepo.Claim(ctx, e.ID, e.Version, token, now, now.Add(s.ClaimTTL))
	if err != nil {
		log.Error("claim failed", slog.Any("error", err))
		return OutcomeFailed
	}
	if !won {
		log.Debug("enrollment claimed elsewhere")
		return contended
	}
	e.ClaimToken = token
	e.Version++

	release := true
	defer func() {
		if r := recover(); r != nil {
			log.Error("step panicked", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			kind = OutcomeFailed
		}
		if release {
			if err := s.EnrollmentRepo.Release(context.WithoutCancel(ctx), e.ID, token); err != nil {
				log.Warn("claim release failed, lease will expire", slog.Any("error", err))
			}
		}
	}()

	cf, err := s.Flows.Get(ctx, e.CampaignID)
	if err != nil {
		log.Error("load campaign flow failed", slog.Any("error", err))
		return OutcomeFailed
	}

	out, err := s.Executor.Execute(ctx, e, cf)
	switch out.Kind {
	case OutcomeSuccess:
		release = false
		attrs := []any{slog.Bool("terminal", out.Terminal)}
		if out.AdvancedTo != nil {
			attrs = append(attrs, slog.Int("advanced_to", *out.AdvancedTo))
		}
		log.Info("step executed", attrs...)
	case OutcomeSkipped:
		log.Info("step skipped", slog.String("reason", out.Reason))
	default:
		log.Error("step failed", slog.Any("error", err))
	}
	return out.Kind
}

func (s *Scheduler) observePass(result string, start time.Time) {
	if s.Metrics == nil {
		return
	}
	s.Metrics.PassTotal.WithLabelValues(result).Inc()
	s.Metrics.PassDuration.Observe(time.Since(start).Seconds())
}

// Start runs passes on the cron spec until ctx is cancelled. A pass still
// running when the next tick fires causes that tick to be skipped.
func (s *Scheduler) Start(ctx context.Context, spec string, loc *time.Location) error {
	cronLog := cron.PrintfLogger(slog.NewLogLogger(s.Logger.Handler(), slog.LevelInfo))
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	tick := func() {
		if _, _, err := s.RunLockedPass(ctx); err != nil {
			s.Logger.Error("scheduler pass failed", slog.Any("error", err))
		}
	}
	if _, err := c.AddFunc(spec, tick); err != nil {
		return fmt.Errorf("scheduler spec %q: %w", spec, err)
	}

	c.Start()
	s.Logger.Info("scheduler started", slog.String("spec", spec))
	<-ctx.Done()
	<-c.Stop().Done()
	s.Logger.Info("scheduler stopped")
	return nil
}

// RunLockedPass runs a pass while holding the pass lock. ran is false when
// another worker holds the lock.
func (s *Scheduler) RunLockedPass(ctx context.Context) (result PassResult, ran bool, err error) {
	if s.Lock != nil {
		unlock, ok, err := s.Lock.TryLock(ctx)
		if err != nil {
			return result, false, fmt.Errorf("pass lock: %w", err)
		}
		if !ok {
			s.Logger.Info("another worker holds the pass lock")
			s.observePass("locked", time.Now())
			return result, false, nil
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				s.Logger.Warn("pass lock release failed", slog.Any("error", err))
			}
		}()
	}
	result, err = s.RunPass(ctx)
	return result, true, err
}

// NewClaimToken returns a random claim token.
func NewClaimToken() string { return uuid.NewString() }
