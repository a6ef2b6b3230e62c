package reentry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rsprolipsi/compensation/engine/pkg/matrix"
	"github.com/rsprolipsi/compensation/engine/pkg/metrics"
	"github.com/rsprolipsi/compensation/engine/pkg/period"
	"github.com/rsprolipsi/compensation/engine/pkg/ruleset"
)

type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeForfeited Outcome = "forfeited"
)

type SchedulerConfig struct {
	Logger      *slog.Logger
	Store       matrix.Store
	Ruleset     *ruleset.Ruleset
	CallTimeout time.Duration
}

func (cfg *SchedulerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("matrix store is required")
	}
	if cfg.Ruleset == nil {
		return errors.New("ruleset is required")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return nil
}

// Scheduler creates reentry matrices for compressed matrices, up to the
// monthly cap per owner. A reentry over the cap is forfeited, not deferred.
type Scheduler struct {
	log *slog.Logger
	cfg SchedulerConfig
}

func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{log: cfg.Logger, cfg: cfg}, nil
}

// CountReentriesThisMonth counts the participant's reentries created since
// the start of now's month in the ruleset timezone.
func (s *Scheduler) CountReentriesThisMonth(ctx context.Context, participantID string, now time.Time) (int, error) {
	since := period.MonthOf(now, s.cfg.Ruleset.Location()).Start()
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	n, err := s.cfg.Store.CountReentriesSince(callCtx, participantID, since)
	if err != nil {
		return 0, fmt.Errorf("failed to count reentries of %s: %w", participantID, err)
	}
	return n, nil
}

// Result describes what Process did with a compressed matrix.
type Result struct {
	Outcome Outcome
	// Matrix is the new reentry matrix when Outcome is OutcomeCreated.
	Matrix matrix.Matrix
	// Count is the owner's reentries this month before this decision.
	Count int
}

// Process handles the reentry of compressed matrix m. Under the cap a new
// matrix is created and m is marked processed in one store call; at the cap
// m is marked processed without a new matrix.
func (s *Scheduler) Process(ctx context.Context, m matrix.Matrix, now time.Time) (Result, error) {
	count, err := s.CountReentriesThisMonth(ctx, m.OwnerID, now)
	if err != nil {
		return Result{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	if count < s.cfg.Ruleset.ReentryMonthlyCap {
		created, err := s.cfg.Store.CreateReentryMatrix(callCtx, m.ID, s.cfg.Ruleset.Matrix.Width)
		if err != nil {
			metrics.Reentries.WithLabelValues("error").Inc()
			return Result{}, fmt.Errorf("failed to create reentry for %s: %w", m.ID, err)
		}
		metrics.Reentries.WithLabelValues(string(OutcomeCreated)).Inc()
		s.log.Info("reentry: matrix created", "owner", m.OwnerID, "source", m.ID, "matrix", created.ID, "month_count", count+1)
		return Result{Outcome: OutcomeCreated, Matrix: created, Count: count}, nil
	}

	if err := s.cfg.Store.MarkReentryProcessed(callCtx, m.ID); err != nil {
		metrics.Reentries.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("failed to forfeit reentry for %s: %w", m.ID, err)
	}
	metrics.Reentries.WithLabelValues(string(OutcomeForfeited)).Inc()
	s.log.Info("reentry: monthly cap reached, reentry forfeited", "owner", m.OwnerID, "source", m.ID, "month_count", count, "cap", s.cfg.Ruleset.ReentryMonthlyCap)
	return Result{Outcome: OutcomeForfeited, Count: count}, nil
}
