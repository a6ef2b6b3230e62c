package compression

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/rsprolipsi/compensation/engine/pkg/bonus"
	"github.com/rsprolipsi/compensation/engine/pkg/genealogy"
	"github.com/rsprolipsi/compensation/engine/pkg/ledger"
	"github.com/rsprolipsi/compensation/engine/pkg/matrix"
	"github.com/rsprolipsi/compensation/engine/pkg/metrics"
	"github.com/rsprolipsi/compensation/engine/pkg/overflow"
	"github.com/rsprolipsi/compensation/engine/pkg/period"
	"github.com/rsprolipsi/compensation/engine/pkg/reentry"
	"github.com/rsprolipsi/compensation/utils/pkg/keylock"
)

// ErrPassInProgress is returned when a pass is requested while another one
// is still running.
var ErrPassInProgress = errors.New("compression: pass already in progress")

// Engine runs compression passes: completed matrices are compressed and
// paid, pending overflow is placed, and reentries are created.
type Engine struct {
	log        *slog.Logger
	cfg        Config
	calculator *bonus.Calculator
	resolver   *genealogy.Resolver
	router     *overflow.Router
	reentries  *reentry.Scheduler
	matrixLock *keylock.Map

	passMu sync.Mutex

	resultMu   sync.RWMutex
	lastResult *Result

	readyOnce sync.Once
	readyCh   chan struct{}
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	calculator, err := bonus.New(cfg.Ruleset)
	if err != nil {
		return nil, fmt.Errorf("failed to create bonus calculator: %w", err)
	}
	resolver, err := genealogy.NewResolver(genealogy.ResolverConfig{
		Logger:      cfg.Logger,
		Source:      cfg.Genealogy,
		CallTimeout: cfg.CallTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genealogy resolver: %w", err)
	}
	router, err := overflow.NewRouter(overflow.RouterConfig{
		Logger:      cfg.Logger,
		Store:       cfg.Store,
		Resolver:    resolver,
		CallTimeout: cfg.CallTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create overflow router: %w", err)
	}
	scheduler, err := reentry.NewScheduler(reentry.SchedulerConfig{
		Logger:      cfg.Logger,
		Store:       cfg.Store,
		Ruleset:     cfg.Ruleset,
		CallTimeout: cfg.CallTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reentry scheduler: %w", err)
	}

	return &Engine{
		log:        cfg.Logger,
		cfg:        cfg,
		calculator: calculator,
		resolver:   resolver,
		router:     router,
		reentries:  scheduler,
		matrixLock: keylock.New(),
		readyCh:    make(chan struct{}),
	}, nil
}

// Ready reports whether at least one pass has finished.
func (e *Engine) Ready() bool {
	select {
	case <-e.readyCh:
		return true
	default:
		return false
	}
}

// LastResult returns the result of the most recent finished pass.
func (e *Engine) LastResult() (Result, bool) {
	e.resultMu.RLock()
	defer e.resultMu.RUnlock()
	if e.lastResult == nil {
		return Result{}, false
	}
	return *e.lastResult, true
}

// Start runs a pass immediately and then on every RunInterval tick until
// ctx is done.
func (e *Engine) Start(ctx context.Context) {
	go func() {
		e.log.Info("compression: starting pass loop", "interval", e.cfg.RunInterval, "ruleset", e.cfg.Ruleset.Version)

		e.safeRun(ctx)

		ticker := e.cfg.Clock.NewTicker(e.cfg.RunInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				e.safeRun(ctx)
			}
		}
	}()
}

func (e *Engine) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("compression: pass panicked", "panic", r)
			metrics.PassTotal.WithLabelValues("panic").Inc()
		}
	}()

	if _, err := e.RunFullCompression(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, ErrPassInProgress) {
			return
		}
		e.log.Error("compression: pass failed", "error", err)
	}
}

// RunFullCompression runs one reconciliation pass. Per-item failures are
// collected in the result and do not stop the pass; an error is returned
// only when work cannot be listed at all or another pass is running.
// Cancelling ctx stops the pass before the next item; the item in flight
// completes.
func (e *Engine) RunFullCompression(ctx context.Context) (Result, error) {
	if !e.passMu.TryLock() {
		metrics.PassTotal.WithLabelValues("skipped").Inc()
		e.log.Warn("compression: pass skipped, previous pass still running")
		return Result{}, ErrPassInProgress
	}
	defer e.passMu.Unlock()

	now := e.cfg.Clock.Now()
	t := &tally{res: Result{
		StartedAt: now,
		Period:    period.MonthOf(now, e.cfg.Ruleset.Location()).String(),
		Success:   true,
	}, quarter: period.QuarterOf(now, e.cfg.Ruleset.Location())}
	e.log.Info("compression: pass started", "period", t.res.Period)

	err := e.run(ctx, now, t)
	if err != nil {
		t.add(func(r *Result) {
			r.Success = false
			r.Errors = append(r.Errors, err.Error())
		})
	}

	res := t.result()
	res.Duration = e.cfg.Clock.Since(now)
	e.finish(ctx, res)
	return res, err
}

func (e *Engine) run(ctx context.Context, now time.Time, t *tally) error {
	if err := e.compressCompleted(ctx, t); err != nil {
		return err
	}
	if err := e.placeOverflow(ctx, t); err != nil {
		return err
	}
	return e.processReentries(ctx, now, t)
}

func (e *Engine) finish(ctx context.Context, res Result) {
	status := "success"
	if !res.Success {
		status = "failed"
	}
	metrics.PassTotal.WithLabelValues(status).Inc()
	metrics.PassDuration.Observe(res.Duration.Seconds())

	e.log.Info("compression: pass completed",
		"period", res.Period,
		"success", res.Success,
		"duration", res.Duration.String(),
		"matrices_compressed", res.MatricesCompressed,
		"slots_redistributed", res.SlotsRedistributed,
		"new_matrices", res.NewMatricesCreated,
		"reentries_forfeited", res.ReentriesForfeited,
		"credits_applied", res.CreditsApplied,
		"credits_failed", res.CreditsFailed,
		"errors", len(res.Errors),
	)

	e.resultMu.Lock()
	e.lastResult = &res
	e.resultMu.Unlock()
	e.readyOnce.Do(func() { close(e.readyCh) })

	hookCtx := context.WithoutCancel(ctx)
	for _, hook := range e.cfg.Hooks {
		hook(hookCtx, res)
	}
}

// detached returns a context that outlives pass cancellation so an item in
// flight can finish. Each call below still runs under CallTimeout.
func detached(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func (e *Engine) withTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	return fn(callCtx)
}

func cancelled(ctx context.Context, step string, remaining int) error {
	if ctx.Err() == nil {
		return nil
	}
	return fmt.Errorf("pass cancelled during %s with %d items left: %w", step, remaining, ctx.Err())
}

func (e *Engine) compressCompleted(ctx context.Context, t *tally) error {
	var completed []matrix.Matrix
	err := e.withTimeout(detached(ctx), func(ctx context.Context) error {
		var err error
		completed, err = e.cfg.Store.ListCompletedMatrices(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to list completed matrices: %w", err)
	}
	if len(completed) == 0 {
		return nil
	}
	e.log.Debug("compression: compressing matrices", "count", len(completed))

	g := new(errgroup.Group)
	g.SetLimit(e.cfg.MaxConcurrency)
	var stopErr error
	for i, m := range completed {
		if err := cancelled(ctx, "compression", len(completed)-i); err != nil {
			stopErr = err
			break
		}
		g.Go(func() error {
			e.compressMatrix(detached(ctx), m, t)
			return nil
		})
	}
	_ = g.Wait()
	return stopErr
}

func (e *Engine) compressMatrix(ctx context.Context, m matrix.Matrix, t *tally) {
	unlock := e.matrixLock.Lock(m.ID)
	defer unlock()

	itemErr := func(format string, args ...any) {
		metrics.PassItemErrors.WithLabelValues("compress").Inc()
		t.errorf("matrix %s: "+format, append([]any{m.ID}, args...)...)
	}

	err := e.withTimeout(ctx, func(ctx context.Context) error {
		return e.cfg.Store.UpdateMatrixStatus(ctx, m.ID, matrix.StatusCompressed)
	})
	if errors.Is(err, matrix.ErrInvalidTransition) {
		e.log.Debug("compression: matrix already compressed elsewhere", "matrix", m.ID)
		return
	}
	if err != nil {
		itemErr("failed to mark compressed: %v", err)
		return
	}
	metrics.MatricesCompressed.Inc()
	t.add(func(r *Result) { r.MatricesCompressed++ })

	per := t.periodTag()
	ev := bonus.CycleEvent{MatrixID: m.ID, OwnerID: m.OwnerID, Level: m.Level, Period: per}

	upline, err := e.resolver.Upline(ctx, m.OwnerID, len(e.cfg.Ruleset.Depth.Weights))
	if err != nil {
		itemErr("upline resolved to %d levels: %v", len(upline), err)
	}
	ev.Upline = upline

	if e.cfg.Career != nil {
		var snap bonus.CareerSnapshot
		err := e.withTimeout(ctx, func(ctx context.Context) error {
			var err error
			snap, err = e.cfg.Career.CareerSnapshot(ctx, m.OwnerID, t.quarter.Start(), t.quarter.End())
			return err
		})
		if err != nil {
			itemErr("career snapshot: %v", err)
		} else {
			ev.Career = &snap
		}
	}

	bonusPaid := decimal.Zero
	for _, c := range e.calculator.Compute(ev) {
		_, err := e.cfg.Ledger.Credit(ctx, c)
		if err != nil {
			itemErr("credit %s: %v", c.IdempotencyKey, err)
			t.add(func(r *Result) { r.CreditsFailed++ })
			continue
		}
		t.add(func(r *Result) { r.CreditsApplied++ })
		if c.Kind == ledger.KindCycle {
			bonusPaid = bonusPaid.Add(c.Amount)
		}
	}

	err = e.cfg.Ledger.RecordCycleSummary(ctx, ledger.CycleSummary{
		OwnerID:    m.OwnerID,
		MatrixID:   m.ID,
		Level:      m.Level,
		CycleValue: e.cfg.Ruleset.Cycle.Base,
		BonusPaid:  bonusPaid,
		Period:     per,
		Metadata: map[string]string{
			"matrix_id":       m.ID,
			"level":           fmt.Sprint(m.Level),
			"ruleset_version": e.cfg.Ruleset.Version,
			"upline_levels":   fmt.Sprint(len(upline)),
		},
	})
	if err != nil {
		itemErr("cycle summary: %v", err)
	}

	e.log.Info("compression: matrix compressed", "matrix", m.ID, "owner", m.OwnerID, "period", per, "bonus_paid", bonusPaid.String())
}

func (e *Engine) placeOverflow(ctx context.Context, t *tally) error {
	var pending []matrix.OverflowRecord
	err := e.withTimeout(detached(ctx), func(ctx context.Context) error {
		var err error
		pending, err = e.cfg.Store.ListPendingOverflow(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to list pending overflow: %w", err)
	}

	// Sequential in Seq order: an earlier record always gets the first
	// chance at a slot.
	for i, rec := range pending {
		if err := cancelled(ctx, "overflow", len(pending)-i); err != nil {
			return err
		}
		placement, err := e.router.Fill(detached(ctx), rec)
		if err != nil {
			metrics.PassItemErrors.WithLabelValues("overflow").Inc()
			t.errorf("overflow %s (participant %s): %v", rec.ID, rec.ParticipantID, err)
			continue
		}
		if placement != nil {
			t.add(func(r *Result) { r.SlotsRedistributed++ })
		}
	}
	return nil
}

func (e *Engine) processReentries(ctx context.Context, now time.Time, t *tally) error {
	var pending []matrix.Matrix
	err := e.withTimeout(detached(ctx), func(ctx context.Context) error {
		var err error
		pending, err = e.cfg.Store.ListReentryPending(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to list pending reentries: %w", err)
	}

	for i, m := range pending {
		if err := cancelled(ctx, "reentry", len(pending)-i); err != nil {
			return err
		}
		res, err := e.processReentry(detached(ctx), m, now)
		if err != nil {
			metrics.PassItemErrors.WithLabelValues("reentry").Inc()
			t.errorf("reentry %s (owner %s): %v", m.ID, m.OwnerID, err)
			continue
		}
		switch res.Outcome {
		case reentry.OutcomeCreated:
			t.add(func(r *Result) { r.NewMatricesCreated++ })
		case reentry.OutcomeForfeited:
			t.add(func(r *Result) { r.ReentriesForfeited++ })
		}
	}
	return nil
}

func (e *Engine) processReentry(ctx context.Context, m matrix.Matrix, now time.Time) (reentry.Result, error) {
	unlock := e.matrixLock.Lock(m.ID)
	defer unlock()
	return e.reentries.Process(ctx, m, now)
}
