// Package closing pays the bonuses that depend on a whole period: the
// monthly fidelity and Top-SIGMA pools and the quarterly career ranks.
package closing

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
	"github.com/rsprolipsi/compensation/engine/pkg/ledger"
	"github.com/rsprolipsi/compensation/engine/pkg/metrics"
	"github.com/rsprolipsi/compensation/engine/pkg/period"
	"github.com/rsprolipsi/compensation/engine/pkg/ruleset"
)

// JournalStats answers cycle questions from the cycle journal. The closer
// only uses it to report cycles the journal is missing.
type JournalStats interface {
	CycleCount(ctx context.Context, period string) (int, error)
	RankCyclers(ctx context.Context, period string, limit int) ([]ledger.CyclerCount, error)
}

// ParticipantStats answers participant questions from the operational store.
type ParticipantStats interface {
	// FidelityEntries returns reentry counts per participant for reentries
	// created in [from, to).
	FidelityEntries(ctx context.Context, from, to time.Time) ([]bonus.FidelityEntry, error)
	// ActiveDirects returns the number of active direct sponsees of each id.
	ActiveDirects(ctx context.Context, participantIDs []string) (map[string]int, error)
	ListActiveParticipants(ctx context.Context) ([]string, error)
	// CareerSnapshot counts cycles compressed in [from, to).
	CareerSnapshot(ctx context.Context, participantID string, from, to time.Time) (bonus.CareerSnapshot, error)
	// CycleCounts returns cycles compressed in [from, to) per owner.
	CycleCounts(ctx context.Context, from, to time.Time) ([]ledger.CyclerCount, error)
}

type Config struct {
	Logger       *slog.Logger
	Ruleset      *ruleset.Ruleset
	Ledger       ledger.Gateway
	Participants ParticipantStats
	// Journal is optional; when set, month closing compares it with the
	// store and logs the owners whose cycles it is missing.
	Journal JournalStats

	MaxConcurrency int
	CallTimeout    time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ruleset == nil {
		return errors.New("ruleset is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger gateway is required")
	}
	if cfg.Participants == nil {
		return errors.New("participant stats are required")
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = time.Minute
	}
	return nil
}

type Closer struct {
	log        *slog.Logger
	cfg        Config
	calculator *bonus.Calculator
}

func New(cfg Config) (*Closer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	calculator, err := bonus.New(cfg.Ruleset)
	if err != nil {
		return nil, err
	}
	return &Closer{log: cfg.Logger, cfg: cfg, calculator: calculator}, nil
}

// Result summarises a closing run. Re-running a closed period pays nothing
// new: every credit is keyed by period, kind and participant.
type Result struct {
	Period           string
	Cycles           int
	Paid             decimal.Decimal
	CreditsApplied   int
	CreditsDuplicate int
	CreditsFailed    int
	Promotions       int
	// JournalMissing counts month cycles absent from the cycle journal.
	JournalMissing int
	Errors         []string
}

func (r *Result) Success() bool { return len(r.Errors) == 0 }

// CloseMonth pays the fidelity and Top-SIGMA pools for month. Cycles are
// counted from the matrices compressed within the month.
func (c *Closer) CloseMonth(ctx context.Context, month period.Month) (Result, error) {
	res := Result{Period: month.String(), Paid: decimal.Zero}
	log := c.log.With("period", res.Period)

	var cyclers []ledger.CyclerCount
	if err := c.call(ctx, func(ctx context.Context) error {
		var err error
		cyclers, err = c.cfg.Participants.CycleCounts(ctx, month.Start(), month.End())
		return err
	}); err != nil {
		metrics.ClosingRuns.WithLabelValues("month", "error").Inc()
		return res, fmt.Errorf("failed to count cycles for %s: %w", res.Period, err)
	}
	cycles := 0
	for _, cc := range cyclers {
		cycles += cc.Cycles
	}
	res.Cycles = cycles
	res.JournalMissing = c.checkJournal(ctx, log, res.Period, cyclers, cycles)
	if cycles == 0 {
		log.Info("closing: no cycles in month, nothing to pay")
		metrics.ClosingRuns.WithLabelValues("month", "success").Inc()
		return res, nil
	}

	var credits []ledger.Credit
	fidelity, err := c.fidelityCredits(ctx, month, cycles)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
	}
	credits = append(credits, fidelity...)

	top, err := c.topSigmaCredits(ctx, res.Period, cycles, cyclers)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
	}
	credits = append(credits, top...)

	for _, cr := range credits {
		c.apply(ctx, cr, &res)
	}

	status := "success"
	if !res.Success() {
		status = "partial"
	}
	metrics.ClosingRuns.WithLabelValues("month", status).Inc()
	log.Info("closing: month closed",
		"cycles", cycles,
		"fidelity_credits", len(fidelity),
		"top_sigma_credits", len(top),
		"paid", res.Paid.String(),
		"applied", res.CreditsApplied,
		"duplicates", res.CreditsDuplicate,
		"failed", res.CreditsFailed,
	)
	return res, nil
}

// checkJournal logs the owners whose month cycles are missing from the
// journal. It reports how many cycles are missing.
func (c *Closer) checkJournal(ctx context.Context, log *slog.Logger, per string, cyclers []ledger.CyclerCount, cycles int) int {
	if c.cfg.Journal == nil {
		return 0
	}
	var journaled int
	if err := c.call(ctx, func(ctx context.Context) error {
		var err error
		journaled, err = c.cfg.Journal.CycleCount(ctx, per)
		return err
	}); err != nil {
		log.Warn("closing: failed to read cycle journal", "error", err)
		return 0
	}
	if journaled >= cycles {
		metrics.JournalMissingCycles.Set(0)
		return 0
	}

	var recorded []ledger.CyclerCount
	if err := c.call(ctx, func(ctx context.Context) error {
		var err error
		recorded, err = c.cfg.Journal.RankCyclers(ctx, per, 0)
		return err
	}); err != nil {
		log.Warn("closing: failed to read cycle journal", "error", err)
		return 0
	}
	byOwner := make(map[string]int, len(recorded))
	for _, cc := range recorded {
		byOwner[cc.ParticipantID] = cc.Cycles
	}
	missing := 0
	var owners []string
	for _, cc := range cyclers {
		if n := cc.Cycles - byOwner[cc.ParticipantID]; n > 0 {
			missing += n
			owners = append(owners, cc.ParticipantID)
		}
	}
	metrics.JournalMissingCycles.Set(float64(missing))
	if missing > 0 {
		log.Warn("closing: cycle journal is missing cycles", "missing", missing, "owners", owners)
	}
	return missing
}

func (c *Closer) fidelityCredits(ctx context.Context, month period.Month, cycles int) ([]ledger.Credit, error) {
	var entries []bonus.FidelityEntry
	if err := c.call(ctx, func(ctx context.Context) error {
		var err error
		entries, err = c.cfg.Participants.FidelityEntries(ctx, month.Start(), month.End())
		return err
	}); err != nil {
		return nil, fmt.Errorf("fidelity: failed to load reentries: %w", err)
	}
	credits, err := c.calculator.FidelityPool(month.String(), cycles, entries)
	if err != nil {
		return nil, fmt.Errorf("fidelity: %w", err)
	}
	return credits, nil
}

// topSigmaCredits ranks every cycler of the month. Candidates are not cut
// before the active directs filter so ten qualified positions are paid
// whenever ten exist.
func (c *Closer) topSigmaCredits(ctx context.Context, per string, cycles int, cyclers []ledger.CyclerCount) ([]ledger.Credit, error) {
	if len(cyclers) == 0 {
		return nil, nil
	}

	ids := make([]string, len(cyclers))
	for i, cc := range cyclers {
		ids[i] = cc.ParticipantID
	}
	var directs map[string]int
	if err := c.call(ctx, func(ctx context.Context) error {
		var err error
		directs, err = c.cfg.Participants.ActiveDirects(ctx, ids)
		return err
	}); err != nil {
		return nil, fmt.Errorf("top sigma: failed to count active directs: %w", err)
	}

	candidates := make([]bonus.RankedParticipant, len(cyclers))
	for i, cc := range cyclers {
		candidates[i] = bonus.RankedParticipant{
			ParticipantID: cc.ParticipantID,
			Cycles:        cc.Cycles,
			ActiveDirects: directs[cc.ParticipantID],
		}
	}
	credits, err := c.calculator.TopSigmaPool(per, cycles, candidates)
	if err != nil {
		return nil, fmt.Errorf("top sigma: %w", err)
	}
	return credits, nil
}

// CloseQuarter evaluates the career rank of every active participant from
// the cycles compressed within quarter and pays newly reached ranks.
func (c *Closer) CloseQuarter(ctx context.Context, quarter period.Quarter) (Result, error) {
	res := Result{Period: quarter.String(), Paid: decimal.Zero}
	log := c.log.With("period", res.Period)

	var ids []string
	if err := c.call(ctx, func(ctx context.Context) error {
		var err error
		ids, err = c.cfg.Participants.ListActiveParticipants(ctx)
		return err
	}); err != nil {
		metrics.ClosingRuns.WithLabelValues("quarter", "error").Inc()
		return res, fmt.Errorf("failed to list active participants: %w", err)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			var snap bonus.CareerSnapshot
			err := c.call(gctx, func(ctx context.Context) error {
				var err error
				snap, err = c.cfg.Participants.CareerSnapshot(ctx, id, quarter.Start(), quarter.End())
				return err
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("participant %s: career snapshot: %v", id, err))
				return nil
			}
			cr, ok := c.calculator.Career(res.Period, snap)
			if !ok {
				return nil
			}
			if c.apply(gctx, cr, &res) {
				res.Promotions++
				log.Info("closing: career rank reached", "participant", id, "rank", cr.Reference, "reward", cr.Amount.String())
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		metrics.ClosingRuns.WithLabelValues("quarter", "error").Inc()
		return res, fmt.Errorf("career closing interrupted: %w", err)
	}

	status := "success"
	if !res.Success() {
		status = "partial"
	}
	metrics.ClosingRuns.WithLabelValues("quarter", status).Inc()
	log.Info("closing: quarter closed",
		"participants", len(ids),
		"promotions", res.Promotions,
		"paid", res.Paid.String(),
		"failed", res.CreditsFailed,
	)
	return res, nil
}

// apply credits cr and records the outcome in res. It reports whether the
// credit was newly applied.
func (c *Closer) apply(ctx context.Context, cr ledger.Credit, res *Result) bool {
	applied, err := c.cfg.Ledger.Credit(ctx, cr)
	switch {
	case err != nil:
		res.CreditsFailed++
		res.Errors = append(res.Errors, fmt.Sprintf("credit %s: %v", cr.IdempotencyKey, err))
		return false
	case !applied:
		res.CreditsDuplicate++
		return false
	}
	res.CreditsApplied++
	res.Paid = res.Paid.Add(cr.Amount)
	return true
}

func (c *Closer) call(ctx context.Context, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	return fn(callCtx)
}
