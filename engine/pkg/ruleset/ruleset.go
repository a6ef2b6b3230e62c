package ruleset

import (
	"errors"
	"fmt"
	"time"
	_ "time/tzdata" // ruleset timezones must resolve on minimal images

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"

	"github.com/rsprolipsi/compensation/engine/pkg/money"
)

// Percentages are expressed in percent units: 30 means 30%.

type Cycle struct {
	Base      decimal.Decimal `yaml:"base"`
	PayoutPct decimal.Decimal `yaml:"payout_pct"`
}

type Matrix struct {
	Width       int `yaml:"width"`
	Depth       int `yaml:"depth"`
	LevelTarget int `yaml:"level_target"`
}

type DepthBonus struct {
	TotalPct decimal.Decimal   `yaml:"total_pct"`
	Weights  []decimal.Decimal `yaml:"weights"`
}

type FidelityWeighting string

const (
	FidelityWeightingEqual   FidelityWeighting = "equal"
	FidelityWeightingEntries FidelityWeighting = "entries"
)

type Fidelity struct {
	PoolPct      decimal.Decimal   `yaml:"pool_pct"`
	MinReentries int               `yaml:"min_reentries"`
	Weighting    FidelityWeighting `yaml:"weighting"`
}

type TopSigma struct {
	PoolPct decimal.Decimal   `yaml:"pool_pct"`
	Weights []decimal.Decimal `yaml:"weights"`
}

// Rank is one step of the career plan. VMEC caps how much of the cycle
// count a single direct line may contribute, per line, largest first.
type Rank struct {
	Code           string            `yaml:"code"`
	Name           string            `yaml:"name"`
	RequiredCycles int               `yaml:"required_cycles"`
	MinDirects     int               `yaml:"min_directs"`
	VMEC           []decimal.Decimal `yaml:"vmec"`
	Reward         decimal.Decimal   `yaml:"reward"`
}

type Career struct {
	PoolPct decimal.Decimal `yaml:"pool_pct"`
	Ranks   []Rank          `yaml:"ranks"`
}

// Ruleset is the versioned configuration every calculation reads from.
// Values returned by Load and Default are validated and must be treated as
// read-only.
type Ruleset struct {
	Version               string          `yaml:"version"`
	Currency              string          `yaml:"currency"`
	Precision             int32           `yaml:"precision"`
	Timezone              string          `yaml:"timezone"`
	Cycle                 Cycle           `yaml:"cycle"`
	Matrix                Matrix          `yaml:"matrix"`
	Depth                 DepthBonus      `yaml:"depth_bonus"`
	Fidelity              Fidelity        `yaml:"fidelity"`
	TopSigma              TopSigma        `yaml:"top_sigma"`
	Career                Career          `yaml:"career"`
	DirectsRequired       int             `yaml:"directs_required"`
	ReentryMonthlyCap     int             `yaml:"reentry_monthly_cap"`
	PointsPerCurrencyUnit decimal.Decimal `yaml:"points_per_currency_unit"`

	loc *time.Location
}

const MaxTopSigmaPositions = 10

var hundred = decimal.NewFromInt(100)

// Validate checks every invariant and resolves the timezone. All problems
// are reported together.
func (r *Ruleset) Validate() error {
	r.normalize()

	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if r.Version == "" {
		add("version is required")
	}
	if r.Precision < 0 || r.Precision > 8 {
		add("precision must be between 0 and 8, got %d", r.Precision)
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		add("invalid timezone %q: %w", r.Timezone, err)
	} else {
		r.loc = loc
	}

	if !r.Cycle.Base.IsPositive() {
		add("cycle base must be positive")
	}
	checkPct(add, "cycle payout", r.Cycle.PayoutPct)

	if r.Matrix.Width <= 0 {
		add("matrix width must be positive")
	}
	if r.Matrix.Depth <= 0 {
		add("matrix depth must be positive")
	}
	if r.Matrix.LevelTarget < 0 {
		add("matrix level target must not be negative")
	}

	checkPct(add, "depth total", r.Depth.TotalPct)
	if len(r.Depth.Weights) == 0 {
		add("depth weights are required")
	}
	if len(r.Depth.Weights) > r.Matrix.Depth && r.Matrix.Depth > 0 {
		add("depth weights cover %d levels but matrix depth is %d", len(r.Depth.Weights), r.Matrix.Depth)
	}
	if err := checkWeightsSumTo100(r.Depth.Weights); err != nil {
		add("depth weights: %w", err)
	}

	checkPct(add, "fidelity pool", r.Fidelity.PoolPct)
	if r.Fidelity.MinReentries < 1 {
		add("fidelity min reentries must be at least 1")
	}
	switch r.Fidelity.Weighting {
	case FidelityWeightingEqual, FidelityWeightingEntries:
	default:
		add("unknown fidelity weighting %q", r.Fidelity.Weighting)
	}

	checkPct(add, "top sigma pool", r.TopSigma.PoolPct)
	if len(r.TopSigma.Weights) != MaxTopSigmaPositions {
		add("top sigma needs %d weights, got %d", MaxTopSigmaPositions, len(r.TopSigma.Weights))
	}
	for i, w := range r.TopSigma.Weights {
		if !w.IsPositive() {
			add("top sigma weight %d must be positive", i+1)
		}
	}

	checkPct(add, "career pool", r.Career.PoolPct)
	codes := make(map[string]bool, len(r.Career.Ranks))
	prevCycles := 0
	for i, rank := range r.Career.Ranks {
		if rank.Code == "" {
			add("rank %d: code is required", i+1)
		}
		if codes[rank.Code] {
			add("rank %d: duplicate code %q", i+1, rank.Code)
		}
		codes[rank.Code] = true
		if rank.RequiredCycles <= prevCycles {
			add("rank %q: required cycles must increase (got %d after %d)", rank.Code, rank.RequiredCycles, prevCycles)
		}
		prevCycles = rank.RequiredCycles
		if rank.MinDirects < 0 {
			add("rank %q: min directs must not be negative", rank.Code)
		}
		if !rank.Reward.IsPositive() {
			add("rank %q: reward must be positive", rank.Code)
		}
		if len(rank.VMEC) > 0 {
			if len(rank.VMEC) != rank.MinDirects {
				add("rank %q: vmec lists %d lines but min directs is %d", rank.Code, len(rank.VMEC), rank.MinDirects)
			}
			if err := checkWeightsSumTo100(rank.VMEC); err != nil {
				add("rank %q vmec: %w", rank.Code, err)
			}
		}
	}

	total := money.Sum(r.Cycle.PayoutPct, r.Depth.TotalPct, r.Fidelity.PoolPct, r.TopSigma.PoolPct, r.Career.PoolPct)
	if total.GreaterThan(hundred) {
		add("cycle payout and pools add up to %s%% of the cycle base", total)
	}

	if r.DirectsRequired < 0 {
		add("directs required must not be negative")
	}
	if r.ReentryMonthlyCap < 0 {
		add("reentry monthly cap must not be negative")
	}
	if r.PointsPerCurrencyUnit.IsNegative() {
		add("points per currency unit must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid ruleset: %w", errors.Join(errs...))
	}
	return nil
}

func (r *Ruleset) normalize() {
	r.Version = norm.NFC.String(r.Version)
	for i := range r.Career.Ranks {
		r.Career.Ranks[i].Code = norm.NFC.String(r.Career.Ranks[i].Code)
		r.Career.Ranks[i].Name = norm.NFC.String(r.Career.Ranks[i].Name)
	}
	if r.Fidelity.Weighting == "" {
		r.Fidelity.Weighting = FidelityWeightingEqual
	}
}

func checkPct(add func(string, ...any), name string, pct decimal.Decimal) {
	if pct.IsNegative() || pct.GreaterThan(hundred) {
		add("%s percentage must be between 0 and 100, got %s", name, pct)
	}
}

func checkWeightsSumTo100(ws []decimal.Decimal) error {
	sum := decimal.Zero
	for i, w := range ws {
		if w.IsNegative() {
			return fmt.Errorf("weight %d is negative", i+1)
		}
		sum = sum.Add(w)
	}
	if len(ws) > 0 && !sum.Equal(hundred) {
		return fmt.Errorf("must sum to 100, got %s", sum)
	}
	return nil
}

// Location is the timezone periods are computed in.
func (r *Ruleset) Location() *time.Location {
	if r.loc == nil {
		return time.UTC
	}
	return r.loc
}

// CyclePayout is the cycle bonus paid to a matrix owner.
func (r *Ruleset) CyclePayout() decimal.Decimal {
	return money.Share(r.Cycle.Base, r.Cycle.PayoutPct, r.Precision)
}

// DepthPot is the amount split over the depth levels of one cycle.
func (r *Ruleset) DepthPot() decimal.Decimal {
	return money.Share(r.Cycle.Base, r.Depth.TotalPct, r.Precision)
}

// PoolPerCycle is the contribution of one cycle to a pool with pct.
func (r *Ruleset) PoolPerCycle(pct decimal.Decimal) decimal.Decimal {
	return money.Share(r.Cycle.Base, pct, r.Precision)
}

// Points converts a currency amount to career points.
func (r *Ruleset) Points(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(r.PointsPerCurrencyUnit)
}

// RankIndex returns the position of code in the career plan, or -1.
func (r *Ruleset) RankIndex(code string) int {
	code = norm.NFC.String(code)
	for i, rank := range r.Career.Ranks {
		if rank.Code == code {
			return i
		}
	}
	return -1
}
