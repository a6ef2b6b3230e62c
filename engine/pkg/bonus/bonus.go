// Package bonus turns cycle events and period statistics into ledger
// credits. Nothing here reads a clock or a store: for the same inputs and
// ruleset the output is identical, in the same order.
package bonus

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/rsprolipsi/compensation/engine/pkg/genealogy"
	"github.com/rsprolipsi/compensation/engine/pkg/ledger"
	"github.com/rsprolipsi/compensation/engine/pkg/money"
	"github.com/rsprolipsi/compensation/engine/pkg/ruleset"
)

// CycleEvent is a compressed matrix together with the owner's upline at the
// time of compression.
type CycleEvent struct {
	MatrixID string
	OwnerID  string
	Level    int
	Period   string
	// Upline is nearest first; Upline[0] is the owner's sponsor (depth L1).
	Upline []genealogy.Participant
	// Career, when set, makes Compute evaluate the owner's career rank.
	Career *CareerSnapshot
}

type Calculator struct {
	rs          *ruleset.Ruleset
	cyclePayout decimal.Decimal
	depthShares []decimal.Decimal
}

func New(rs *ruleset.Ruleset) (*Calculator, error) {
	if rs == nil {
		return nil, fmt.Errorf("bonus: ruleset is required")
	}
	shares, err := money.Allocate(rs.DepthPot(), rs.Depth.Weights, rs.Precision)
	if err != nil {
		return nil, fmt.Errorf("bonus: depth shares: %w", err)
	}
	return &Calculator{
		rs:          rs,
		cyclePayout: rs.CyclePayout(),
		depthShares: shares,
	}, nil
}

// DepthShares returns the per-level depth amounts, L1 first.
func (c *Calculator) DepthShares() []decimal.Decimal {
	return append([]decimal.Decimal(nil), c.depthShares...)
}

func (c *Calculator) CyclePayout() decimal.Decimal { return c.cyclePayout }

// Compute returns the credits owed for one cycle event: the owner's cycle
// bonus, one depth credit per active upline level, and the owner's career
// credit when a snapshot is attached and a new rank is reached. Inactive
// levels are skipped and their share stays unpaid.
func (c *Calculator) Compute(ev CycleEvent) []ledger.Credit {
	credits := []ledger.Credit{c.cycleCredit(ev)}
	credits = append(credits, c.depthCredits(ev)...)
	if ev.Career != nil {
		if cr, ok := c.Career(ev.Period, *ev.Career); ok {
			credits = append(credits, cr)
		}
	}
	return credits
}

func (c *Calculator) cycleCredit(ev CycleEvent) ledger.Credit {
	return ledger.Credit{
		ParticipantID:  ev.OwnerID,
		Amount:         c.cyclePayout,
		Kind:           ledger.KindCycle,
		Description:    fmt.Sprintf("Cycle bonus, matrix %s level %d", ev.MatrixID, ev.Level),
		IdempotencyKey: ledger.Key(ev.MatrixID, string(ledger.KindCycle), ev.Period),
		Period:         ev.Period,
		MatrixID:       ev.MatrixID,
	}
}

func (c *Calculator) depthCredits(ev CycleEvent) []ledger.Credit {
	var out []ledger.Credit
	for i, share := range c.depthShares {
		if i >= len(ev.Upline) {
			break
		}
		p := ev.Upline[i]
		level := i + 1
		if !p.Active() || !share.IsPositive() {
			continue
		}
		kind := ledger.DepthKind(level)
		out = append(out, ledger.Credit{
			ParticipantID:  p.ID,
			Amount:         share,
			Kind:           kind,
			Description:    fmt.Sprintf("Depth bonus L%d, cycle of %s", level, ev.OwnerID),
			IdempotencyKey: ledger.Key(ev.MatrixID, string(kind), ev.Period),
			Period:         ev.Period,
			MatrixID:       ev.MatrixID,
			Reference:      strconv.Itoa(level),
		})
	}
	return out
}

// poolAmount is cycles * base * pct, rounded once.
func (c *Calculator) poolAmount(cycles int, pct decimal.Decimal) decimal.Decimal {
	return money.Share(c.rs.Cycle.Base.Mul(decimal.NewFromInt(int64(cycles))), pct, c.rs.Precision)
}

func sortedByID[T any](items []T, id func(T) string) []T {
	out := append([]T(nil), items...)
	sort.SliceStable(out, func(a, b int) bool { return id(out[a]) < id(out[b]) })
	return out
}
