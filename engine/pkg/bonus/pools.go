package bonus

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/rsprolipsi/compensation/engine/pkg/ledger"
	"github.com/rsprolipsi/compensation/engine/pkg/money"
	"github.com/rsprolipsi/compensation/engine/pkg/ruleset"
)

// FidelityEntry is a participant's reentry count for a period.
type FidelityEntry struct {
	ParticipantID string
	Reentries     int
}

// UnlockedEntries applies "N unlocks N-1": each reentry is unlocked by the
// next one, so N reentries hold N-1 unlocked entries.
func UnlockedEntries(reentries int) int {
	if reentries < 1 {
		return 0
	}
	return reentries - 1
}

// FidelityPool splits the period's fidelity pool among participants with at
// least MinReentries reentries. cycles is the number of cycles closed in the
// period.
func (c *Calculator) FidelityPool(period string, cycles int, entries []FidelityEntry) ([]ledger.Credit, error) {
	pool := c.poolAmount(cycles, c.rs.Fidelity.PoolPct)
	if !pool.IsPositive() {
		return nil, nil
	}

	var eligible []FidelityEntry
	for _, e := range sortedByID(entries, func(e FidelityEntry) string { return e.ParticipantID }) {
		if e.ParticipantID != "" && e.Reentries >= c.rs.Fidelity.MinReentries {
			eligible = append(eligible, e)
		}
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	weights := make([]decimal.Decimal, len(eligible))
	for i, e := range eligible {
		switch c.rs.Fidelity.Weighting {
		case ruleset.FidelityWeightingEntries:
			weights[i] = decimal.NewFromInt(int64(UnlockedEntries(e.Reentries)))
		default:
			weights[i] = decimal.NewFromInt(1)
		}
	}
	amounts, err := money.Allocate(pool, weights, c.rs.Precision)
	if err != nil {
		return nil, fmt.Errorf("bonus: fidelity pool: %w", err)
	}

	var out []ledger.Credit
	for i, e := range eligible {
		if !amounts[i].IsPositive() {
			continue
		}
		out = append(out, ledger.Credit{
			ParticipantID:  e.ParticipantID,
			Amount:         amounts[i],
			Kind:           ledger.KindFidelity,
			Description:    fmt.Sprintf("Fidelity pool %s, %d unlocked entries", period, UnlockedEntries(e.Reentries)),
			IdempotencyKey: ledger.Key(period, string(ledger.KindFidelity), e.ParticipantID),
			Period:         period,
			Reference:      strconv.Itoa(UnlockedEntries(e.Reentries)),
		})
	}
	return out, nil
}

// RankedParticipant is a candidate for the Top-SIGMA ranking.
type RankedParticipant struct {
	ParticipantID string
	Cycles        int
	ActiveDirects int
}

// Rank orders candidates by cycles, most first, ties by ID, dropping those
// without enough active directs or without cycles. At most
// ruleset.MaxTopSigmaPositions are returned.
func (c *Calculator) Rank(candidates []RankedParticipant) []RankedParticipant {
	var ranked []RankedParticipant
	for _, r := range candidates {
		if r.ParticipantID == "" || r.Cycles <= 0 || r.ActiveDirects < c.rs.DirectsRequired {
			continue
		}
		ranked = append(ranked, r)
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		if ranked[a].Cycles != ranked[b].Cycles {
			return ranked[a].Cycles > ranked[b].Cycles
		}
		return ranked[a].ParticipantID < ranked[b].ParticipantID
	})
	n := min(len(ranked), ruleset.MaxTopSigmaPositions, len(c.rs.TopSigma.Weights))
	return ranked[:n]
}

// TopSigmaPool pays the period's Top-SIGMA pool to the ranked participants.
// When fewer than ten positions are filled the weights of the filled
// positions are renormalized so the whole pool is paid.
func (c *Calculator) TopSigmaPool(period string, cycles int, candidates []RankedParticipant) ([]ledger.Credit, error) {
	pool := c.poolAmount(cycles, c.rs.TopSigma.PoolPct)
	ranked := c.Rank(candidates)
	if !pool.IsPositive() || len(ranked) == 0 {
		return nil, nil
	}

	amounts, err := money.Allocate(pool, c.rs.TopSigma.Weights[:len(ranked)], c.rs.Precision)
	if err != nil {
		return nil, fmt.Errorf("bonus: top sigma pool: %w", err)
	}

	out := make([]ledger.Credit, 0, len(ranked))
	for i, r := range ranked {
		pos := i + 1
		out = append(out, ledger.Credit{
			ParticipantID:  r.ParticipantID,
			Amount:         amounts[i],
			Kind:           ledger.KindTopSigma,
			Description:    fmt.Sprintf("Top SIGMA %s, position %d with %d cycles", period, pos, r.Cycles),
			IdempotencyKey: ledger.Key(period, string(ledger.KindTopSigma), r.ParticipantID),
			Period:         period,
			Reference:      strconv.Itoa(pos),
		})
	}
	return out, nil
}
