package bonus

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/rsprolipsi/compensation/engine/pkg/genealogy"
	"github.com/rsprolipsi/compensation/engine/pkg/ledger"
	"github.com/rsprolipsi/compensation/engine/pkg/ruleset"
)

// CareerSnapshot is what career evaluation needs to know about a
// participant at a point in time.
type CareerSnapshot struct {
	ParticipantID  string
	Status         genealogy.Status
	PersonalCycles int
	// Lines holds the cycles of each direct line, one entry per direct.
	Lines []int
	// CreditedRanks are the rank codes already paid to the participant.
	CreditedRanks []string
}

// ActiveLines counts lines that produced at least one cycle.
func ActiveLines(lines []int) int {
	n := 0
	for _, l := range lines {
		if l > 0 {
			n++
		}
	}
	return n
}

// ValidCycles applies the VMEC line cap for a rank: each line counts at most
// floor(total * maxPct / 100) cycles, where total is the sum of all lines and
// maxPct the largest VMEC percentage. Without VMEC every line counts in full.
// A participant with fewer active lines than minLines has no valid cycles.
func ValidCycles(personal int, lines []int, vmec []decimal.Decimal, minLines int) int {
	if ActiveLines(lines) < minLines {
		return 0
	}
	total := 0
	for _, l := range lines {
		total += max(l, 0)
	}
	if len(vmec) == 0 {
		return personal + total
	}

	maxPct := vmec[0]
	for _, p := range vmec[1:] {
		if p.GreaterThan(maxPct) {
			maxPct = p
		}
	}
	limit := int(decimal.NewFromInt(int64(total)).Mul(maxPct).Div(decimal.NewFromInt(100)).Floor().IntPart())

	valid := personal
	for _, l := range lines {
		if l <= 0 {
			continue
		}
		valid += min(l, limit)
	}
	return valid
}

// QualifiedRank returns the index of the highest rank the snapshot meets, or
// -1.
func (c *Calculator) QualifiedRank(s CareerSnapshot) int {
	if s.Status != genealogy.StatusActive {
		return -1
	}
	ranks := c.rs.Career.Ranks
	for i := len(ranks) - 1; i >= 0; i-- {
		if qualifies(ranks[i], s) {
			return i
		}
	}
	return -1
}

func qualifies(rank ruleset.Rank, s CareerSnapshot) bool {
	return ValidCycles(s.PersonalCycles, s.Lines, rank.VMEC, rank.MinDirects) >= rank.RequiredCycles
}

// Career pays the highest rank the participant qualifies for when it is
// above every rank already credited. Skipped intermediate ranks are not paid.
func (c *Calculator) Career(period string, s CareerSnapshot) (ledger.Credit, bool) {
	idx := c.QualifiedRank(s)
	if idx < 0 {
		return ledger.Credit{}, false
	}
	highest := -1
	for _, code := range s.CreditedRanks {
		highest = max(highest, c.rs.RankIndex(code))
	}
	if idx <= highest {
		return ledger.Credit{}, false
	}

	rank := c.rs.Career.Ranks[idx]
	return ledger.Credit{
		ParticipantID:  s.ParticipantID,
		Amount:         rank.Reward,
		Kind:           ledger.KindCareer,
		Description:    fmt.Sprintf("Career rank %s reached", rank.Name),
		IdempotencyKey: ledger.Key(string(ledger.KindCareer), s.ParticipantID, rank.Code),
		Period:         period,
		Reference:      rank.Code,
	}, true
}
