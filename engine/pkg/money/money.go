// Package money holds the fixed-point helpers shared by the bonus
// calculator and the stores. Amounts are decimal.Decimal values rounded to
// a ruleset-defined number of places.
package money

import (
	"errors"
	"sort"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Percent returns base * pct / 100 without rounding.
func Percent(base, pct decimal.Decimal) decimal.Decimal {
	return base.Mul(pct).Div(hundred)
}

// Share returns base * pct / 100 rounded half away from zero to places.
func Share(base, pct decimal.Decimal, places int32) decimal.Decimal {
	return Percent(base, pct).Round(places)
}

// Sum adds amounts.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// Allocate splits total across weights with the largest-remainder method at
// the given precision. The result always sums to total truncated to places.
// Remainder units go to the largest fractional parts; ties break toward the
// lower index. Zero weights receive zero.
func Allocate(total decimal.Decimal, weights []decimal.Decimal, places int32) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(weights))
	if len(weights) == 0 {
		return out, nil
	}
	if total.IsNegative() {
		return nil, errors.New("money: cannot allocate a negative total")
	}

	sumW := decimal.Zero
	for _, w := range weights {
		if w.IsNegative() {
			return nil, errors.New("money: negative allocation weight")
		}
		sumW = sumW.Add(w)
	}
	for i := range out {
		out[i] = decimal.Zero
	}
	if sumW.IsZero() {
		return out, nil
	}

	units := total.Shift(places).Truncate(0)
	type part struct {
		idx int
		rem decimal.Decimal
	}
	parts := make([]part, len(weights))
	assigned := decimal.Zero
	for i, w := range weights {
		exact := units.Mul(w).DivRound(sumW, 16)
		floor := exact.Floor()
		out[i] = floor
		assigned = assigned.Add(floor)
		parts[i] = part{idx: i, rem: exact.Sub(floor)}
	}

	sort.SliceStable(parts, func(a, b int) bool {
		return parts[a].rem.GreaterThan(parts[b].rem)
	})
	left := units.Sub(assigned).IntPart()
	for i := 0; left > 0 && i < len(parts); i++ {
		if weights[parts[i].idx].IsZero() {
			continue
		}
		out[parts[i].idx] = out[parts[i].idx].Add(decimal.NewFromInt(1))
		left--
	}

	for i := range out {
		out[i] = out[i].Shift(-places)
	}
	return out, nil
}
