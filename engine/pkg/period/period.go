// Package period models the calendar windows bonuses are tagged with:
// months for cycle summaries and pool closures, quarters for career.
package period

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Month is a calendar month in a specific timezone.
type Month struct {
	Year  int
	Month time.Month
	Loc   *time.Location
}

// MonthOf returns the month containing t as observed in loc.
func MonthOf(t time.Time, loc *time.Location) Month {
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	return Month{Year: lt.Year(), Month: lt.Month(), Loc: loc}
}

// ParseMonth parses "YYYY-MM".
func ParseMonth(s string, loc *time.Location) (Month, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Month{}, fmt.Errorf("invalid month %q: expected YYYY-MM", s)
	}
	if loc == nil {
		loc = time.UTC
	}
	return Month{Year: t.Year(), Month: t.Month(), Loc: loc}, nil
}

func (m Month) location() *time.Location {
	if m.Loc == nil {
		return time.UTC
	}
	return m.Loc
}

// String returns the ledger period tag, "YYYY-MM".
func (m Month) String() string {
	return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month))
}

// Start is the first instant of the month.
func (m Month) Start() time.Time {
	return time.Date(m.Year, m.Month, 1, 0, 0, 0, 0, m.location())
}

// End is the first instant of the following month.
func (m Month) End() time.Time {
	return m.Start().AddDate(0, 1, 0)
}

func (m Month) Previous() Month {
	p := m.Start().AddDate(0, -1, 0)
	return Month{Year: p.Year(), Month: p.Month(), Loc: m.Loc}
}

func (m Month) Quarter() Quarter {
	return Quarter{Year: m.Year, Q: (int(m.Month)-1)/3 + 1, Loc: m.Loc}
}

// Quarter is a calendar quarter (Q1..Q4) in a specific timezone.
type Quarter struct {
	Year int
	Q    int
	Loc  *time.Location
}

func QuarterOf(t time.Time, loc *time.Location) Quarter {
	return MonthOf(t, loc).Quarter()
}

// ParseQuarter parses "YYYY-QN".
func ParseQuarter(s string, loc *time.Location) (Quarter, error) {
	year, q, ok := strings.Cut(strings.ToUpper(s), "-Q")
	if !ok {
		return Quarter{}, fmt.Errorf("invalid quarter %q: expected YYYY-QN", s)
	}
	y, err := strconv.Atoi(year)
	if err != nil || len(year) != 4 {
		return Quarter{}, fmt.Errorf("invalid quarter %q: bad year", s)
	}
	n, err := strconv.Atoi(q)
	if err != nil || n < 1 || n > 4 {
		return Quarter{}, fmt.Errorf("invalid quarter %q: quarter must be 1-4", s)
	}
	if loc == nil {
		loc = time.UTC
	}
	return Quarter{Year: y, Q: n, Loc: loc}, nil
}

func (q Quarter) String() string {
	return fmt.Sprintf("%04d-Q%d", q.Year, q.Q)
}

func (q Quarter) Start() time.Time {
	loc := q.Loc
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(q.Year, time.Month((q.Q-1)*3+1), 1, 0, 0, 0, 0, loc)
}

func (q Quarter) End() time.Time {
	return q.Start().AddDate(0, 3, 0)
}

func (q Quarter) Previous() Quarter {
	p := q.Start().AddDate(0, -3, 0)
	return QuarterOf(p, q.Loc)
}
