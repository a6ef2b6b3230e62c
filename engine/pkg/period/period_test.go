package period

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/require"
)

func saoPaulo(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/Sao_Paulo")
	require.NoError(t, err)
	return loc
}

func TestPeriod_MonthOf_UsesLocation(t *testing.T) {
	t.Parallel()

	loc := saoPaulo(t)
	// 02:00 UTC on Nov 1 is still Oct 31 in São Paulo.
	ts := time.Date(2026, 11, 1, 2, 0, 0, 0, time.UTC)

	require.Equal(t, "2026-10", MonthOf(ts, loc).String())
	require.Equal(t, "2026-11", MonthOf(ts, time.UTC).String())
}

func TestPeriod_Month_Bounds(t *testing.T) {
	t.Parallel()

	loc := saoPaulo(t)
	m := Month{Year: 2026, Month: time.December, Loc: loc}
	require.Equal(t, time.Date(2026, 12, 1, 0, 0, 0, 0, loc), m.Start())
	require.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, loc), m.End())
	require.Equal(t, "2026-11", m.Previous().String())
	require.Equal(t, "2026-Q4", m.Quarter().String())
}

func TestPeriod_ParseMonth(t *testing.T) {
	t.Parallel()

	m, err := ParseMonth("2026-03", nil)
	require.NoError(t, err)
	require.Equal(t, 2026, m.Year)
	require.Equal(t, time.March, m.Month)
	require.Equal(t, "2026-Q1", m.Quarter().String())

	_, err = ParseMonth("2026/03", nil)
	require.Error(t, err)
}

func TestPeriod_ParseQuarter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "2026-Q3", want: "2026-Q3"},
		{in: "2026-q1", want: "2026-Q1"},
		{in: "2026-Q5", wantErr: true},
		{in: "26-Q1", wantErr: true},
		{in: "2026Q1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			q, err := ParseQuarter(tt.in, nil)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, q.String())
		})
	}
}

func TestPeriod_Quarter_Bounds(t *testing.T) {
	t.Parallel()

	q := Quarter{Year: 2026, Q: 1}
	require.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), q.Start())
	require.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), q.End())
	require.Equal(t, "2025-Q4", q.Previous().String())
}
