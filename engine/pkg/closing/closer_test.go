package closing_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/rsprolipsi/compensation/engine/pkg/bonus"
	"github.com/rsprolipsi/compensation/engine/pkg/closing"
	"github.com/rsprolipsi/compensation/engine/pkg/genealogy"
	"github.com/rsprolipsi/compensation/engine/pkg/ledger"
	"github.com/rsprolipsi/compensation/engine/pkg/period"
	"github.com/rsprolipsi/compensation/engine/pkg/ruleset"
	comptesting "github.com/rsprolipsi/compensation/utils/pkg/testing"
)

type mockParticipants struct {
	FidelityEntriesFunc        func(ctx context.Context, from, to time.Time) ([]bonus.FidelityEntry, error)
	ActiveDirectsFunc          func(ctx context.Context, ids []string) (map[string]int, error)
	ListActiveParticipantsFunc func(ctx context.Context) ([]string, error)
	CareerSnapshotFunc         func(ctx context.Context, id string, from, to time.Time) (bonus.CareerSnapshot, error)
	CycleCountsFunc            func(ctx context.Context, from, to time.Time) ([]ledger.CyclerCount, error)
}

func (m *mockParticipants) FidelityEntries(ctx context.Context, from, to time.Time) ([]bonus.FidelityEntry, error) {
	return m.FidelityEntriesFunc(ctx, from, to)
}

func (m *mockParticipants) ActiveDirects(ctx context.Context, ids []string) (map[string]int, error) {
	return m.ActiveDirectsFunc(ctx, ids)
}

func (m *mockParticipants) ListActiveParticipants(ctx context.Context) ([]string, error) {
	return m.ListActiveParticipantsFunc(ctx)
}

func (m *mockParticipants) CareerSnapshot(ctx context.Context, id string, from, to time.Time) (bonus.CareerSnapshot, error) {
	return m.CareerSnapshotFunc(ctx, id, from, to)
}

func (m *mockParticipants) CycleCounts(ctx context.Context, from, to time.Time) ([]ledger.CyclerCount, error) {
	return m.CycleCountsFunc(ctx, from, to)
}

type fixture struct {
	wallet  *ledger.MemoryWallet
	journal *ledger.MemoryJournal
	closer  *closing.Closer

	// compressed holds the owner of every compressed matrix by month.
	compressed map[string][]string
}

func newFixture(t *testing.T, participants *mockParticipants) *fixture {
	t.Helper()
	f := &fixture{
		wallet:     ledger.NewMemoryWallet(),
		journal:    ledger.NewMemoryJournal(),
		compressed: map[string][]string{},
	}
	if participants.CycleCountsFunc == nil {
		participants.CycleCountsFunc = f.cycleCounts
	}
	svc, err := ledger.NewService(ledger.ServiceConfig{
		Logger:  comptesting.NewLogger(),
		Clock:   clockwork.NewFakeClock(),
		Wallet:  f.wallet,
		Journal: f.journal,
	})
	require.NoError(t, err)
	f.closer, err = closing.New(closing.Config{
		Logger:       comptesting.NewLogger(),
		Ruleset:      ruleset.Default(),
		Ledger:       svc,
		Participants: participants,
		Journal:      f.journal,
	})
	require.NoError(t, err)
	return f
}

// cycles compresses one matrix per owner in per and journals it.
func (f *fixture) cycles(t *testing.T, per string, owners ...string) {
	t.Helper()
	for _, owner := range owners {
		matrixID := f.compress(per, owner)
		require.NoError(t, f.journal.RecordCycleSummary(t.Context(), ledger.CycleSummary{
			OwnerID:  owner,
			MatrixID: matrixID,
			Period:   per,
		}))
	}
}

// unjournaled compresses one matrix per owner in per without journaling it.
func (f *fixture) unjournaled(per string, owners ...string) {
	for _, owner := range owners {
		f.compress(per, owner)
	}
}

func (f *fixture) compress(per, owner string) string {
	f.compressed[per] = append(f.compressed[per], owner)
	return fmt.Sprintf("%s-m%d", per, len(f.compressed[per]))
}

func (f *fixture) cycleCounts(ctx context.Context, from, to time.Time) ([]ledger.CyclerCount, error) {
	byOwner := map[string]int{}
	for _, owner := range f.compressed[period.MonthOf(from, time.UTC).String()] {
		byOwner[owner]++
	}
	out := make([]ledger.CyclerCount, 0, len(byOwner))
	for owner, n := range byOwner {
		out = append(out, ledger.CyclerCount{ParticipantID: owner, Cycles: n})
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Cycles != out[b].Cycles {
			return out[a].Cycles > out[b].Cycles
		}
		return out[a].ParticipantID < out[b].ParticipantID
	})
	return out, nil
}

func october(t *testing.T) period.Month {
	t.Helper()
	m, err := period.ParseMonth("2026-10", time.UTC)
	require.NoError(t, err)
	return m
}

func TestClosing_Config_Validate(t *testing.T) {
	t.Parallel()

	_, err := closing.New(closing.Config{})
	require.EqualError(t, err, "logger is required")
	_, err = closing.New(closing.Config{Logger: comptesting.NewLogger(), Ruleset: ruleset.Default(), Ledger: &ledger.Service{}})
	require.EqualError(t, err, "participant stats are required")
}

func TestClosing_CloseMonth_PaysPools(t *testing.T) {
	t.Parallel()

	var gotFrom, gotTo time.Time
	f := newFixture(t, &mockParticipants{
		FidelityEntriesFunc: func(ctx context.Context, from, to time.Time) ([]bonus.FidelityEntry, error) {
			gotFrom, gotTo = from, to
			return []bonus.FidelityEntry{
				{ParticipantID: "loyal1", Reentries: 3},
				{ParticipantID: "loyal2", Reentries: 2},
				{ParticipantID: "once", Reentries: 1},
			}, nil
		},
		ActiveDirectsFunc: func(ctx context.Context, ids []string) (map[string]int, error) {
			return map[string]int{"top": 2, "second": 1}, nil
		},
	})
	// 10 cycles: top 6, second 3, lonely 1 (no active directs).
	f.cycles(t, "2026-10", "top", "top", "top", "top", "top", "top", "second", "second", "second", "lonely")
	f.cycles(t, "2026-09", "top")

	res, err := f.closer.CloseMonth(t.Context(), october(t))
	require.NoError(t, err)
	require.True(t, res.Success())
	require.Equal(t, 10, res.Cycles)
	require.Equal(t, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), gotFrom)
	require.Equal(t, time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC), gotTo)

	// Fidelity 3600 * 1.25% = 45, split equally.
	require.True(t, decimal.RequireFromString("22.5").Equal(f.wallet.Balance("loyal1")))
	require.True(t, decimal.RequireFromString("22.5").Equal(f.wallet.Balance("loyal2")))
	require.True(t, f.wallet.Balance("once").IsZero())

	// Top SIGMA 3600 * 4.5% = 162 over weights 2.0 and 1.5.
	require.True(t, decimal.RequireFromString("92.571").Equal(f.wallet.Balance("top")))
	require.True(t, decimal.RequireFromString("69.429").Equal(f.wallet.Balance("second")))
	require.True(t, f.wallet.Balance("lonely").IsZero())

	require.Equal(t, 4, res.CreditsApplied)
	require.True(t, decimal.RequireFromString("207").Equal(res.Paid))
}

func TestClosing_CloseMonth_RerunPaysNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mockParticipants{
		FidelityEntriesFunc: func(ctx context.Context, from, to time.Time) ([]bonus.FidelityEntry, error) {
			return []bonus.FidelityEntry{{ParticipantID: "loyal", Reentries: 2}}, nil
		},
		ActiveDirectsFunc: func(ctx context.Context, ids []string) (map[string]int, error) {
			return map[string]int{"top": 1}, nil
		},
	})
	f.cycles(t, "2026-10", "top")

	first, err := f.closer.CloseMonth(t.Context(), october(t))
	require.NoError(t, err)
	require.Equal(t, 2, first.CreditsApplied)

	second, err := f.closer.CloseMonth(t.Context(), october(t))
	require.NoError(t, err)
	require.Zero(t, second.CreditsApplied)
	require.Equal(t, 2, second.CreditsDuplicate)
	require.True(t, second.Paid.IsZero())
}

func TestClosing_CloseMonth_NoCycles(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mockParticipants{})
	res, err := f.closer.CloseMonth(t.Context(), october(t))
	require.NoError(t, err)
	require.Zero(t, res.Cycles)
	require.Empty(t, f.wallet.Credits())
}

func TestClosing_CloseMonth_FidelityFailureStillPaysTopSigma(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mockParticipants{
		FidelityEntriesFunc: func(ctx context.Context, from, to time.Time) ([]bonus.FidelityEntry, error) {
			return nil, errors.New("connection refused")
		},
		ActiveDirectsFunc: func(ctx context.Context, ids []string) (map[string]int, error) {
			return map[string]int{"top": 1}, nil
		},
	})
	f.cycles(t, "2026-10", "top")

	res, err := f.closer.CloseMonth(t.Context(), october(t))
	require.NoError(t, err)
	require.False(t, res.Success())
	require.Len(t, res.Errors, 1)
	require.Contains(t, res.Errors[0], "fidelity")
	// A single ranked participant takes the whole pool.
	require.True(t, decimal.RequireFromString("16.2").Equal(f.wallet.Balance("top")))
}

func TestClosing_CloseQuarter_PaysNewRanks(t *testing.T) {
	t.Parallel()

	snapshots := map[string]bonus.CareerSnapshot{
		"bronze":   {Status: genealogy.StatusActive, PersonalCycles: 6},
		"ouro":     {Status: genealogy.StatusActive, Lines: []int{90}},
		"paid":     {Status: genealogy.StatusActive, Lines: []int{90}, CreditedRanks: []string{"ouro"}},
		"starting": {Status: genealogy.StatusActive, PersonalCycles: 1},
	}
	q, err := period.ParseQuarter("2026-Q4", time.UTC)
	require.NoError(t, err)
	f := newFixture(t, &mockParticipants{
		ListActiveParticipantsFunc: func(ctx context.Context) ([]string, error) {
			return []string{"bronze", "ouro", "paid", "starting", "broken"}, nil
		},
		CareerSnapshotFunc: func(ctx context.Context, id string, from, to time.Time) (bonus.CareerSnapshot, error) {
			if !from.Equal(q.Start()) || !to.Equal(q.End()) {
				return bonus.CareerSnapshot{}, fmt.Errorf("unexpected window [%s, %s)", from, to)
			}
			s, ok := snapshots[id]
			if !ok {
				return bonus.CareerSnapshot{}, errors.New("participant vanished")
			}
			s.ParticipantID = id
			return s, nil
		},
	})

	res, err := f.closer.CloseQuarter(t.Context(), q)
	require.NoError(t, err)
	require.Equal(t, 2, res.Promotions)
	require.Equal(t, []string{"bronze"}, f.wallet.CreditedRanks("bronze"))
	require.Equal(t, []string{"ouro"}, f.wallet.CreditedRanks("ouro"))
	require.Empty(t, f.wallet.CreditedRanks("paid"))
	require.Len(t, res.Errors, 1)
	require.Contains(t, res.Errors[0], "broken")
	require.True(t, decimal.RequireFromString("202.50").Equal(res.Paid))
}

func TestClosing_CloseQuarter_UsesQuarterWindow(t *testing.T) {
	t.Parallel()

	// Cycles compressed before the quarter do not count toward it.
	compressed := []time.Time{
		time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 9, 10, 0, 0, 0, time.UTC),
		time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC),
		time.Date(2026, 9, 20, 10, 0, 0, 0, time.UTC),
		time.Date(2026, 9, 30, 23, 0, 0, 0, time.UTC),
		time.Date(2026, 10, 2, 10, 0, 0, 0, time.UTC),
	}
	f := newFixture(t, &mockParticipants{
		ListActiveParticipantsFunc: func(ctx context.Context) ([]string, error) {
			return []string{"p"}, nil
		},
		CareerSnapshotFunc: func(ctx context.Context, id string, from, to time.Time) (bonus.CareerSnapshot, error) {
			snap := bonus.CareerSnapshot{ParticipantID: id, Status: genealogy.StatusActive}
			for _, at := range compressed {
				if !at.Before(from) && at.Before(to) {
					snap.PersonalCycles++
				}
			}
			return snap, nil
		},
	})

	q4, err := period.ParseQuarter("2026-Q4", time.UTC)
	require.NoError(t, err)
	res, err := f.closer.CloseQuarter(t.Context(), q4)
	require.NoError(t, err)
	require.True(t, res.Success())
	require.Zero(t, res.Promotions)
	require.Empty(t, f.wallet.CreditedRanks("p"))

	res, err = f.closer.CloseQuarter(t.Context(), q4.Previous())
	require.NoError(t, err)
	require.Equal(t, 1, res.Promotions)
	require.Equal(t, []string{"bronze"}, f.wallet.CreditedRanks("p"))
}

func TestClosing_CloseMonth_CountsCyclesMissingFromJournal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mockParticipants{
		FidelityEntriesFunc: func(ctx context.Context, from, to time.Time) ([]bonus.FidelityEntry, error) {
			return nil, nil
		},
		ActiveDirectsFunc: func(ctx context.Context, ids []string) (map[string]int, error) {
			return map[string]int{"top": 1, "second": 1}, nil
		},
	})
	f.cycles(t, "2026-10", "top", "second", "second")
	// Journal writes for these failed after the matrices were compressed.
	f.unjournaled("2026-10", "top", "top")

	res, err := f.closer.CloseMonth(t.Context(), october(t))
	require.NoError(t, err)
	require.True(t, res.Success())
	require.Equal(t, 5, res.Cycles)
	require.Equal(t, 2, res.JournalMissing)

	// Top SIGMA 5 * 360 * 4.5% = 81 over weights 2.0 and 1.5; top leads
	// with 3 cycles against 2.
	require.True(t, decimal.RequireFromString("46.286").Equal(f.wallet.Balance("top")))
	require.True(t, decimal.RequireFromString("34.714").Equal(f.wallet.Balance("second")))
}

func TestClosing_CloseMonth_WithoutJournal(t *testing.T) {
	t.Parallel()

	wallet := ledger.NewMemoryWallet()
	svc, err := ledger.NewService(ledger.ServiceConfig{
		Logger:  comptesting.NewLogger(),
		Clock:   clockwork.NewFakeClock(),
		Wallet:  wallet,
		Journal: ledger.NewMemoryJournal(),
	})
	require.NoError(t, err)
	closer, err := closing.New(closing.Config{
		Logger:  comptesting.NewLogger(),
		Ruleset: ruleset.Default(),
		Ledger:  svc,
		Participants: &mockParticipants{
			CycleCountsFunc: func(ctx context.Context, from, to time.Time) ([]ledger.CyclerCount, error) {
				return []ledger.CyclerCount{{ParticipantID: "top", Cycles: 1}}, nil
			},
			FidelityEntriesFunc: func(ctx context.Context, from, to time.Time) ([]bonus.FidelityEntry, error) {
				return nil, nil
			},
			ActiveDirectsFunc: func(ctx context.Context, ids []string) (map[string]int, error) {
				return map[string]int{"top": 1}, nil
			},
		},
	})
	require.NoError(t, err)

	res, err := closer.CloseMonth(t.Context(), october(t))
	require.NoError(t, err)
	require.Equal(t, 1, res.Cycles)
	require.Zero(t, res.JournalMissing)
	require.True(t, decimal.RequireFromString("16.2").Equal(wallet.Balance("top")))
}

func TestClosing_CloseMonth_RanksPastCyclersWithoutDirects(t *testing.T) {
	t.Parallel()

	// 120 heavy cyclers without active directs outrank the ten who qualify.
	var cyclers []ledger.CyclerCount
	for i := range 120 {
		cyclers = append(cyclers, ledger.CyclerCount{ParticipantID: fmt.Sprintf("solo%03d", i), Cycles: 50})
	}
	directs := map[string]int{}
	for i := range 10 {
		id := fmt.Sprintf("leader%02d", i)
		cyclers = append(cyclers, ledger.CyclerCount{ParticipantID: id, Cycles: 10 - i})
		directs[id] = 1
	}
	var asked int
	f := newFixture(t, &mockParticipants{
		CycleCountsFunc: func(ctx context.Context, from, to time.Time) ([]ledger.CyclerCount, error) {
			return cyclers, nil
		},
		FidelityEntriesFunc: func(ctx context.Context, from, to time.Time) ([]bonus.FidelityEntry, error) {
			return nil, nil
		},
		ActiveDirectsFunc: func(ctx context.Context, ids []string) (map[string]int, error) {
			asked = len(ids)
			return directs, nil
		},
	})

	res, err := f.closer.CloseMonth(t.Context(), october(t))
	require.NoError(t, err)
	require.True(t, res.Success())
	require.Equal(t, 130, asked)
	require.Equal(t, 10, res.CreditsApplied)
	for i := range 10 {
		require.True(t, f.wallet.Balance(fmt.Sprintf("leader%02d", i)).IsPositive(), "leader%02d", i)
	}
	require.True(t, f.wallet.Balance("solo000").IsZero())
}
