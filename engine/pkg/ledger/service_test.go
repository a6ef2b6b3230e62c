package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/rsprolipsi/compensation/engine/pkg/ledger"
	"github.com/rsprolipsi/compensation/utils/pkg/retry"
	comptesting "github.com/rsprolipsi/compensation/utils/pkg/testing"
)

type mockWallet struct {
	ApplyCreditFunc func(ctx context.Context, c ledger.Credit, at time.Time) (bool, error)
}

func (m *mockWallet) ApplyCredit(ctx context.Context, c ledger.Credit, at time.Time) (bool, error) {
	return m.ApplyCreditFunc(ctx, c, at)
}

type mockJournal struct {
	RecordCycleSummaryFunc func(ctx context.Context, s ledger.CycleSummary) error
	RecordCreditFunc       func(ctx context.Context, c ledger.Credit, at time.Time) error
}

func (m *mockJournal) RecordCycleSummary(ctx context.Context, s ledger.CycleSummary) error {
	if m.RecordCycleSummaryFunc == nil {
		return nil
	}
	return m.RecordCycleSummaryFunc(ctx, s)
}

func (m *mockJournal) RecordCredit(ctx context.Context, c ledger.Credit, at time.Time) error {
	if m.RecordCreditFunc == nil {
		return nil
	}
	return m.RecordCreditFunc(ctx, c, at)
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

func credit(participant, key, amount string) ledger.Credit {
	return ledger.Credit{
		ParticipantID:  participant,
		Amount:         decimal.RequireFromString(amount),
		Kind:           ledger.KindCycle,
		Description:    "cycle bonus",
		IdempotencyKey: key,
		Period:         "2026-10",
	}
}

func newService(t *testing.T, w ledger.Wallet, j ledger.Journal) *ledger.Service {
	t.Helper()
	svc, err := ledger.NewService(ledger.ServiceConfig{
		Logger:  comptesting.NewLogger(),
		Clock:   clockwork.NewFakeClock(),
		Wallet:  w,
		Journal: j,
		Retry:   fastRetry(),
	})
	require.NoError(t, err)
	return svc
}

func TestLedger_ServiceConfig_Validate(t *testing.T) {
	t.Parallel()

	_, err := ledger.NewService(ledger.ServiceConfig{})
	require.EqualError(t, err, "logger is required")
	_, err = ledger.NewService(ledger.ServiceConfig{Logger: comptesting.NewLogger()})
	require.EqualError(t, err, "wallet is required")
	_, err = ledger.NewService(ledger.ServiceConfig{Logger: comptesting.NewLogger(), Wallet: ledger.NewMemoryWallet()})
	require.EqualError(t, err, "journal is required")
}

func TestLedger_Service_Credit_Idempotent(t *testing.T) {
	t.Parallel()

	wallet := ledger.NewMemoryWallet()
	journal := ledger.NewMemoryJournal()
	svc := newService(t, wallet, journal)

	applied, err := svc.Credit(t.Context(), credit("owner", "m1:cycle:2026-10", "108"))
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = svc.Credit(t.Context(), credit("owner", "m1:cycle:2026-10", "108"))
	require.NoError(t, err)
	require.False(t, applied)

	require.True(t, decimal.RequireFromString("108").Equal(wallet.Balance("owner")))
	require.Len(t, wallet.Credits(), 1)
}

func TestLedger_Service_Credit_RejectsInvalid(t *testing.T) {
	t.Parallel()

	svc := newService(t, ledger.NewMemoryWallet(), ledger.NewMemoryJournal())

	_, err := svc.Credit(t.Context(), credit("", "k", "1"))
	require.Error(t, err)
	_, err = svc.Credit(t.Context(), credit("p", "", "1"))
	require.Error(t, err)
	_, err = svc.Credit(t.Context(), credit("p", "k", "0"))
	require.Error(t, err)
}

func TestLedger_Service_Credit_RetriesTransientWalletErrors(t *testing.T) {
	t.Parallel()

	calls := 0
	wallet := &mockWallet{ApplyCreditFunc: func(ctx context.Context, c ledger.Credit, at time.Time) (bool, error) {
		calls++
		if calls < 3 {
			return false, errors.New("connection reset by peer")
		}
		return true, nil
	}}
	svc := newService(t, wallet, &mockJournal{})

	applied, err := svc.Credit(t.Context(), credit("p", "k", "1.716"))
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, 3, calls)
}

func TestLedger_Service_Credit_PermanentWalletError(t *testing.T) {
	t.Parallel()

	wallet := &mockWallet{ApplyCreditFunc: func(ctx context.Context, c ledger.Credit, at time.Time) (bool, error) {
		return false, errors.New("wallet frozen")
	}}
	svc := newService(t, wallet, &mockJournal{})

	applied, err := svc.Credit(t.Context(), credit("p", "m9:depth_l3:2026-10", "2.452"))
	require.Error(t, err)
	require.False(t, applied)
	require.Contains(t, err.Error(), "credit m9:depth_l3:2026-10 to p")
}

func TestLedger_Service_Credit_JournalFailureDoesNotFailCredit(t *testing.T) {
	t.Parallel()

	wallet := ledger.NewMemoryWallet()
	journal := &mockJournal{RecordCreditFunc: func(ctx context.Context, c ledger.Credit, at time.Time) error {
		return errors.New("table is read only")
	}}
	svc := newService(t, wallet, journal)

	applied, err := svc.Credit(t.Context(), credit("p", "k", "5"))
	require.NoError(t, err)
	require.True(t, applied)
	require.True(t, decimal.RequireFromString("5").Equal(wallet.Balance("p")))
}

func TestLedger_Service_Credit_SerializesPerParticipant(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	inFlight := map[string]int{}
	maxInFlight := 0
	wallet := &mockWallet{ApplyCreditFunc: func(ctx context.Context, c ledger.Credit, at time.Time) (bool, error) {
		mu.Lock()
		inFlight[c.ParticipantID]++
		if inFlight[c.ParticipantID] > maxInFlight {
			maxInFlight = inFlight[c.ParticipantID]
		}
		mu.Unlock()
		time.Sleep(2 * time.Millisecond)
		mu.Lock()
		inFlight[c.ParticipantID]--
		mu.Unlock()
		return true, nil
	}}
	svc := newService(t, wallet, &mockJournal{})

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.Credit(context.Background(), credit("same", ledger.Key("m", string(rune('a'+i))), "1"))
		}()
	}
	wg.Wait()
	require.Equal(t, 1, maxInFlight)
}

func TestLedger_Service_RecordCycleSummary(t *testing.T) {
	t.Parallel()

	journal := ledger.NewMemoryJournal()
	svc := newService(t, ledger.NewMemoryWallet(), journal)

	err := svc.RecordCycleSummary(t.Context(), ledger.CycleSummary{
		OwnerID:    "owner",
		MatrixID:   "m1",
		Level:      1,
		CycleValue: decimal.RequireFromString("360"),
		BonusPaid:  decimal.RequireFromString("108"),
		Period:     "2026-10",
	})
	require.NoError(t, err)

	sums := journal.Summaries()
	require.Len(t, sums, 1)
	require.False(t, sums[0].RecordedAt.IsZero())

	n, err := journal.CycleCount(t.Context(), "2026-10")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	err = svc.RecordCycleSummary(t.Context(), ledger.CycleSummary{OwnerID: "owner"})
	require.Error(t, err)
}

func TestLedger_MemoryJournal_RankCyclers(t *testing.T) {
	t.Parallel()

	j := ledger.NewMemoryJournal()
	for _, s := range []struct{ owner, matrix, period string }{
		{"b", "m1", "2026-10"},
		{"a", "m2", "2026-10"},
		{"b", "m3", "2026-10"},
		{"b", "m3", "2026-10"}, // duplicate write
		{"c", "m4", "2026-09"},
	} {
		require.NoError(t, j.RecordCycleSummary(t.Context(), ledger.CycleSummary{OwnerID: s.owner, MatrixID: s.matrix, Period: s.period}))
	}

	got, err := j.RankCyclers(t.Context(), "2026-10", 10)
	require.NoError(t, err)
	require.Equal(t, []ledger.CyclerCount{{ParticipantID: "b", Cycles: 2}, {ParticipantID: "a", Cycles: 1}}, got)

	got, err = j.RankCyclers(t.Context(), "2026-10", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestLedger_Kind(t *testing.T) {
	t.Parallel()

	require.Equal(t, ledger.Kind("depth_l3"), ledger.DepthKind(3))
	require.True(t, ledger.DepthKind(6).IsDepth())
	require.False(t, ledger.KindCycle.IsDepth())
	require.Equal(t, "m1:cycle:2026-10", ledger.Key("m1", string(ledger.KindCycle), "2026-10"))
}
