package overflow_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/rsprolipsi/compensation/engine/pkg/genealogy"
	"github.com/rsprolipsi/compensation/engine/pkg/matrix"
	"github.com/rsprolipsi/compensation/engine/pkg/overflow"
	comptesting "github.com/rsprolipsi/compensation/utils/pkg/testing"
)

type fixture struct {
	store  *matrix.MemoryStore
	source *genealogy.MemorySource
}

// newFixture builds the line root <- a1 <- ... <- a5 <- p.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{
		store:  matrix.NewMemoryStore(clockwork.NewFakeClock()),
		source: genealogy.NewMemorySource(genealogy.Chain("root", "a1", "a2", "a3", "a4", "a5", "p")...),
	}
}

func (f *fixture) router(t *testing.T, store matrix.Store) *overflow.Router {
	t.Helper()
	resolver, err := genealogy.NewResolver(genealogy.ResolverConfig{Logger: comptesting.NewLogger(), Source: f.source})
	require.NoError(t, err)
	if store == nil {
		store = f.store
	}
	r, err := overflow.NewRouter(overflow.RouterConfig{Logger: comptesting.NewLogger(), Store: store, Resolver: resolver})
	require.NoError(t, err)
	return r
}

func (f *fixture) fullMatrix(t *testing.T, owner string, width int) matrix.Matrix {
	t.Helper()
	ctx := t.Context()
	m, err := f.store.CreateMatrix(ctx, owner, width)
	require.NoError(t, err)
	for pos := 1; pos <= width; pos++ {
		require.NoError(t, f.store.ClaimSlot(ctx, m.ID, pos, "filler"))
		_, err := f.store.IncrementFilledCount(ctx, m.ID)
		require.NoError(t, err)
	}
	return m
}

type racingStore struct {
	matrix.Store
	claims int
}

// FillOverflowSlot lets a competitor take the slot right before the first
// placement.
func (s *racingStore) FillOverflowSlot(ctx context.Context, recordID, matrixID string, position int) (matrix.Matrix, error) {
	s.claims++
	if s.claims == 1 {
		if err := s.Store.ClaimSlot(ctx, matrixID, position, "competitor"); err != nil {
			return matrix.Matrix{}, err
		}
		if _, err := s.Store.IncrementFilledCount(ctx, matrixID); err != nil {
			return matrix.Matrix{}, err
		}
	}
	return s.Store.FillOverflowSlot(ctx, recordID, matrixID, position)
}

// flakyStore fails the first placement the way a dropped connection would.
type flakyStore struct {
	matrix.Store
	calls int
}

func (s *flakyStore) FillOverflowSlot(ctx context.Context, recordID, matrixID string, position int) (matrix.Matrix, error) {
	s.calls++
	if s.calls == 1 {
		return matrix.Matrix{}, errors.New("connection reset by peer")
	}
	return s.Store.FillOverflowSlot(ctx, recordID, matrixID, position)
}

// occupiedBy counts the slots of m held by participantID.
func occupiedBy(t *testing.T, store matrix.Store, m matrix.Matrix, participantID string) int {
	t.Helper()
	slots, err := store.ListSlots(t.Context(), m.ID)
	require.NoError(t, err)
	n := 0
	for _, slot := range slots {
		if slot.OccupantID == participantID {
			n++
		}
	}
	return n
}

func TestOverflow_RouterConfig_Validate(t *testing.T) {
	t.Parallel()

	_, err := overflow.NewRouter(overflow.RouterConfig{})
	require.EqualError(t, err, "logger is required")
	_, err = overflow.NewRouter(overflow.RouterConfig{Logger: comptesting.NewLogger()})
	require.EqualError(t, err, "matrix store is required")
}

func TestOverflow_PlaceOverflow_NearestAncestorWithCapacity(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := t.Context()
	f.fullMatrix(t, "a5", 2)
	open, err := f.store.CreateMatrix(ctx, "a3", 3)
	require.NoError(t, err)
	_, err = f.store.CreateMatrix(ctx, "a1", 3)
	require.NoError(t, err)

	slot, err := f.router(t, nil).PlaceOverflow(ctx, "p")
	require.NoError(t, err)
	require.NotNil(t, slot)
	require.Equal(t, open.ID, slot.MatrixID)
	require.Equal(t, 1, slot.Position)
}

func TestOverflow_PlaceOverflow_NoCapacity(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	for _, owner := range []string{"a5", "a4", "a3", "a2", "a1"} {
		f.fullMatrix(t, owner, 6)
	}

	r := f.router(t, nil)
	slot, err := r.PlaceOverflow(t.Context(), "p")
	require.NoError(t, err)
	require.Nil(t, slot)

	rec, err := f.store.EnqueueOverflow(t.Context(), "p")
	require.NoError(t, err)
	placement, err := r.Fill(t.Context(), rec)
	require.NoError(t, err)
	require.Nil(t, placement)

	pending, err := f.store.ListPendingOverflow(t.Context())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, rec.ID, pending[0].ID)
}

func TestOverflow_Fill_CompletesMatrixOnLastSlot(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := t.Context()
	m, err := f.store.CreateMatrix(ctx, "a5", 2)
	require.NoError(t, err)
	require.NoError(t, f.store.ClaimSlot(ctx, m.ID, 1, "x"))
	_, err = f.store.IncrementFilledCount(ctx, m.ID)
	require.NoError(t, err)

	rec, err := f.store.EnqueueOverflow(ctx, "p")
	require.NoError(t, err)

	placement, err := f.router(t, nil).Fill(ctx, rec)
	require.NoError(t, err)
	require.NotNil(t, placement)
	require.True(t, placement.Completed)
	require.Equal(t, 2, placement.Slot.Position)
	require.Equal(t, "p", placement.Slot.OccupantID)

	got, err := f.store.GetMatrix(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, matrix.StatusCompleted, got.Status)
	require.Equal(t, 2, got.SlotsFilled)

	pending, err := f.store.ListPendingOverflow(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestOverflow_Fill_RedecidesAfterLostClaim(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := t.Context()
	m, err := f.store.CreateMatrix(ctx, "a5", 3)
	require.NoError(t, err)

	store := &racingStore{Store: f.store}
	rec, err := f.store.EnqueueOverflow(ctx, "p")
	require.NoError(t, err)

	placement, err := f.router(t, store).Fill(ctx, rec)
	require.NoError(t, err)
	require.NotNil(t, placement)
	require.Equal(t, 2, store.claims)
	require.Equal(t, 2, placement.Slot.Position)

	slots, err := f.store.ListSlots(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, "competitor", slots[0].OccupantID)
	require.Equal(t, "p", slots[1].OccupantID)
	require.Equal(t, matrix.SlotEmpty, slots[2].Status)
}

type failingStore struct {
	matrix.Store
}

func (failingStore) FindEarliestOpenSlot(ctx context.Context, ownerID string) (*matrix.Slot, error) {
	return nil, errors.New("connection refused")
}

func TestOverflow_Fill_StoreErrorLeavesRecordPending(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec, err := f.store.EnqueueOverflow(t.Context(), "p")
	require.NoError(t, err)

	_, err = f.router(t, failingStore{Store: f.store}).Fill(t.Context(), rec)
	require.Error(t, err)
	require.Contains(t, err.Error(), "connection refused")

	pending, err := f.store.ListPendingOverflow(t.Context())
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestOverflow_Fill_RetryAfterFailurePlacesOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := t.Context()
	m, err := f.store.CreateMatrix(ctx, "a5", 3)
	require.NoError(t, err)
	rec, err := f.store.EnqueueOverflow(ctx, "p")
	require.NoError(t, err)

	store := &flakyStore{Store: f.store}
	r := f.router(t, store)

	_, err = r.Fill(ctx, rec)
	require.ErrorContains(t, err, "connection reset by peer")
	pending, err := f.store.ListPendingOverflow(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Zero(t, occupiedBy(t, f.store, m, "p"))

	placement, err := r.Fill(ctx, pending[0])
	require.NoError(t, err)
	require.NotNil(t, placement)

	got, err := f.store.GetMatrix(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.SlotsFilled)
	require.Equal(t, 1, occupiedBy(t, f.store, m, "p"))
	pending, err = f.store.ListPendingOverflow(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestOverflow_Fill_StaleRecordIsNotPlacedTwice(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := t.Context()
	m, err := f.store.CreateMatrix(ctx, "a5", 3)
	require.NoError(t, err)
	rec, err := f.store.EnqueueOverflow(ctx, "p")
	require.NoError(t, err)

	r := f.router(t, nil)
	first, err := r.Fill(ctx, rec)
	require.NoError(t, err)
	require.NotNil(t, first)

	// rec still reads pending, as it would for a pass that listed it earlier.
	second, err := r.Fill(ctx, rec)
	require.NoError(t, err)
	require.Nil(t, second)

	got, err := f.store.GetMatrix(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.SlotsFilled)
	require.Equal(t, 1, occupiedBy(t, f.store, m, "p"))
}
