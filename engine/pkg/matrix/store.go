package matrix

import (
	"context"
	"time"
)

// Store is the persisted placement tree.
type Store interface {
	// ListCompletedMatrices returns matrices in the completed state, oldest first.
	ListCompletedMatrices(ctx context.Context) ([]Matrix, error)
	// UpdateMatrixStatus moves a matrix forward one step. Moving to a status
	// from anything but its predecessor returns ErrInvalidTransition, which
	// makes the transition a safe "claim" for concurrent passes.
	UpdateMatrixStatus(ctx context.Context, matrixID string, status Status) error
	// ListPendingOverflow returns pending records in Seq order.
	ListPendingOverflow(ctx context.Context) ([]OverflowRecord, error)
	// FindEarliestOpenSlot returns the lowest empty position of the owner's
	// earliest-created active matrix that still has one, or nil.
	FindEarliestOpenSlot(ctx context.Context, ownerID string) (*Slot, error)
	// ClaimSlot sets the occupant only if the slot is still empty, otherwise
	// it returns ErrSlotTaken.
	ClaimSlot(ctx context.Context, matrixID string, position int, occupantID string) error
	// IncrementFilledCount bumps the filled-slot counter and returns the
	// updated matrix. It refuses to go past the width with ErrMatrixFull.
	IncrementFilledCount(ctx context.Context, matrixID string) (Matrix, error)
	// CreateMatrix creates an active matrix with width empty slots.
	CreateMatrix(ctx context.Context, ownerID string, width int) (Matrix, error)
	// CountReentriesSince counts reentry matrices of the owner created at or
	// after since.
	CountReentriesSince(ctx context.Context, ownerID string, since time.Time) (int, error)

	// ListReentryPending returns compressed matrices whose reentry has not
	// been handled, oldest first.
	ListReentryPending(ctx context.Context) ([]Matrix, error)
	// CreateReentryMatrix creates the reentry matrix for a compressed source
	// and marks the source processed in one step. A source already processed
	// returns ErrAlreadyProcessed.
	CreateReentryMatrix(ctx context.Context, sourceMatrixID string, width int) (Matrix, error)
	// MarkReentryProcessed flags a compressed matrix without creating a
	// reentry (forfeit).
	MarkReentryProcessed(ctx context.Context, matrixID string) error
	// FillOverflowSlot places a pending overflow record in one step: it
	// claims the slot for the record's participant, bumps the filled
	// counter, completes the matrix when that fills it and marks the record
	// processed. It returns the updated matrix. On error nothing is changed:
	// ErrAlreadyProcessed when the record is no longer pending, ErrSlotTaken
	// when the slot is no longer empty or the matrix no longer active.
	FillOverflowSlot(ctx context.Context, recordID, matrixID string, position int) (Matrix, error)
	EnqueueOverflow(ctx context.Context, participantID string) (OverflowRecord, error)

	GetMatrix(ctx context.Context, matrixID string) (Matrix, error)
	ListSlots(ctx context.Context, matrixID string) ([]Slot, error)
}
