package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/rsprolipsi/compensation/engine/pkg/matrix"
)

type StoreConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
	Clock  clockwork.Clock
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Store implements matrix.Store, genealogy.Source and ledger.Wallet on
// PostgreSQL.
type Store struct {
	log   *slog.Logger
	pool  *pgxpool.Pool
	clock clockwork.Clock
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{log: cfg.Logger, pool: cfg.Pool, clock: cfg.Clock}, nil
}

var _ matrix.Store = (*Store)(nil)

const matrixColumns = `id, owner_id, level, width, status, slots_filled, created_at,
	completed_at, compressed_at, is_reentry, reentry_processed, source_matrix_id`

const matrixOrder = `ORDER BY created_at, created_seq`

func scanMatrix(row pgx.Row) (matrix.Matrix, error) {
	var (
		m            matrix.Matrix
		status       string
		completedAt  *time.Time
		compressedAt *time.Time
		sourceID     *string
	)
	err := row.Scan(&m.ID, &m.OwnerID, &m.Level, &m.Width, &status, &m.SlotsFilled, &m.CreatedAt,
		&completedAt, &compressedAt, &m.IsReentry, &m.ReentryProcessed, &sourceID)
	if err != nil {
		return matrix.Matrix{}, err
	}
	m.Status = matrix.Status(status)
	if completedAt != nil {
		m.CompletedAt = *completedAt
	}
	if compressedAt != nil {
		m.CompressedAt = *compressedAt
	}
	if sourceID != nil {
		m.SourceMatrixID = *sourceID
	}
	return m, nil
}

func (s *Store) queryMatrices(ctx context.Context, query string, args ...any) ([]matrix.Matrix, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (matrix.Matrix, error) {
		return scanMatrix(row)
	})
}

func (s *Store) ListCompletedMatrices(ctx context.Context) ([]matrix.Matrix, error) {
	ms, err := s.queryMatrices(ctx, `SELECT `+matrixColumns+` FROM matrices WHERE status = 'completed' `+matrixOrder)
	if err != nil {
		return nil, fmt.Errorf("failed to list completed matrices: %w", err)
	}
	return ms, nil
}

func (s *Store) ListReentryPending(ctx context.Context) ([]matrix.Matrix, error) {
	ms, err := s.queryMatrices(ctx, `SELECT `+matrixColumns+` FROM matrices
		WHERE status = 'compressed' AND NOT reentry_processed `+matrixOrder)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending reentries: %w", err)
	}
	return ms, nil
}

func (s *Store) GetMatrix(ctx context.Context, matrixID string) (matrix.Matrix, error) {
	m, err := scanMatrix(s.pool.QueryRow(ctx, `SELECT `+matrixColumns+` FROM matrices WHERE id = $1`, matrixID))
	if errors.Is(err, pgx.ErrNoRows) {
		return matrix.Matrix{}, fmt.Errorf("%w: %s", matrix.ErrNotFound, matrixID)
	}
	if err != nil {
		return matrix.Matrix{}, fmt.Errorf("failed to get matrix %s: %w", matrixID, err)
	}
	return m, nil
}

func (s *Store) UpdateMatrixStatus(ctx context.Context, matrixID string, status matrix.Status) error {
	prev, ok := status.Predecessor()
	if !ok {
		return fmt.Errorf("%w: cannot move %s to %s", matrix.ErrInvalidTransition, matrixID, status)
	}
	now := s.clock.Now()

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE matrices SET
				status = $2::text,
				completed_at = CASE WHEN $2::text = 'completed' THEN $3 ELSE completed_at END,
				compressed_at = CASE WHEN $2::text = 'compressed' THEN $3 ELSE compressed_at END
			WHERE id = $1 AND status = $4`,
			matrixID, string(status), now, string(prev))
		if err != nil {
			return fmt.Errorf("failed to update matrix %s: %w", matrixID, err)
		}
		if tag.RowsAffected() == 0 {
			var current string
			err := tx.QueryRow(ctx, `SELECT status FROM matrices WHERE id = $1`, matrixID).Scan(&current)
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %s", matrix.ErrNotFound, matrixID)
			}
			if err != nil {
				return fmt.Errorf("failed to read matrix %s: %w", matrixID, err)
			}
			return fmt.Errorf("%w: %s -> %s", matrix.ErrInvalidTransition, current, status)
		}
		if status == matrix.StatusCompressed {
			if _, err := tx.Exec(ctx, `UPDATE matrix_slots SET status = 'completed' WHERE matrix_id = $1 AND status = 'filled'`, matrixID); err != nil {
				return fmt.Errorf("failed to complete slots of %s: %w", matrixID, err)
			}
		}
		return nil
	})
}

func (s *Store) IncrementFilledCount(ctx context.Context, matrixID string) (matrix.Matrix, error) {
	m, err := scanMatrix(s.pool.QueryRow(ctx, `
		UPDATE matrices SET slots_filled = slots_filled + 1
		WHERE id = $1 AND slots_filled < width
		RETURNING `+matrixColumns, matrixID))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, err := s.GetMatrix(ctx, matrixID); err != nil {
			return matrix.Matrix{}, err
		}
		return matrix.Matrix{}, fmt.Errorf("%w: %s", matrix.ErrMatrixFull, matrixID)
	}
	if err != nil {
		return matrix.Matrix{}, fmt.Errorf("failed to increment filled count of %s: %w", matrixID, err)
	}
	return m, nil
}

func (s *Store) CreateMatrix(ctx context.Context, ownerID string, width int) (matrix.Matrix, error) {
	var m matrix.Matrix
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		m, err = s.createMatrixTx(ctx, tx, ownerID, width, 1, "")
		return err
	})
	return m, err
}

func (s *Store) createMatrixTx(ctx context.Context, tx pgx.Tx, ownerID string, width, level int, sourceID string) (matrix.Matrix, error) {
	if width <= 0 {
		return matrix.Matrix{}, matrix.ErrInvalidWidth
	}
	var source *string
	if sourceID != "" {
		source = &sourceID
	}

	m, err := scanMatrix(tx.QueryRow(ctx, `
		INSERT INTO matrices (id, owner_id, level, width, status, created_at, is_reentry, source_matrix_id)
		VALUES ($1, $2, $3, $4, 'active', $5, $6, $7)
		RETURNING `+matrixColumns,
		uuid.NewString(), ownerID, level, width, s.clock.Now(), source != nil, source))
	if err != nil {
		return matrix.Matrix{}, fmt.Errorf("failed to insert matrix for %s: %w", ownerID, err)
	}

	rows := make([][]any, width)
	for i := range rows {
		rows[i] = []any{uuid.NewString(), m.ID, i + 1, string(matrix.SlotEmpty)}
	}
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"matrix_slots"},
		[]string{"id", "matrix_id", "position", "status"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return matrix.Matrix{}, fmt.Errorf("failed to create slots for %s: %w", m.ID, err)
	}
	return m, nil
}

func (s *Store) CreateReentryMatrix(ctx context.Context, sourceMatrixID string, width int) (matrix.Matrix, error) {
	var created matrix.Matrix
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		src, err := s.lockReentrySource(ctx, tx, sourceMatrixID)
		if err != nil {
			return err
		}
		created, err = s.createMatrixTx(ctx, tx, src.OwnerID, width, src.Level, src.ID)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE matrices SET reentry_processed = true WHERE id = $1`, src.ID); err != nil {
			return fmt.Errorf("failed to mark reentry processed for %s: %w", src.ID, err)
		}
		return nil
	})
	return created, err
}

func (s *Store) MarkReentryProcessed(ctx context.Context, matrixID string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := s.lockReentrySource(ctx, tx, matrixID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE matrices SET reentry_processed = true WHERE id = $1`, matrixID); err != nil {
			return fmt.Errorf("failed to mark reentry processed for %s: %w", matrixID, err)
		}
		return nil
	})
}

func (s *Store) lockReentrySource(ctx context.Context, tx pgx.Tx, matrixID string) (matrix.Matrix, error) {
	src, err := scanMatrix(tx.QueryRow(ctx, `SELECT `+matrixColumns+` FROM matrices WHERE id = $1 FOR UPDATE`, matrixID))
	if errors.Is(err, pgx.ErrNoRows) {
		return matrix.Matrix{}, fmt.Errorf("%w: %s", matrix.ErrNotFound, matrixID)
	}
	if err != nil {
		return matrix.Matrix{}, fmt.Errorf("failed to lock matrix %s: %w", matrixID, err)
	}
	if src.Status != matrix.StatusCompressed {
		return matrix.Matrix{}, fmt.Errorf("%w: reentry from %s matrix %s", matrix.ErrInvalidTransition, src.Status, matrixID)
	}
	if src.ReentryProcessed {
		return matrix.Matrix{}, fmt.Errorf("%w: reentry for %s", matrix.ErrAlreadyProcessed, matrixID)
	}
	return src, nil
}

func (s *Store) CountReentriesSince(ctx context.Context, ownerID string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM matrices
		WHERE owner_id = $1 AND is_reentry AND created_at >= $2`, ownerID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count reentries of %s: %w", ownerID, err)
	}
	return n, nil
}

const slotColumns = `id, matrix_id, position, coalesce(occupant_id, ''), filled_at, status`

func scanSlot(row pgx.Row) (matrix.Slot, error) {
	var (
		slot     matrix.Slot
		filledAt *time.Time
		status   string
	)
	if err := row.Scan(&slot.ID, &slot.MatrixID, &slot.Position, &slot.OccupantID, &filledAt, &status); err != nil {
		return matrix.Slot{}, err
	}
	slot.Status = matrix.SlotStatus(status)
	if filledAt != nil {
		slot.FilledAt = *filledAt
	}
	return slot, nil
}

func (s *Store) FindEarliestOpenSlot(ctx context.Context, ownerID string) (*matrix.Slot, error) {
	slot, err := scanSlot(s.pool.QueryRow(ctx, `
		SELECT s.id, s.matrix_id, s.position, coalesce(s.occupant_id, ''), s.filled_at, s.status
		FROM matrices m
		JOIN matrix_slots s ON s.matrix_id = m.id
		WHERE m.owner_id = $1 AND m.status = 'active' AND s.status = 'empty'
		ORDER BY m.created_at, m.created_seq, s.position
		LIMIT 1`, ownerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open slot for %s: %w", ownerID, err)
	}
	return &slot, nil
}

func (s *Store) ClaimSlot(ctx context.Context, matrixID string, position int, occupantID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE matrix_slots s SET occupant_id = $3, filled_at = $4, status = 'filled'
		FROM matrices m
		WHERE s.matrix_id = $1 AND s.position = $2 AND s.status = 'empty'
			AND m.id = s.matrix_id AND m.status = 'active'`,
		matrixID, position, occupantID, s.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to claim %s position %d: %w", matrixID, position, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM matrix_slots WHERE matrix_id = $1 AND position = $2)`,
		matrixID, position).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check %s position %d: %w", matrixID, position, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s position %d", matrix.ErrNotFound, matrixID, position)
	}
	return fmt.Errorf("%w: %s position %d", matrix.ErrSlotTaken, matrixID, position)
}

func (s *Store) ListSlots(ctx context.Context, matrixID string) ([]matrix.Slot, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+slotColumns+` FROM matrix_slots WHERE matrix_id = $1 ORDER BY position`, matrixID)
	if err != nil {
		return nil, fmt.Errorf("failed to list slots of %s: %w", matrixID, err)
	}
	slots, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (matrix.Slot, error) {
		return scanSlot(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list slots of %s: %w", matrixID, err)
	}
	if len(slots) == 0 {
		return nil, fmt.Errorf("%w: %s", matrix.ErrNotFound, matrixID)
	}
	return slots, nil
}

const overflowColumns = `id, seq, participant_id, status, created_at, coalesce(matrix_id, ''), coalesce(position, 0)`

func scanOverflow(row pgx.Row) (matrix.OverflowRecord, error) {
	var (
		r      matrix.OverflowRecord
		status string
	)
	if err := row.Scan(&r.ID, &r.Seq, &r.ParticipantID, &status, &r.CreatedAt, &r.MatrixID, &r.Position); err != nil {
		return matrix.OverflowRecord{}, err
	}
	r.Status = matrix.OverflowStatus(status)
	return r, nil
}

func (s *Store) ListPendingOverflow(ctx context.Context) ([]matrix.OverflowRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+overflowColumns+` FROM matrix_overflow WHERE status = 'pending' ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending overflow: %w", err)
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (matrix.OverflowRecord, error) {
		return scanOverflow(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending overflow: %w", err)
	}
	return recs, nil
}

func (s *Store) EnqueueOverflow(ctx context.Context, participantID string) (matrix.OverflowRecord, error) {
	r, err := scanOverflow(s.pool.QueryRow(ctx, `
		INSERT INTO matrix_overflow (id, participant_id, status, created_at)
		VALUES ($1, $2, 'pending', $3)
		RETURNING `+overflowColumns,
		uuid.NewString(), participantID, s.clock.Now()))
	if err != nil {
		return matrix.OverflowRecord{}, fmt.Errorf("failed to enqueue overflow for %s: %w", participantID, err)
	}
	return r, nil
}

// FillOverflowSlot locks the overflow record and then the matrix, so two
// passes placing the same record serialize and the loser sees
// ErrAlreadyProcessed.
func (s *Store) FillOverflowSlot(ctx context.Context, recordID, matrixID string, position int) (matrix.Matrix, error) {
	now := s.clock.Now()
	var m matrix.Matrix
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var participantID, status string
		err := tx.QueryRow(ctx, `SELECT participant_id, status FROM matrix_overflow WHERE id = $1 FOR UPDATE`,
			recordID).Scan(&participantID, &status)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: overflow %s", matrix.ErrNotFound, recordID)
		}
		if err != nil {
			return fmt.Errorf("failed to lock overflow %s: %w", recordID, err)
		}
		if matrix.OverflowStatus(status) != matrix.OverflowPending {
			return fmt.Errorf("%w: overflow %s", matrix.ErrAlreadyProcessed, recordID)
		}

		cur, err := scanMatrix(tx.QueryRow(ctx, `SELECT `+matrixColumns+` FROM matrices WHERE id = $1 FOR UPDATE`, matrixID))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", matrix.ErrNotFound, matrixID)
		}
		if err != nil {
			return fmt.Errorf("failed to lock matrix %s: %w", matrixID, err)
		}
		if cur.Status != matrix.StatusActive {
			return fmt.Errorf("%w: %s position %d", matrix.ErrSlotTaken, matrixID, position)
		}
		if cur.Full() {
			return fmt.Errorf("%w: %s", matrix.ErrMatrixFull, matrixID)
		}

		tag, err := tx.Exec(ctx, `
			UPDATE matrix_slots SET occupant_id = $3, filled_at = $4, status = 'filled'
			WHERE matrix_id = $1 AND position = $2 AND status = 'empty'`,
			matrixID, position, participantID, now)
		if err != nil {
			return fmt.Errorf("failed to claim %s position %d: %w", matrixID, position, err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM matrix_slots WHERE matrix_id = $1 AND position = $2)`,
				matrixID, position).Scan(&exists); err != nil {
				return fmt.Errorf("failed to check %s position %d: %w", matrixID, position, err)
			}
			if !exists {
				return fmt.Errorf("%w: %s position %d", matrix.ErrNotFound, matrixID, position)
			}
			return fmt.Errorf("%w: %s position %d", matrix.ErrSlotTaken, matrixID, position)
		}

		m, err = scanMatrix(tx.QueryRow(ctx, `
			UPDATE matrices SET
				slots_filled = slots_filled + 1,
				status = CASE WHEN slots_filled + 1 >= width THEN 'completed' ELSE status END,
				completed_at = CASE WHEN slots_filled + 1 >= width THEN $2 ELSE completed_at END
			WHERE id = $1
			RETURNING `+matrixColumns, matrixID, now))
		if err != nil {
			return fmt.Errorf("failed to count fill of %s: %w", matrixID, err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE matrix_overflow SET status = 'processed', matrix_id = $2, position = $3
			WHERE id = $1`, recordID, matrixID, position); err != nil {
			return fmt.Errorf("failed to mark overflow %s processed: %w", recordID, err)
		}
		return nil
	})
	if err != nil {
		return matrix.Matrix{}, err
	}
	return m, nil
}
