package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/rsprolipsi/compensation/engine/pkg/ledger"
)

var _ ledger.Wallet = (*Store)(nil)

// ApplyCredit inserts the credit and moves the balance in one transaction.
// A credit whose idempotency key already exists changes nothing.
func (s *Store) ApplyCredit(ctx context.Context, c ledger.Credit, at time.Time) (bool, error) {
	applied := false
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO wallet_credits
				(idempotency_key, participant_id, amount, kind, description, period, matrix_id, reference, created_at)
			VALUES ($1, $2, $3::text::numeric, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (idempotency_key) DO NOTHING`,
			c.IdempotencyKey, c.ParticipantID, c.Amount.String(), string(c.Kind), c.Description,
			c.Period, c.MatrixID, c.Reference, at)
		if err != nil {
			return fmt.Errorf("failed to insert credit %s: %w", c.IdempotencyKey, err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO wallet_balances (participant_id, balance, updated_at)
			VALUES ($1, $2::text::numeric, $3)
			ON CONFLICT (participant_id) DO UPDATE SET
				balance = wallet_balances.balance + EXCLUDED.balance,
				updated_at = EXCLUDED.updated_at`,
			c.ParticipantID, c.Amount.String(), at); err != nil {
			return fmt.Errorf("failed to update balance of %s: %w", c.ParticipantID, err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// Balance returns the participant's wallet balance, zero when unknown.
func (s *Store) Balance(ctx context.Context, participantID string) (decimal.Decimal, error) {
	rows, err := s.pool.Query(ctx, `SELECT balance::text FROM wallet_balances WHERE participant_id = $1`, participantID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read balance of %s: %w", participantID, err)
	}
	balances, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read balance of %s: %w", participantID, err)
	}
	if len(balances) == 0 {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(balances[0])
}

// Credits returns the participant's credits of kind in creation order.
func (s *Store) Credits(ctx context.Context, participantID string, kind ledger.Kind) ([]ledger.Credit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT idempotency_key, participant_id, amount::text, kind, description, period, matrix_id, reference
		FROM wallet_credits
		WHERE participant_id = $1 AND kind = $2
		ORDER BY created_at, idempotency_key`, participantID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to list credits of %s: %w", participantID, err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.Credit, error) {
		var (
			c      ledger.Credit
			amount string
			k      string
		)
		if err := row.Scan(&c.IdempotencyKey, &c.ParticipantID, &amount, &k, &c.Description, &c.Period, &c.MatrixID, &c.Reference); err != nil {
			return ledger.Credit{}, err
		}
		c.Kind = ledger.Kind(k)
		var err error
		c.Amount, err = decimal.NewFromString(amount)
		return c, err
	})
}
