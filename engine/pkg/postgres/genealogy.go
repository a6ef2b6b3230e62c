package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/rsprolipsi/compensation/engine/pkg/genealogy"
)

var _ genealogy.Source = (*Store)(nil)

// UpsertParticipant inserts or updates a participant's sponsor and status.
func (s *Store) UpsertParticipant(ctx context.Context, p genealogy.Participant) error {
	var sponsor *string
	if p.SponsorID != "" {
		sponsor = &p.SponsorID
	}
	status := p.Status
	if status == "" {
		status = genealogy.StatusPending
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO participants (id, sponsor_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (id) DO UPDATE SET
			sponsor_id = EXCLUDED.sponsor_id,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		p.ID, sponsor, string(status), s.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to upsert participant %s: %w", p.ID, err)
	}
	return nil
}

func (s *Store) GetSponsor(ctx context.Context, participantID string) (string, bool, error) {
	var sponsor *string
	err := s.pool.QueryRow(ctx, `SELECT sponsor_id FROM participants WHERE id = $1`, participantID).Scan(&sponsor)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, fmt.Errorf("%w: %s", genealogy.ErrNotFound, participantID)
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get sponsor of %s: %w", participantID, err)
	}
	if sponsor == nil || *sponsor == "" {
		return "", false, nil
	}
	return *sponsor, true, nil
}

func (s *Store) GetActivityStatus(ctx context.Context, participantID string) (genealogy.Status, error) {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM participants WHERE id = $1`, participantID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", genealogy.ErrNotFound, participantID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get status of %s: %w", participantID, err)
	}
	return genealogy.ParseStatus(status)
}
