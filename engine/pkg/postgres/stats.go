package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rsprolipsi/compensation/engine/pkg/bonus"
	"github.com/rsprolipsi/compensation/engine/pkg/ledger"
)

// FidelityEntries counts reentry matrices per owner created in [from, to).
func (s *Store) FidelityEntries(ctx context.Context, from, to time.Time) ([]bonus.FidelityEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT owner_id, count(*)
		FROM matrices
		WHERE is_reentry AND created_at >= $1 AND created_at < $2
		GROUP BY owner_id
		ORDER BY owner_id`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to count reentries: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (bonus.FidelityEntry, error) {
		var e bonus.FidelityEntry
		err := row.Scan(&e.ParticipantID, &e.Reentries)
		return e, err
	})
}

// ActiveDirects counts active direct sponsees for each id. Ids without any
// are absent from the map.
func (s *Store) ActiveDirects(ctx context.Context, participantIDs []string) (map[string]int, error) {
	out := make(map[string]int, len(participantIDs))
	if len(participantIDs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT sponsor_id, count(*)
		FROM participants
		WHERE sponsor_id = ANY($1) AND status = 'active' AND id <> sponsor_id
		GROUP BY sponsor_id`, participantIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to count active directs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id string
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("failed to scan active directs: %w", err)
		}
		out[id] = n
	}
	return out, rows.Err()
}

func (s *Store) ListActiveParticipants(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM participants WHERE status = 'active' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active participants: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// CycleCounts returns the matrices compressed in [from, to) per owner, most
// cycles first, ties by owner id.
func (s *Store) CycleCounts(ctx context.Context, from, to time.Time) ([]ledger.CyclerCount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT owner_id, count(*)
		FROM matrices
		WHERE status = 'compressed' AND compressed_at >= $1 AND compressed_at < $2
		GROUP BY owner_id
		ORDER BY count(*) DESC, owner_id`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to count cycles: %w", err)
	}
	counts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.CyclerCount, error) {
		var cc ledger.CyclerCount
		err := row.Scan(&cc.ParticipantID, &cc.Cycles)
		return cc, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan cycle counts: %w", err)
	}
	return counts, nil
}

// CareerSnapshot gathers the participant's matrices compressed in
// [from, to), the matrices compressed in the same window by each direct line
// (the direct and everyone below them), and the career ranks already paid.
func (s *Store) CareerSnapshot(ctx context.Context, participantID string, from, to time.Time) (bonus.CareerSnapshot, error) {
	snap := bonus.CareerSnapshot{ParticipantID: participantID}

	status, err := s.GetActivityStatus(ctx, participantID)
	if err != nil {
		return bonus.CareerSnapshot{}, err
	}
	snap.Status = status

	if err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM matrices
		WHERE owner_id = $1 AND status = 'compressed'
		  AND compressed_at >= $2 AND compressed_at < $3`,
		participantID, from, to).Scan(&snap.PersonalCycles); err != nil {
		return bonus.CareerSnapshot{}, fmt.Errorf("failed to count cycles of %s: %w", participantID, err)
	}

	rows, err := s.pool.Query(ctx, `
		WITH RECURSIVE line (member, root) AS (
			SELECT id, id FROM participants WHERE sponsor_id = $1 AND id <> $1
			UNION ALL
			SELECT p.id, l.root FROM participants p JOIN line l ON p.sponsor_id = l.member
		) CYCLE member SET is_cycle USING path
		SELECT d.id, count(m.id)
		FROM participants d
		LEFT JOIN line l ON l.root = d.id AND NOT l.is_cycle AND l.member <> $1
		LEFT JOIN matrices m ON m.owner_id = l.member AND m.status = 'compressed'
			AND m.compressed_at >= $2 AND m.compressed_at < $3
		WHERE d.sponsor_id = $1 AND d.id <> $1
		GROUP BY d.id
		ORDER BY d.id`, participantID, from, to)
	if err != nil {
		return bonus.CareerSnapshot{}, fmt.Errorf("failed to count line cycles of %s: %w", participantID, err)
	}
	lines, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (int, error) {
		var (
			direct string
			n      int
		)
		err := row.Scan(&direct, &n)
		return n, err
	})
	if err != nil {
		return bonus.CareerSnapshot{}, fmt.Errorf("failed to count line cycles of %s: %w", participantID, err)
	}
	snap.Lines = lines

	credits, err := s.Credits(ctx, participantID, ledger.KindCareer)
	if err != nil {
		return bonus.CareerSnapshot{}, err
	}
	for _, c := range credits {
		snap.CreditedRanks = append(snap.CreditedRanks, c.Reference)
	}
	return snap, nil
}
