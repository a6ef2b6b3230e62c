package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rsprolipsi/compensation/engine/pkg/ledger"
)

type JournalConfig struct {
	Logger     *slog.Logger
	ClickHouse Client
}

func (cfg *JournalConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ClickHouse == nil {
		return errors.New("clickhouse client is required")
	}
	return nil
}

// Journal writes cycle summaries and credits to ReplacingMergeTree tables,
// so a repeated write of the same matrix or key collapses on merge. Reads
// count distinct matrices and never depend on merges having run.
type Journal struct {
	log *slog.Logger
	cfg JournalConfig
}

func NewJournal(cfg JournalConfig) (*Journal, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Journal{log: cfg.Logger, cfg: cfg}, nil
}

var _ ledger.Journal = (*Journal)(nil)

func (j *Journal) RecordCycleSummary(ctx context.Context, s ledger.CycleSummary) error {
	metadata := s.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	return j.insert(ctx, "fact_cycle_summaries",
		s.MatrixID, s.OwnerID, uint16(s.Level), s.CycleValue, s.BonusPaid, s.Period, metadata, s.RecordedAt.UTC())
}

func (j *Journal) RecordCredit(ctx context.Context, c ledger.Credit, at time.Time) error {
	return j.insert(ctx, "fact_bonus_credits",
		c.IdempotencyKey, c.ParticipantID, c.Amount, string(c.Kind), c.Description, c.Period, c.MatrixID, c.Reference, at.UTC())
}

func (j *Journal) insert(ctx context.Context, table string, row ...any) error {
	ctx = ContextWithSyncInsert(ctx)
	conn, err := j.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	batch, err := conn.PrepareBatch(ctx, "INSERT INTO "+table)
	if err != nil {
		return fmt.Errorf("failed to prepare %s insert: %w", table, err)
	}
	defer batch.Close()

	if err := batch.Append(row...); err != nil {
		return fmt.Errorf("failed to append %s row: %w", table, err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send %s row: %w", table, err)
	}
	return nil
}

// CycleCount counts distinct matrices summarised in period.
func (j *Journal) CycleCount(ctx context.Context, period string) (int, error) {
	conn, err := j.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.Query(ctx, `SELECT uniqExact(matrix_id) FROM fact_cycle_summaries WHERE period = ?`, period)
	if err != nil {
		return 0, fmt.Errorf("failed to count cycles for %s: %w", period, err)
	}
	defer rows.Close()

	var n uint64
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, fmt.Errorf("failed to scan cycle count: %w", err)
		}
	}
	return int(n), rows.Err()
}

// RankCyclers returns owners by distinct cycles in period, most first, ties
// by owner ID. A limit of zero returns every owner.
func (j *Journal) RankCyclers(ctx context.Context, period string, limit int) ([]ledger.CyclerCount, error) {
	conn, err := j.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	query := `
		SELECT owner_id, uniqExact(matrix_id) AS cycles
		FROM fact_cycle_summaries
		WHERE period = ?
		GROUP BY owner_id
		ORDER BY cycles DESC, owner_id ASC`
	args := []any{period}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to rank cyclers for %s: %w", period, err)
	}
	defer rows.Close()

	var out []ledger.CyclerCount
	for rows.Next() {
		var (
			owner  string
			cycles uint64
		)
		if err := rows.Scan(&owner, &cycles); err != nil {
			return nil, fmt.Errorf("failed to scan cycler: %w", err)
		}
		out = append(out, ledger.CyclerCount{ParticipantID: owner, Cycles: int(cycles)})
	}
	return out, rows.Err()
}
