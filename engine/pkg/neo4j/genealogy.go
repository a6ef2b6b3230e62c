package neo4j

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rsprolipsi/compensation/engine/pkg/genealogy"
)

type GenealogySourceConfig struct {
	Logger *slog.Logger
	Neo4j  Client
}

func (cfg *GenealogySourceConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Neo4j == nil {
		return errors.New("neo4j client is required")
	}
	return nil
}

// GenealogySource reads (:Participant)-[:SPONSORED_BY]->(:Participant).
type GenealogySource struct {
	log *slog.Logger
	cfg GenealogySourceConfig
}

func NewGenealogySource(cfg GenealogySourceConfig) (*GenealogySource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &GenealogySource{log: cfg.Logger, cfg: cfg}, nil
}

var _ genealogy.Source = (*GenealogySource)(nil)

// participantRow is what lookup returns for a known participant.
type participantRow struct {
	status  string
	sponsor string
}

func (s *GenealogySource) lookup(ctx context.Context, participantID string) (participantRow, error) {
	session, err := s.cfg.Neo4j.Session(ctx)
	if err != nil {
		return participantRow{}, fmt.Errorf("failed to open Neo4j session: %w", err)
	}
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx Transaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (p:Participant {id: $id})
			OPTIONAL MATCH (p)-[:SPONSORED_BY]->(s:Participant)
			RETURN p.status AS status, s.id AS sponsor`,
			map[string]any{"id": participantID})
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			return nil, nil
		}
		var row participantRow
		if v, ok := records[0].Get("status"); ok && v != nil {
			row.status, _ = v.(string)
		}
		if v, ok := records[0].Get("sponsor"); ok && v != nil {
			row.sponsor, _ = v.(string)
		}
		return &row, nil
	})
	if err != nil {
		return participantRow{}, fmt.Errorf("failed to read participant %s: %w", participantID, err)
	}
	row, _ := out.(*participantRow)
	if row == nil {
		return participantRow{}, fmt.Errorf("%w: %s", genealogy.ErrNotFound, participantID)
	}
	return *row, nil
}

func (s *GenealogySource) GetSponsor(ctx context.Context, participantID string) (string, bool, error) {
	row, err := s.lookup(ctx, participantID)
	if err != nil {
		return "", false, err
	}
	return row.sponsor, row.sponsor != "", nil
}

func (s *GenealogySource) GetActivityStatus(ctx context.Context, participantID string) (genealogy.Status, error) {
	row, err := s.lookup(ctx, participantID)
	if err != nil {
		return "", err
	}
	return genealogy.ParseStatus(row.status)
}

// UpsertParticipant merges the node and replaces its sponsor edge.
func (s *GenealogySource) UpsertParticipant(ctx context.Context, p genealogy.Participant) error {
	session, err := s.cfg.Neo4j.Session(ctx)
	if err != nil {
		return fmt.Errorf("failed to open Neo4j session: %w", err)
	}
	defer session.Close(ctx)

	status := p.Status
	if status == "" {
		status = genealogy.StatusPending
	}
	_, err = session.ExecuteWrite(ctx, func(tx Transaction) (any, error) {
		res, err := tx.Run(ctx, `
			MERGE (p:Participant {id: $id})
			SET p.status = $status
			WITH p
			OPTIONAL MATCH (p)-[old:SPONSORED_BY]->()
			DELETE old`,
			map[string]any{"id": p.ID, "status": string(status)})
		if err != nil {
			return nil, err
		}
		if _, err := res.Consume(ctx); err != nil {
			return nil, err
		}
		if p.SponsorID == "" {
			return nil, nil
		}
		res, err = tx.Run(ctx, `
			MATCH (p:Participant {id: $id})
			MERGE (s:Participant {id: $sponsor})
			ON CREATE SET s.status = $pending
			MERGE (p)-[:SPONSORED_BY]->(s)`,
			map[string]any{"id": p.ID, "sponsor": p.SponsorID, "pending": string(genealogy.StatusPending)})
		if err != nil {
			return nil, err
		}
		return res.Consume(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to upsert participant %s: %w", p.ID, err)
	}
	return nil
}
