package overflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rsprolipsi/compensation/engine/pkg/genealogy"
	"github.com/rsprolipsi/compensation/engine/pkg/matrix"
	"github.com/rsprolipsi/compensation/engine/pkg/metrics"
)

// Upliner is the part of genealogy.Resolver the router walks.
type Upliner interface {
	Upline(ctx context.Context, participantID string, maxLevels int) ([]genealogy.Participant, error)
}

type RouterConfig struct {
	Logger   *slog.Logger
	Store    matrix.Store
	Resolver Upliner

	// MaxClaimAttempts bounds how often a lost claim race is re-decided.
	MaxClaimAttempts int
	CallTimeout      time.Duration
}

func (cfg *RouterConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("matrix store is required")
	}
	if cfg.Resolver == nil {
		return errors.New("genealogy resolver is required")
	}
	if cfg.MaxClaimAttempts <= 0 {
		cfg.MaxClaimAttempts = 3
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return nil
}

// Router places spilled-over participants into the nearest ancestor matrix
// with room.
type Router struct {
	log *slog.Logger
	cfg RouterConfig
}

func NewRouter(cfg RouterConfig) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Router{log: cfg.Logger, cfg: cfg}, nil
}

// PlaceOverflow returns the earliest open slot of the nearest ancestor that
// has one, or nil when no ancestor has capacity. It does not claim the slot.
func (r *Router) PlaceOverflow(ctx context.Context, participantID string) (*matrix.Slot, error) {
	upline, err := r.cfg.Resolver.Upline(ctx, participantID, genealogy.Unbounded)
	if err != nil && len(upline) == 0 {
		return nil, fmt.Errorf("failed to resolve upline of %s: %w", participantID, err)
	}
	if err != nil {
		r.log.Warn("overflow: partial upline", "participant", participantID, "levels", len(upline), "error", err)
	}

	for _, ancestor := range upline {
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		slot, err := r.cfg.Store.FindEarliestOpenSlot(callCtx, ancestor.ID)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("failed to find open slot for ancestor %s: %w", ancestor.ID, err)
		}
		if slot != nil {
			return slot, nil
		}
	}
	return nil, nil
}

// Placement is the outcome of a successful Fill.
type Placement struct {
	Slot matrix.Slot
	// Matrix is the matrix after the fill; Completed is set when this fill
	// moved it to the completed state.
	Matrix    matrix.Matrix
	Completed bool
}

// Fill places the record's participant. A nil placement with a nil error
// means no ancestor had room and the record stays pending, or another pass
// already placed the record. The claim, the counter, the completion and
// the record update happen in one store step, so a failed Fill leaves the
// record pending with nothing half applied.
func (r *Router) Fill(ctx context.Context, rec matrix.OverflowRecord) (*Placement, error) {
	for attempt := 1; attempt <= r.cfg.MaxClaimAttempts; attempt++ {
		slot, err := r.PlaceOverflow(ctx, rec.ParticipantID)
		if err != nil {
			metrics.OverflowPlacements.WithLabelValues("error").Inc()
			return nil, err
		}
		if slot == nil {
			metrics.OverflowPlacements.WithLabelValues("no_capacity").Inc()
			r.log.Debug("overflow: no capacity in upline", "record", rec.ID, "participant", rec.ParticipantID)
			return nil, nil
		}

		var m matrix.Matrix
		err = r.call(ctx, func(ctx context.Context) error {
			var err error
			m, err = r.cfg.Store.FillOverflowSlot(ctx, rec.ID, slot.MatrixID, slot.Position)
			return err
		})
		switch {
		case errors.Is(err, matrix.ErrSlotTaken):
			r.log.Debug("overflow: lost slot claim, retrying", "record", rec.ID, "matrix", slot.MatrixID, "position", slot.Position, "attempt", attempt)
			continue
		case errors.Is(err, matrix.ErrAlreadyProcessed):
			metrics.OverflowPlacements.WithLabelValues("duplicate").Inc()
			r.log.Debug("overflow: record already placed", "record", rec.ID, "participant", rec.ParticipantID)
			return nil, nil
		case err != nil:
			metrics.OverflowPlacements.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("failed to place overflow %s at %s position %d: %w", rec.ID, slot.MatrixID, slot.Position, err)
		}

		completed := m.Status == matrix.StatusCompleted
		placed := *slot
		placed.OccupantID = rec.ParticipantID
		placed.Status = matrix.SlotFilled
		metrics.OverflowPlacements.WithLabelValues("placed").Inc()
		r.log.Info("overflow: participant placed",
			"record", rec.ID,
			"participant", rec.ParticipantID,
			"matrix", placed.MatrixID,
			"owner", m.OwnerID,
			"position", placed.Position,
			"completed", completed,
		)
		return &Placement{Slot: placed, Matrix: m, Completed: completed}, nil
	}

	metrics.OverflowPlacements.WithLabelValues("contended").Inc()
	return nil, fmt.Errorf("overflow %s: slot claims lost %d times", rec.ID, r.cfg.MaxClaimAttempts)
}

func (r *Router) call(ctx context.Context, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	return fn(callCtx)
}
