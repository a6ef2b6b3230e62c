package compression

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rsprolipsi/compensation/engine/pkg/bonus"
	"github.com/rsprolipsi/compensation/engine/pkg/genealogy"
	"github.com/rsprolipsi/compensation/engine/pkg/ledger"
	"github.com/rsprolipsi/compensation/engine/pkg/matrix"
	"github.com/rsprolipsi/compensation/engine/pkg/ruleset"
)

// CareerSource supplies the career snapshot of a matrix owner counting
// cycles compressed in [from, to). When configured, each cycle also
// evaluates the owner's career rank over the current quarter.
type CareerSource interface {
	CareerSnapshot(ctx context.Context, participantID string, from, to time.Time) (bonus.CareerSnapshot, error)
}

// Hook runs after every pass that was not skipped.
type Hook func(ctx context.Context, res Result)

type Config struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Ruleset   *ruleset.Ruleset
	Store     matrix.Store
	Ledger    ledger.Gateway
	Genealogy genealogy.Source
	Career    CareerSource // optional

	RunInterval time.Duration
	// MaxConcurrency is the number of matrices compressed in parallel.
	MaxConcurrency int
	// CallTimeout bounds each store, genealogy and ledger call.
	CallTimeout time.Duration
	Hooks       []Hook
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ruleset == nil {
		return errors.New("ruleset is required")
	}
	if cfg.Store == nil {
		return errors.New("matrix store is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger gateway is required")
	}
	if cfg.Genealogy == nil {
		return errors.New("genealogy source is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.RunInterval <= 0 {
		cfg.RunInterval = 15 * time.Minute
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	return nil
}
