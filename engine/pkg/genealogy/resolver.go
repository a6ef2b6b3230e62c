package genealogy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rsprolipsi/compensation/utils/pkg/retry"
)

// Unbounded asks Upline to walk to the root. The walk is still cut at
// MaxWalkDepth.
const Unbounded = -1

// MaxWalkDepth is the hard ceiling on any upline walk.
const MaxWalkDepth = 10_000

type ResolverConfig struct {
	Logger      *slog.Logger
	Source      Source
	Retry       retry.Config
	CallTimeout time.Duration
	// MaxWalkDepth overrides the package ceiling, mostly for tests.
	MaxWalkDepth int
}

func (cfg *ResolverConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Source == nil {
		return errors.New("genealogy source is required")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	if cfg.MaxWalkDepth <= 0 || cfg.MaxWalkDepth > MaxWalkDepth {
		cfg.MaxWalkDepth = MaxWalkDepth
	}
	return nil
}

type Resolver struct {
	log *slog.Logger
	cfg ResolverConfig
}

func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Resolver{log: cfg.Logger, cfg: cfg}, nil
}

// Upline returns the sponsors of participantID, nearest first, each with its
// current activity status. The walk stops at the root, after maxLevels
// ancestors, at a missing or dangling sponsor, or when a sponsor repeats.
// Those stops are not errors. A source failure that survives retries returns
// the ancestors resolved so far together with the error.
func (r *Resolver) Upline(ctx context.Context, participantID string, maxLevels int) ([]Participant, error) {
	if maxLevels == 0 {
		return nil, nil
	}
	limit := maxLevels
	if limit < 0 || limit > r.cfg.MaxWalkDepth {
		limit = r.cfg.MaxWalkDepth
	}

	var out []Participant
	visited := map[string]bool{participantID: true}
	current := participantID

	for len(out) < limit {
		sponsorID, ok, err := r.sponsor(ctx, current)
		if errors.Is(err, ErrNotFound) {
			r.log.Debug("genealogy: broken sponsor link", "participant", current, "levels", len(out))
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("failed to resolve sponsor of %s: %w", current, err)
		}
		if !ok || sponsorID == "" {
			return out, nil
		}
		if visited[sponsorID] {
			r.log.Warn("genealogy: sponsor cycle detected", "participant", participantID, "repeated", sponsorID, "levels", len(out))
			return out, nil
		}
		visited[sponsorID] = true

		status, err := r.status(ctx, sponsorID)
		if errors.Is(err, ErrNotFound) {
			r.log.Debug("genealogy: dangling sponsor reference", "participant", current, "sponsor", sponsorID)
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("failed to resolve status of %s: %w", sponsorID, err)
		}

		if n := len(out); n > 0 {
			out[n-1].SponsorID = sponsorID
		}
		out = append(out, Participant{ID: sponsorID, Status: status})
		current = sponsorID
	}

	if maxLevels == Unbounded {
		r.log.Warn("genealogy: upline walk hit ceiling", "participant", participantID, "ceiling", limit)
	}
	return out, nil
}

func (r *Resolver) sponsor(ctx context.Context, id string) (string, bool, error) {
	type result struct {
		id string
		ok bool
	}
	res, err := retry.DoValue(ctx, r.cfg.Retry, func() (result, error) {
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		defer cancel()
		sponsorID, ok, err := r.cfg.Source.GetSponsor(callCtx, id)
		if errors.Is(err, ErrNotFound) {
			return result{}, retry.Permanent(err)
		}
		return result{id: sponsorID, ok: ok}, err
	})
	return res.id, res.ok, err
}

func (r *Resolver) status(ctx context.Context, id string) (Status, error) {
	return retry.DoValue(ctx, r.cfg.Retry, func() (Status, error) {
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		defer cancel()
		status, err := r.cfg.Source.GetActivityStatus(callCtx, id)
		if errors.Is(err, ErrNotFound) {
			return "", retry.Permanent(err)
		}
		return status, err
	})
}
