package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/rsprolipsi/compensation/engine/pkg/metrics"
	"github.com/rsprolipsi/compensation/utils/pkg/keylock"
	"github.com/rsprolipsi/compensation/utils/pkg/retry"
)

type ServiceConfig struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Wallet  Wallet
	Journal Journal

	Retry       retry.Config
	CallTimeout time.Duration
	// RateLimit caps wallet writes per second; zero means unlimited.
	RateLimit rate.Limit
	Burst     int
}

func (cfg *ServiceConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Wallet == nil {
		return errors.New("wallet is required")
	}
	if cfg.Journal == nil {
		return errors.New("journal is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = rate.Inf
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return nil
}

// Service is the Gateway used in production: credits are serialized per
// participant, rate limited, retried on transient errors, and mirrored to
// the journal once applied.
type Service struct {
	log     *slog.Logger
	cfg     ServiceConfig
	locks   *keylock.Map
	limiter *rate.Limiter
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		log:     cfg.Logger,
		cfg:     cfg,
		locks:   keylock.New(),
		limiter: rate.NewLimiter(cfg.RateLimit, cfg.Burst),
	}, nil
}

func (s *Service) Credit(ctx context.Context, c Credit) (bool, error) {
	if err := c.Validate(); err != nil {
		return false, err
	}

	unlock := s.locks.Lock(c.ParticipantID)
	defer unlock()

	if err := s.limiter.Wait(ctx); err != nil {
		return false, fmt.Errorf("ledger: rate limiter: %w", err)
	}

	at := s.cfg.Clock.Now()
	applied, err := retry.DoValue(ctx, s.retryConfig("credit", c.IdempotencyKey), func() (bool, error) {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		defer cancel()
		return s.cfg.Wallet.ApplyCredit(callCtx, c, at)
	})
	if err != nil {
		metrics.CreditsTotal.WithLabelValues(string(c.Kind), "error").Inc()
		return false, fmt.Errorf("credit %s to %s: %w", c.IdempotencyKey, c.ParticipantID, err)
	}
	if !applied {
		metrics.CreditsTotal.WithLabelValues(string(c.Kind), "duplicate").Inc()
		s.log.Debug("ledger: credit already applied", "key", c.IdempotencyKey, "participant", c.ParticipantID)
		return false, nil
	}

	metrics.CreditsTotal.WithLabelValues(string(c.Kind), "applied").Inc()
	s.log.Debug("ledger: credit applied", "key", c.IdempotencyKey, "participant", c.ParticipantID, "kind", c.Kind, "amount", c.Amount.String())

	if err := retry.Do(ctx, s.retryConfig("journal credit", c.IdempotencyKey), func() error {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		defer cancel()
		return s.cfg.Journal.RecordCredit(callCtx, c, at)
	}); err != nil {
		// The wallet is authoritative; the journal copy is for analytics.
		s.log.Warn("ledger: failed to journal credit", "key", c.IdempotencyKey, "error", err)
	}
	return true, nil
}

func (s *Service) RecordCycleSummary(ctx context.Context, sum CycleSummary) error {
	if sum.OwnerID == "" || sum.MatrixID == "" {
		return errors.New("ledger: cycle summary needs owner and matrix")
	}
	if sum.RecordedAt.IsZero() {
		sum.RecordedAt = s.cfg.Clock.Now()
	}
	err := retry.Do(ctx, s.retryConfig("cycle summary", sum.MatrixID), func() error {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		defer cancel()
		return s.cfg.Journal.RecordCycleSummary(callCtx, sum)
	})
	if err != nil {
		return fmt.Errorf("record cycle summary for %s: %w", sum.MatrixID, err)
	}
	return nil
}

func (s *Service) retryConfig(op, key string) retry.Config {
	cfg := s.cfg.Retry
	cfg.OnRetry = func(attempt int, err error) {
		s.log.Warn("ledger: retrying", "op", op, "key", key, "attempt", attempt, "error", err)
	}
	return cfg
}
