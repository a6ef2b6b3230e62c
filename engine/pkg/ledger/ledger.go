package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind is the bonus pool a credit is paid from.
type Kind string

const (
	KindCycle    Kind = "cycle"
	KindFidelity Kind = "fidelity"
	KindTopSigma Kind = "top_sigma"
	KindCareer   Kind = "career"
)

// DepthKind returns the kind for a depth level, depth_l1..depth_l6.
func DepthKind(level int) Kind {
	return Kind(fmt.Sprintf("depth_l%d", level))
}

func (k Kind) IsDepth() bool {
	return strings.HasPrefix(string(k), "depth_l")
}

// Key joins idempotency key parts with ":".
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// Credit is one wallet credit. IdempotencyKey identifies it across retries
// and passes; a key is applied at most once.
type Credit struct {
	ParticipantID  string
	Amount         decimal.Decimal
	Kind           Kind
	Description    string
	IdempotencyKey string
	Period         string
	MatrixID       string
	// Reference carries kind-specific detail: the rank code for career
	// credits, the ranking position for Top-SIGMA.
	Reference string
}

func (c Credit) Validate() error {
	switch {
	case c.ParticipantID == "":
		return errors.New("ledger: credit participant is required")
	case c.IdempotencyKey == "":
		return errors.New("ledger: credit idempotency key is required")
	case c.Kind == "":
		return errors.New("ledger: credit kind is required")
	case !c.Amount.IsPositive():
		return fmt.Errorf("ledger: credit amount must be positive, got %s", c.Amount)
	}
	return nil
}

// CycleSummary is the ledger record written for every compressed matrix.
type CycleSummary struct {
	OwnerID    string
	MatrixID   string
	Level      int
	CycleValue decimal.Decimal
	BonusPaid  decimal.Decimal
	Period     string
	Metadata   map[string]string
	RecordedAt time.Time
}

// Gateway is what the engine and closing jobs pay through.
type Gateway interface {
	// Credit applies c once. applied is false when the idempotency key was
	// already used.
	Credit(ctx context.Context, c Credit) (applied bool, err error)
	RecordCycleSummary(ctx context.Context, s CycleSummary) error
}

// Wallet stores balances and the credit log keyed by idempotency key.
type Wallet interface {
	ApplyCredit(ctx context.Context, c Credit, at time.Time) (applied bool, err error)
}

// Journal keeps the append-only copy of summaries and applied credits.
type Journal interface {
	RecordCycleSummary(ctx context.Context, s CycleSummary) error
	RecordCredit(ctx context.Context, c Credit, at time.Time) error
}
