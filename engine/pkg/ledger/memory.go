package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryWallet keeps credits in process memory. Used by dry runs and tests.
type MemoryWallet struct {
	mu       sync.Mutex
	byKey    map[string]Credit
	order    []string
	balances map[string]decimal.Decimal
}

func NewMemoryWallet() *MemoryWallet {
	return &MemoryWallet{
		byKey:    make(map[string]Credit),
		balances: make(map[string]decimal.Decimal),
	}
}

func (w *MemoryWallet) ApplyCredit(ctx context.Context, c Credit, at time.Time) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.byKey[c.IdempotencyKey]; ok {
		return false, nil
	}
	w.byKey[c.IdempotencyKey] = c
	w.order = append(w.order, c.IdempotencyKey)
	w.balances[c.ParticipantID] = w.balances[c.ParticipantID].Add(c.Amount)
	return true, nil
}

func (w *MemoryWallet) Balance(participantID string) decimal.Decimal {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balances[participantID]
}

// Credits returns applied credits in application order.
func (w *MemoryWallet) Credits() []Credit {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Credit, len(w.order))
	for i, k := range w.order {
		out[i] = w.byKey[k]
	}
	return out
}

// CreditedRanks returns the career rank codes already paid to a participant.
func (w *MemoryWallet) CreditedRanks(participantID string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for _, k := range w.order {
		c := w.byKey[k]
		if c.ParticipantID == participantID && c.Kind == KindCareer {
			out = append(out, c.Reference)
		}
	}
	return out
}

// MemoryJournal records summaries and credits in process memory.
type MemoryJournal struct {
	mu        sync.Mutex
	summaries []CycleSummary
	credits   []Credit
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

func (j *MemoryJournal) RecordCycleSummary(ctx context.Context, s CycleSummary) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.summaries = append(j.summaries, s)
	return nil
}

func (j *MemoryJournal) RecordCredit(ctx context.Context, c Credit, at time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.credits = append(j.credits, c)
	return nil
}

func (j *MemoryJournal) Summaries() []CycleSummary {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]CycleSummary(nil), j.summaries...)
}

// CycleCount counts distinct matrices summarised in period.
func (j *MemoryJournal) CycleCount(ctx context.Context, period string) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	seen := make(map[string]bool)
	for _, s := range j.summaries {
		if s.Period == period {
			seen[s.MatrixID] = true
		}
	}
	return len(seen), nil
}

// RankCyclers returns owners by distinct cycles in period, most first, ties
// by owner ID.
func (j *MemoryJournal) RankCyclers(ctx context.Context, period string, limit int) ([]CyclerCount, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	perOwner := make(map[string]map[string]bool)
	for _, s := range j.summaries {
		if s.Period != period {
			continue
		}
		if perOwner[s.OwnerID] == nil {
			perOwner[s.OwnerID] = make(map[string]bool)
		}
		perOwner[s.OwnerID][s.MatrixID] = true
	}
	out := make([]CyclerCount, 0, len(perOwner))
	for owner, ms := range perOwner {
		out = append(out, CyclerCount{ParticipantID: owner, Cycles: len(ms)})
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Cycles != out[b].Cycles {
			return out[a].Cycles > out[b].Cycles
		}
		return out[a].ParticipantID < out[b].ParticipantID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CyclerCount is one row of a period cycle ranking.
type CyclerCount struct {
	ParticipantID string
	Cycles        int
}
