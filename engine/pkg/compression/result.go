package compression

import (
	"fmt"
	"sync"
	"time"

	"github.com/rsprolipsi/compensation/engine/pkg/period"
)

// Result summarises one compression pass.
type Result struct {
	StartedAt time.Time
	Duration  time.Duration
	Period    string

	MatricesCompressed int
	SlotsRedistributed int
	NewMatricesCreated int
	ReentriesForfeited int
	CreditsApplied     int
	CreditsFailed      int

	// Errors holds one entry per failed item, prefixed with its key.
	Errors  []string
	Success bool
}

// tally collects counters from concurrent workers.
type tally struct {
	mu  sync.Mutex
	res Result

	// quarter is the career window of the pass; set once before workers start.
	quarter period.Quarter
}

func (t *tally) add(fn func(r *Result)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.res)
}

func (t *tally) errorf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	t.add(func(r *Result) { r.Errors = append(r.Errors, msg) })
}

func (t *tally) result() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	res := t.res
	res.Errors = append([]string(nil), t.res.Errors...)
	return res
}

func (t *tally) periodTag() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.res.Period
}
