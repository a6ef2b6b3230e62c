package matrix

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// MemoryStore is a Store kept in process memory. It backs dry runs and the
// engine tests; every method takes the store lock so claims are atomic.
type MemoryStore struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	matrices map[string]*Matrix
	slots    map[string][]*Slot
	overflow []*OverflowRecord
	seq      int64
	// created breaks CreatedAt ties in insertion order.
	created map[string]int64
}

func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{
		clock:    clock,
		matrices: make(map[string]*Matrix),
		slots:    make(map[string][]*Slot),
		created:  make(map[string]int64),
	}
}

func (s *MemoryStore) sortedMatrices(keep func(*Matrix) bool) []Matrix {
	var out []Matrix
	for _, m := range s.matrices {
		if keep(m) {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return s.created[out[i].ID] < s.created[out[j].ID]
	})
	return out
}

func (s *MemoryStore) ListCompletedMatrices(ctx context.Context) ([]Matrix, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedMatrices(func(m *Matrix) bool { return m.Status == StatusCompleted }), nil
}

func (s *MemoryStore) UpdateMatrixStatus(ctx context.Context, matrixID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.matrices[matrixID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, matrixID)
	}
	prev, ok := status.Predecessor()
	if !ok || m.Status != prev {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, status)
	}

	now := s.clock.Now()
	m.Status = status
	switch status {
	case StatusCompleted:
		m.CompletedAt = now
	case StatusCompressed:
		m.CompressedAt = now
		for _, slot := range s.slots[matrixID] {
			if slot.Status == SlotFilled {
				slot.Status = SlotCompleted
			}
		}
	}
	return nil
}

func (s *MemoryStore) ListPendingOverflow(ctx context.Context) ([]OverflowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []OverflowRecord
	for _, r := range s.overflow {
		if r.Status == OverflowPending {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *MemoryStore) FindEarliestOpenSlot(ctx context.Context, ownerID string) (*Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.sortedMatrices(func(m *Matrix) bool {
		return m.OwnerID == ownerID && m.Status == StatusActive
	})
	for _, m := range active {
		for _, slot := range s.slots[m.ID] {
			if slot.Status == SlotEmpty {
				found := *slot
				return &found, nil
			}
		}
	}
	return nil, nil
}

func (s *MemoryStore) ClaimSlot(ctx context.Context, matrixID string, position int, occupantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.matrices[matrixID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, matrixID)
	}
	slot := s.slotAt(matrixID, position)
	if slot == nil {
		return fmt.Errorf("%w: %s position %d", ErrNotFound, matrixID, position)
	}
	if slot.Status != SlotEmpty || m.Status != StatusActive {
		return fmt.Errorf("%w: %s position %d", ErrSlotTaken, matrixID, position)
	}
	slot.OccupantID = occupantID
	slot.FilledAt = s.clock.Now()
	slot.Status = SlotFilled
	return nil
}

func (s *MemoryStore) slotAt(matrixID string, position int) *Slot {
	for _, slot := range s.slots[matrixID] {
		if slot.Position == position {
			return slot
		}
	}
	return nil
}

func (s *MemoryStore) IncrementFilledCount(ctx context.Context, matrixID string) (Matrix, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.matrices[matrixID]
	if !ok {
		return Matrix{}, fmt.Errorf("%w: %s", ErrNotFound, matrixID)
	}
	if m.SlotsFilled >= m.Width {
		return Matrix{}, fmt.Errorf("%w: %s", ErrMatrixFull, matrixID)
	}
	m.SlotsFilled++
	return *m, nil
}

func (s *MemoryStore) CreateMatrix(ctx context.Context, ownerID string, width int) (Matrix, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(ownerID, width, 1, "")
}

func (s *MemoryStore) createLocked(ownerID string, width, level int, sourceID string) (Matrix, error) {
	if width <= 0 {
		return Matrix{}, ErrInvalidWidth
	}
	m := &Matrix{
		ID:             uuid.NewString(),
		OwnerID:        ownerID,
		Level:          level,
		Width:          width,
		Status:         StatusActive,
		CreatedAt:      s.clock.Now(),
		IsReentry:      sourceID != "",
		SourceMatrixID: sourceID,
	}
	slots := make([]*Slot, width)
	for i := range slots {
		slots[i] = &Slot{
			ID:       uuid.NewString(),
			MatrixID: m.ID,
			Position: i + 1,
			Status:   SlotEmpty,
		}
	}
	s.matrices[m.ID] = m
	s.slots[m.ID] = slots
	s.created[m.ID] = int64(len(s.created))
	return *m, nil
}

func (s *MemoryStore) CountReentriesSince(ctx context.Context, ownerID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, m := range s.matrices {
		if m.OwnerID == ownerID && m.IsReentry && !m.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListReentryPending(ctx context.Context) ([]Matrix, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedMatrices(func(m *Matrix) bool {
		return m.Status == StatusCompressed && !m.ReentryProcessed
	}), nil
}

func (s *MemoryStore) CreateReentryMatrix(ctx context.Context, sourceMatrixID string, width int) (Matrix, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, err := s.reentrySourceLocked(sourceMatrixID)
	if err != nil {
		return Matrix{}, err
	}
	m, err := s.createLocked(src.OwnerID, width, src.Level, src.ID)
	if err != nil {
		return Matrix{}, err
	}
	src.ReentryProcessed = true
	return m, nil
}

func (s *MemoryStore) MarkReentryProcessed(ctx context.Context, matrixID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, err := s.reentrySourceLocked(matrixID)
	if err != nil {
		return err
	}
	src.ReentryProcessed = true
	return nil
}

func (s *MemoryStore) reentrySourceLocked(matrixID string) (*Matrix, error) {
	m, ok := s.matrices[matrixID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, matrixID)
	}
	if m.Status != StatusCompressed {
		return nil, fmt.Errorf("%w: reentry from %s matrix %s", ErrInvalidTransition, m.Status, matrixID)
	}
	if m.ReentryProcessed {
		return nil, fmt.Errorf("%w: reentry for %s", ErrAlreadyProcessed, matrixID)
	}
	return m, nil
}

func (s *MemoryStore) FillOverflowSlot(ctx context.Context, recordID, matrixID string, position int) (Matrix, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec *OverflowRecord
	for _, r := range s.overflow {
		if r.ID == recordID {
			rec = r
			break
		}
	}
	if rec == nil {
		return Matrix{}, fmt.Errorf("%w: overflow %s", ErrNotFound, recordID)
	}
	if rec.Status != OverflowPending {
		return Matrix{}, fmt.Errorf("%w: overflow %s", ErrAlreadyProcessed, recordID)
	}
	m, ok := s.matrices[matrixID]
	if !ok {
		return Matrix{}, fmt.Errorf("%w: %s", ErrNotFound, matrixID)
	}
	slot := s.slotAt(matrixID, position)
	if slot == nil {
		return Matrix{}, fmt.Errorf("%w: %s position %d", ErrNotFound, matrixID, position)
	}
	if slot.Status != SlotEmpty || m.Status != StatusActive {
		return Matrix{}, fmt.Errorf("%w: %s position %d", ErrSlotTaken, matrixID, position)
	}
	if m.SlotsFilled >= m.Width {
		return Matrix{}, fmt.Errorf("%w: %s", ErrMatrixFull, matrixID)
	}

	now := s.clock.Now()
	slot.OccupantID = rec.ParticipantID
	slot.FilledAt = now
	slot.Status = SlotFilled
	m.SlotsFilled++
	if m.Full() {
		m.Status = StatusCompleted
		m.CompletedAt = now
	}
	rec.Status = OverflowProcessed
	rec.MatrixID = matrixID
	rec.Position = position
	return *m, nil
}

func (s *MemoryStore) EnqueueOverflow(ctx context.Context, participantID string) (OverflowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	r := &OverflowRecord{
		ID:            uuid.NewString(),
		Seq:           s.seq,
		ParticipantID: participantID,
		Status:        OverflowPending,
		CreatedAt:     s.clock.Now(),
	}
	s.overflow = append(s.overflow, r)
	return *r, nil
}

func (s *MemoryStore) GetMatrix(ctx context.Context, matrixID string) (Matrix, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.matrices[matrixID]
	if !ok {
		return Matrix{}, fmt.Errorf("%w: %s", ErrNotFound, matrixID)
	}
	return *m, nil
}

func (s *MemoryStore) ListSlots(ctx context.Context, matrixID string) ([]Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slots, ok := s.slots[matrixID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, matrixID)
	}
	out := make([]Slot, len(slots))
	for i, slot := range slots {
		out[i] = *slot
	}
	return out, nil
}
