package genealogy

import (
	"context"
	"sync"
)

// MemorySource is an in-process Source used for dry runs and tests.
type MemorySource struct {
	mu           sync.RWMutex
	participants map[string]Participant
}

func NewMemorySource(participants ...Participant) *MemorySource {
	s := &MemorySource{participants: make(map[string]Participant, len(participants))}
	for _, p := range participants {
		s.participants[p.ID] = p
	}
	return s
}

func (s *MemorySource) Put(p Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants[p.ID] = p
}

func (s *MemorySource) SetStatus(id string, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.participants[id]; ok {
		p.Status = status
		s.participants[id] = p
	}
}

func (s *MemorySource) GetSponsor(ctx context.Context, participantID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[participantID]
	if !ok {
		return "", false, ErrNotFound
	}
	return p.SponsorID, p.SponsorID != "", nil
}

func (s *MemorySource) GetActivityStatus(ctx context.Context, participantID string) (Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[participantID]
	if !ok {
		return "", ErrNotFound
	}
	return p.Status, nil
}

// Chain builds a straight sponsor line: ids[0] is the root and every later
// id is sponsored by the one before it. All participants are active.
func Chain(ids ...string) []Participant {
	out := make([]Participant, len(ids))
	for i, id := range ids {
		out[i] = Participant{ID: id, Status: StatusActive}
		if i > 0 {
			out[i].SponsorID = ids[i-1]
		}
	}
	return out
}
