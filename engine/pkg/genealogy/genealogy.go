package genealogy

import (
	"context"
	"errors"
	"fmt"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusPending  Status = "pending"
)

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusActive, StatusInactive, StatusPending:
		return Status(s), nil
	}
	return "", fmt.Errorf("genealogy: unknown activity status %q", s)
}

// Participant is the read-only view of a network member needed for upline
// walks. SponsorID is empty for the root.
type Participant struct {
	ID        string
	SponsorID string
	Status    Status
}

func (p Participant) Active() bool { return p.Status == StatusActive }

// ErrNotFound is returned by a Source for an unknown participant.
var ErrNotFound = errors.New("genealogy: participant not found")

// Source is the sponsor graph the resolver walks.
type Source interface {
	// GetSponsor returns the sponsor of participantID; ok is false for the root.
	GetSponsor(ctx context.Context, participantID string) (sponsorID string, ok bool, err error)
	GetActivityStatus(ctx context.Context, participantID string) (Status, error)
}
