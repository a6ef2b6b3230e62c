package matrix

import (
	"errors"
	"time"
)

type Status string

const (
	StatusActive     Status = "active"
	StatusCompleted  Status = "completed"
	StatusCompressed Status = "compressed"
)

// Predecessor returns the only status a matrix may move to s from.
func (s Status) Predecessor() (Status, bool) {
	switch s {
	case StatusCompleted:
		return StatusActive, true
	case StatusCompressed:
		return StatusCompleted, true
	}
	return "", false
}

type SlotStatus string

const (
	SlotEmpty     SlotStatus = "empty"
	SlotFilled    SlotStatus = "filled"
	SlotCompleted SlotStatus = "completed"
)

type OverflowStatus string

const (
	OverflowPending   OverflowStatus = "pending"
	OverflowProcessed OverflowStatus = "processed"
)

type Matrix struct {
	ID               string
	OwnerID          string
	Level            int
	Width            int
	Status           Status
	SlotsFilled      int
	CreatedAt        time.Time
	CompletedAt      time.Time
	CompressedAt     time.Time
	IsReentry        bool
	ReentryProcessed bool
	SourceMatrixID   string
}

func (m Matrix) Full() bool { return m.SlotsFilled >= m.Width }

type Slot struct {
	ID         string
	MatrixID   string
	Position   int
	OccupantID string
	FilledAt   time.Time
	Status     SlotStatus
}

// OverflowRecord is a participant waiting for a spillover placement. Seq
// orders records by creation.
type OverflowRecord struct {
	ID            string
	Seq           int64
	ParticipantID string
	Status        OverflowStatus
	CreatedAt     time.Time
	MatrixID      string
	Position      int
}

var (
	ErrNotFound          = errors.New("matrix: not found")
	ErrSlotTaken         = errors.New("matrix: slot already taken")
	ErrInvalidTransition = errors.New("matrix: invalid status transition")
	ErrAlreadyProcessed  = errors.New("matrix: already processed")
	ErrInvalidWidth      = errors.New("matrix: width must be positive")
	ErrMatrixFull        = errors.New("matrix: all slots already filled")
)
