package strategy

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxRevisions is the number of revisions a strategy keeps. Adding one more
// evicts the oldest.
const MaxRevisions = 5

const maxNameLength = 255

type Status string

const (
	StatusIdle      Status = "idle"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// InFlight reports whether a backtest for the strategy is waiting or executing.
func (s Status) InFlight() bool {
	return s == StatusQueued || s == StatusRunning
}

type Revision struct {
	ID        int64            `json:"id"`
	Code      string           `json:"code"`
	CreatedAt time.Time        `json:"created_at"`
	Results   *BacktestResults `json:"results"`
}

// Strategy is a user's strategy with its bounded revision history. LastError
// explains the most recent failure, including one that left no revision to
// carry results; queuing a new run clears it.
type Strategy struct {
	ID                  uint       `json:"id"`
	UserID              uint       `json:"user_id"`
	Name                string     `json:"name"`
	Status              Status     `json:"status"`
	ActiveRevisionIndex int        `json:"active_revision_index"`
	Revisions           []Revision `json:"revisions"`
	IsActive            bool       `json:"is_active"`
	LastError           *string    `json:"last_error"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`

	// NextRevisionID is the id the next added revision receives.
	NextRevisionID int64 `json:"-"`
	// Version is bumped on every persisted write.
	Version int64 `json:"-"`
}

// New builds an idle strategy holding initialCode as its only revision.
func New(userID uint, name, initialCode string, now time.Time) (*Strategy, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("name is required: %w", ErrValidation)
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return nil, fmt.Errorf("name exceeds %d characters: %w", maxNameLength, ErrValidation)
	}

	s := &Strategy{
		UserID:         userID,
		Name:           name,
		Status:         StatusIdle,
		IsActive:       true,
		NextRevisionID: 1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.AddRevision(initialCode, now); err != nil {
		return nil, err
	}
	return s, nil
}

// AddRevision inserts code as the newest revision at index 0, evicting the
// oldest one when the strategy already holds MaxRevisions. The active
// revision keeps pointing at the same revision id; if that revision was
// evicted the newest revision becomes active.
func (s *Strategy) AddRevision(code string, now time.Time) error {
	if strings.TrimSpace(code) == "" {
		return fmt.Errorf("code is required: %w", ErrValidation)
	}

	activeID := int64(0)
	if active, err := s.ActiveRevision(); err == nil {
		activeID = active.ID
	}

	if s.NextRevisionID < 1 {
		s.NextRevisionID = s.maxRevisionID() + 1
	}

	rev := Revision{
		ID:        s.NextRevisionID,
		Code:      code,
		CreatedAt: now,
	}
	s.NextRevisionID++

	kept := s.Revisions
	if len(kept) >= MaxRevisions {
		kept = kept[:MaxRevisions-1]
	}
	revisions := make([]Revision, 0, len(kept)+1)
	revisions = append(revisions, rev)
	revisions = append(revisions, kept...)
	s.Revisions = revisions

	s.ActiveRevisionIndex = 0
	if idx := s.IndexOf(activeID); idx >= 0 {
		s.ActiveRevisionIndex = idx
	}
	s.UpdatedAt = now
	return nil
}

func (s *Strategy) SetActiveRevision(index int) error {
	if index < 0 || index >= len(s.Revisions) {
		return fmt.Errorf("revision index %d out of range [0,%d): %w", index, len(s.Revisions), ErrInvalidIndex)
	}
	s.ActiveRevisionIndex = index
	return nil
}

// Revision returns a pointer into the revision list, so callers may update
// its results in place.
func (s *Strategy) Revision(index int) (*Revision, error) {
	if index < 0 || index >= len(s.Revisions) {
		return nil, fmt.Errorf("revision %d: %w", index, ErrNotFound)
	}
	return &s.Revisions[index], nil
}

func (s *Strategy) ActiveRevision() (*Revision, error) {
	if len(s.Revisions) == 0 {
		return nil, fmt.Errorf("active revision: %w", ErrNotFound)
	}
	return s.Revision(s.ActiveRevisionIndex)
}

// RevisionByID looks a revision up by its stable id, regardless of how far it
// has shifted since it was added.
func (s *Strategy) RevisionByID(id int64) (*Revision, error) {
	idx := s.IndexOf(id)
	if idx < 0 {
		return nil, fmt.Errorf("revision id %d no longer exists: %w", id, ErrNotFound)
	}
	return &s.Revisions[idx], nil
}

// IndexOf returns the current position of the revision with the given id, or -1.
func (s *Strategy) IndexOf(id int64) int {
	if id == 0 {
		return -1
	}
	for i := range s.Revisions {
		if s.Revisions[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Strategy) maxRevisionID() int64 {
	var max int64
	for _, r := range s.Revisions {
		if r.ID > max {
			max = r.ID
		}
	}
	return max
}

var transitions = map[Status][]Status{
	StatusIdle:      {StatusQueued},
	StatusCompleted: {StatusQueued},
	StatusFailed:    {StatusQueued},
	StatusQueued:    {StatusRunning, StatusFailed},
	StatusRunning:   {StatusCompleted, StatusFailed},
}

// CanTransition reports whether the status machine allows moving from one
// status to another.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s *Strategy) Transition(to Status) error {
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("%s -> %s: %w", s.Status, to, ErrIllegalTransition)
	}
	if to == StatusQueued {
		s.LastError = nil
	}
	s.Status = to
	return nil
}
