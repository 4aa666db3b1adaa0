package strategy

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 9, 30, 8, 0, 0, 0, time.UTC)

func newStrategy(t *testing.T, code string) *Strategy {
	t.Helper()
	s, err := New(7, "sma cross", code, t0)
	require.NoError(t, err)
	return s
}

func TestNew(t *testing.T) {
	s := newStrategy(t, "A")

	assert.Equal(t, StatusIdle, s.Status)
	assert.True(t, s.IsActive)
	require.Len(t, s.Revisions, 1)
	assert.Equal(t, "A", s.Revisions[0].Code)
	assert.Nil(t, s.Revisions[0].Results)
	assert.Equal(t, 0, s.ActiveRevisionIndex)
	assert.Equal(t, int64(1), s.Revisions[0].ID)
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name, strategyName, code string
	}{
		{"empty name", "", "code"},
		{"blank name", "   ", "code"},
		{"long name", strings.Repeat("x", 256), "code"},
		{"empty code", "ok", ""},
		{"blank code", "ok", " \n\t"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(1, tt.strategyName, tt.code, t0)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestAddRevisionFIFO(t *testing.T) {
	s := newStrategy(t, "A")
	for _, code := range []string{"B", "C", "D", "E"} {
		require.NoError(t, s.AddRevision(code, t0))
	}
	require.Len(t, s.Revisions, 5)
	assert.Equal(t, "E", s.Revisions[0].Code)
	assert.Equal(t, "A", s.Revisions[4].Code)

	require.NoError(t, s.AddRevision("F", t0))
	require.Len(t, s.Revisions, 5)

	codes := make([]string, 0, len(s.Revisions))
	for _, r := range s.Revisions {
		codes = append(codes, r.Code)
	}
	assert.Equal(t, []string{"F", "E", "D", "C", "B"}, codes)
	assert.Nil(t, s.Revisions[0].Results)
}

func TestAddRevisionNeverExceedsCap(t *testing.T) {
	s := newStrategy(t, "r0")
	for i := 1; i < 50; i++ {
		require.NoError(t, s.AddRevision(fmt.Sprintf("r%d", i), t0))
		assert.LessOrEqual(t, len(s.Revisions), MaxRevisions)
		assert.GreaterOrEqual(t, s.ActiveRevisionIndex, 0)
		assert.Less(t, s.ActiveRevisionIndex, len(s.Revisions))
	}
	assert.Equal(t, "r49", s.Revisions[0].Code)
}

func TestAddRevisionRejectsEmptyCode(t *testing.T) {
	s := newStrategy(t, "A")
	err := s.AddRevision("", t0)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Len(t, s.Revisions, 1)
}

func TestAddRevisionKeepsActiveRevision(t *testing.T) {
	s := newStrategy(t, "A")
	require.NoError(t, s.AddRevision("B", t0))
	require.NoError(t, s.SetActiveRevision(1))

	require.NoError(t, s.AddRevision("C", t0))

	active, err := s.ActiveRevision()
	require.NoError(t, err)
	assert.Equal(t, "A", active.Code)
	assert.Equal(t, 2, s.ActiveRevisionIndex)
}

func TestAddRevisionActiveEvicted(t *testing.T) {
	s := newStrategy(t, "A")
	for _, code := range []string{"B", "C", "D", "E"} {
		require.NoError(t, s.AddRevision(code, t0))
	}
	require.NoError(t, s.SetActiveRevision(4))

	require.NoError(t, s.AddRevision("F", t0))

	assert.Equal(t, 0, s.ActiveRevisionIndex)
	active, err := s.ActiveRevision()
	require.NoError(t, err)
	assert.Equal(t, "F", active.Code)
}

func TestRevisionIDsAreStable(t *testing.T) {
	s := newStrategy(t, "A")
	require.NoError(t, s.AddRevision("B", t0))
	idB := s.Revisions[0].ID

	require.NoError(t, s.AddRevision("C", t0))

	rev, err := s.RevisionByID(idB)
	require.NoError(t, err)
	assert.Equal(t, "B", rev.Code)
	assert.Equal(t, 1, s.IndexOf(idB))

	for _, code := range []string{"D", "E", "F", "G"} {
		require.NoError(t, s.AddRevision(code, t0))
	}
	_, err = s.RevisionByID(idB)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, -1, s.IndexOf(idB))
}

func TestSetActiveRevision(t *testing.T) {
	s := newStrategy(t, "A")
	require.NoError(t, s.AddRevision("B", t0))
	require.NoError(t, s.AddRevision("C", t0))

	before, err := s.Revision(2)
	require.NoError(t, err)
	code := before.Code

	require.NoError(t, s.SetActiveRevision(2))
	after, err := s.Revision(2)
	require.NoError(t, err)
	assert.Equal(t, code, after.Code)
	assert.Equal(t, 2, s.ActiveRevisionIndex)

	assert.ErrorIs(t, s.SetActiveRevision(3), ErrInvalidIndex)
	assert.ErrorIs(t, s.SetActiveRevision(-1), ErrInvalidIndex)
	assert.Equal(t, 2, s.ActiveRevisionIndex)
}

func TestRevisionOutOfRange(t *testing.T) {
	s := newStrategy(t, "A")
	_, err := s.Revision(1)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Revision(-1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransitions(t *testing.T) {
	legal := [][2]Status{
		{StatusIdle, StatusQueued},
		{StatusCompleted, StatusQueued},
		{StatusFailed, StatusQueued},
		{StatusQueued, StatusRunning},
		{StatusQueued, StatusFailed},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusFailed},
	}
	all := []Status{StatusIdle, StatusQueued, StatusRunning, StatusCompleted, StatusFailed}

	isLegal := func(from, to Status) bool {
		for _, p := range legal {
			if p[0] == from && p[1] == to {
				return true
			}
		}
		return false
	}

	for _, from := range all {
		for _, to := range all {
			s := &Strategy{Status: from}
			err := s.Transition(to)
			if isLegal(from, to) {
				assert.NoErrorf(t, err, "%s -> %s", from, to)
				assert.Equal(t, to, s.Status)
			} else {
				assert.ErrorIsf(t, err, ErrIllegalTransition, "%s -> %s", from, to)
				assert.Equal(t, from, s.Status)
			}
		}
	}
}

func TestQueueingClearsLastError(t *testing.T) {
	s := newStrategy(t, "A")
	msg := "boom"
	s.LastError = &msg
	s.Status = StatusFailed

	require.Error(t, s.Transition(StatusRunning))
	assert.NotNil(t, s.LastError, "a rejected transition keeps the error")

	require.NoError(t, s.Transition(StatusQueued))
	assert.Nil(t, s.LastError)
}

func TestStatusInFlight(t *testing.T) {
	assert.True(t, StatusQueued.InFlight())
	assert.True(t, StatusRunning.InFlight())
	assert.False(t, StatusIdle.InFlight())
	assert.False(t, StatusCompleted.InFlight())
	assert.False(t, StatusFailed.InFlight())
}
