package agent

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/conductor/internal/common/config"
	"github.com/kandev/conductor/internal/store"
)

func newTestRepo(t *testing.T) *Repo {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "conductor.db")
	s, cleanup, err := store.Provide(&config.DatabaseConfig{Driver: "sqlite", Path: dbPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cleanup() })
	return New(s)
}

func TestCreateRecordsInitialTransition(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	a, err := r.Create(ctx, "agent-1", "worker", "backend")
	require.NoError(t, err)
	assert.Equal(t, StatusSpawning, a.Status)

	transitions, err := r.Transitions(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, transitions, 1)
	assert.Nil(t, transitions[0].FromStatus)
	assert.Equal(t, StatusSpawning, transitions[0].ToStatus)
}

func TestTransitionRejectsIllegalMove(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	_, err := r.Create(ctx, "agent-1", "worker", "")
	require.NoError(t, err)

	err = r.Transition(ctx, "agent-1", StatusTerminated, TriggerUserAction, nil)
	require.NoError(t, err)

	err = r.Transition(ctx, "agent-1", StatusActive, TriggerUserAction, nil)
	require.Error(t, err)
}

func TestTransitionAppendsLogEntry(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	_, err := r.Create(ctx, "agent-1", "worker", "")
	require.NoError(t, err)

	require.NoError(t, r.Transition(ctx, "agent-1", StatusActive, TriggerAutomatic, nil))
	require.NoError(t, r.Transition(ctx, "agent-1", StatusWaiting, TriggerAutomatic, map[string]any{"reason": "Task completion"}))

	a, err := r.Get(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, a.Status)

	transitions, err := r.Transitions(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, transitions, 3)
	assert.Equal(t, StatusActive, *transitions[2].FromStatus)
	assert.Equal(t, StatusWaiting, transitions[2].ToStatus)
}

func TestComputeStatisticsTimeInStatus(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	transitions := []Transition{
		{ToStatus: StatusSpawning, Trigger: TriggerAutomatic, Timestamp: base},
		{FromStatus: statusPtr(StatusSpawning), ToStatus: StatusActive, Trigger: TriggerAutomatic, Timestamp: base.Add(10 * time.Second)},
	}
	now := base.Add(30 * time.Second)

	stats := ComputeStatistics(transitions, now)
	assert.Equal(t, 10*time.Second, stats.TimeInStatus[StatusSpawning])
	assert.Equal(t, 20*time.Second, stats.TimeInStatus[StatusActive])
	assert.Equal(t, 30*time.Second, stats.Lifetime)
}

func statusPtr(s Status) *Status { return &s }
