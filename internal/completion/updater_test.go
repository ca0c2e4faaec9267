package completion

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/conductor/internal/agent"
	"github.com/kandev/conductor/internal/bus"
	"github.com/kandev/conductor/internal/common/config"
	"github.com/kandev/conductor/internal/store"
)

func newUpdaterFixture(t *testing.T) (*Updater, *agent.Repo, store.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "conductor.db")
	s, cleanup, err := store.Provide(&config.DatabaseConfig{Driver: "sqlite", Path: dbPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cleanup() })

	agents := agent.New(s)
	b := bus.NewMemoryBus(nil)
	return NewUpdater(s, agents, b, nil), agents, s
}

func TestUpdateTaskCompletionCommitsAndTransitionsAgent(t *testing.T) {
	u, agents, s := newUpdaterFixture(t)
	ctx := context.Background()

	_, err := agents.Create(ctx, "agent-1", "worker", "backend")
	require.NoError(t, err)
	require.NoError(t, agents.Transition(ctx, "agent-1", agent.StatusActive, agent.TriggerAutomatic, nil))

	err = u.UpdateTaskCompletion(ctx, CompletionData{
		TaskID: "1.1", AgentID: "agent-1", Status: "Completed",
		Deliverables: []string{"widget.go"},
	})
	require.NoError(t, err)

	a, err := agents.Get(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, agent.StatusWaiting, a.Status)
	assert.Nil(t, a.CurrentTask)

	var count int
	require.NoError(t, s.Reader().Get(&count, `SELECT COUNT(*) FROM task_completions WHERE task_id = ?`, "1.1"))
	assert.Equal(t, 1, count)
}

func TestUpdateTaskCompletionRejectsIllegalAgentTransition(t *testing.T) {
	u, agents, _ := newUpdaterFixture(t)
	ctx := context.Background()

	_, err := agents.Create(ctx, "agent-1", "worker", "backend")
	require.NoError(t, err)
	require.NoError(t, agents.Transition(ctx, "agent-1", agent.StatusTerminated, agent.TriggerUserAction, nil))

	err = u.UpdateTaskCompletion(ctx, CompletionData{TaskID: "1.1", AgentID: "agent-1", Status: "Completed"})
	assert.Error(t, err)
}

func TestUpdateTaskCompletionUpsertsOnConflict(t *testing.T) {
	u, agents, s := newUpdaterFixture(t)
	ctx := context.Background()

	_, err := agents.Create(ctx, "agent-1", "worker", "backend")
	require.NoError(t, err)
	require.NoError(t, agents.Transition(ctx, "agent-1", agent.StatusActive, agent.TriggerAutomatic, nil))
	require.NoError(t, u.UpdateTaskCompletion(ctx, CompletionData{TaskID: "1.1", AgentID: "agent-1", Status: "Partial"}))

	require.NoError(t, agents.Transition(ctx, "agent-1", agent.StatusActive, agent.TriggerAutomatic, nil))
	require.NoError(t, u.UpdateTaskCompletion(ctx, CompletionData{TaskID: "1.1", AgentID: "agent-1", Status: "Completed"}))

	var count int
	require.NoError(t, s.Reader().Get(&count, `SELECT COUNT(*) FROM task_completions WHERE task_id = ?`, "1.1"))
	assert.Equal(t, 1, count)

	var status string
	require.NoError(t, s.Reader().Get(&status, `SELECT status FROM task_completions WHERE task_id = ?`, "1.1"))
	assert.Equal(t, "Completed", status)
}
