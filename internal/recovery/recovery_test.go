package recovery

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/conductor/internal/agent"
	"github.com/kandev/conductor/internal/bus"
	"github.com/kandev/conductor/internal/common/config"
	"github.com/kandev/conductor/internal/store"
)

func newFixture(t *testing.T) (*Manager, *agent.Repo) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "conductor.db")
	s, cleanup, err := store.Provide(&config.DatabaseConfig{Driver: "sqlite", Path: dbPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cleanup() })

	agents := agent.New(s)
	b := bus.NewMemoryBus(nil)
	cfg := Config{ScanInterval: 10 * time.Millisecond, HeartbeatTimeout: 20 * time.Millisecond, MaxRetryAttempts: 2}
	return New(agents, b, cfg, nil), agents
}

func TestRecoveryScanTerminatesStaleAgent(t *testing.T) {
	m, agents := newFixture(t)
	ctx := context.Background()

	_, err := agents.Create(ctx, "agent-1", "worker", "backend")
	require.NoError(t, err)
	require.NoError(t, agents.Transition(ctx, "agent-1", agent.StatusActive, agent.TriggerAutomatic, nil))

	time.Sleep(30 * time.Millisecond)
	m.scan(ctx)

	a, err := agents.Get(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, agent.StatusTerminated, a.Status)
	assert.Equal(t, 1, m.Stats().SuccessfulRecoveries)
}

func TestRecoveryFreshHeartbeatIsSkipped(t *testing.T) {
	m, agents := newFixture(t)
	ctx := context.Background()

	_, err := agents.Create(ctx, "agent-1", "worker", "backend")
	require.NoError(t, err)
	require.NoError(t, agents.Transition(ctx, "agent-1", agent.StatusActive, agent.TriggerAutomatic, nil))

	m.scan(ctx)

	a, err := agents.Get(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, agent.StatusActive, a.Status)
	assert.Equal(t, 0, m.Stats().TotalAttempts)
}

func TestRecoveryMaxAttemptsStopsRetrying(t *testing.T) {
	m, agents := newFixture(t)
	ctx := context.Background()

	_, err := agents.Create(ctx, "agent-1", "worker", "backend")
	require.NoError(t, err)
	require.NoError(t, agents.Transition(ctx, "agent-1", agent.StatusActive, agent.TriggerAutomatic, nil))

	a, err := agents.Get(ctx, "agent-1")
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	// Simulate repeated failed attempts by forcing the counter up to the cap
	// without a successful transition in between; the next attempt is above
	// the cap and must not terminate the agent.
	m.mu.Lock()
	m.attempts[a.ID] = m.cfg.MaxRetryAttempts
	m.mu.Unlock()
	m.recover(ctx, a)

	assert.GreaterOrEqual(t, m.Stats().FailedRecoveries, 1)
	assert.Equal(t, 0, m.Stats().SuccessfulRecoveries)
	after, err := agents.Get(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, agent.StatusActive, after.Status)
}

func TestStartStopIsIdempotent(t *testing.T) {
	m, _ := newFixture(t)
	ctx := context.Background()

	m.Start(ctx)
	m.Start(ctx)
	m.Stop()
	m.Stop()
}
