package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/conductor/internal/bus"
	"github.com/kandev/conductor/internal/readiness"
)

func TestCreateHandoffStartsPendingUntilProducerCompletes(t *testing.T) {
	c := New(nil, bus.NewMemoryBus(nil), nil)
	ctx := context.Background()

	h := c.CreateHandoff(ctx, "2.1", "agent-b", "1.1", "agent-a")
	assert.Equal(t, HandoffPending, h.Status)

	c.MarkTaskCompleted(ctx, "1.1", "agent-a")
	assert.True(t, c.CanTaskProceed("2.1"))

	got := c.handoffs[h.ID]
	assert.Equal(t, HandoffReady, got.Status)
}

func TestCompleteHandoffRefusesFromPending(t *testing.T) {
	c := New(nil, bus.NewMemoryBus(nil), nil)
	ctx := context.Background()

	h := c.CreateHandoff(ctx, "2.1", "agent-b", "1.1", "agent-a")
	_, err := c.CompleteHandoff(ctx, h.ID)
	assert.Error(t, err)
}

func TestCompleteHandoffAdvancesFromReady(t *testing.T) {
	c := New(nil, bus.NewMemoryBus(nil), nil)
	ctx := context.Background()

	h := c.CreateHandoff(ctx, "2.1", "agent-b", "1.1", "agent-a")
	c.MarkTaskCompleted(ctx, "1.1", "agent-a")

	done, err := c.CompleteHandoff(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, HandoffCompleted, done.Status)
	assert.True(t, c.CanTaskProceed("2.1"))
}

func TestCanTaskProceedUsesDependencyGraphWhenConfigured(t *testing.T) {
	graph, err := readiness.NewGraph(map[string][]string{"2.1": {"1.1"}})
	require.NoError(t, err)
	c := New(graph, bus.NewMemoryBus(nil), nil)
	ctx := context.Background()

	c.CreateHandoff(ctx, "2.1", "agent-b", "1.1", "agent-a")
	assert.False(t, c.CanTaskProceed("2.1"))

	c.MarkTaskCompleted(ctx, "1.1", "agent-a")
	h, err := c.CompleteHandoff(ctx, handoffID("1.1", "2.1"))
	require.NoError(t, err)
	assert.Equal(t, HandoffCompleted, h.Status)
	assert.True(t, c.CanTaskProceed("2.1"))
}

func TestInitializeMaterializesReadyHandoffForAlreadyCompletedProducer(t *testing.T) {
	c := New(nil, bus.NewMemoryBus(nil), nil)

	created := c.Initialize([]string{"1.1"}, []HandoffDeclaration{
		{ProducerTask: "1.1", ProducerAgent: "agent-a", ConsumerTask: "2.1", ConsumerAgent: "agent-b"},
	})

	require.Len(t, created, 1)
	assert.Equal(t, HandoffReady, created[0].Status)
	assert.True(t, c.CanTaskProceed("2.1"))
}

func TestInitializeSkipsDeclarationsForAlreadyCompletedConsumer(t *testing.T) {
	c := New(nil, bus.NewMemoryBus(nil), nil)

	created := c.Initialize([]string{"2.1"}, []HandoffDeclaration{
		{ProducerTask: "1.1", ProducerAgent: "agent-a", ConsumerTask: "2.1", ConsumerAgent: "agent-b"},
	})

	assert.Empty(t, created)
	assert.Empty(t, c.handoffs)
}

func TestInitializePendingHandoffForIncompleteProducer(t *testing.T) {
	c := New(nil, bus.NewMemoryBus(nil), nil)

	created := c.Initialize(nil, []HandoffDeclaration{
		{ProducerTask: "1.1", ProducerAgent: "agent-a", ConsumerTask: "2.1", ConsumerAgent: "agent-b"},
	})

	require.Len(t, created, 1)
	assert.Equal(t, HandoffPending, created[0].Status)
	assert.False(t, c.CanTaskProceed("2.1"))
}

func TestGetBlockedTasksListsUnreadyConsumers(t *testing.T) {
	c := New(nil, bus.NewMemoryBus(nil), nil)
	ctx := context.Background()

	c.CreateHandoff(ctx, "2.1", "agent-b", "1.1", "agent-a")
	blocked := c.GetBlockedTasks("agent-b")

	require.Len(t, blocked, 1)
	assert.Equal(t, "2.1", blocked[0].TaskID)
	assert.Equal(t, []string{"1.1"}, blocked[0].BlockedOn)
}

func TestEventLogIsMostRecentFirst(t *testing.T) {
	c := New(nil, bus.NewMemoryBus(nil), nil)
	ctx := context.Background()

	c.CreateHandoff(ctx, "2.1", "agent-b", "1.1", "agent-a")
	c.MarkTaskCompleted(ctx, "1.1", "agent-a")

	log := c.EventLog()
	require.NotEmpty(t, log)
	assert.Equal(t, TopicHandoffReady, log[0].Topic)
}
