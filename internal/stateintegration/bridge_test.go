package stateintegration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/conductor/internal/bus"
	"github.com/kandev/conductor/internal/debounce"
)

const inProgressLog = `---
agent: agent_1
task_ref: "1.1"
status: InProgress
---
`

const completedLog = `---
agent: agent_1
task_ref: "1.1"
status: Completed
---
`

func newTestBridge(files map[string][]byte) (*Bridge, bus.Bus) {
	b := bus.NewMemoryBus(nil)
	br := New(b, nil)
	br.readFile = func(path string) ([]byte, error) { return files[path], nil }
	return br, b
}

func TestBridgeAddEmitsTaskStarted(t *testing.T) {
	files := map[string][]byte{"Task_1_1.md": []byte(inProgressLog)}
	br, b := newTestBridge(files)

	received := make(chan StateUpdateEvent, 1)
	b.On("state-update:task-started", func(ctx context.Context, env *bus.Envelope) (*bus.CancelResult, error) {
		received <- env.Data.(StateUpdateEvent)
		return nil, nil
	})

	br.HandleDebouncedEvent(debounce.DebouncedEvent{EventType: debounce.KindAdd, FilePath: "Task_1_1.md"})

	select {
	case ev := <-received:
		assert.Equal(t, TaskStarted, ev.Type)
		assert.Nil(t, ev.PreviousStatus)
	case <-time.After(time.Second):
		t.Fatal("expected task-started event")
	}
}

func TestBridgeStatusChangeEmitsTaskCompleted(t *testing.T) {
	files := map[string][]byte{"Task_1_1.md": []byte(inProgressLog)}
	br, b := newTestBridge(files)

	br.HandleDebouncedEvent(debounce.DebouncedEvent{EventType: debounce.KindAdd, FilePath: "Task_1_1.md"})
	time.Sleep(20 * time.Millisecond)

	received := make(chan StateUpdateEvent, 1)
	b.On("state-update:task-completed", func(ctx context.Context, env *bus.Envelope) (*bus.CancelResult, error) {
		received <- env.Data.(StateUpdateEvent)
		return nil, nil
	})

	files["Task_1_1.md"] = []byte(completedLog)
	br.HandleDebouncedEvent(debounce.DebouncedEvent{EventType: debounce.KindChange, FilePath: "Task_1_1.md"})

	select {
	case ev := <-received:
		assert.Equal(t, TaskCompleted, ev.Type)
		require.NotNil(t, ev.PreviousStatus)
	case <-time.After(time.Second):
		t.Fatal("expected task-completed event")
	}
}

func TestBridgeUnchangedStatusEmitsNothing(t *testing.T) {
	files := map[string][]byte{"Task_1_1.md": []byte(inProgressLog)}
	br, b := newTestBridge(files)

	br.HandleDebouncedEvent(debounce.DebouncedEvent{EventType: debounce.KindAdd, FilePath: "Task_1_1.md"})
	time.Sleep(20 * time.Millisecond)

	received := make(chan StateUpdateEvent, 1)
	b.On("state-update:*", func(ctx context.Context, env *bus.Envelope) (*bus.CancelResult, error) {
		received <- env.Data.(StateUpdateEvent)
		return nil, nil
	})

	br.HandleDebouncedEvent(debounce.DebouncedEvent{EventType: debounce.KindChange, FilePath: "Task_1_1.md"})

	select {
	case ev := <-received:
		t.Fatalf("unexpected event for unchanged status: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestBridgeUnlinkClearsCacheWithoutEvent(t *testing.T) {
	files := map[string][]byte{"Task_1_1.md": []byte(inProgressLog)}
	br, b := newTestBridge(files)

	received := make(chan StateUpdateEvent, 1)
	b.On("state-update:*", func(ctx context.Context, env *bus.Envelope) (*bus.CancelResult, error) {
		received <- env.Data.(StateUpdateEvent)
		return nil, nil
	})

	br.HandleDebouncedEvent(debounce.DebouncedEvent{EventType: debounce.KindUnlink, FilePath: "Task_1_1.md"})

	select {
	case ev := <-received:
		t.Fatalf("unexpected event for unlink: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	br.mu.Lock()
	_, ok := br.statusCache["Task_1_1.md"]
	br.mu.Unlock()
	assert.False(t, ok)
}

func TestBridgeReplayBuffer(t *testing.T) {
	files := map[string][]byte{"Task_1_1.md": []byte(inProgressLog)}
	br, _ := newTestBridge(files)
	br.SetReplayBufferSize(2)

	br.HandleDebouncedEvent(debounce.DebouncedEvent{EventType: debounce.KindAdd, FilePath: "Task_1_1.md"})
	time.Sleep(20 * time.Millisecond)

	assert.LessOrEqual(t, len(br.GetRecentEvents(0)), 2)

	br.ClearReplayBuffer()
	assert.Empty(t, br.GetRecentEvents(0))
}
