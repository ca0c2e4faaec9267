package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/conductor/internal/common/apperr"
)

func TestMemoryBusPublishDeliversToMatchingSubscribers(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Shutdown()

	var received int32
	done := make(chan struct{})
	b.On("task:*:created", func(ctx context.Context, env *Envelope) (*CancelResult, error) {
		atomic.AddInt32(&received, 1)
		close(done)
		return nil, nil
	})

	n, err := b.Publish(context.Background(), "task:agent-1:created", "payload")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&received))
}

func TestMemoryBusPublishRejectsInvalidTopic(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Shutdown()

	n, err := b.Publish(context.Background(), "task created!", "payload")
	require.Error(t, err)
	assert.Equal(t, 0, n)
	kind, ok := apperr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindValidation, kind)
}

func TestMemoryBusOnRejectsInvalidTopicWithoutDelivering(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Shutdown()

	sub := b.On("task created!", func(ctx context.Context, env *Envelope) (*CancelResult, error) {
		t.Fatal("handler should never be invoked for an invalid topic")
		return nil, nil
	})
	assert.Equal(t, 0, b.ListenerCount(""))
	sub.Unsubscribe()
}

func TestMemoryBusSyncModeStopsOnCancel(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Shutdown()

	var order []int
	var mu sync.Mutex

	b.On("topic", func(ctx context.Context, env *Envelope) (*CancelResult, error) {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
		return &CancelResult{Cancel: true, Reason: "stop"}, nil
	})
	b.On("topic", func(ctx context.Context, env *Envelope) (*CancelResult, error) {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		return nil, nil
	})

	_, err := b.Publish(context.Background(), "topic", nil, WithMode(ModeSync))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1}, order)
}

func TestMemoryBusOnceUnsubscribesAfterFirstInvocation(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Shutdown()

	var calls int32
	b.Once("topic", func(ctx context.Context, env *Envelope) (*CancelResult, error) {
		atomic.AddInt32(&calls, 1)
		return nil, nil
	})

	_, _ = b.Publish(context.Background(), "topic", nil, WithMode(ModeSync))
	_, _ = b.Publish(context.Background(), "topic", nil, WithMode(ModeSync))

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 0, b.ListenerCount("topic"))
}

func TestMemoryBusUnsubscribeRemovesHandler(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Shutdown()

	sub := b.On("topic", func(ctx context.Context, env *Envelope) (*CancelResult, error) {
		return nil, nil
	})
	assert.Equal(t, 1, b.ListenerCount("topic"))

	sub.Unsubscribe()
	assert.Equal(t, 0, b.ListenerCount("topic"))

	sub.Unsubscribe()
}

func TestMemoryBusParallelModeWaitsForAll(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Shutdown()

	var done int32
	for i := 0; i < 5; i++ {
		b.On("topic", func(ctx context.Context, env *Envelope) (*CancelResult, error) {
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&done, 1)
			return nil, nil
		})
	}

	_, err := b.Publish(context.Background(), "topic", nil, WithMode(ModeParallel))
	require.NoError(t, err)
	assert.Equal(t, int32(5), atomic.LoadInt32(&done))
}

func TestMemoryBusStatsTracksPublishAndDelivery(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Shutdown()

	b.On("topic", func(ctx context.Context, env *Envelope) (*CancelResult, error) {
		return nil, nil
	})

	_, err := b.Publish(context.Background(), "topic", nil, WithMode(ModeSync))
	require.NoError(t, err)

	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.TotalPublished)
	assert.Equal(t, uint64(1), stats.TotalDelivered)
	assert.Equal(t, uint64(1), stats.PerTopicPublished["topic"])
}

func TestMemoryBusShutdownRejectsFurtherPublish(t *testing.T) {
	b := NewMemoryBus(nil)
	b.Shutdown()

	_, err := b.Publish(context.Background(), "topic", nil)
	require.Error(t, err)
}

func TestMemoryBusWildcardPatternMatchesMultipleTopics(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Shutdown()

	var count int32
	b.On("agent:**", func(ctx context.Context, env *Envelope) (*CancelResult, error) {
		atomic.AddInt32(&count, 1)
		return nil, nil
	})

	_, _ = b.Publish(context.Background(), "agent:agent-1:started", nil, WithMode(ModeSync))
	_, _ = b.Publish(context.Background(), "agent:agent-1:stopped", nil, WithMode(ModeSync))
	_, _ = b.Publish(context.Background(), "task:created", nil, WithMode(ModeSync))

	assert.Equal(t, int32(2), atomic.LoadInt32(&count))
}
