package debounce

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebouncerCollapsesBurstIntoOneEvent(t *testing.T) {
	events := make(chan DebouncedEvent, 10)
	d := New(30*time.Millisecond, func(ev DebouncedEvent) { events <- ev })

	d.Record("path.md", KindAdd)
	d.Record("path.md", KindChange)
	d.Record("path.md", KindChange)

	select {
	case ev := <-events:
		assert.Equal(t, KindChange, ev.EventType)
		assert.Equal(t, "path.md", ev.FilePath)
		assert.GreaterOrEqual(t, ev.ChangesCollapsed, 1)
	case <-time.After(time.Second):
		t.Fatal("expected a debounced event")
	}
}

func TestDebouncerUnlinkEmitsImmediatelyAndCancelsPending(t *testing.T) {
	events := make(chan DebouncedEvent, 10)
	d := New(200*time.Millisecond, func(ev DebouncedEvent) { events <- ev })

	d.Record("path.md", KindChange)
	d.Record("path.md", KindUnlink)

	select {
	case ev := <-events:
		assert.Equal(t, KindUnlink, ev.EventType)
	case <-time.After(time.Second):
		t.Fatal("expected immediate unlink event")
	}

	select {
	case ev := <-events:
		t.Fatalf("unexpected second event: %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestDebouncerCriticalPatternBypasses(t *testing.T) {
	events := make(chan DebouncedEvent, 10)
	d := New(500*time.Millisecond, func(ev DebouncedEvent) { events <- ev })
	require.NoError(t, d.AddCriticalPattern(`critical/.*\.md$`))

	d.Record("critical/urgent.md", KindAdd)

	select {
	case ev := <-events:
		assert.Equal(t, 1, ev.ChangesCollapsed)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected immediate critical-path event")
	}
}

func TestDebouncerDestructivenessPromotion(t *testing.T) {
	events := make(chan DebouncedEvent, 10)
	d := New(30*time.Millisecond, func(ev DebouncedEvent) { events <- ev })

	d.Record("p.md", KindAdd)
	d.Record("p.md", KindChange)

	ev := <-events
	assert.Equal(t, KindChange, ev.EventType)
}

func TestDebouncerFlushEmitsPendingImmediately(t *testing.T) {
	events := make(chan DebouncedEvent, 10)
	d := New(time.Hour, func(ev DebouncedEvent) { events <- ev })

	d.Record("p.md", KindAdd)
	d.Flush()

	select {
	case ev := <-events:
		assert.Equal(t, "p.md", ev.FilePath)
	case <-time.After(time.Second):
		t.Fatal("expected flush to emit pending entry")
	}
}

func TestDebouncerClearDropsPendingWithoutEmitting(t *testing.T) {
	events := make(chan DebouncedEvent, 10)
	d := New(30*time.Millisecond, func(ev DebouncedEvent) { events <- ev })

	d.Record("p.md", KindAdd)
	d.Clear()

	select {
	case ev := <-events:
		t.Fatalf("unexpected event after clear: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	assert.Equal(t, 0, d.Metrics().CurrentPending)
}
