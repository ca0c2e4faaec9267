// Package stateintegration bridges parsed memory-log changes into typed
// state-update events on the bus, preserving per-agent delivery order.
package stateintegration

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/conductor/internal/bus"
	"github.com/kandev/conductor/internal/common/logger"
	"github.com/kandev/conductor/internal/debounce"
	"github.com/kandev/conductor/internal/memorylog"
)

// UpdateType classifies a computed state-update event.
type UpdateType string

const (
	TaskStarted       UpdateType = "task-started"
	TaskCompleted     UpdateType = "task-completed"
	TaskBlocked       UpdateType = "task-blocked"
	TaskFailed        UpdateType = "task-failed"
	TaskStatusChanged UpdateType = "task-status-changed"
)

// StateUpdateEvent is published on the bus under "state-update:<type>".
type StateUpdateEvent struct {
	Type            UpdateType
	TaskID          string
	AgentID         string
	PreviousStatus  *memorylog.Status
	NewStatus       memorylog.Status
	ProgressPercent *int
	Blockers        []string
	SourcePath      string
	Timestamp       time.Time
}

const defaultReplayBufferSize = 100

type agentQueue struct {
	mu       sync.Mutex
	items    []func()
	draining bool
}

// Bridge subscribes to debouncer output, parses memory logs, diffs against a
// per-path status cache, and emits StateUpdateEvent onto the Bus in
// per-agent FIFO order.
type Bridge struct {
	bus    bus.Bus
	logger *logger.Logger

	readFile func(path string) ([]byte, error)

	mu          sync.Mutex
	statusCache map[string]memorylog.Status

	queuesMu sync.Mutex
	queues   map[string]*agentQueue

	replayMu   sync.Mutex
	replay     []StateUpdateEvent
	replaySize int
}

// New creates a Bridge publishing state-update events onto b.
func New(b bus.Bus, log *logger.Logger) *Bridge {
	if log == nil {
		log = logger.Default()
	}
	return &Bridge{
		bus:         b,
		logger:      log.WithFields(zap.String("component", "stateintegration")),
		readFile:    os.ReadFile,
		statusCache: make(map[string]memorylog.Status),
		queues:      make(map[string]*agentQueue),
		replaySize:  defaultReplayBufferSize,
	}
}

// SetReplayBufferSize configures the ring buffer capacity.
func (b *Bridge) SetReplayBufferSize(n int) {
	b.replayMu.Lock()
	defer b.replayMu.Unlock()
	b.replaySize = n
	if len(b.replay) > n {
		b.replay = b.replay[len(b.replay)-n:]
	}
}

// HandleDebouncedEvent is wired as the Debouncer's onEmit callback.
func (b *Bridge) HandleDebouncedEvent(ev debounce.DebouncedEvent) {
	if ev.EventType == debounce.KindUnlink {
		b.mu.Lock()
		delete(b.statusCache, ev.FilePath)
		b.mu.Unlock()
		return
	}

	content, err := b.readFile(ev.FilePath)
	if err != nil {
		b.logger.Warn("failed to read memory log", zap.String("path", ev.FilePath), zap.Error(err))
		return
	}

	rec, err := memorylog.Parse(ev.FilePath, content)
	if err != nil {
		b.logger.Warn("failed to parse memory log", zap.String("path", ev.FilePath), zap.Error(err))
		return
	}

	b.mu.Lock()
	prev, hadPrev := b.statusCache[ev.FilePath]
	b.statusCache[ev.FilePath] = rec.Status
	b.mu.Unlock()

	update := b.computeUpdate(ev, rec, prev, hadPrev)
	if update == nil {
		return
	}

	agentID := update.AgentID
	if agentID == "" {
		agentID = "unknown"
	}
	b.enqueue(agentID, func() { b.publish(*update) })
}

func (b *Bridge) computeUpdate(ev debounce.DebouncedEvent, rec *memorylog.ParsedRecord, prev memorylog.Status, hadPrev bool) *StateUpdateEvent {
	agentID := rec.AgentID
	if agentID == "" {
		agentID = "unknown"
	}

	base := StateUpdateEvent{
		TaskID:          rec.TaskRef,
		AgentID:         agentID,
		NewStatus:       rec.Status,
		ProgressPercent: rec.ProgressPercent,
		Blockers:        rec.Blockers,
		SourcePath:      ev.FilePath,
		Timestamp:       time.Now().UTC(),
	}
	if hadPrev {
		p := prev
		base.PreviousStatus = &p
	}

	if ev.EventType == debounce.KindAdd || !hadPrev {
		base.Type = TaskStarted
		return &base
	}

	if prev == rec.Status {
		return nil
	}

	switch rec.Status {
	case memorylog.StatusCompleted:
		base.Type = TaskCompleted
	case memorylog.StatusBlocked:
		base.Type = TaskBlocked
	case memorylog.StatusFailed, memorylog.StatusError:
		base.Type = TaskFailed
	default:
		base.Type = TaskStatusChanged
	}
	return &base
}

func (b *Bridge) publish(ev StateUpdateEvent) {
	b.record(ev)
	topic := fmt.Sprintf("state-update:%s", ev.Type)
	_, err := b.bus.Publish(context.Background(), topic, ev)
	if err != nil {
		b.logger.Error("failed to publish state update", zap.String("topic", topic), zap.Error(err))
	}
}

func (b *Bridge) record(ev StateUpdateEvent) {
	b.replayMu.Lock()
	defer b.replayMu.Unlock()
	b.replay = append(b.replay, ev)
	if len(b.replay) > b.replaySize {
		b.replay = b.replay[len(b.replay)-b.replaySize:]
	}
}

// GetRecentEvents returns up to count of the most recent replayed events
// (all of them if count is zero or exceeds the buffer).
func (b *Bridge) GetRecentEvents(count int) []StateUpdateEvent {
	b.replayMu.Lock()
	defer b.replayMu.Unlock()
	if count <= 0 || count > len(b.replay) {
		count = len(b.replay)
	}
	out := make([]StateUpdateEvent, count)
	copy(out, b.replay[len(b.replay)-count:])
	return out
}

// ClearReplayBuffer empties the replay ring.
func (b *Bridge) ClearReplayBuffer() {
	b.replayMu.Lock()
	defer b.replayMu.Unlock()
	b.replay = nil
}

// enqueue appends work to agentID's FIFO queue. A per-agent "draining" flag
// prevents reentrancy; distinct agents drain concurrently with each other.
func (b *Bridge) enqueue(agentID string, work func()) {
	b.queuesMu.Lock()
	q, ok := b.queues[agentID]
	if !ok {
		q = &agentQueue{}
		b.queues[agentID] = q
	}
	b.queuesMu.Unlock()

	q.mu.Lock()
	q.items = append(q.items, work)
	alreadyDraining := q.draining
	if !alreadyDraining {
		q.draining = true
	}
	q.mu.Unlock()

	if !alreadyDraining {
		go b.drain(q)
	}
}

func (b *Bridge) drain(q *agentQueue) {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		next := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		next()
	}
}
