// Package coordinator tracks handoffs between producer and consumer tasks
// and exposes readiness queries built on top of internal/readiness's
// dependency graph.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/kandev/conductor/internal/bus"
	"github.com/kandev/conductor/internal/common/logger"
	"github.com/kandev/conductor/internal/common/otelx"
	"github.com/kandev/conductor/internal/metrics"
	"github.com/kandev/conductor/internal/readiness"
)

var tracer = otelx.Tracer("conductor-coordinator")

// HandoffStatus moves monotonically Pending -> Ready -> Completed.
type HandoffStatus string

const (
	HandoffPending   HandoffStatus = "Pending"
	HandoffReady     HandoffStatus = "Ready"
	HandoffCompleted HandoffStatus = "Completed"
)

var rank = map[HandoffStatus]int{HandoffPending: 0, HandoffReady: 1, HandoffCompleted: 2}

// Bus topics emitted by the coordinator.
const (
	TopicHandoffCreated   = "handoff-created"
	TopicHandoffReady     = "handoff-ready"
	TopicHandoffCompleted = "handoff-completed"
	TopicTaskUnblocked    = "task-unblocked"
)

// Handoff is one producer->consumer dependency link.
type Handoff struct {
	ID            string
	ProducerTask  string
	ProducerAgent string
	ConsumerTask  string
	ConsumerAgent string
	Status        HandoffStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Event is one append to the coordinator's ordered log.
type Event struct {
	Topic     string
	Data      any
	Timestamp time.Time
}

// Coordinator owns the handoff table and the completed-task set that backs
// readiness queries.
type Coordinator struct {
	graph  *readiness.Graph
	bus    bus.Bus
	logger *logger.Logger

	mu        sync.Mutex
	handoffs  map[string]*Handoff
	completed map[string]bool
	log       []Event
}

// New creates a Coordinator over a dependency graph. graph may be nil if the
// caller only needs handoff bookkeeping without dependency-based readiness.
func New(graph *readiness.Graph, b bus.Bus, log *logger.Logger) *Coordinator {
	if log == nil {
		log = logger.Default()
	}
	return &Coordinator{
		graph:     graph,
		bus:       b,
		logger:    log.WithFields(zap.String("component", "coordinator")),
		handoffs:  make(map[string]*Handoff),
		completed: make(map[string]bool),
	}
}

// HandoffDeclaration describes a producer->consumer dependency to materialize
// at startup, before any handoff arrives through CreateHandoff at runtime.
type HandoffDeclaration struct {
	ProducerTask  string
	ProducerAgent string
	ConsumerTask  string
	ConsumerAgent string
}

// Initialize seeds the completed-task set from a prior run's state, then
// materializes declarations against it: a handoff whose producer task is
// already in completed starts Ready instead of Pending; a handoff whose
// consumer task is already in completed is skipped, since there is nothing
// left for it to unblock. Returns the handoffs it created.
func (c *Coordinator) Initialize(completed []string, declarations []HandoffDeclaration) []*Handoff {
	c.mu.Lock()
	for _, id := range completed {
		c.completed[id] = true
	}

	now := time.Now().UTC()
	var materialized []*Handoff
	for _, d := range declarations {
		if c.completed[d.ConsumerTask] {
			continue
		}
		id := handoffID(d.ProducerTask, d.ConsumerTask)
		if _, exists := c.handoffs[id]; exists {
			continue
		}
		status := HandoffPending
		if c.completed[d.ProducerTask] {
			status = HandoffReady
		}
		h := &Handoff{
			ID: id, ProducerTask: d.ProducerTask, ProducerAgent: d.ProducerAgent,
			ConsumerTask: d.ConsumerTask, ConsumerAgent: d.ConsumerAgent,
			Status: status, CreatedAt: now, UpdatedAt: now,
		}
		c.handoffs[id] = h
		c.record(TopicHandoffCreated, h)
		materialized = append(materialized, h)
	}
	c.mu.Unlock()

	for _, h := range materialized {
		c.publish(context.Background(), TopicHandoffCreated, h)
		if h.Status == HandoffReady {
			c.publish(context.Background(), TopicHandoffReady, h)
		}
	}
	return materialized
}

func handoffID(producerTask, consumerTask string) string {
	return fmt.Sprintf("%s->%s", producerTask, consumerTask)
}

// CreateHandoff registers a producer->consumer dependency. If the producer
// has already completed, the handoff starts Ready instead of Pending.
func (c *Coordinator) CreateHandoff(ctx context.Context, consumerTask, consumerAgent, producerTask, producerAgent string) *Handoff {
	ctx, span := tracer.Start(ctx, "coordinator.create_handoff")
	defer span.End()
	span.SetAttributes(
		attribute.String("producer_task", producerTask),
		attribute.String("consumer_task", consumerTask),
	)

	now := time.Now().UTC()
	id := handoffID(producerTask, consumerTask)

	c.mu.Lock()
	status := HandoffPending
	if c.completed[producerTask] {
		status = HandoffReady
	}
	h := &Handoff{
		ID: id, ProducerTask: producerTask, ProducerAgent: producerAgent,
		ConsumerTask: consumerTask, ConsumerAgent: consumerAgent,
		Status: status, CreatedAt: now, UpdatedAt: now,
	}
	c.handoffs[id] = h
	c.record(TopicHandoffCreated, h)
	c.mu.Unlock()

	c.publish(ctx, TopicHandoffCreated, h)
	if status == HandoffReady {
		c.publish(ctx, TopicHandoffReady, h)
	}
	return h
}

// MarkTaskCompleted records producerTask as completed and advances every
// Pending handoff whose producer is producerTask to Ready.
func (c *Coordinator) MarkTaskCompleted(ctx context.Context, producerTask, producerAgent string) []*Handoff {
	c.mu.Lock()
	c.completed[producerTask] = true

	var advanced []*Handoff
	for _, h := range c.handoffs {
		if h.ProducerTask == producerTask && h.Status == HandoffPending {
			h.Status = HandoffReady
			h.UpdatedAt = time.Now().UTC()
			c.record(TopicHandoffReady, h)
			advanced = append(advanced, h)
		}
	}

	var unblocked []string
	if c.graph != nil {
		unblocked = c.graph.NewlyUnblocked(producerTask, c.completed)
	}
	c.mu.Unlock()

	for _, h := range advanced {
		c.publish(ctx, TopicHandoffReady, h)
	}
	for _, taskID := range unblocked {
		c.publish(ctx, TopicTaskUnblocked, map[string]any{"taskId": taskID})
	}
	return advanced
}

// CompleteHandoff advances a Ready handoff to Completed. It refuses to move
// a Pending handoff straight to Completed, preserving monotonicity.
func (c *Coordinator) CompleteHandoff(ctx context.Context, id string) (*Handoff, error) {
	c.mu.Lock()
	h, ok := c.handoffs[id]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("handoff %s not found", id)
	}
	if rank[h.Status] >= rank[HandoffCompleted] {
		c.mu.Unlock()
		return h, nil
	}
	if h.Status != HandoffReady {
		c.mu.Unlock()
		return nil, fmt.Errorf("handoff %s is %s, not Ready", id, h.Status)
	}
	h.Status = HandoffCompleted
	h.UpdatedAt = time.Now().UTC()
	c.record(TopicHandoffCompleted, h)
	c.mu.Unlock()

	c.publish(ctx, TopicHandoffCompleted, h)
	return h, nil
}

// CanTaskProceed reports whether every handoff where taskID is the consumer
// is at least Ready, and (if a dependency graph is configured) that the
// graph's own dependency set is satisfied too.
func (c *Coordinator) CanTaskProceed(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, h := range c.handoffs {
		if h.ConsumerTask == taskID && rank[h.Status] < rank[HandoffReady] {
			return false
		}
	}
	if c.graph != nil {
		return c.graph.IsReady(taskID, c.completed)
	}
	return true
}

// GetBlockedTasks returns the consumer tasks assigned to agentID that cannot
// yet proceed, along with what each is blocked on.
type BlockedTask struct {
	TaskID    string
	BlockedOn []string
}

func (c *Coordinator) GetBlockedTasks(agentID string) []BlockedTask {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := map[string]bool{}
	var out []BlockedTask
	for _, h := range c.handoffs {
		if h.ConsumerAgent != agentID || seen[h.ConsumerTask] {
			continue
		}
		if rank[h.Status] >= rank[HandoffReady] {
			continue
		}
		seen[h.ConsumerTask] = true
		blockedOn := []string{h.ProducerTask}
		if c.graph != nil {
			blockedOn = c.graph.BlockedOn(h.ConsumerTask, c.completed)
		}
		out = append(out, BlockedTask{TaskID: h.ConsumerTask, BlockedOn: blockedOn})
	}
	return out
}

// EventLog returns the coordinator's event log, most recent first.
func (c *Coordinator) EventLog() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.log))
	for i, e := range c.log {
		out[len(c.log)-1-i] = e
	}
	return out
}

// record appends to the log and refreshes the handoff-count gauges; caller
// must hold c.mu.
func (c *Coordinator) record(topic string, data any) {
	c.log = append(c.log, Event{Topic: topic, Data: data, Timestamp: time.Now().UTC()})
	c.refreshGauges()
}

func (c *Coordinator) refreshGauges() {
	counts := map[HandoffStatus]int{HandoffPending: 0, HandoffReady: 0, HandoffCompleted: 0}
	for _, h := range c.handoffs {
		counts[h.Status]++
	}
	for status, n := range counts {
		metrics.HandoffsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}

func (c *Coordinator) publish(ctx context.Context, topic string, data any) {
	if c.bus == nil {
		return
	}
	if _, err := c.bus.Publish(ctx, topic, data); err != nil {
		c.logger.Error("failed to publish coordinator event", zap.String("topic", topic), zap.Error(err))
	}
}
