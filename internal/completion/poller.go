package completion

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/kandev/conductor/internal/common/logger"
	"github.com/kandev/conductor/internal/common/otelx"
	"github.com/kandev/conductor/internal/memorylog"
	"github.com/kandev/conductor/internal/metrics"
)

var tracer = otelx.Tracer("conductor-completion-poller")

// PollingTier selects the poll interval for a task's declared state.
type PollingTier string

const (
	TierActive    PollingTier = "active"
	TierQueued    PollingTier = "queued"
	TierCompleted PollingTier = "completed"
)

// PollingState tracks one task's adaptive polling state.
type PollingState struct {
	TaskID                    string
	FilePath                  string
	Tier                      PollingTier
	LastStatus                *memorylog.Status
	RetryAttempt              int
	ConsecutiveUnchangedPolls int
	Paused                    bool
	LastPolledAt              time.Time
}

// Intervals configures the poll interval per tier and the retry/backoff
// schedule for read/parse failures.
type Intervals struct {
	Active     time.Duration
	Queued     time.Duration
	Completed  time.Duration
	RetryDelays []time.Duration
	MaxRetries int
}

func DefaultIntervals() Intervals {
	return Intervals{
		Active: time.Second, Queued: 5 * time.Second, Completed: 30 * time.Second,
		RetryDelays: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		MaxRetries:  3,
	}
}

func (in Intervals) forTier(t PollingTier) time.Duration {
	switch t {
	case TierQueued:
		return in.Queued
	case TierCompleted:
		return in.Completed
	default:
		return in.Active
	}
}

// Poller polls task memory-log files on a per-task timer with adaptive
// interval widening and retry backoff guarded by a circuit breaker.
type Poller struct {
	intervals Intervals
	logger    *logger.Logger
	readFile  func(string) ([]byte, error)

	onPollStarted  func(taskID string)
	onStateDetected func(taskID string, state memorylog.Status, changedFrom *memorylog.Status, ts time.Time)
	onPollError    func(taskID string, err error, retryAttempt int)

	mu     sync.Mutex
	states map[string]*PollingState
	timers map[string]*time.Timer
	cbs    map[string]*gobreaker.CircuitBreaker

	globalPaused bool
}

// NewPoller creates a Poller.
func NewPoller(intervals Intervals, log *logger.Logger) *Poller {
	if log == nil {
		log = logger.Default()
	}
	return &Poller{
		intervals: intervals,
		logger:    log.WithFields(zap.String("component", "completion.poller")),
		readFile:  os.ReadFile,
		states:    make(map[string]*PollingState),
		timers:    make(map[string]*time.Timer),
		cbs:       make(map[string]*gobreaker.CircuitBreaker),
	}
}

// OnPollStarted registers the poll_started callback.
func (p *Poller) OnPollStarted(fn func(taskID string)) { p.onPollStarted = fn }

// OnStateDetected registers the state_detected callback.
func (p *Poller) OnStateDetected(fn func(taskID string, state memorylog.Status, changedFrom *memorylog.Status, ts time.Time)) {
	p.onStateDetected = fn
}

// OnPollError registers the poll_error callback.
func (p *Poller) OnPollError(fn func(taskID string, err error, retryAttempt int)) { p.onPollError = fn }

// StartPolling begins polling filePath for taskID at the tier's interval.
func (p *Poller) StartPolling(taskID, filePath string, tier PollingTier) {
	p.mu.Lock()
	p.states[taskID] = &PollingState{TaskID: taskID, FilePath: filePath, Tier: tier}
	p.cbs[taskID] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "poller:" + taskID,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
	})
	p.mu.Unlock()

	p.scheduleNextPoll(taskID, p.intervals.forTier(tier))
}

// StopPolling cancels taskID's next-poll timer and drops its state.
func (p *Poller) StopPolling(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.timers[taskID]; ok {
		t.Stop()
		delete(p.timers, taskID)
	}
	delete(p.states, taskID)
	delete(p.cbs, taskID)
}

// Pause suspends polling for taskID; re-armed timers perform no work while paused.
func (p *Poller) Pause(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.states[taskID]; ok {
		s.Paused = true
	}
}

// Resume re-enables polling for taskID.
func (p *Poller) Resume(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.states[taskID]; ok {
		s.Paused = false
	}
}

// PauseAll / ResumeAll act globally, independent of per-task pause state.
func (p *Poller) PauseAll()  { p.mu.Lock(); p.globalPaused = true; p.mu.Unlock() }
func (p *Poller) ResumeAll() { p.mu.Lock(); p.globalPaused = false; p.mu.Unlock() }

// OnFileChanged resets consecutiveUnchangedPolls for taskID when the
// watcher reports a change on its polled path.
func (p *Poller) OnFileChanged(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.states[taskID]; ok {
		s.ConsecutiveUnchangedPolls = 0
	}
}

// State returns a copy of taskID's polling state, if tracked.
func (p *Poller) State(taskID string) (PollingState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.states[taskID]
	if !ok {
		return PollingState{}, false
	}
	return *s, true
}

func (p *Poller) scheduleNextPoll(taskID string, delay time.Duration) {
	timer := time.AfterFunc(delay, func() { p.performPoll(taskID) })
	p.mu.Lock()
	if old, ok := p.timers[taskID]; ok {
		old.Stop()
	}
	p.timers[taskID] = timer
	p.mu.Unlock()
}

func (p *Poller) performPoll(taskID string) {
	_, span := tracer.Start(context.Background(), "completion.poll_cycle")
	span.SetAttributes(attribute.String("task_id", taskID))
	defer span.End()

	p.mu.Lock()
	s, ok := p.states[taskID]
	globalPaused := p.globalPaused
	cb := p.cbs[taskID]
	p.mu.Unlock()
	if !ok {
		return
	}
	if globalPaused || s.Paused {
		p.scheduleNextPoll(taskID, p.intervals.forTier(s.Tier))
		return
	}

	if p.onPollStarted != nil {
		p.onPollStarted(taskID)
	}

	result, err := cb.Execute(func() (any, error) {
		content, err := p.readFile(s.FilePath)
		if err != nil {
			return nil, err
		}
		return memorylog.Parse(s.FilePath, content)
	})

	p.mu.Lock()

	if err != nil {
		s.RetryAttempt++
		retryAttempt := s.RetryAttempt
		delayIdx := retryAttempt - 1
		if delayIdx >= len(p.intervals.RetryDelays) {
			delayIdx = len(p.intervals.RetryDelays) - 1
		}
		delay := p.intervals.RetryDelays[delayIdx]
		if retryAttempt >= p.intervals.MaxRetries {
			s.RetryAttempt = 0
		}
		p.mu.Unlock()

		metrics.PollAttempts.WithLabelValues("error").Inc()
		if p.onPollError != nil {
			p.onPollError(taskID, err, retryAttempt)
		}
		p.scheduleNextPoll(taskID, delay)
		return
	}

	metrics.PollAttempts.WithLabelValues("ok").Inc()
	rec := result.(*memorylog.ParsedRecord)
	s.RetryAttempt = 0
	s.LastPolledAt = time.Now().UTC()

	changedFrom := s.LastStatus
	statusChanged := changedFrom == nil || *changedFrom != rec.Status
	if statusChanged {
		newStatus := rec.Status
		s.LastStatus = &newStatus
		s.ConsecutiveUnchangedPolls = 0
	} else {
		s.ConsecutiveUnchangedPolls++
	}

	if rec.Status == memorylog.StatusCompleted {
		s.Tier = TierCompleted
	}
	nextDelay := p.intervals.forTier(s.Tier)
	p.mu.Unlock()

	if statusChanged && p.onStateDetected != nil {
		p.onStateDetected(taskID, rec.Status, changedFrom, s.LastPolledAt)
	}

	p.scheduleNextPoll(taskID, nextDelay)
}
