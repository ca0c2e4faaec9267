// Package recovery periodically scans agents for stale heartbeats and
// terminates them after a bounded number of retry attempts.
package recovery

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/conductor/internal/agent"
	"github.com/kandev/conductor/internal/bus"
	"github.com/kandev/conductor/internal/common/logger"
	"github.com/kandev/conductor/internal/metrics"
)

// TopicAgentRecovered is emitted whenever a stale agent is terminated.
const TopicAgentRecovered = "agent-recovered"

// Config tunes the scan cadence and the failure threshold.
type Config struct {
	ScanInterval     time.Duration
	HeartbeatTimeout time.Duration
	MaxRetryAttempts int
}

// DefaultConfig returns the recommended production defaults.
func DefaultConfig() Config {
	return Config{ScanInterval: 30 * time.Second, HeartbeatTimeout: 2 * time.Minute, MaxRetryAttempts: 3}
}

// Stats is a snapshot of the manager's running counters.
type Stats struct {
	TotalAttempts        int
	SuccessfulRecoveries int
	FailedRecoveries     int
}

// SuccessRate returns SuccessfulRecoveries/TotalAttempts, or 0 with none attempted.
func (s Stats) SuccessRate() float64 {
	if s.TotalAttempts == 0 {
		return 0
	}
	return float64(s.SuccessfulRecoveries) / float64(s.TotalAttempts)
}

// Manager scans for agents whose last heartbeat is older than
// HeartbeatTimeout and transitions them to Terminated, retrying a bounded
// number of times per agent before giving up on it until its next heartbeat.
type Manager struct {
	agents *agent.Repo
	bus    bus.Bus
	logger *logger.Logger
	cfg    Config

	mu       sync.Mutex
	attempts map[string]int
	stats    Stats

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Manager.
func New(agents *agent.Repo, b bus.Bus, cfg Config, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		agents:   agents,
		bus:      b,
		logger:   log.WithFields(zap.String("component", "recovery")),
		cfg:      cfg,
		attempts: make(map[string]int),
	}
}

// Start begins the periodic scan loop; idempotent.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	scanCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.loop(scanCtx)
}

// Stop halts the scan loop and waits for it to exit; idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.scan(ctx)
		}
	}
}

// scan checks Active, Waiting and Idle agents for a stale heartbeat and
// attempts to recover each one found; an agent whose heartbeat is fresh has
// its attempt counter cleared. The three status lists are fetched
// and walked concurrently since they're independent reads; recover() itself
// serializes its own bookkeeping under m.mu.
func (m *Manager) scan(ctx context.Context) {
	g, gCtx := errgroup.WithContext(ctx)
	for _, status := range []agent.Status{agent.StatusActive, agent.StatusWaiting, agent.StatusIdle} {
		status := status
		g.Go(func() error {
			agents, err := m.agents.ListByStatus(gCtx, status)
			if err != nil {
				m.logger.Error("recovery scan list failed", zap.String("status", string(status)), zap.Error(err))
				return nil
			}
			now := time.Now().UTC()
			for _, a := range agents {
				if now.Sub(a.LastActivityAt) <= m.cfg.HeartbeatTimeout {
					m.ResetAttempts(a.ID)
					continue
				}
				m.recover(gCtx, a)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) recover(ctx context.Context, a *agent.Agent) {
	m.mu.Lock()
	m.attempts[a.ID]++
	attempt := m.attempts[a.ID]
	m.stats.TotalAttempts++
	m.mu.Unlock()

	if attempt > m.cfg.MaxRetryAttempts {
		m.logger.Warn("max recovery attempts exceeded", zap.String("agentId", a.ID), zap.Int("attempt", attempt))
		m.mu.Lock()
		m.stats.FailedRecoveries++
		m.mu.Unlock()
		return
	}

	metadata := map[string]any{"reason": "Heartbeat timeout", "attempt": attempt}
	err := m.agents.Transition(ctx, a.ID, agent.StatusTerminated, agent.TriggerRecovery, metadata)
	if err != nil {
		m.logger.Error("recovery transition failed", zap.String("agentId", a.ID), zap.Error(err))
		m.mu.Lock()
		m.stats.FailedRecoveries++
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	m.stats.SuccessfulRecoveries++
	delete(m.attempts, a.ID)
	m.mu.Unlock()

	metrics.RecoveredAgents.Inc()
	if _, err := m.bus.Publish(ctx, TopicAgentRecovered, map[string]any{"agentId": a.ID, "attempt": attempt}); err != nil {
		m.logger.Error("failed to publish recovery event", zap.Error(err))
	}
}

// AttemptsFor returns how many consecutive recovery attempts have been made
// for agentID since its last fresh heartbeat or successful recovery.
func (m *Manager) AttemptsFor(agentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[agentID]
}

// ResetAttempts clears the attempt counter for agentID, used when a fresh
// heartbeat is observed.
func (m *Manager) ResetAttempts(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attempts, agentID)
}

// Stats returns a snapshot of the manager's running counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
