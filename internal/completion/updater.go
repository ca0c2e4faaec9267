package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/kandev/conductor/internal/agent"
	"github.com/kandev/conductor/internal/bus"
	"github.com/kandev/conductor/internal/common/apperr"
	"github.com/kandev/conductor/internal/common/logger"
	"github.com/kandev/conductor/internal/store"
)

// Bus topics emitted after a completion commit, fire-and-forget: a failed
// handler never rolls back the commit.
const (
	TopicTaskCompletedDB       = "task_completed_db"
	TopicAgentStateUpdated     = "agent_state_updated"
	TopicStateTransitionRecorded = "state_transition_recorded"
)

// CompletionData is the input to UpdateTaskCompletion.
type CompletionData struct {
	TaskID       string
	AgentID      string
	Status       string
	CompletedAt  *time.Time
	Deliverables []string
	TestResults  *TestResults
	QualityGates *QualityGates
}

// Updater commits a detected task completion in a single store transaction
// and fires the three bookkeeping events afterward.
type Updater struct {
	store  store.Store
	agents *agent.Repo
	bus    bus.Bus
	logger *logger.Logger
}

// NewUpdater creates an Updater.
func NewUpdater(s store.Store, agents *agent.Repo, b bus.Bus, log *logger.Logger) *Updater {
	if log == nil {
		log = logger.Default()
	}
	return &Updater{store: s, agents: agents, bus: b, logger: log.WithFields(zap.String("component", "completion.updater"))}
}

// UpdateTaskCompletion performs the upsert + agent transition + transition
// log append as one transaction, then fires the three events.
func (u *Updater) UpdateTaskCompletion(ctx context.Context, data CompletionData) error {
	var oldStatus agent.Status

	err := u.store.Transaction(ctx, func(tx *sqlx.Tx) error {
		var currentStatus string
		if err := tx.Get(&currentStatus, `SELECT status FROM agents WHERE id = ?`, data.AgentID); err != nil {
			return apperr.New(apperr.KindValidation, "completion", "update", fmt.Errorf("agent %s not found: %w", data.AgentID, err))
		}
		oldStatus = agent.Status(currentStatus)

		if !agent.CanTransition(oldStatus, agent.StatusWaiting) {
			return apperr.New(apperr.KindInvariant, "completion", "update",
				fmt.Errorf("illegal transition %s -> Waiting for agent %s", oldStatus, data.AgentID))
		}

		deliverablesJSON, err := json.Marshal(data.Deliverables)
		if err != nil {
			return apperr.New(apperr.KindInvariant, "completion", "marshal-deliverables", err)
		}
		var testResultsJSON, qualityGatesJSON any
		if data.TestResults != nil {
			b, err := json.Marshal(data.TestResults)
			if err != nil {
				return apperr.New(apperr.KindInvariant, "completion", "marshal-test-results", err)
			}
			testResultsJSON = string(b)
		}
		if data.QualityGates != nil {
			b, err := json.Marshal(data.QualityGates)
			if err != nil {
				return apperr.New(apperr.KindInvariant, "completion", "marshal-quality-gates", err)
			}
			qualityGatesJSON = string(b)
		}

		_, err = tx.Exec(`
			INSERT INTO task_completions (task_id, agent_id, status, completed_at, deliverables, test_results, quality_gates)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(task_id) DO UPDATE SET
				agent_id = excluded.agent_id, status = excluded.status, completed_at = excluded.completed_at,
				deliverables = excluded.deliverables, test_results = excluded.test_results, quality_gates = excluded.quality_gates`,
			data.TaskID, data.AgentID, data.Status, data.CompletedAt, string(deliverablesJSON), testResultsJSON, qualityGatesJSON,
		)
		if err != nil {
			return apperr.New(apperr.KindTransient, "completion", "upsert", err)
		}

		now := time.Now().UTC()
		if _, err := tx.Exec(`UPDATE agents SET status = ?, current_task = NULL, last_activity_at = ? WHERE id = ?`,
			agent.StatusWaiting, now, data.AgentID); err != nil {
			return apperr.New(apperr.KindTransient, "completion", "update-agent", err)
		}

		metadata, err := json.Marshal(map[string]any{"reason": "Task completion", "taskId": data.TaskID})
		if err != nil {
			return apperr.New(apperr.KindInvariant, "completion", "marshal-metadata", err)
		}
		_, err = tx.Exec(
			`INSERT INTO state_transitions (entity_type, entity_id, from_status, to_status, trigger, metadata, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			"agent", data.AgentID, string(oldStatus), agent.StatusWaiting, agent.TriggerAutomatic, string(metadata), now,
		)
		if err != nil {
			return apperr.New(apperr.KindTransient, "completion", "insert-transition", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	u.fireEvents(data, oldStatus)
	return nil
}

func (u *Updater) fireEvents(data CompletionData, oldStatus agent.Status) {
	events := []struct {
		topic string
		data  any
	}{
		{TopicTaskCompletedDB, data},
		{TopicAgentStateUpdated, map[string]any{"agentId": data.AgentID, "status": agent.StatusWaiting}},
		{TopicStateTransitionRecorded, map[string]any{"agentId": data.AgentID, "from": oldStatus, "to": agent.StatusWaiting}},
	}
	for _, e := range events {
		if _, err := u.bus.Publish(context.Background(), e.topic, e.data); err != nil {
			u.logger.Error("failed to publish completion event", zap.String("topic", e.topic), zap.Error(err))
		}
	}
}
