// Package agent implements the agent lifecycle state machine and its
// append-only transition log, backed by the store.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kandev/conductor/internal/common/apperr"
	"github.com/kandev/conductor/internal/metrics"
	"github.com/kandev/conductor/internal/store"
)

// Status is an agent's lifecycle state.
type Status string

const (
	StatusSpawning   Status = "Spawning"
	StatusActive     Status = "Active"
	StatusWaiting    Status = "Waiting"
	StatusIdle       Status = "Idle"
	StatusTerminated Status = "Terminated"
)

// Trigger explains why a transition happened.
type Trigger string

const (
	TriggerUserAction Trigger = "UserAction"
	TriggerAutomatic  Trigger = "Automatic"
	TriggerTimeout    Trigger = "Timeout"
	TriggerError      Trigger = "Error"
	TriggerDependency Trigger = "Dependency"
	TriggerRecovery   Trigger = "Recovery"
)

// allowedTransitions encodes the agent lifecycle's legal transition table.
var allowedTransitions = map[Status]map[Status]bool{
	StatusSpawning: {StatusActive: true, StatusTerminated: true},
	StatusActive:   {StatusWaiting: true, StatusIdle: true, StatusTerminated: true},
	StatusWaiting:  {StatusActive: true, StatusTerminated: true},
	StatusIdle:     {StatusActive: true, StatusTerminated: true},
	StatusTerminated: {},
}

// Agent is a row in the agents table.
type Agent struct {
	ID             string
	Type           string
	Domain         string
	Status         Status
	CurrentTask    *string
	LastActivityAt time.Time
	CreatedAt      time.Time
}

// Transition is one row in the append-only state_transitions log.
type Transition struct {
	ID         int64
	EntityType string
	EntityID   string
	FromStatus *Status
	ToStatus   Status
	Trigger    Trigger
	Metadata   map[string]any
	Timestamp  time.Time
}

const entityTypeAgent = "agent"

// Repo provides agent CRUD and transition bookkeeping over a Store.
type Repo struct {
	store store.Store
}

// New creates a Repo over s.
func New(s store.Store) *Repo { return &Repo{store: s} }

// CanTransition reports whether from->to is a legal state transition.
func CanTransition(from, to Status) bool {
	return allowedTransitions[from][to]
}

// Create inserts a new agent row in Spawning and records the initial
// (null -> Spawning) transition in the same transaction.
func (r *Repo) Create(ctx context.Context, id, agentType, domain string) (*Agent, error) {
	now := time.Now().UTC()
	a := &Agent{ID: id, Type: agentType, Domain: domain, Status: StatusSpawning, LastActivityAt: now, CreatedAt: now}

	err := r.store.Transaction(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO agents (id, type, domain, status, current_task, last_activity_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.Type, nullableString(a.Domain), a.Status, nil, a.LastActivityAt, a.CreatedAt,
		)
		if err != nil {
			return apperr.New(apperr.KindTransient, "agent", "create", err)
		}
		return insertTransition(tx, entityTypeAgent, id, nil, StatusSpawning, TriggerAutomatic, nil, now)
	})
	if err != nil {
		return nil, err
	}
	metrics.AgentsByStatus.WithLabelValues(string(StatusSpawning)).Inc()
	return a, nil
}

// Transition moves agent id from its current status to `to`, recording an
// append-only transition row inside the same store transaction. An invalid
// transition fails with an invariant error before either write is attempted.
func (r *Repo) Transition(ctx context.Context, id string, to Status, trigger Trigger, metadata map[string]any) error {
	var from Status
	err := r.store.Transaction(ctx, func(tx *sqlx.Tx) error {
		var current Status
		if err := tx.Get(&current, `SELECT status FROM agents WHERE id = ?`, id); err != nil {
			return apperr.New(apperr.KindValidation, "agent", "transition", fmt.Errorf("agent %s not found: %w", id, err))
		}

		if !CanTransition(current, to) {
			return apperr.New(apperr.KindInvariant, "agent", "transition",
				fmt.Errorf("illegal transition %s -> %s for agent %s", current, to, id))
		}

		now := time.Now().UTC()
		if _, err := tx.Exec(`UPDATE agents SET status = ?, last_activity_at = ? WHERE id = ?`,
			to, now, id); err != nil {
			return apperr.New(apperr.KindTransient, "agent", "transition", err)
		}

		from = current
		return insertTransition(tx, entityTypeAgent, id, &from, to, trigger, metadata, now)
	})
	if err != nil {
		return err
	}
	metrics.AgentsByStatus.WithLabelValues(string(from)).Dec()
	metrics.AgentsByStatus.WithLabelValues(string(to)).Inc()
	return nil
}

// SetCurrentTask updates the agent's currentTask without a status change.
func (r *Repo) SetCurrentTask(ctx context.Context, id, taskID string) error {
	return r.store.Transaction(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.Exec(`UPDATE agents SET current_task = ?, last_activity_at = ? WHERE id = ?`, taskID, time.Now().UTC(), id)
		return err
	})
}

// UpdateHeartbeat sets lastActivityAt without recording a transition.
func (r *Repo) UpdateHeartbeat(ctx context.Context, id string) error {
	return r.store.Transaction(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`UPDATE agents SET last_activity_at = ? WHERE id = ?`, time.Now().UTC(), id)
		if err != nil {
			return apperr.New(apperr.KindTransient, "agent", "heartbeat", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return apperr.New(apperr.KindValidation, "agent", "heartbeat", fmt.Errorf("agent %s not found", id))
		}
		return nil
	})
}

// Get loads one agent by id.
func (r *Repo) Get(ctx context.Context, id string) (*Agent, error) {
	var row agentRow
	if err := r.store.Reader().GetContext(ctx, &row, `SELECT * FROM agents WHERE id = ?`, id); err != nil {
		return nil, apperr.New(apperr.KindValidation, "agent", "get", fmt.Errorf("agent %s not found: %w", id, err))
	}
	return row.toAgent(), nil
}

// ListByStatus returns every agent with the given status.
func (r *Repo) ListByStatus(ctx context.Context, status Status) ([]*Agent, error) {
	var rows []agentRow
	if err := r.store.Reader().SelectContext(ctx, &rows, `SELECT * FROM agents WHERE status = ?`, status); err != nil {
		return nil, apperr.New(apperr.KindTransient, "agent", "list", err)
	}
	out := make([]*Agent, len(rows))
	for i := range rows {
		out[i] = rows[i].toAgent()
	}
	return out, nil
}

// Transitions returns the append-only transition log for id, oldest first.
func (r *Repo) Transitions(ctx context.Context, id string) ([]Transition, error) {
	var rows []transitionRow
	err := r.store.Reader().SelectContext(ctx, &rows,
		`SELECT * FROM state_transitions WHERE entity_type = ? AND entity_id = ? ORDER BY timestamp ASC`, entityTypeAgent, id)
	if err != nil {
		return nil, apperr.New(apperr.KindTransient, "agent", "transitions", err)
	}
	out := make([]Transition, len(rows))
	for i, row := range rows {
		out[i] = row.toTransition()
	}
	return out, nil
}

type agentRow struct {
	ID             string    `db:"id"`
	Type           string    `db:"type"`
	Domain         *string   `db:"domain"`
	Status         string    `db:"status"`
	CurrentTask    *string   `db:"current_task"`
	LastActivityAt time.Time `db:"last_activity_at"`
	CreatedAt      time.Time `db:"created_at"`
}

func (row agentRow) toAgent() *Agent {
	domain := ""
	if row.Domain != nil {
		domain = *row.Domain
	}
	return &Agent{
		ID: row.ID, Type: row.Type, Domain: domain, Status: Status(row.Status),
		CurrentTask: row.CurrentTask, LastActivityAt: row.LastActivityAt, CreatedAt: row.CreatedAt,
	}
}

type transitionRow struct {
	ID         int64     `db:"id"`
	EntityType string    `db:"entity_type"`
	EntityID   string    `db:"entity_id"`
	FromStatus *string   `db:"from_status"`
	ToStatus   string    `db:"to_status"`
	Trigger    string    `db:"trigger"`
	Metadata   *string   `db:"metadata"`
	Timestamp  time.Time `db:"timestamp"`
}

func (row transitionRow) toTransition() Transition {
	t := Transition{
		ID: row.ID, EntityType: row.EntityType, EntityID: row.EntityID,
		ToStatus: Status(row.ToStatus), Trigger: Trigger(row.Trigger), Timestamp: row.Timestamp,
	}
	if row.FromStatus != nil {
		s := Status(*row.FromStatus)
		t.FromStatus = &s
	}
	if row.Metadata != nil {
		_ = json.Unmarshal([]byte(*row.Metadata), &t.Metadata)
	}
	return t
}

func insertTransition(tx *sqlx.Tx, entityType, entityID string, from *Status, to Status, trigger Trigger, metadata map[string]any, ts time.Time) error {
	var metaJSON any
	if metadata != nil {
		b, err := json.Marshal(metadata)
		if err != nil {
			return apperr.New(apperr.KindInvariant, "agent", "marshal-metadata", err)
		}
		metaJSON = string(b)
	}
	var fromVal any
	if from != nil {
		fromVal = string(*from)
	}
	_, err := tx.Exec(
		`INSERT INTO state_transitions (entity_type, entity_id, from_status, to_status, trigger, metadata, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entityType, entityID, fromVal, to, trigger, metaJSON, ts,
	)
	if err != nil {
		return apperr.New(apperr.KindTransient, "agent", "insert-transition", err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
