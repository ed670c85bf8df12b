// Package orchestrator owns the work queue, the dispatcher and the phase
// state machine that drives agents through a task pipeline.
package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mnemosyne-dev/mnemosyne/internal/types"
)

// Phase is a pipeline stage. Phases only ever advance.
type Phase string

const (
	PhasePromptToSpec   Phase = "prompt_to_spec"
	PhaseSpecToFullSpec Phase = "spec_to_full_spec"
	PhaseFullSpecToPlan Phase = "full_spec_to_plan"
	PhasePlanToArtifact Phase = "plan_to_artifacts"
)

// phaseOrder maps each phase to its rank for the monotonicity check.
var phaseOrder = map[Phase]int{
	PhasePromptToSpec:   0,
	PhaseSpecToFullSpec: 1,
	PhaseFullSpecToPlan: 2,
	PhasePlanToArtifact: 3,
}

// Next returns the following phase and false when p is terminal.
func (p Phase) Next() (Phase, bool) {
	switch p {
	case PhasePromptToSpec:
		return PhaseSpecToFullSpec, true
	case PhaseSpecToFullSpec:
		return PhaseFullSpecToPlan, true
	case PhaseFullSpecToPlan:
		return PhasePlanToArtifact, true
	default:
		return p, false
	}
}

// Status is a work item's queue state.
type Status string

const (
	StatusPending  Status = "pending" // blocked on dependencies
	StatusReady    Status = "ready"
	StatusInFlight Status = "in_flight"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
)

const defaultMaxAttempts = 3

// WorkItem is one schedulable unit of agent work.
type WorkItem struct {
	ID          types.ID   `json:"id"`
	Phase       Phase      `json:"phase"`
	Role        string     `json:"role"` // optimizer | reviewer | executor
	TaskType    string     `json:"task_type"`
	Description string     `json:"description"`
	Priority    int        `json:"priority"`
	Status      Status     `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	DependsOn   []types.ID `json:"depends_on,omitempty"`
	ReworkOf    types.ID   `json:"rework_of,omitempty"`
	Feedback    string     `json:"feedback,omitempty"`
	Result      string     `json:"result,omitempty"`
	FailReason  string     `json:"fail_reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ItemStore persists work items in the shared database so a crash never
// loses queued work.
type ItemStore struct {
	db *sql.DB
}

func NewItemStore(db *sql.DB) (*ItemStore, error) {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS work_items (
			id TEXT PRIMARY KEY,
			phase TEXT NOT NULL,
			role TEXT NOT NULL,
			task_type TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'ready',
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			depends_on TEXT NOT NULL DEFAULT '[]',
			rework_of TEXT NOT NULL DEFAULT '',
			feedback TEXT NOT NULL DEFAULT '',
			result TEXT NOT NULL DEFAULT '',
			fail_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_work_items_status ON work_items(status, priority DESC, created_at ASC)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return nil, types.WrapError(types.STORAGE_OPEN_FAILED, "failed to create work_items schema", err)
		}
	}
	return &ItemStore{db: db}, nil
}

// Recover moves InFlight items from a previous process back to Ready with
// an extra attempt charged, so a crash mid-dispatch is not a lost item.
func (s *ItemStore) Recover(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE work_items SET status = ?, attempts = attempts + 1, started_at = NULL
		 WHERE status = ?`, StatusReady, StatusInFlight)
	if err != nil {
		return 0, types.WrapError(types.STORAGE_WRITE_FAILED, "crash recovery failed", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *ItemStore) Insert(ctx context.Context, item *WorkItem) error {
	if item.ID.IsZero() {
		item.ID = types.NewID()
	}
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = defaultMaxAttempts
	}
	if item.Status == "" {
		if len(item.DependsOn) > 0 {
			item.Status = StatusPending
		} else {
			item.Status = StatusReady
		}
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	deps, _ := json.Marshal(item.DependsOn)
	_, err := s.db.ExecContext(ctx, `INSERT INTO work_items
		(id, phase, role, task_type, description, priority, status, attempts,
		 max_attempts, depends_on, rework_of, feedback, result, fail_reason,
		 created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID.String(), string(item.Phase), item.Role, item.TaskType, item.Description,
		item.Priority, string(item.Status), item.Attempts, item.MaxAttempts,
		string(deps), item.ReworkOf.String(), item.Feedback, item.Result, item.FailReason,
		item.CreatedAt, item.StartedAt, item.CompletedAt)
	if err != nil {
		return types.WrapError(types.STORAGE_WRITE_FAILED, "failed to insert work item", err)
	}
	return nil
}

func (s *ItemStore) Update(ctx context.Context, item *WorkItem) error {
	deps, _ := json.Marshal(item.DependsOn)
	res, err := s.db.ExecContext(ctx, `UPDATE work_items SET
		phase = ?, role = ?, task_type = ?, description = ?, priority = ?,
		status = ?, attempts = ?, max_attempts = ?, depends_on = ?, rework_of = ?,
		feedback = ?, result = ?, fail_reason = ?, started_at = ?, completed_at = ?
		WHERE id = ?`,
		string(item.Phase), item.Role, item.TaskType, item.Description, item.Priority,
		string(item.Status), item.Attempts, item.MaxAttempts, string(deps), item.ReworkOf.String(),
		item.Feedback, item.Result, item.FailReason, item.StartedAt, item.CompletedAt,
		item.ID.String())
	if err != nil {
		return types.WrapError(types.STORAGE_WRITE_FAILED, "failed to update work item", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NewError(types.NOT_FOUND, fmt.Sprintf("work item %s not found", item.ID))
	}
	return nil
}

func (s *ItemStore) Get(ctx context.Context, id types.ID) (*WorkItem, error) {
	row := s.db.QueryRowContext(ctx, selectItem+` WHERE id = ?`, id.String())
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, types.NewError(types.NOT_FOUND, fmt.Sprintf("work item %s not found", id))
	}
	if err != nil {
		return nil, types.WrapError(types.STORAGE_QUERY_FAILED, "failed to load work item", err)
	}
	return item, nil
}

// ListByStatus returns items in queue order: priority descending, then
// oldest first.
func (s *ItemStore) ListByStatus(ctx context.Context, statuses ...Status) ([]*WorkItem, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := selectItem + ` WHERE status IN (`
	args := make([]any, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			query += ","
		}
		query += "?"
		args[i] = string(st)
	}
	query += `) ORDER BY priority DESC, created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, types.WrapError(types.STORAGE_QUERY_FAILED, "failed to list work items", err)
	}
	defer rows.Close()

	var items []*WorkItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

const selectItem = `SELECT id, phase, role, task_type, description, priority, status,
	attempts, max_attempts, depends_on, rework_of, feedback, result, fail_reason,
	created_at, started_at, completed_at
	FROM work_items`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(scanner rowScanner) (*WorkItem, error) {
	var item WorkItem
	var deps, reworkOf string
	var started, completed sql.NullTime
	err := scanner.Scan(&item.ID, &item.Phase, &item.Role, &item.TaskType, &item.Description,
		&item.Priority, &item.Status, &item.Attempts, &item.MaxAttempts,
		&deps, &reworkOf, &item.Feedback, &item.Result, &item.FailReason,
		&item.CreatedAt, &started, &completed)
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(deps), &item.DependsOn)
	item.ReworkOf = types.ID(reworkOf)
	if started.Valid {
		t := started.Time
		item.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		item.CompletedAt = &t
	}
	return &item, nil
}
