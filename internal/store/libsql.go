package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/procflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/procflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflows ---

// CreateWorkflow stores a new version of the named workflow. Version and ID
// are assigned here when empty; the stored definition carries the version.
func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if wf.Version == 0 {
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0) + 1 FROM workflows WHERE name = ?`, wf.Name,
		).Scan(&wf.Version); err != nil {
			return fmt.Errorf("next workflow version: %w", err)
		}
	}
	wf.Definition.Name = wf.Name
	wf.Definition.Version = wf.Version
	wf.CreatedAt = timeOrNow(wf.CreatedAt)

	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workflows (id, name, version, definition, created_at) VALUES (?, ?, ?, ?, ?)`,
		wf.ID, wf.Name, wf.Version, string(def), wf.CreatedAt,
	); err != nil {
		if isConstraint(err) {
			return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q version %d already exists", wf.Name, wf.Version).WithCause(err)
		}
		return fmt.Errorf("insert workflow: %w", err)
	}
	return tx.Commit()
}

const workflowColumns = `id, name, version, definition, created_at`

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

// GetWorkflowByName returns the given version of a workflow, or the latest
// one when version is zero.
func (s *LibSQLStore) GetWorkflowByName(ctx context.Context, name string, version int) (*Workflow, error) {
	var row *sql.Row
	if version > 0 {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+workflowColumns+` FROM workflows WHERE name = ? AND version = ?`, name, version)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+workflowColumns+` FROM workflows WHERE name = ? ORDER BY version DESC LIMIT 1`, name)
	}
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("workflow", fmt.Sprintf("%s@%d", name, version))
	}
	return wf, err
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows`
	var args []any
	if filter.Name != "" {
		query += " WHERE name = ?"
		args = append(args, filter.Name)
	}
	query += " ORDER BY name ASC, version DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row scanner) (*Workflow, error) {
	wf := &Workflow{}
	var def string
	if err := row.Scan(&wf.ID, &wf.Name, &wf.Version, &def, &wf.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(def), &wf.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return wf, nil
}

// --- Executions ---

// Commit persists one transition: the instance snapshot, touched approval
// requests and AI tasks, and the transitions appended to the event log.
// Saving an existing instance requires Instance.Revision to be exactly one
// above the stored revision; otherwise a CONFLICT error is returned and
// nothing is written.
func (s *LibSQLStore) Commit(ctx context.Context, m *Mutation) error {
	if m == nil || m.Instance == nil {
		return schema.NewError(schema.ErrCodeStore, "mutation has no instance")
	}
	inst := m.Instance
	snapshot, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal instance: %w", err)
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	finished := inst.CompletedAt
	if finished == nil {
		finished = inst.CancelledAt
	}

	if m.New {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO executions (id, workflow_id, workflow_version, status, priority, snapshot, revision, created_at, updated_at, completed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			inst.ID, inst.WorkflowID, inst.WorkflowVersion, string(inst.Status), inst.Priority,
			string(snapshot), inst.Revision, timeOrNow(inst.CreatedAt), now, nullTime(finished),
		); err != nil {
			if isConstraint(err) {
				return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", inst.ID).WithCause(err)
			}
			return fmt.Errorf("insert execution: %w", err)
		}
	} else {
		res, err := tx.ExecContext(ctx,
			`UPDATE executions SET status = ?, priority = ?, snapshot = ?, revision = ?, updated_at = ?, completed_at = ?
			 WHERE id = ? AND revision = ?`,
			string(inst.Status), inst.Priority, string(snapshot), inst.Revision, now, nullTime(finished),
			inst.ID, inst.Revision-1,
		)
		if err != nil {
			return fmt.Errorf("update execution: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return s.revisionConflict(ctx, tx, inst)
		}
	}

	for _, req := range m.Approvals {
		if err := upsertApproval(ctx, tx, req); err != nil {
			return err
		}
	}
	for _, task := range m.AITasks {
		if err := upsertAITask(ctx, tx, task, now); err != nil {
			return err
		}
	}
	if err := appendTransitions(ctx, tx, inst, m.Transitions, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit execution %s: %w", inst.ID, err)
	}
	return nil
}

func (s *LibSQLStore) revisionConflict(ctx context.Context, tx *sql.Tx, inst *schema.ExecutionInstance) error {
	var stored int64
	err := tx.QueryRowContext(ctx, `SELECT revision FROM executions WHERE id = ?`, inst.ID).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return storeNotFound("execution", inst.ID)
	}
	if err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeConflict,
		"execution %q revision %d does not follow stored revision %d", inst.ID, inst.Revision, stored).
		WithDetails(map[string]any{"stored_revision": stored, "revision": inst.Revision})
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*schema.ExecutionInstance, error) {
	var snapshot string
	var revision int64
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot, revision FROM executions WHERE id = ?`, id,
	).Scan(&snapshot, &revision)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	return decodeInstance(snapshot, revision)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.ExecutionInstance, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := "SELECT snapshot, revision FROM executions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY priority DESC, created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.ExecutionInstance
	for rows.Next() {
		var snapshot string
		var revision int64
		if err := rows.Scan(&snapshot, &revision); err != nil {
			return nil, err
		}
		inst, err := decodeInstance(snapshot, revision)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func decodeInstance(snapshot string, revision int64) (*schema.ExecutionInstance, error) {
	inst := &schema.ExecutionInstance{}
	if err := json.Unmarshal([]byte(snapshot), inst); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	inst.Revision = revision
	if inst.StepStates == nil {
		inst.StepStates = map[string]*schema.StepState{}
	}
	if inst.Joins == nil {
		inst.Joins = map[string]*schema.JoinState{}
	}
	if inst.LoopCounters == nil {
		inst.LoopCounters = map[string]int{}
	}
	if inst.Variables == nil {
		inst.Variables = map[string]any{}
	}
	return inst, nil
}

// --- Approvals ---

func upsertApproval(ctx context.Context, tx *sql.Tx, req *schema.ApprovalRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal approval: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO approvals (id, execution_id, node_id, status, payload, expires_at, created_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status=excluded.status, payload=excluded.payload, expires_at=excluded.expires_at,
		   resolved_at=excluded.resolved_at`,
		req.ID, req.ExecutionID, req.NodeID, string(req.Status), string(payload),
		nullTime(req.ExpiresAt), timeOrNow(req.CreatedAt), nullTime(req.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert approval %s: %w", req.ID, err)
	}
	return nil
}

func (s *LibSQLStore) GetApproval(ctx context.Context, id string) (*schema.ApprovalRequest, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM approvals WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("approval request", id)
	}
	if err != nil {
		return nil, err
	}
	req := &schema.ApprovalRequest{}
	if err := json.Unmarshal([]byte(payload), req); err != nil {
		return nil, fmt.Errorf("unmarshal approval: %w", err)
	}
	return req, nil
}

// ListApprovals returns requests ordered by creation. ApproverID matches any
// request that lists the approver.
func (s *LibSQLStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*schema.ApprovalRequest, error) {
	var where []string
	var args []any

	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := "SELECT payload FROM approvals"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.ApprovalRequest
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		req := &schema.ApprovalRequest{}
		if err := json.Unmarshal([]byte(payload), req); err != nil {
			return nil, fmt.Errorf("unmarshal approval: %w", err)
		}
		if filter.ApproverID != "" && !req.HasApprover(filter.ApproverID) {
			continue
		}
		out = append(out, req)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, rows.Err()
}

// --- AI tasks ---

func upsertAITask(ctx context.Context, tx *sql.Tx, task *schema.AIAgentTask, now time.Time) error {
	task.UpdatedAt = now
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal ai task: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO ai_tasks (id, execution_id, node_id, status, payload, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, payload=excluded.payload, updated_at=excluded.updated_at`,
		task.ID, task.ExecutionID, task.NodeID, string(task.Status), string(payload), task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert ai task %s: %w", task.ID, err)
	}
	return nil
}

func (s *LibSQLStore) GetAITask(ctx context.Context, id string) (*schema.AIAgentTask, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM ai_tasks WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("ai task", id)
	}
	if err != nil {
		return nil, err
	}
	task := &schema.AIAgentTask{}
	if err := json.Unmarshal([]byte(payload), task); err != nil {
		return nil, fmt.Errorf("unmarshal ai task: %w", err)
	}
	return task, nil
}

func (s *LibSQLStore) ListAITasks(ctx context.Context, executionID string) ([]*schema.AIAgentTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM ai_tasks WHERE execution_id = ? ORDER BY created_at ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.AIAgentTask
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		task := &schema.AIAgentTask{}
		if err := json.Unmarshal([]byte(payload), task); err != nil {
			return nil, fmt.Errorf("unmarshal ai task: %w", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// --- Transitions ---

// appendTransitions assigns each transition the next per-execution sequence
// number and inserts it. It runs inside Commit's transaction, which holds the
// only connection, so sequence reads and writes cannot interleave.
func appendTransitions(ctx context.Context, tx *sql.Tx, inst *schema.ExecutionInstance, ts []*schema.Transition, now time.Time) error {
	if len(ts) == 0 {
		return nil
	}
	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM transitions WHERE execution_id = ?`, inst.ID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}

	for _, t := range ts {
		seq++
		t.Sequence = seq
		if t.ExecutionID == "" {
			t.ExecutionID = inst.ID
		}
		if t.WorkflowID == "" {
			t.WorkflowID = inst.WorkflowID
		}
		if t.Timestamp.IsZero() {
			t.Timestamp = now
		}
		data, err := marshalData(t.Data)
		if err != nil {
			return fmt.Errorf("marshal transition data: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO transitions (execution_id, workflow_id, node_id, type, data, timestamp, sequence)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			t.ExecutionID, t.WorkflowID, nullStr(t.NodeID), t.Type, data, t.Timestamp, t.Sequence,
		); err != nil {
			return fmt.Errorf("insert transition: %w", err)
		}
	}
	return nil
}

const transitionColumns = `execution_id, workflow_id, node_id, type, data, timestamp, sequence`

// GetTransitions returns transitions of an execution with sequence > since,
// ordered by sequence ASC.
func (s *LibSQLStore) GetTransitions(ctx context.Context, executionID string, since int64) ([]*schema.Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transitionColumns+` FROM transitions WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransitions(rows)
}

func (s *LibSQLStore) ListTransitions(ctx context.Context, filter TransitionFilter) ([]*schema.Transition, error) {
	var where []string
	var args []any

	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.NodeID != "" {
		where = append(where, "node_id = ?")
		args = append(args, filter.NodeID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + transitionColumns + ` FROM transitions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp ASC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransitions(rows)
}

func scanTransitions(rows *sql.Rows) ([]*schema.Transition, error) {
	var out []*schema.Transition
	for rows.Next() {
		t := &schema.Transition{}
		var nodeID, data sql.NullString
		if err := rows.Scan(&t.ExecutionID, &t.WorkflowID, &nodeID, &t.Type, &data, &t.Timestamp, &t.Sequence); err != nil {
			return nil, err
		}
		t.NodeID = nodeID.String
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &t.Data); err != nil {
				return nil, fmt.Errorf("unmarshal transition data: %w", err)
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Timers ---

func (s *LibSQLStore) UpsertTimer(ctx context.Context, t *Timer) error {
	event, err := json.Marshal(t.Event)
	if err != nil {
		return fmt.Errorf("marshal timer event: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO timers (key, execution_id, fire_at, event) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET execution_id=excluded.execution_id, fire_at=excluded.fire_at, event=excluded.event`,
		t.Key, t.ExecutionID, t.FireAt.UTC(), string(event),
	)
	return err
}

func (s *LibSQLStore) DeleteTimer(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM timers WHERE key = ?`, key)
	return err
}

func (s *LibSQLStore) DeleteExecutionTimers(ctx context.Context, executionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM timers WHERE execution_id = ?`, executionID)
	return err
}

// ListTimers returns every pending timer ordered by fire time.
func (s *LibSQLStore) ListTimers(ctx context.Context) ([]*Timer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, execution_id, fire_at, event FROM timers ORDER BY fire_at ASC, key ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Timer
	for rows.Next() {
		t := &Timer{}
		var event string
		if err := rows.Scan(&t.Key, &t.ExecutionID, &t.FireAt, &event); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(event), &t.Event); err != nil {
			return nil, fmt.Errorf("unmarshal timer event: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Triggers ---

const triggerColumns = `id, workflow_id, cron_expression, variables, enabled, last_run_at, next_run_at, last_run_status, last_execution_id, created_at`

func (s *LibSQLStore) CreateTrigger(ctx context.Context, tr *Trigger) error {
	vars, err := marshalData(tr.Variables)
	if err != nil {
		return fmt.Errorf("marshal trigger variables: %w", err)
	}
	tr.CreatedAt = timeOrNow(tr.CreatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO triggers (`+triggerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.WorkflowID, tr.CronExpression, vars, boolInt(tr.Enabled),
		nullTime(tr.LastRunAt), nullTime(tr.NextRunAt), nullStr(tr.LastRunStatus), nullStr(tr.LastExecutionID),
		tr.CreatedAt,
	)
	return err
}

func (s *LibSQLStore) GetTrigger(ctx context.Context, id string) (*Trigger, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE id = ?`, id)
	tr, err := scanTrigger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("trigger", id)
	}
	return tr, err
}

func (s *LibSQLStore) UpdateTrigger(ctx context.Context, id string, update TriggerUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if update.LastExecutionID != "" {
		sets = append(sets, "last_execution_id = ?")
		args = append(args, update.LastExecutionID)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE triggers SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "trigger", id)
}

func (s *LibSQLStore) ListTriggers(ctx context.Context, filter TriggerFilter) ([]*Trigger, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}

	query := `SELECT ` + triggerColumns + ` FROM triggers`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Trigger
	for rows.Next() {
		tr, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteTrigger(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM triggers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "trigger", id)
}

func scanTrigger(row scanner) (*Trigger, error) {
	tr := &Trigger{}
	var (
		vars, status, lastExec sql.NullString
		lastRun, nextRun       sql.NullTime
	)
	if err := row.Scan(&tr.ID, &tr.WorkflowID, &tr.CronExpression, &vars, &tr.Enabled,
		&lastRun, &nextRun, &status, &lastExec, &tr.CreatedAt); err != nil {
		return nil, err
	}
	if vars.Valid && vars.String != "" {
		if err := json.Unmarshal([]byte(vars.String), &tr.Variables); err != nil {
			return nil, fmt.Errorf("unmarshal trigger variables: %w", err)
		}
	}
	tr.LastRunStatus = status.String
	tr.LastExecutionID = lastExec.String
	if lastRun.Valid {
		tr.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		tr.NextRunAt = &nextRun.Time
	}
	return tr, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

// isConstraint reports whether err is a SQLite uniqueness or key violation.
func isConstraint(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "constraint")
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalData(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

var _ Store = (*LibSQLStore)(nil)
