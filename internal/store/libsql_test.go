package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/procflow/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func testDefinition() schema.GraphDefinition {
	return schema.GraphDefinition{
		Nodes: []schema.Node{
			{ID: "start", Kind: schema.NodeStart},
			{ID: "charge", Kind: schema.NodeTask, Config: schema.MustConfig(schema.TaskConfig{TaskType: "payments.charge"})},
			{ID: "end", Kind: schema.NodeEnd},
		},
		Edges: []schema.Edge{
			{ID: "e1", SourceNodeID: "start", TargetNodeID: "charge"},
			{ID: "e2", SourceNodeID: "charge", TargetNodeID: "end"},
		},
	}
}

func seedWorkflow(t *testing.T, s *LibSQLStore, name string) *Workflow {
	t.Helper()
	wf := &Workflow{ID: uuid.New().String(), Name: name, Definition: testDefinition()}
	require.NoError(t, s.CreateWorkflow(context.Background(), wf))
	return wf
}

func seedExecution(t *testing.T, s *LibSQLStore, wf *Workflow) *schema.ExecutionInstance {
	t.Helper()
	inst := schema.NewExecutionInstance(uuid.New().String(), wf.ID, wf.Version, map[string]any{"amount": 120.5}, time.Now().UTC())
	inst.Revision = 1
	require.NoError(t, s.Commit(context.Background(), &Mutation{Instance: inst, New: true}))
	return inst
}

// --- Migrations ---

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))

	var version int
	require.NoError(t, s.DB().QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version))
	assert.Equal(t, 1, version)
}

func TestLoadMigrations(t *testing.T) {
	ms, err := loadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, ms)
	assert.Equal(t, 1, ms[0].Version)
	assert.Equal(t, "initial_schema", ms[0].Name)
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- header\nCREATE TABLE a (x INT);\n-- only a comment;\n\nCREATE INDEX i ON a(x);")
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Contains(t, stmts[1], "CREATE INDEX i")
}

// --- Workflows ---

func TestCreateWorkflow_AssignsVersions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v1 := seedWorkflow(t, s, "refund")
	v2 := seedWorkflow(t, s, "refund")
	other := seedWorkflow(t, s, "onboarding")

	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, 1, other.Version)

	got, err := s.GetWorkflow(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, "refund", got.Definition.Name)
	assert.Equal(t, 1, got.Definition.Version)
	require.Len(t, got.Definition.Nodes, 3)
	cfg, err := schema.DecodeConfig[schema.TaskConfig](got.Definition.Node("charge"))
	require.NoError(t, err)
	assert.Equal(t, "payments.charge", cfg.TaskType)

	latest, err := s.GetWorkflowByName(ctx, "refund", 0)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, latest.ID)

	pinned, err := s.GetWorkflowByName(ctx, "refund", 1)
	require.NoError(t, err)
	assert.Equal(t, v1.ID, pinned.ID)

	list, err := s.ListWorkflows(ctx, WorkflowFilter{Name: "refund"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 2, list[0].Version)
}

func TestCreateWorkflow_DuplicateVersion(t *testing.T) {
	s := newTestStore(t)
	seedWorkflow(t, s, "refund")

	err := s.CreateWorkflow(context.Background(), &Workflow{
		ID: uuid.New().String(), Name: "refund", Version: 1, Definition: testDefinition(),
	})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
}

func TestGetWorkflow_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetWorkflow(context.Background(), "missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	_, err = s.GetWorkflowByName(context.Background(), "missing", 0)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

// --- Executions ---

func TestCommit_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, "refund")
	inst := seedExecution(t, s, wf)

	now := time.Now().UTC()
	inst.Status = schema.ExecutionRunning
	inst.StartedAt = &now
	inst.StepStates["charge"] = &schema.StepState{
		NodeID:  "charge",
		Kind:    schema.NodeTask,
		Status:  schema.StepRunning,
		Attempt: 2,
		Scope:   []schema.BranchRef{{ParallelNodeID: "fan", BranchID: "a"}},
		Input:   map[string]any{"amount": 120.5},
	}
	inst.LoopCounters["e9"] = 3
	inst.Revision = 2
	require.NoError(t, s.Commit(ctx, &Mutation{Instance: inst}))

	got, err := s.GetExecution(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Revision)
	assert.Equal(t, schema.ExecutionRunning, got.Status)
	assert.Equal(t, 120.5, got.Variables["amount"])
	require.Contains(t, got.StepStates, "charge")
	assert.Equal(t, 2, got.StepStates["charge"].Attempt)
	assert.Equal(t, "fan", got.StepStates["charge"].Scope[0].ParallelNodeID)
	assert.Equal(t, 3, got.LoopCounters["e9"])
}

func TestCommit_RevisionConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inst := seedExecution(t, s, seedWorkflow(t, s, "refund"))

	inst.Revision = 3 // skips revision 2
	err := s.Commit(ctx, &Mutation{
		Instance:    inst,
		Transitions: []*schema.Transition{{Type: schema.TransitionStepStarted, NodeID: "charge"}},
	})
	require.Error(t, err)
	fe, ok := schema.AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeConflict, fe.Code)
	assert.EqualValues(t, 1, fe.Details["stored_revision"])

	// Nothing from the failed mutation is visible.
	ts, err := s.GetTransitions(ctx, inst.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, ts)
}

func TestCommit_UnknownExecution(t *testing.T) {
	s := newTestStore(t)
	inst := schema.NewExecutionInstance("ghost", "wf", 1, nil, time.Now())
	inst.Revision = 2
	err := s.Commit(context.Background(), &Mutation{Instance: inst})
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestCommit_DuplicateExecution(t *testing.T) {
	s := newTestStore(t)
	inst := seedExecution(t, s, seedWorkflow(t, s, "refund"))
	err := s.Commit(context.Background(), &Mutation{Instance: inst, New: true})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
}

func TestListExecutions_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, "refund")

	running := seedExecution(t, s, wf)
	running.Status = schema.ExecutionRunning
	running.Revision = 2
	require.NoError(t, s.Commit(ctx, &Mutation{Instance: running}))

	done := seedExecution(t, s, wf)
	done.Status = schema.ExecutionCompleted
	done.Revision = 2
	require.NoError(t, s.Commit(ctx, &Mutation{Instance: done}))

	live, err := s.ListExecutions(ctx, ExecutionFilter{
		Statuses: []schema.ExecutionStatus{schema.ExecutionRunning, schema.ExecutionPaused},
	})
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, running.ID, live[0].ID)

	all, err := s.ListExecutions(ctx, ExecutionFilter{WorkflowID: wf.ID})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

// --- Approvals and AI tasks ---

func TestCommit_ApprovalsAndAITasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inst := seedExecution(t, s, seedWorkflow(t, s, "refund"))

	expires := time.Now().Add(24 * time.Hour).UTC()
	req := &schema.ApprovalRequest{
		ID:                uuid.New().String(),
		ExecutionID:       inst.ID,
		NodeID:            "review",
		Approvers:         []string{"alice", "bob"},
		ApprovalType:      schema.ApprovalAll,
		RequiredApprovals: 2,
		ExpiresAt:         &expires,
		Status:            schema.ApprovalWaiting,
		CreatedAt:         time.Now().UTC(),
	}
	task := &schema.AIAgentTask{
		ID:          uuid.New().String(),
		ExecutionID: inst.ID,
		NodeID:      "summarize",
		Prompt:      "Summarize refund",
		Config:      schema.AIAgentConfig{Model: "gpt", Prompt: "Summarize {{ id }}"},
		Status:      schema.StepRunning,
	}
	inst.Revision = 2
	require.NoError(t, s.Commit(ctx, &Mutation{
		Instance:  inst,
		Approvals: []*schema.ApprovalRequest{req},
		AITasks:   []*schema.AIAgentTask{task},
	}))

	req.Decisions = append(req.Decisions, schema.ApprovalDecision{ApproverID: "alice", Decision: schema.DecisionApproved})
	req.ReceivedApprovals = 1
	task.Status = schema.StepCompleted
	task.Usage = schema.Usage{Tokens: 420, Cost: 0.02}
	inst.Revision = 3
	require.NoError(t, s.Commit(ctx, &Mutation{
		Instance:  inst,
		Approvals: []*schema.ApprovalRequest{req},
		AITasks:   []*schema.AIAgentTask{task},
	}))

	gotReq, err := s.GetApproval(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, gotReq.ReceivedApprovals)
	require.Len(t, gotReq.Decisions, 1)
	assert.Equal(t, "alice", gotReq.Decisions[0].ApproverID)

	byApprover, err := s.ListApprovals(ctx, ApprovalFilter{ApproverID: "bob", Status: schema.ApprovalWaiting})
	require.NoError(t, err)
	require.Len(t, byApprover, 1)

	none, err := s.ListApprovals(ctx, ApprovalFilter{ApproverID: "carol"})
	require.NoError(t, err)
	assert.Empty(t, none)

	gotTask, err := s.GetAITask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StepCompleted, gotTask.Status)
	assert.Equal(t, 420, gotTask.Usage.Tokens)

	tasks, err := s.ListAITasks(ctx, inst.ID)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)

	_, err = s.GetApproval(ctx, "missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

// --- Transitions ---

func TestCommit_TransitionSequences(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inst := seedExecution(t, s, seedWorkflow(t, s, "refund"))

	inst.Revision = 2
	require.NoError(t, s.Commit(ctx, &Mutation{Instance: inst, Transitions: []*schema.Transition{
		{Type: schema.TransitionExecutionStarted},
		{Type: schema.TransitionStepStarted, NodeID: "charge", Data: map[string]any{"attempt": 1}},
	}}))
	inst.Revision = 3
	require.NoError(t, s.Commit(ctx, &Mutation{Instance: inst, Transitions: []*schema.Transition{
		{Type: schema.TransitionStepCompleted, NodeID: "charge", Data: map[string]any{"output": "ok"}},
	}}))

	all, err := s.GetTransitions(ctx, inst.ID, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i, tr := range all {
		assert.Equal(t, int64(i+1), tr.Sequence)
		assert.Equal(t, inst.WorkflowID, tr.WorkflowID)
	}
	assert.Equal(t, "ok", all[2].Data["output"])
	assert.Nil(t, all[0].Data)

	since, err := s.GetTransitions(ctx, inst.ID, 2)
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, schema.TransitionStepCompleted, since[0].Type)

	byNode, err := s.ListTransitions(ctx, TransitionFilter{ExecutionID: inst.ID, NodeID: "charge"})
	require.NoError(t, err)
	assert.Len(t, byNode, 2)
}

// --- Timers ---

func TestTimers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	t1 := &Timer{Key: "x1/review/expire", ExecutionID: "x1", FireAt: now.Add(time.Hour),
		Event: schema.Event{Type: schema.EventApprovalExpire, NodeID: "review"}}
	t2 := &Timer{Key: "x1/charge/retry", ExecutionID: "x1", FireAt: now.Add(time.Minute),
		Event: schema.Event{Type: schema.EventRetryDue, NodeID: "charge", Attempt: 2}}
	t3 := &Timer{Key: "x2/fan/timeout", ExecutionID: "x2", FireAt: now.Add(2 * time.Hour),
		Event: schema.Event{Type: schema.EventParallelTimeout, NodeID: "fan"}}
	for _, tm := range []*Timer{t1, t2, t3} {
		require.NoError(t, s.UpsertTimer(ctx, tm))
	}

	list, err := s.ListTimers(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "x1/charge/retry", list[0].Key)
	assert.Equal(t, 2, list[0].Event.Attempt)
	assert.True(t, list[0].FireAt.Equal(t2.FireAt))

	// Rescheduling the same key replaces the timer.
	t2.FireAt = now.Add(3 * time.Hour)
	require.NoError(t, s.UpsertTimer(ctx, t2))
	list, err = s.ListTimers(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "x1/review/expire", list[0].Key)

	require.NoError(t, s.DeleteTimer(ctx, "x2/fan/timeout"))
	require.NoError(t, s.DeleteExecutionTimers(ctx, "x1"))
	list, err = s.ListTimers(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

// --- Triggers ---

func TestTriggers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wf := seedWorkflow(t, s, "nightly")

	tr := &Trigger{
		ID:             uuid.New().String(),
		WorkflowID:     wf.ID,
		CronExpression: "0 2 * * *",
		Variables:      map[string]any{"region": "eu"},
		Enabled:        true,
	}
	require.NoError(t, s.CreateTrigger(ctx, tr))

	got, err := s.GetTrigger(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, "0 2 * * *", got.CronExpression)
	assert.Equal(t, "eu", got.Variables["region"])
	assert.True(t, got.Enabled)
	assert.Nil(t, got.LastRunAt)

	ran := time.Now().UTC().Truncate(time.Second)
	disabled := false
	require.NoError(t, s.UpdateTrigger(ctx, tr.ID, TriggerUpdate{
		Enabled:         &disabled,
		LastRunAt:       &ran,
		LastRunStatus:   "started",
		LastExecutionID: "x-1",
	}))

	got, err = s.GetTrigger(ctx, tr.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	require.NotNil(t, got.LastRunAt)
	assert.Equal(t, "x-1", got.LastExecutionID)

	enabled := true
	list, err := s.ListTriggers(ctx, TriggerFilter{Enabled: &enabled})
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = s.ListTriggers(ctx, TriggerFilter{WorkflowID: wf.ID})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteTrigger(ctx, tr.ID))
	assert.True(t, schema.IsCode(s.DeleteTrigger(ctx, tr.ID), schema.ErrCodeNotFound))
	assert.True(t, schema.IsCode(s.UpdateTrigger(ctx, "missing", TriggerUpdate{LastRunStatus: "x"}), schema.ErrCodeNotFound))
}
