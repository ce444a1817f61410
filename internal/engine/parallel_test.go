package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/procflow/internal/handlers"
	"github.com/rendis/procflow/pkg/schema"
)

// fanOutGraph is start -> fan, with branch a running ta and branch b running
// tb. Both tasks wait for an external result and lead to merge, the join.
func fanOutGraph(cfg schema.ParallelConfig) *schema.GraphDefinition {
	cfg.Branches = []schema.BranchSpec{
		{ID: "a", TargetNodeID: "ta"},
		{ID: "b", TargetNodeID: "tb"},
	}
	return &schema.GraphDefinition{
		Name: "fan-out",
		Nodes: []schema.Node{
			startNode(),
			{ID: "fan", Kind: schema.NodeParallel, Name: "Fan out", Config: schema.MustConfig(cfg)},
			taskNode("ta", schema.TaskConfig{TaskType: handlers.TaskExternal}),
			taskNode("tb", schema.TaskConfig{TaskType: handlers.TaskExternal}),
			taskNode("merge", schema.TaskConfig{TaskType: handlers.TaskEcho}),
			endNode("done"),
		},
		Edges: []schema.Edge{
			link("e1", "start", "fan"),
			tagged("e2", "fan", "ta", "a"),
			tagged("e3", "fan", "tb", "b"),
			link("e4", "ta", "merge"),
			link("e5", "tb", "merge"),
			link("e6", "merge", "done"),
		},
	}
}

func (h *harness) startFanOut(cfg schema.ParallelConfig) string {
	h.t.Helper()
	return h.start(h.register(fanOutGraph(cfg)), nil)
}

func declined() *schema.StepError {
	return &schema.StepError{Code: schema.ErrCodeStepExecution, Message: "card declined"}
}

func TestParallel_AllJoin(t *testing.T) {
	h := newHarness(t)
	id := h.startFanOut(schema.ParallelConfig{})

	inst := h.instance(id)
	require.Contains(t, inst.Joins, "fan")
	assert.Equal(t, "merge", inst.Joins["fan"].JoinNodeID)
	assert.Equal(t, schema.StepRunning, inst.StepStates["ta"].Status)
	assert.Equal(t, schema.StepRunning, inst.StepStates["tb"].Status)

	h.submit(id, schema.StepCompletedEvent("ta", map[string]any{"paid": true}))
	inst = h.instance(id)
	assert.Equal(t, schema.StepRunning, inst.StepStates["fan"].Status)
	assert.NotContains(t, inst.StepStates, "merge")

	h.submit(id, schema.StepCompletedEvent("tb", map[string]any{"shipped": true}))
	inst = h.instance(id)
	assert.Equal(t, schema.ExecutionCompleted, inst.Status)
	assert.Equal(t, schema.StepCompleted, inst.StepStates["fan"].Status)
	assert.Equal(t, schema.StepCompleted, inst.StepStates["merge"].Status)
	assert.Equal(t, 1, inst.StepStates["merge"].Attempt)

	join := inst.Joins["fan"]
	assert.True(t, join.Closed)
	assert.Equal(t, schema.StepCompleted, join.Outcome)
	assert.Equal(t, 2, join.Count(schema.BranchCompleted))
	assert.Contains(t, h.transitionTypes(id), schema.TransitionJoinClosed)
}

func TestParallel_FailFast(t *testing.T) {
	h := newHarness(t)
	id := h.startFanOut(schema.ParallelConfig{FailureMode: schema.FailureFailFast})

	h.submit(id, schema.StepFailedEvent("ta", declined()))

	inst := h.instance(id)
	assert.Equal(t, schema.ExecutionFailed, inst.Status)
	require.NotNil(t, inst.Error)
	assert.Equal(t, "fan", inst.Error.NodeID)
	assert.Contains(t, inst.Error.Message, "branch a: card declined")

	tb := inst.StepStates["tb"]
	assert.True(t, tb.Ignored)
	assert.Equal(t, schema.StepCancelled, tb.Status)
	assert.Equal(t, schema.StepFailed, inst.Joins["fan"].Outcome)

	// The discarded branch reports in late.
	h.submit(id, schema.StepCompletedEvent("tb", nil))
	assert.Equal(t, schema.StepCancelled, h.step(id, "tb").Status)
	assert.Contains(t, h.notes.types(id), schema.TransitionStaleEvent)
}

func TestParallel_ContinueIsPartial(t *testing.T) {
	h := newHarness(t)
	id := h.startFanOut(schema.ParallelConfig{FailureMode: schema.FailureContinue})

	h.submit(id, schema.StepFailedEvent("ta", declined()))
	assert.Equal(t, schema.StepRunning, h.step(id, "fan").Status)

	h.submit(id, schema.StepCompletedEvent("tb", nil))

	inst := h.instance(id)
	assert.Equal(t, schema.ExecutionCompleted, inst.Status)
	assert.Equal(t, schema.StepPartial, inst.StepStates["fan"].Status)
	assert.Equal(t, schema.StepCompleted, inst.StepStates["merge"].Status)

	branches := inst.StepStates["fan"].Output.(map[string]any)["branches"].(map[string]any)
	assert.Equal(t, "failed", branches["a"])
	assert.Equal(t, "completed", branches["b"])
}

func TestParallel_IgnoreCompletes(t *testing.T) {
	h := newHarness(t)
	id := h.startFanOut(schema.ParallelConfig{FailureMode: schema.FailureIgnore})

	h.submit(id, schema.StepFailedEvent("ta", declined()))
	h.submit(id, schema.StepFailedEvent("tb", declined()))

	inst := h.instance(id)
	assert.Equal(t, schema.ExecutionCompleted, inst.Status)
	assert.Equal(t, schema.StepCompleted, inst.StepStates["fan"].Status)
	assert.Equal(t, schema.StepCompleted, inst.StepStates["merge"].Status)
}

func TestParallel_AnyTakesFirstBranch(t *testing.T) {
	h := newHarness(t)
	id := h.startFanOut(schema.ParallelConfig{ExecutionMode: schema.ExecutionAny})

	h.submit(id, schema.StepCompletedEvent("tb", map[string]any{"quote": 12}))

	inst := h.instance(id)
	assert.Equal(t, schema.ExecutionCompleted, inst.Status)
	assert.Equal(t, "b", inst.Joins["fan"].Winner)
	assert.Equal(t, "b", inst.StepStates["fan"].Output.(map[string]any)["winner"])

	ta := inst.StepStates["ta"]
	assert.True(t, ta.Ignored)
	assert.Equal(t, schema.StepRunning, ta.Status)

	// The loser's result is recorded but changes nothing.
	h.submit(id, schema.StepCompletedEvent("ta", map[string]any{"quote": 15}))
	inst = h.instance(id)
	assert.Equal(t, schema.ExecutionCompleted, inst.Status)
	assert.Equal(t, schema.StepCompleted, inst.StepStates["ta"].Status)
	assert.True(t, inst.StepStates["ta"].Ignored)
	assert.Equal(t, 1, inst.StepStates["merge"].Attempt)
}

func TestParallel_MaxConcurrency(t *testing.T) {
	h := newHarness(t)
	id := h.startFanOut(schema.ParallelConfig{MaxConcurrency: 1})

	inst := h.instance(id)
	assert.Contains(t, inst.StepStates, "ta")
	assert.NotContains(t, inst.StepStates, "tb")
	assert.Equal(t, schema.BranchQueued, inst.Joins["fan"].Branch("b").Status)

	h.submit(id, schema.StepCompletedEvent("ta", nil))
	inst = h.instance(id)
	assert.Equal(t, schema.StepRunning, inst.StepStates["tb"].Status)
	assert.Equal(t, schema.BranchRunning, inst.Joins["fan"].Branch("b").Status)

	h.submit(id, schema.StepCompletedEvent("tb", nil))
	assert.Equal(t, schema.ExecutionCompleted, h.instance(id).Status)
}

func TestParallel_Timeout(t *testing.T) {
	h := newHarness(t)
	id := h.startFanOut(schema.ParallelConfig{TimeoutMinutes: 30})

	h.submit(id, schema.StepCompletedEvent("ta", nil))
	assert.Equal(t, 1, h.advance(30*time.Minute))

	inst := h.instance(id)
	assert.Equal(t, schema.ExecutionFailed, inst.Status)
	assert.Equal(t, schema.ErrCodeTimeout, inst.Error.Code)
	assert.Equal(t, schema.StepCancelled, inst.StepStates["tb"].Status)
}

func TestParallel_BranchesEndingSeparately(t *testing.T) {
	h := newHarness(t)
	def := &schema.GraphDefinition{
		Name: "split",
		Nodes: []schema.Node{
			startNode(),
			{ID: "fan", Kind: schema.NodeParallel, Config: schema.MustConfig(schema.ParallelConfig{
				Branches: []schema.BranchSpec{
					{ID: "a", TargetNodeID: "ta"},
					{ID: "b", TargetNodeID: "tb"},
				},
			})},
			taskNode("ta", schema.TaskConfig{TaskType: handlers.TaskEcho}),
			taskNode("tb", schema.TaskConfig{TaskType: handlers.TaskEcho}),
			endNode("end-a"),
			endNode("end-b"),
		},
		Edges: []schema.Edge{
			link("e1", "start", "fan"),
			tagged("e2", "fan", "ta", "a"),
			tagged("e3", "fan", "tb", "b"),
			link("e4", "ta", "end-a"),
			link("e5", "tb", "end-b"),
		},
	}
	id := h.start(h.register(def), nil)

	inst := h.instance(id)
	assert.Equal(t, schema.ExecutionCompleted, inst.Status)
	assert.Empty(t, inst.Joins["fan"].JoinNodeID)
	assert.Equal(t, "end-a", inst.Joins["fan"].Branch("a").ReachedEnd)
	assert.Equal(t, "end-b", inst.Joins["fan"].Branch("b").ReachedEnd)
	assert.Equal(t, schema.StepCompleted, inst.StepStates["end-a"].Status)
}

func TestParallel_FailFastThreeBranches(t *testing.T) {
	h := newHarness(t)
	def := &schema.GraphDefinition{
		Name: "fan-out-3",
		Nodes: []schema.Node{
			startNode(),
			{ID: "fan", Kind: schema.NodeParallel, Name: "Fan out", Config: schema.MustConfig(schema.ParallelConfig{
				Branches: []schema.BranchSpec{
					{ID: "a", TargetNodeID: "ta"},
					{ID: "b", TargetNodeID: "tb"},
					{ID: "c", TargetNodeID: "tc"},
				},
				FailureMode: schema.FailureFailFast,
			})},
			taskNode("ta", schema.TaskConfig{TaskType: handlers.TaskExternal}),
			taskNode("tb", schema.TaskConfig{TaskType: handlers.TaskExternal}),
			taskNode("tc", schema.TaskConfig{TaskType: handlers.TaskExternal}),
			taskNode("merge", schema.TaskConfig{TaskType: handlers.TaskEcho}),
			endNode("done"),
		},
		Edges: []schema.Edge{
			link("e1", "start", "fan"),
			tagged("e2", "fan", "ta", "a"),
			tagged("e3", "fan", "tb", "b"),
			tagged("e4", "fan", "tc", "c"),
			link("e5", "ta", "merge"),
			link("e6", "tb", "merge"),
			link("e7", "tc", "merge"),
			link("e8", "merge", "done"),
		},
	}
	id := h.start(h.register(def), nil)

	h.submit(id, schema.StepCompletedEvent("ta", nil))
	h.submit(id, schema.StepFailedEvent("tb", declined()))

	inst := h.instance(id)
	assert.Equal(t, schema.ExecutionFailed, inst.Status)
	assert.Equal(t, schema.StepFailed, inst.StepStates["fan"].Status)
	assert.NotContains(t, inst.StepStates, "merge")
	assert.NotContains(t, inst.StepStates, "done")
	assert.True(t, inst.StepStates["tc"].Ignored)

	join := inst.Joins["fan"]
	assert.Equal(t, schema.StepFailed, join.Outcome)
	assert.Equal(t, schema.BranchCompleted, join.Branch("a").Status)
	assert.Equal(t, schema.BranchFailed, join.Branch("b").Status)

	assertKnownSteps(t, def, inst)
}
