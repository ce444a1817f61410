package engine

import (
	"github.com/google/uuid"

	"github.com/rendis/procflow/pkg/schema"
)

type aiAgentKind struct{}

// input renders the prompt against the current variables.
func (aiAgentKind) input(tx *txn, n *compiledNode) (any, error) {
	return n.prompt.RenderString(tx.inst.Variables)
}

// activate records the AI task for the step and dispatches the model call.
func (aiAgentKind) activate(tx *txn, st *schema.StepState, n *compiledNode) error {
	prompt, _ := st.Input.(string)
	task := &schema.AIAgentTask{
		ID:          uuid.NewString(),
		ExecutionID: tx.inst.ID,
		NodeID:      n.ID,
		Prompt:      prompt,
		Config:      *n.ai,
		Status:      schema.StepRunning,
		CreatedAt:   tx.now,
	}
	st.TaskID = task.ID
	tx.putAITask(task)
	tx.dispatch(st, n)
	return nil
}

// retryAITask mirrors a scheduled retry on the step's AI task.
func (tx *txn) retryAITask(st *schema.StepState) error {
	task, err := tx.stepTask(st)
	if err != nil || task == nil {
		return err
	}
	task.RetryCount = st.RetryCount
	task.Error = st.Error
	tx.putAITask(task)
	return nil
}

// finishAITask copies the step outcome and its usage onto the AI task.
func (tx *txn) finishAITask(st *schema.StepState, status schema.StepStatus, stepErr *schema.StepError) error {
	task, err := tx.stepTask(st)
	if err != nil || task == nil {
		return err
	}
	task.Status = status
	task.Error = stepErr
	task.RetryCount = st.RetryCount
	if st.Usage != nil {
		task.Usage = *st.Usage
	}
	tx.putAITask(task)
	return nil
}

func (tx *txn) stepTask(st *schema.StepState) (*schema.AIAgentTask, error) {
	if st.TaskID == "" {
		return nil, nil
	}
	return tx.aiTask(st.TaskID)
}
