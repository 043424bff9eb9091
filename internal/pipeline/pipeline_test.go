package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediabroker/internal/domain"
	"mediabroker/internal/store"
)

type fnStep struct {
	BaseStep
	fn func(ctx context.Context, pctx *Context, def domain.StepDefinition, env *Env) (StepOutput, error)
}

func (s *fnStep) Execute(ctx context.Context, pctx *Context, def domain.StepDefinition, env *Env) (StepOutput, error) {
	return s.fn(ctx, pctx, def, env)
}

func succeed(data map[string]any) *fnStep {
	return &fnStep{fn: func(context.Context, *Context, domain.StepDefinition, *Env) (StepOutput, error) {
		return StepOutput{Outcome: OutcomeSuccess, Data: data}, nil
	}}
}

func TestExecutor_SingleStepMergesDataAndCompletes(t *testing.T) {
	st := store.NewMemoryStore()
	reg := NewStepRegistry()
	reg.Register("noop", succeed(map[string]any{"foo": "bar"}))

	exec := &domain.Execution{ID: "e1", RequestID: "r1", Status: domain.ExecutionRunning, Steps: []domain.StepDefinition{{Kind: "noop", Name: "step1"}}, Context: map[string]any{}}
	require.NoError(t, st.CreateExecution(context.Background(), exec))

	ex := NewExecutor(reg, st)
	require.NoError(t, ex.Start(context.Background(), exec, &Env{Store: st}))

	got, err := st.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, got.Status)
	assert.Equal(t, "bar", got.Context["foo"])
}

func TestExecutor_CoreKeysNeverOverwritten(t *testing.T) {
	st := store.NewMemoryStore()
	reg := NewStepRegistry()
	reg.Register("evil", succeed(map[string]any{"requestId": "hijacked", "safe": "ok"}))

	exec := &domain.Execution{ID: "e1", RequestID: "r1", Status: domain.ExecutionRunning, Steps: []domain.StepDefinition{{Kind: "evil"}}, Context: map[string]any{"requestId": "r1"}}
	require.NoError(t, st.CreateExecution(context.Background(), exec))

	ex := NewExecutor(reg, st)
	require.NoError(t, ex.Start(context.Background(), exec, &Env{Store: st}))

	got, _ := st.GetExecution(context.Background(), exec.ID)
	assert.Equal(t, "r1", got.Context["requestId"])
	assert.Equal(t, "ok", got.Context["safe"])
}

func TestExecutor_SiblingsRunConcurrentlyAndMerge(t *testing.T) {
	st := store.NewMemoryStore()
	reg := NewStepRegistry()
	reg.Register("a", succeed(map[string]any{"fromA": 1}))
	reg.Register("b", succeed(map[string]any{"fromB": 2}))

	exec := &domain.Execution{ID: "e1", RequestID: "r1", Status: domain.ExecutionRunning, Steps: []domain.StepDefinition{{Kind: "a"}, {Kind: "b"}}, Context: map[string]any{}}
	require.NoError(t, st.CreateExecution(context.Background(), exec))

	ex := NewExecutor(reg, st)
	require.NoError(t, ex.Start(context.Background(), exec, &Env{Store: st}))

	got, _ := st.GetExecution(context.Background(), exec.ID)
	assert.Equal(t, 1, got.Context["fromA"])
	assert.Equal(t, 2, got.Context["fromB"])
}

func TestExecutor_PauseStopsExecutionWithReason(t *testing.T) {
	st := store.NewMemoryStore()
	reg := NewStepRegistry()
	reg.Register("approval", &fnStep{fn: func(context.Context, *Context, domain.StepDefinition, *Env) (StepOutput, error) {
		return StepOutput{Outcome: OutcomePause, Reason: "waiting for manual approval"}, nil
	}})

	exec := &domain.Execution{ID: "e1", RequestID: "r1", Status: domain.ExecutionRunning, Steps: []domain.StepDefinition{{Kind: "approval"}}, Context: map[string]any{}}
	require.NoError(t, st.CreateExecution(context.Background(), exec))

	ex := NewExecutor(reg, st)
	require.NoError(t, ex.Start(context.Background(), exec, &Env{Store: st}))

	got, _ := st.GetExecution(context.Background(), exec.ID)
	assert.Equal(t, domain.ExecutionPaused, got.Status)
	assert.Equal(t, "waiting for manual approval", got.PauseReason)
}

func TestExecutor_RetryLaterCompletesExecutionWithoutError(t *testing.T) {
	st := store.NewMemoryStore()
	reg := NewStepRegistry()
	reg.Register("search", &fnStep{fn: func(context.Context, *Context, domain.StepDefinition, *Env) (StepOutput, error) {
		return StepOutput{Outcome: OutcomeRetryLater, Reason: "no matching release yet"}, nil
	}})

	exec := &domain.Execution{ID: "e1", RequestID: "r1", Status: domain.ExecutionRunning, Steps: []domain.StepDefinition{{Kind: "search"}}, Context: map[string]any{}}
	require.NoError(t, st.CreateExecution(context.Background(), exec))

	ex := NewExecutor(reg, st)
	require.NoError(t, ex.Start(context.Background(), exec, &Env{Store: st}))

	got, _ := st.GetExecution(context.Background(), exec.ID)
	assert.Equal(t, domain.ExecutionCompleted, got.Status)
}

func TestExecutor_RequiredFailureAbortsAndMarksFailed(t *testing.T) {
	st := store.NewMemoryStore()
	reg := NewStepRegistry()
	reg.Register("boom", &fnStep{fn: func(context.Context, *Context, domain.StepDefinition, *Env) (StepOutput, error) {
		return StepOutput{Outcome: OutcomeFailure, Reason: "indexer unreachable"}, nil
	}})

	exec := &domain.Execution{ID: "e1", RequestID: "r1", Status: domain.ExecutionRunning, Steps: []domain.StepDefinition{{Kind: "boom"}}, Context: map[string]any{}}
	require.NoError(t, st.CreateExecution(context.Background(), exec))

	ex := NewExecutor(reg, st)
	err := ex.Start(context.Background(), exec, &Env{Store: st})
	require.Error(t, err)

	got, _ := st.GetExecution(context.Background(), exec.ID)
	assert.Equal(t, domain.ExecutionFailed, got.Status)
}

func TestExecutor_ContinueOnErrorProceedsToChildren(t *testing.T) {
	st := store.NewMemoryStore()
	reg := NewStepRegistry()
	reg.Register("flaky", &fnStep{fn: func(context.Context, *Context, domain.StepDefinition, *Env) (StepOutput, error) {
		return StepOutput{Outcome: OutcomeFailure, Reason: "optional lookup failed"}, nil
	}})
	reg.Register("child", succeed(map[string]any{"childRan": true}))

	exec := &domain.Execution{
		ID: "e1", RequestID: "r1", Status: domain.ExecutionRunning,
		Steps: []domain.StepDefinition{{
			Kind: "flaky", ContinueOnError: true,
			Children: []domain.StepDefinition{{Kind: "child"}},
		}},
		Context: map[string]any{},
	}
	require.NoError(t, st.CreateExecution(context.Background(), exec))

	ex := NewExecutor(reg, st)
	require.NoError(t, ex.Start(context.Background(), exec, &Env{Store: st}))

	got, _ := st.GetExecution(context.Background(), exec.ID)
	assert.Equal(t, domain.ExecutionCompleted, got.Status)
	assert.Equal(t, true, got.Context["childRan"])
}

func TestExecutor_FalseConditionSkipsStepButDescendsToChildren(t *testing.T) {
	st := store.NewMemoryStore()
	reg := NewStepRegistry()
	reg.Register("gated", succeed(map[string]any{"gatedRan": true}))
	reg.Register("child", succeed(map[string]any{"childRan": true}))

	exec := &domain.Execution{
		ID: "e1", RequestID: "r1", Status: domain.ExecutionRunning,
		Steps: []domain.StepDefinition{{
			Kind: "gated", Condition: "neverSet",
			Children: []domain.StepDefinition{{Kind: "child"}},
		}},
		Context: map[string]any{},
	}
	require.NoError(t, st.CreateExecution(context.Background(), exec))

	ex := NewExecutor(reg, st)
	require.NoError(t, ex.Start(context.Background(), exec, &Env{Store: st}))

	got, _ := st.GetExecution(context.Background(), exec.ID)
	assert.Nil(t, got.Context["gatedRan"])
	assert.Equal(t, true, got.Context["childRan"])
}

func TestExecutor_StopBranchSkipsChildren(t *testing.T) {
	st := store.NewMemoryStore()
	reg := NewStepRegistry()
	reg.Register("terminal", &fnStep{fn: func(context.Context, *Context, domain.StepDefinition, *Env) (StepOutput, error) {
		return StepOutput{Outcome: OutcomeSuccess, Data: map[string]any{"done": true}, StopBranch: true}, nil
	}})
	reg.Register("child", succeed(map[string]any{"childRan": true}))

	exec := &domain.Execution{
		ID: "e1", RequestID: "r1", Status: domain.ExecutionRunning,
		Steps: []domain.StepDefinition{{Kind: "terminal", Children: []domain.StepDefinition{{Kind: "child"}}}},
		Context: map[string]any{},
	}
	require.NoError(t, st.CreateExecution(context.Background(), exec))

	ex := NewExecutor(reg, st)
	require.NoError(t, ex.Start(context.Background(), exec, &Env{Store: st}))

	got, _ := st.GetExecution(context.Background(), exec.ID)
	assert.Nil(t, got.Context["childRan"])
}

func TestExecutor_ResumeTreeSeedsFromItemStepContextNotExecution(t *testing.T) {
	st := store.NewMemoryStore()
	reg := NewStepRegistry()
	reg.Register("readctx", &fnStep{fn: func(_ context.Context, pctx *Context, _ domain.StepDefinition, _ *Env) (StepOutput, error) {
		v, _ := pctx.Get("source")
		return StepOutput{Outcome: OutcomeSuccess, Data: map[string]any{"sawSource": v}}, nil
	}})

	item := &domain.ProcessingItem{ID: "item-1", RequestID: "r1", StepContext: map[string]any{"source": "item"}}
	require.NoError(t, st.CreateItem(context.Background(), item))

	exec := &domain.Execution{
		ID: "e1", RequestID: "r1", Status: domain.ExecutionPaused,
		Steps:   []domain.StepDefinition{{Kind: "readctx"}},
		Context: map[string]any{"source": "execution"},
	}
	require.NoError(t, st.CreateExecution(context.Background(), exec))

	ex := NewExecutor(reg, st)
	require.NoError(t, ex.ResumeTree(context.Background(), exec, &Env{Store: st, Item: item}))

	got, _ := st.GetExecution(context.Background(), exec.ID)
	assert.Equal(t, "item", got.Context["sawSource"])
}

func TestExecutor_CancelTransitionsRunningToCancelled(t *testing.T) {
	st := store.NewMemoryStore()
	exec := &domain.Execution{ID: "e1", RequestID: "r1", Status: domain.ExecutionRunning}
	require.NoError(t, st.CreateExecution(context.Background(), exec))

	ex := NewExecutor(NewStepRegistry(), st)
	require.NoError(t, ex.Cancel(context.Background(), exec.ID))

	got, _ := st.GetExecution(context.Background(), exec.ID)
	assert.Equal(t, domain.ExecutionCancelled, got.Status)
}

func TestEvaluateCondition_DefaultTrueAndNegation(t *testing.T) {
	pctx := NewContext(map[string]any{"flag": true})
	assert.True(t, EvaluateCondition(pctx, ""))
	assert.True(t, EvaluateCondition(pctx, "flag"))
	assert.False(t, EvaluateCondition(pctx, "!flag"))
	assert.False(t, EvaluateCondition(pctx, "missing"))
}

func TestEvaluateCondition_EqualityComparison(t *testing.T) {
	pctx := NewContext(map[string]any{"kind": "movie"})
	assert.True(t, EvaluateCondition(pctx, "kind==movie"))
	assert.False(t, EvaluateCondition(pctx, "kind==tv"))
}
