// Package pipeline interprets a PipelineTemplate's step tree against one
// ProcessingItem: it evaluates conditions, runs sibling steps
// concurrently, merges their context contributions with last-writer-wins,
// and drives an Execution through running/paused/completed/failed/
// cancelled. Concrete step kinds live in internal/steps; this package
// only knows the StepRegistry contract.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"mediabroker/internal/domain"
	"mediabroker/internal/store"
)

// Outcome is the tagged result a step's Execute returns (spec.md §4.1).
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeSkip
	OutcomePause
	OutcomeRetryLater
	OutcomeFailure
)

// StepOutput is what a step reports back to the Executor.
type StepOutput struct {
	Outcome Outcome
	Data    map[string]any // merged into context on OutcomeSuccess
	Reason  string         // pause/retryLater/failure explanation
	Err     error          // set on OutcomeFailure when available

	// StopBranch, meaningful only for OutcomeSuccess, tells the Executor
	// not to descend into this step's Children even though some are
	// defined — a step can decide at runtime that the rest of its
	// statically configured branch no longer applies.
	StopBranch bool
}

// Env bundles what a step needs beyond the shared Context: the store for
// persisting its own domain-level effects (item status, download records,
// ...) and a progress sink wired to the owning item.
type Env struct {
	Store       store.Store
	Request     *domain.Request
	Item        *domain.ProcessingItem
	Progress    func(percent int)
	ExecutionID string // set by the Executor before the tree runs, for Branch's child-Execution bookkeeping
}

// Step is one addressable unit of work, keyed by its Kind string.
type Step interface {
	ValidateConfig(config map[string]any) error
	EvaluateCondition(pctx *Context, condition string) bool
	Execute(ctx context.Context, pctx *Context, def domain.StepDefinition, env *Env) (StepOutput, error)
}

// BaseStep gives concrete step kinds the spec's default condition
// evaluator and a no-op config validator for free; embed it and override
// only what differs.
type BaseStep struct{}

func (BaseStep) ValidateConfig(map[string]any) error { return nil }

func (BaseStep) EvaluateCondition(pctx *Context, condition string) bool {
	return EvaluateCondition(pctx, condition)
}

// EvaluateCondition implements the minimal condition language: "" is
// always true; "key" is true iff the context holds a truthy value for
// key; "key==value" compares the context value's string form; either may
// be negated with a leading "!".
func EvaluateCondition(pctx *Context, condition string) bool {
	if condition == "" {
		return true
	}
	negate := false
	cond := condition
	if cond[0] == '!' {
		negate = true
		cond = cond[1:]
	}

	var result bool
	if idx := indexOfEquals(cond); idx >= 0 {
		key := trimSpace(cond[:idx])
		want := trimSpace(cond[idx+2:])
		got, _ := pctx.Get(key)
		result = fmt.Sprintf("%v", got) == want
	} else {
		val, ok := pctx.Get(trimSpace(cond))
		result = ok && isTruthy(val)
	}
	if negate {
		return !result
	}
	return result
}

func indexOfEquals(s string) int {
	for i := 0; i+1 < len(s); i++ {
		if s[i] == '=' && s[i+1] == '=' {
			return i
		}
	}
	return -1
}

func trimSpace(s string) string {
	for len(s) > 0 && s[0] == ' ' {
		s = s[1:]
	}
	for len(s) > 0 && s[len(s)-1] == ' ' {
		s = s[:len(s)-1]
	}
	return s
}

func isTruthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && t != "false"
	case nil:
		return false
	default:
		return true
	}
}

// Context is the mutable step-execution context, safe for concurrent
// branches. Branches never share a pointer: each is handed a fresh
// Context seeded from a snapshot of its parent.
type Context struct {
	mu   sync.Mutex
	data map[string]any
}

func NewContext(seed map[string]any) *Context {
	c := &Context{data: make(map[string]any, len(seed))}
	for k, v := range seed {
		c.data[k] = v
	}
	return c
}

func (c *Context) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok
}

func (c *Context) Snapshot() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.data))
	for k, v := range c.data {
		out[k] = v
	}
	return out
}

// Merge writes data into the context, stripping core identity keys and
// overwriting any existing key (last-writer-wins).
func (c *Context) Merge(data map[string]any) {
	if len(data) == 0 {
		return
	}
	stripped := domain.StripCoreKeys(data)
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range stripped {
		c.data[k] = v
	}
}

// StepRegistry maps a step kind string to its implementation.
type StepRegistry struct {
	mu    sync.RWMutex
	steps map[string]Step
}

func NewStepRegistry() *StepRegistry {
	return &StepRegistry{steps: map[string]Step{}}
}

func (r *StepRegistry) Register(kind string, s Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[kind] = s
}

func (r *StepRegistry) Get(kind string) (Step, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.steps[kind]
	return s, ok
}

// sentinel control-flow errors, never surfaced outside this package.
type controlErr string

func (e controlErr) Error() string { return string(e) }

const (
	errBranchPaused controlErr = "pipeline: branch paused"
	errRetryLater   controlErr = "pipeline: branch deferred to scheduler"
)

// Executor drives one Execution's step tree to completion, pause, or
// failure.
type Executor struct {
	registry *StepRegistry
	store    store.Store
}

func NewExecutor(registry *StepRegistry, st store.Store) *Executor {
	return &Executor{registry: registry, store: st}
}

// Start runs exec's full step tree from the top. Cleanup of stale prior
// state (deleting earlier executions for the request, clearing item
// errors) is the caller's responsibility before calling Start — it
// belongs to whatever creates the Execution, since it needs visibility
// into sibling items the Executor itself never loads.
func (e *Executor) Start(ctx context.Context, exec *domain.Execution, env *Env) error {
	env.ExecutionID = exec.ID
	pctx := NewContext(exec.Context)
	merged, runErr := e.executeSiblings(ctx, exec, env, exec.Steps, pctx.Snapshot())
	return e.finish(ctx, exec, merged, runErr)
}

// ResumeTree reloads context from the owning item's authoritative
// stepContext (not the Execution's, which can be stale — spec.md §4.2)
// and re-runs the tree. Steps are expected to be idempotent and
// short-circuit with OutcomeSkip when their effect is already present.
func (e *Executor) ResumeTree(ctx context.Context, exec *domain.Execution, env *Env) error {
	env.ExecutionID = exec.ID
	seed := exec.Context
	if env.Item != nil && env.Item.StepContext != nil {
		seed = env.Item.StepContext
	}
	exec.Status = domain.ExecutionRunning
	exec.PauseReason = ""
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return fmt.Errorf("pipeline: resume: %w", err)
	}

	pctx := NewContext(seed)
	merged, runErr := e.executeSiblings(ctx, exec, env, exec.Steps, pctx.Snapshot())
	return e.finish(ctx, exec, merged, runErr)
}

// Cancel transitions a running or paused Execution to cancelled. Step
// implementations cooperatively observe this via their own status checks
// on their next preemption point; the Executor does not forcibly
// interrupt in-flight I/O (spec.md §5).
func (e *Executor) Cancel(ctx context.Context, execID string) error {
	cur, err := e.store.GetExecution(ctx, execID)
	if err != nil {
		return fmt.Errorf("pipeline: cancel: %w", err)
	}
	if cur.Status != domain.ExecutionRunning && cur.Status != domain.ExecutionPaused {
		return nil
	}
	cur.Status = domain.ExecutionCancelled
	cur.UpdatedAt = time.Now()
	return e.store.UpdateExecution(ctx, cur)
}

func (e *Executor) finish(ctx context.Context, exec *domain.Execution, merged map[string]any, runErr error) error {
	switch {
	case runErr == nil:
		return e.completeIfRunning(ctx, exec, merged)
	case runErr == errBranchPaused:
		// The pausing branch already transitioned the Execution and
		// recorded its reason; per spec the merged context is only
		// persisted when the Execution is still running, which it no
		// longer is, so there is nothing further to do here.
		return nil
	case runErr == errRetryLater:
		return e.completeIfRunning(ctx, exec, merged)
	default:
		cur, gerr := e.store.GetExecution(ctx, exec.ID)
		if gerr != nil {
			cur = exec
		}
		cur.Status = domain.ExecutionFailed
		cur.FailedReason = runErr.Error()
		cur.UpdatedAt = time.Now()
		if err := e.store.UpdateExecution(ctx, cur); err != nil {
			return fmt.Errorf("pipeline: persist failure: %w", err)
		}
		return runErr
	}
}

func (e *Executor) completeIfRunning(ctx context.Context, exec *domain.Execution, merged map[string]any) error {
	cur, err := e.store.GetExecution(ctx, exec.ID)
	if err != nil {
		return fmt.Errorf("pipeline: complete: %w", err)
	}
	if cur.Status != domain.ExecutionRunning {
		return nil
	}
	cur.Context = merged
	cur.Status = domain.ExecutionCompleted
	now := time.Now()
	cur.UpdatedAt = now
	cur.CompletedAt = &now
	return e.store.UpdateExecution(ctx, cur)
}

// executeSiblings runs defs concurrently, each against its own Context
// copy seeded from base, then merges their final contexts back with
// last-writer-wins, re-asserting core identity keys from base.
func (e *Executor) executeSiblings(ctx context.Context, exec *domain.Execution, env *Env, defs []domain.StepDefinition, base map[string]any) (map[string]any, error) {
	if len(defs) == 0 {
		return base, nil
	}

	group, gctx := errgroup.WithContext(ctx)
	branchResults := make([]map[string]any, len(defs))

	for i, def := range defs {
		i, def := i, def
		branchCtx := NewContext(base)
		group.Go(func() error {
			err := e.executeBranch(gctx, exec, env, def, branchCtx)
			branchResults[i] = branchCtx.Snapshot()
			return err
		})
	}

	runErr := group.Wait()

	merged := make(map[string]any, len(base))
	for _, res := range branchResults {
		for k, v := range res {
			if domain.CoreContextKeys[k] {
				continue
			}
			merged[k] = v
		}
	}
	for k := range domain.CoreContextKeys {
		if v, ok := base[k]; ok {
			merged[k] = v
		}
	}
	return merged, runErr
}

// executeBranch runs one step and, depending on its outcome, descends
// into its children.
func (e *Executor) executeBranch(ctx context.Context, exec *domain.Execution, env *Env, def domain.StepDefinition, pctx *Context) error {
	cur, err := e.store.GetExecution(ctx, exec.ID)
	if err != nil {
		return fmt.Errorf("pipeline: read execution: %w", err)
	}
	if cur.Status != domain.ExecutionRunning {
		return nil
	}

	step, ok := e.registry.Get(def.Kind)
	if !ok {
		return fmt.Errorf("pipeline: unknown step kind %q", def.Kind)
	}

	if !step.EvaluateCondition(pctx, def.Condition) {
		return e.executeChildren(ctx, exec, env, def.Children, pctx)
	}

	runCtx := ctx
	if def.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}

	out, execErr := step.Execute(runCtx, pctx, def, env)
	if execErr != nil {
		out = StepOutput{Outcome: OutcomeFailure, Err: execErr}
	}

	switch out.Outcome {
	case OutcomePause:
		reason := out.Reason
		if reason == "" && out.Err != nil {
			reason = out.Err.Error()
		}
		if err := e.pauseExecution(ctx, exec, reason); err != nil {
			return err
		}
		return errBranchPaused

	case OutcomeRetryLater:
		log.WithFields(log.Fields{"step": def.Name, "reason": out.Reason}).Info("pipeline: step deferred to scheduler")
		return errRetryLater

	case OutcomeSkip:
		return e.executeChildren(ctx, exec, env, def.Children, pctx)

	case OutcomeFailure:
		msg := out.Reason
		if msg == "" && out.Err != nil {
			msg = out.Err.Error()
		}
		if def.ContinueOnError {
			log.WithFields(log.Fields{"step": def.Name, "error": msg}).Warn("pipeline: step failed, continuing")
			return e.executeChildren(ctx, exec, env, def.Children, pctx)
		}
		if def.IsRequired() {
			if out.Err != nil {
				return fmt.Errorf("pipeline: step %s failed: %w", def.Name, out.Err)
			}
			return fmt.Errorf("pipeline: step %s failed: %s", def.Name, msg)
		}
		log.WithFields(log.Fields{"step": def.Name, "error": msg}).Warn("pipeline: optional step failed, continuing")
		return e.executeChildren(ctx, exec, env, def.Children, pctx)

	case OutcomeSuccess:
		pctx.Merge(out.Data)
		if env != nil && env.Item != nil {
			if err := e.persistItemContext(ctx, env.Item, pctx); err != nil {
				return err
			}
		}
		if out.StopBranch {
			return nil
		}
		return e.executeChildren(ctx, exec, env, def.Children, pctx)

	default:
		return fmt.Errorf("pipeline: step %s returned unknown outcome", def.Name)
	}
}

func (e *Executor) executeChildren(ctx context.Context, exec *domain.Execution, env *Env, children []domain.StepDefinition, parent *Context) error {
	if len(children) == 0 {
		return nil
	}
	merged, err := e.executeSiblings(ctx, exec, env, children, parent.Snapshot())
	parent.Merge(merged)
	return err
}

func (e *Executor) pauseExecution(ctx context.Context, exec *domain.Execution, reason string) error {
	cur, err := e.store.GetExecution(ctx, exec.ID)
	if err != nil {
		return fmt.Errorf("pipeline: pause: %w", err)
	}
	if cur.Status != domain.ExecutionRunning {
		return nil
	}
	cur.Status = domain.ExecutionPaused
	cur.PauseReason = reason
	cur.UpdatedAt = time.Now()
	return e.store.UpdateExecution(ctx, cur)
}

func (e *Executor) persistItemContext(ctx context.Context, item *domain.ProcessingItem, pctx *Context) error {
	item.StepContext = pctx.Snapshot()
	item.UpdatedAt = time.Now()
	return e.store.UpdateItem(ctx, item)
}
