// Package service implements the execution engine and the services around
// it: hooks, checkpoints, budgets, audit, replay and recovery.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	aeotel "github.com/Strob0t/agentengine/internal/adapter/otel"
	"github.com/Strob0t/agentengine/internal/config"
	"github.com/Strob0t/agentengine/internal/domain"
	"github.com/Strob0t/agentengine/internal/domain/audit"
	"github.com/Strob0t/agentengine/internal/domain/budget"
	"github.com/Strob0t/agentengine/internal/domain/checkpoint"
	"github.com/Strob0t/agentengine/internal/domain/execution"
	"github.com/Strob0t/agentengine/internal/domain/hook"
	"github.com/Strob0t/agentengine/internal/port/action"
	"github.com/Strob0t/agentengine/internal/port/cache"
	"github.com/Strob0t/agentengine/internal/port/classifier"
	"github.com/Strob0t/agentengine/internal/port/database"
	"github.com/Strob0t/agentengine/internal/port/oracle"
)

// EngineDeps groups the collaborators of the Engine. Planner, Executor and
// Store are required; the rest may be nil.
type EngineDeps struct {
	Store       database.ExecutionStore
	Planner     oracle.Planner
	Executor    action.Executor
	Classifier  classifier.Classifier
	Hooks       *HookPipeline
	Checkpoints *CheckpointService
	Budget      *BudgetGate
	Audit       *AuditLogger
	Events      *EventPublisher
	Cache       cache.Cache
	Metrics     *aeotel.Metrics
}

// Engine drives executions step by step. Each live execution is owned by a
// runner whose loop goroutine is the only code that plans and executes its
// steps; control operations mutate the runner's execution under its lock.
type Engine struct {
	cfg         config.Engine
	store       database.ExecutionStore
	planner     oracle.Planner
	executor    action.Executor
	classifier  classifier.Classifier
	hooks       *HookPipeline
	checkpoints *CheckpointService
	budget      *BudgetGate
	audit       *AuditLogger
	events      *EventPublisher
	cache       cache.Cache
	metrics     *aeotel.Metrics
	now         func() time.Time

	mu      sync.Mutex
	runners map[string]*runner

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// runner holds the live copy of one execution.
type runner struct {
	mu   sync.Mutex
	exec *execution.Execution
	wake chan struct{}

	inFlight    bool // an action is executing outside the lock
	cancelReq   bool // stop requested while a step was in flight
	terminating bool // a failure is being applied
	lost        atomic.Bool

	looping bool // a loop goroutine owns the cursor; guarded by Engine.mu
}

func newRunner(e *execution.Execution) *runner {
	return &runner{exec: e, wake: make(chan struct{}, 1)}
}

func (r *runner) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// NewEngine creates an Engine. Call Shutdown to stop its runners.
func NewEngine(cfg config.Engine, deps EngineDeps) *Engine {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = config.Defaults().Engine.MaxSteps
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:         cfg,
		store:       deps.Store,
		planner:     deps.Planner,
		executor:    deps.Executor,
		classifier:  deps.Classifier,
		hooks:       deps.Hooks,
		checkpoints: deps.Checkpoints,
		budget:      deps.Budget,
		audit:       deps.Audit,
		events:      deps.Events,
		cache:       deps.Cache,
		metrics:     deps.Metrics,
		now:         time.Now,
		runners:     make(map[string]*runner),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start creates an execution, moves it to running and begins its step loop.
// The budget is checked before returning, so a user already over the limit
// gets back an execution that failed with budget_exceeded.
func (en *Engine) Start(ctx context.Context, req *execution.StartRequest) (*execution.Execution, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := en.now().UTC()
	e := &execution.Execution{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		AgentID:     req.AgentID,
		AgentType:   req.AgentType,
		ProjectID:   req.ProjectID,
		Goal:        req.Goal,
		State:       execution.StateIdle,
		Steps:       []execution.Step{},
		Context:     execution.CompactJSON(req.Context),
		BudgetLimit: req.BudgetLimit,
		MaxSteps:    req.MaxSteps,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if e.AgentType == "" {
		e.AgentType = execution.AgentCoder
	}
	if e.MaxSteps == 0 {
		e.MaxSteps = en.cfg.MaxSteps
	}
	if err := en.store.CreateExecution(ctx, e); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	en.metrics.ExecutionStarted(ctx, string(e.AgentType))
	en.record(ctx, e, audit.CategoryExecution, audit.SeverityInfo, "execution.start", "started: "+e.Goal, map[string]any{
		"agent_id":   e.AgentID,
		"agent_type": e.AgentType,
	})
	slog.Info("execution started", "execution_id", e.ID, "user_id", e.UserID, "agent_type", e.AgentType)

	r := newRunner(e)
	r.mu.Lock()
	if err := en.transitionLocked(ctx, r, execution.StateRunning); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	reason, detail := en.overBudgetLocked(ctx, r.exec)
	hc, claimed := hook.Context{}, false
	if reason != "" {
		hc, claimed = en.claimFailureLocked(r)
	}
	r.mu.Unlock()

	if claimed {
		en.completeFailure(ctx, r, hc, reason, detail)
		return en.snapshot(r), nil
	}
	en.attach(r)
	return en.snapshot(r), nil
}

// GetState returns the execution, preferring the live runner, then the
// cache, then the store.
func (en *Engine) GetState(ctx context.Context, id, userID string) (*execution.Execution, error) {
	en.mu.Lock()
	r := en.runners[id]
	en.mu.Unlock()

	var e *execution.Execution
	switch {
	case r != nil && !r.lost.Load():
		e = en.snapshot(r)
	default:
		e = en.cached(ctx, id)
	}
	if e == nil {
		var err error
		if e, err = en.store.GetExecution(ctx, id); err != nil {
			return nil, err
		}
	}
	if err := authorize(e, userID); err != nil {
		return nil, err
	}
	return e, nil
}

// Running returns the number of executions with a live runner.
func (en *Engine) Running() int {
	en.mu.Lock()
	defer en.mu.Unlock()
	return len(en.runners)
}

// Shutdown stops every runner loop and waits for them to exit or ctx to end.
// Executions stay in their persisted state; recovery picks them up on the
// next start.
func (en *Engine) Shutdown(ctx context.Context) error {
	en.cancel()
	done := make(chan struct{})
	go func() {
		en.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func authorize(e *execution.Execution, userID string) error {
	if e.UserID != userID {
		return fmt.Errorf("execution %s: %w", e.ID, domain.ErrForbidden)
	}
	return nil
}

// runnerFor returns the live runner of id, loading the execution from the
// store when none exists. Non-terminal executions get a loop; terminal ones
// get a detached runner that only serves the caller.
func (en *Engine) runnerFor(ctx context.Context, id string) (*runner, error) {
	en.mu.Lock()
	if r, ok := en.runners[id]; ok && !r.lost.Load() {
		en.mu.Unlock()
		return r, nil
	}
	en.mu.Unlock()

	e, err := en.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}

	en.mu.Lock()
	defer en.mu.Unlock()
	if r, ok := en.runners[id]; ok && !r.lost.Load() {
		return r, nil
	}
	r := newRunner(e)
	if !e.IsTerminal() {
		en.startLocked(r)
	}
	return r, nil
}

// attach registers r and starts its loop.
func (en *Engine) attach(r *runner) {
	en.mu.Lock()
	defer en.mu.Unlock()
	en.startLocked(r)
}

// startLocked registers r and starts its loop unless one is already alive.
func (en *Engine) startLocked(r *runner) {
	en.runners[r.exec.ID] = r
	if r.looping {
		r.signal()
		return
	}
	r.looping = true
	en.wg.Add(1)
	go en.loop(r)
}

// release ends r's loop and unregisters it. It reports false when the
// execution became live again after the loop saw it terminal, in which case
// the same loop carries on.
func (en *Engine) release(r *runner) bool {
	en.mu.Lock()
	defer en.mu.Unlock()
	r.mu.Lock()
	live := !r.exec.IsTerminal() && !r.lost.Load() && en.ctx.Err() == nil
	r.mu.Unlock()
	if live {
		return false
	}
	r.looping = false
	if en.runners[r.exec.ID] == r {
		delete(en.runners, r.exec.ID)
	}
	return true
}

// snapshot returns a deep copy of the runner's execution.
func (en *Engine) snapshot(r *runner) *execution.Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exec.Clone()
}

// transitionLocked moves the execution to state to and persists it.
func (en *Engine) transitionLocked(ctx context.Context, r *runner, to execution.State) error {
	prev := r.exec.State
	if err := r.exec.Transition(to); err != nil {
		return err
	}
	return en.commitLocked(ctx, r, prev)
}

// commitLocked persists the runner's execution with its version check,
// writes the cache through and emits events for the touched steps and any
// state change. A failed write stops the runner: another worker may own
// the cursor, or the store is unavailable and recovery has to take over.
func (en *Engine) commitLocked(ctx context.Context, r *runner, prev execution.State, seqs ...int) error {
	e := r.exec
	e.UpdatedAt = en.now().UTC()
	if err := en.store.UpdateExecution(ctx, e); err != nil {
		r.lost.Store(true)
		r.signal()
		slog.Error("persist execution", "execution_id", e.ID, "state", e.State, "error", err)
		if errors.Is(err, domain.ErrConflict) {
			return fmt.Errorf("execution %s: %w", e.ID, err)
		}
		return fmt.Errorf("persist execution %s: %w: %w", e.ID, domain.ErrPersistence, err)
	}
	en.cacheWrite(ctx, e)

	for _, seq := range seqs {
		en.events.Step(ctx, e, e.StepBySequence(seq))
	}
	if e.State != prev {
		en.events.State(ctx, e)
		switch e.State {
		case execution.StateComplete:
			en.metrics.ExecutionCompleted(ctx, e.CostUSD)
		case execution.StateFailed:
			en.metrics.ExecutionFailed(ctx, string(e.FailureReason), e.CostUSD)
		}
	}
	return nil
}

func (en *Engine) cacheWrite(ctx context.Context, e *execution.Execution) {
	if en.cache == nil {
		return
	}
	key := cache.ExecutionKey(e.ID)
	if e.IsTerminal() {
		if err := en.cache.Delete(ctx, key); err != nil {
			slog.Warn("evict execution cache", "execution_id", e.ID, "error", err)
		}
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := en.cache.Set(ctx, key, data, 0); err != nil {
		slog.Warn("write execution cache", "execution_id", e.ID, "error", err)
	}
}

func (en *Engine) cached(ctx context.Context, id string) *execution.Execution {
	if en.cache == nil {
		return nil
	}
	data, ok, err := en.cache.Get(ctx, cache.ExecutionKey(id))
	if err != nil || !ok {
		return nil
	}
	var e execution.Execution
	if err := json.Unmarshal(data, &e); err != nil {
		slog.Warn("decode cached execution", "execution_id", id, "error", err)
		return nil
	}
	return &e
}

// overBudgetLocked checks the per-execution ceiling and the user's budget.
// It returns an empty reason when the execution may proceed. A budget that
// cannot be read blocks.
func (en *Engine) overBudgetLocked(ctx context.Context, e *execution.Execution) (execution.FailureReason, string) {
	if e.BudgetLimit > 0 && budget.MicrosOf(e.CostUSD) >= budget.MicrosOf(e.BudgetLimit) {
		return execution.ReasonBudgetExceeded, fmt.Sprintf("execution budget exceeded: $%.2f of $%.2f used", e.CostUSD, e.BudgetLimit)
	}
	if en.budget == nil {
		return "", ""
	}
	d, err := en.budget.CanExecute(ctx, e.UserID)
	if err != nil {
		return execution.ReasonBudgetExceeded, "budget could not be verified: " + err.Error()
	}
	if !d.Allowed {
		return execution.ReasonBudgetExceeded, d.Err().Error()
	}
	return "", ""
}

// charge records token usage against the user's budget and returns its cost.
func (en *Engine) charge(ctx context.Context, userID string, in, out int64) float64 {
	if en.budget == nil || (in == 0 && out == 0) {
		return 0
	}
	cost, err := en.budget.RecordUsage(ctx, userID, in, out)
	if err != nil {
		slog.Warn("record usage", "user_id", userID, "error", err)
		return en.budget.Rates().Cost(in, out).USD()
	}
	return cost
}

// claimFailureLocked marks the runner as terminating so no new step starts
// and returns the hook context for the on_error chain. It reports false when
// the execution is already terminal or another failure is being applied.
func (en *Engine) claimFailureLocked(r *runner) (hook.Context, bool) {
	if r.exec.IsTerminal() || r.terminating {
		return hook.Context{}, false
	}
	r.terminating = true
	hc := hookContextFor(r.exec)
	if s := r.exec.LastStep(); s != nil {
		hc.Action = s.Action
		hc.Input = s.Input
		hc.Error = s.Error
	}
	return hc, true
}

// completeFailure runs the on_error chain, then fails the execution with
// reason. The active step, if any, is closed: an awaiting step fails with
// the detail, a pending one is skipped.
func (en *Engine) completeFailure(ctx context.Context, r *runner, hc hook.Context, reason execution.FailureReason, detail string) {
	hc.Message = detail
	if hc.Error == "" {
		hc.Error = string(reason)
	}
	en.runHooks(ctx, hook.OnError, hc)

	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.signal()
	r.terminating = false
	if r.exec.IsTerminal() {
		return
	}

	e := r.exec
	prev := e.State
	now := en.now().UTC()
	var touched []int
	if last := e.LastStep(); last != nil && !last.Status.Finished() {
		status := execution.StepFailed
		if last.Status == execution.StepPending {
			status = execution.StepSkipped
		}
		if err := e.FinishStep(last.Sequence, status, last.Output, detail, now); err == nil {
			touched = append(touched, last.Sequence)
		}
	}
	if err := e.Fail(reason, detail); err != nil {
		slog.Error("fail execution", "execution_id", e.ID, "reason", reason, "error", err)
		return
	}
	if err := en.commitLocked(ctx, r, prev, touched...); err != nil {
		return
	}

	en.record(ctx, e, audit.CategoryExecution, audit.SeverityError, "execution.fail", detail, map[string]any{
		"reason": reason,
		"step":   e.CurrentStep,
	})
	slog.Warn("execution failed", "execution_id", e.ID, "reason", reason, "detail", detail)
}

// failRun claims and applies a failure in one go.
func (en *Engine) failRun(ctx context.Context, r *runner, reason execution.FailureReason, detail string) {
	r.mu.Lock()
	hc, ok := en.claimFailureLocked(r)
	r.mu.Unlock()
	if ok {
		en.completeFailure(ctx, r, hc, reason, detail)
	}
}

// runHooks runs a lifecycle chain. Without a pipeline nothing runs.
func (en *Engine) runHooks(ctx context.Context, lc hook.Lifecycle, hc hook.Context) hook.PipelineResult {
	if en.hooks == nil {
		return hook.PipelineResult{Lifecycle: lc}
	}
	return en.hooks.Run(ctx, lc, hc)
}

// takeCheckpoint snapshots the runner's execution and runs on_checkpoint.
func (en *Engine) takeCheckpoint(ctx context.Context, r *runner, description string, automatic bool) (*checkpoint.Checkpoint, error) {
	if en.checkpoints == nil {
		return nil, nil
	}
	e := en.snapshot(r)
	return en.checkpointOf(ctx, e, description, automatic)
}

func (en *Engine) checkpointOf(ctx context.Context, e *execution.Execution, description string, automatic bool) (*checkpoint.Checkpoint, error) {
	cp, err := en.checkpoints.Create(ctx, e, description, automatic)
	if err != nil {
		return nil, err
	}
	en.record(ctx, e, audit.CategoryCheckpoint, audit.SeverityInfo, "checkpoint.create", description, map[string]any{
		"checkpoint_id": cp.ID,
		"step":          cp.StepNumber,
		"automatic":     automatic,
	})
	hc := hookContextFor(e)
	hc.Message = description
	hc.Metadata = map[string]any{"checkpoint_id": cp.ID, "step": cp.StepNumber, "automatic": automatic}
	en.runHooks(ctx, hook.OnCheckpoint, hc)
	return cp, nil
}

func (en *Engine) record(ctx context.Context, e *execution.Execution, cat audit.Category, sev audit.Severity, act, msg string, details any) {
	en.audit.Log(ctx, audit.Entry{
		UserID:      e.UserID,
		ProjectID:   e.ProjectID,
		ExecutionID: e.ID,
		Action:      act,
		Category:    cat,
		Severity:    sev,
		Message:     msg,
		Details:     mustJSON(details),
	})
}

func hookContextFor(e *execution.Execution) hook.Context {
	return hook.Context{
		ExecutionID: e.ID,
		UserID:      e.UserID,
		ProjectID:   e.ProjectID,
		AgentType:   string(e.AgentType),
		Message:     e.Goal,
		Files:       append([]string(nil), e.ModifiedFiles...),
	}
}
