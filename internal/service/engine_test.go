package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/Strob0t/agentengine/internal/config"
	"github.com/Strob0t/agentengine/internal/domain"
	"github.com/Strob0t/agentengine/internal/domain/budget"
	"github.com/Strob0t/agentengine/internal/domain/checkpoint"
	"github.com/Strob0t/agentengine/internal/domain/execution"
	"github.com/Strob0t/agentengine/internal/domain/hook"
	"github.com/Strob0t/agentengine/internal/pool"
	"github.com/Strob0t/agentengine/internal/port/action"
	"github.com/Strob0t/agentengine/internal/port/oracle"
)

type harness struct {
	store    *memStore
	files    *memFiles
	audit    *AuditLogger
	hooks    *HookRegistry
	judge    *stubJudge
	notifier *recNotifier
	budget   *BudgetGate
	exec     *stubExecutor
	hub      *StreamHub
	engine   *Engine
}

func newHarness(t *testing.T, planner oracle.Planner, cfg config.Engine) *harness {
	t.Helper()
	h := &harness{
		store:    newMemStore(),
		files:    newMemFiles(),
		judge:    &stubJudge{},
		notifier: &recNotifier{},
		exec:     &stubExecutor{},
		hub:      NewStreamHub(256),
	}
	h.audit = NewAuditLogger(h.store, 0)
	h.hooks = NewHookRegistry(h.store)
	if err := h.hooks.Load(context.Background(), nil, nil); err != nil {
		t.Fatalf("load hooks: %v", err)
	}
	pipe := NewHookPipeline(h.hooks, HookPipelineDeps{
		Rules:    h.judge,
		Judge:    h.judge,
		Rewriter: upperRewriter{},
		Notifier: h.notifier,
		Audit:    h.audit,
	})
	h.budget = NewBudgetGate(h.store, budget.Rates{InputPer1K: 0.01, OutputPer1K: 0.02}, nil, nil)
	cps := NewCheckpointService(h.store, h.store, h.files, pool.New(2), 0)
	h.engine = NewEngine(cfg, EngineDeps{
		Store:       h.store,
		Planner:     planner,
		Executor:    h.exec,
		Classifier:  keywordClassifier{},
		Hooks:       pipe,
		Checkpoints: cps,
		Budget:      h.budget,
		Audit:       h.audit,
		Events:      NewEventPublisher(nil, h.hub, nil),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.engine.Shutdown(ctx)
		h.audit.Close()
		h.hub.Close()
	})
	return h
}

func (h *harness) start(t *testing.T, goal string) *execution.Execution {
	t.Helper()
	e, err := h.engine.Start(context.Background(), &execution.StartRequest{
		AgentID: "agent-1",
		UserID:  "u1",
		Goal:    goal,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return e
}

func stepStatuses(e *execution.Execution) []execution.StepStatus {
	out := make([]execution.StepStatus, len(e.Steps))
	for i := range e.Steps {
		out[i] = e.Steps[i].Status
	}
	return out
}

func TestEngineRunsToCompletion(t *testing.T) {
	planner := &scriptPlanner{plans: []oracle.Plan{
		shellPlan("go mod tidy"),
		shellPlan("go build ./..."),
		shellPlan("go test ./..."),
	}}
	h := newHarness(t, planner, config.Engine{})

	started := h.start(t, "build the project")
	if started.ID == "" {
		t.Fatal("expected execution id")
	}
	got := waitState(t, h.engine, started.ID, "u1", execution.StateComplete)

	if got.CurrentStep != 3 || len(got.Steps) != 3 {
		t.Fatalf("expected 3 steps at cursor 3, got %d steps cursor %d", len(got.Steps), got.CurrentStep)
	}
	for i, s := range got.Steps {
		if s.Status != execution.StepComplete {
			t.Errorf("step %d: status %s", i+1, s.Status)
		}
		if s.Sequence != i+1 {
			t.Errorf("step %d: sequence %d", i+1, s.Sequence)
		}
	}
	if err := got.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
	if got.TokensIn != 300 || got.TokensOut != 150 {
		t.Errorf("tokens: in=%d out=%d", got.TokensIn, got.TokensOut)
	}
	if got.CostUSD <= 0 {
		t.Errorf("expected cost to accumulate, got %f", got.CostUSD)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at on terminal execution")
	}

	reqs := h.exec.Requests()
	if len(reqs) != 3 {
		t.Fatalf("expected 3 executed actions, got %d", len(reqs))
	}
	for i, r := range reqs {
		if r.Sequence != i+1 || r.ExecutionID != started.ID {
			t.Errorf("request %d: %+v", i, r)
		}
	}

	persisted := h.store.stored(started.ID)
	if persisted.State != execution.StateComplete {
		t.Errorf("persisted state %s", persisted.State)
	}
	waitFor(t, "completion audit", func() bool {
		acts := h.store.auditActions(started.ID)
		return slices.Contains(acts, "execution.start") && slices.Contains(acts, "execution.complete")
	})
	waitFor(t, "runner detach", func() bool { return h.engine.Running() == 0 })
}

func TestEngineStartValidation(t *testing.T) {
	h := newHarness(t, &scriptPlanner{}, config.Engine{})
	_, err := h.engine.Start(context.Background(), &execution.StartRequest{UserID: "u1", Goal: "x"})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestEngineGetStateOwnership(t *testing.T) {
	h := newHarness(t, &scriptPlanner{}, config.Engine{})
	e := h.start(t, "noop")
	waitState(t, h.engine, e.ID, "u1", execution.StateComplete)

	if _, err := h.engine.GetState(context.Background(), e.ID, "intruder"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := h.engine.GetState(context.Background(), "missing", "u1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEngineSensitiveStepRejected(t *testing.T) {
	planner := &scriptPlanner{plans: []oracle.Plan{
		shellPlan("git status"),
		shellPlan("git push --force origin main"),
	}}
	h := newHarness(t, planner, config.Engine{})
	e := h.start(t, "publish")

	parked := waitState(t, h.engine, e.ID, "u1", execution.StateAwaitingConfirmation)
	if parked.CurrentStep != 2 {
		t.Fatalf("expected cursor at 2, got %d", parked.CurrentStep)
	}
	s := parked.Steps[1]
	if s.Status != execution.StepAwaitingConfirmation || !s.Sensitive {
		t.Fatalf("step 2: status %s sensitive %v", s.Status, s.Sensitive)
	}
	if n := len(h.exec.Requests()); n != 1 {
		t.Fatalf("sensitive step must not execute before approval, executed %d", n)
	}
	waitFor(t, "confirmation checkpoint", func() bool { return h.store.checkpointCount() == 1 })

	got, err := h.engine.Reject(context.Background(), e.ID, "u1", "too dangerous")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if got.State != execution.StateFailed || got.FailureReason != execution.ReasonRejected {
		t.Fatalf("expected failed/rejected, got %s/%s", got.State, got.FailureReason)
	}
	s = got.Steps[1]
	if s.Status != execution.StepFailed || s.Error != "too dangerous" {
		t.Fatalf("step 2: status %s error %q", s.Status, s.Error)
	}
	if s.Confirmation == nil || s.Confirmation.Approved || s.Confirmation.ConfirmedBy != "u1" {
		t.Fatalf("confirmation: %+v", s.Confirmation)
	}
	if n := len(h.exec.Requests()); n != 1 {
		t.Fatalf("rejected step executed, %d requests", n)
	}
	if err := got.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

func TestEngineSensitiveStepApproved(t *testing.T) {
	planner := &scriptPlanner{plans: []oracle.Plan{shellPlan("git push --force origin feature")}}
	h := newHarness(t, planner, config.Engine{})
	e := h.start(t, "publish")
	waitState(t, h.engine, e.ID, "u1", execution.StateAwaitingConfirmation)

	if _, err := h.engine.Approve(context.Background(), e.ID, "intruder"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := h.engine.Approve(context.Background(), e.ID, "u1"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	got := waitState(t, h.engine, e.ID, "u1", execution.StateComplete)
	s := got.Steps[0]
	if s.Status != execution.StepComplete || s.Confirmation == nil || !s.Confirmation.Approved {
		t.Fatalf("step 1: %+v", s)
	}
	if n := len(h.exec.Requests()); n != 1 {
		t.Fatalf("expected 1 executed action, got %d", n)
	}
}

func TestEngineApproveWithoutPendingStep(t *testing.T) {
	h := newHarness(t, &scriptPlanner{}, config.Engine{})
	e := h.start(t, "noop")
	waitState(t, h.engine, e.ID, "u1", execution.StateComplete)

	if _, err := h.engine.Approve(context.Background(), e.ID, "u1"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestEngineStartOverBudget(t *testing.T) {
	planner := &scriptPlanner{plans: []oracle.Plan{shellPlan("ls")}}
	h := newHarness(t, planner, config.Engine{})
	ctx := context.Background()
	if err := h.budget.SetLimits(ctx, &budget.Limits{UserID: "u1", Daily: ptr(1.0)}); err != nil {
		t.Fatal(err)
	}
	if err := h.store.RecordUsage(ctx, budget.Usage{UserID: "u1", Cost: budget.MicrosOf(1.0)}); err != nil {
		t.Fatal(err)
	}

	e := h.start(t, "anything")
	if e.State != execution.StateFailed || e.FailureReason != execution.ReasonBudgetExceeded {
		t.Fatalf("expected failed/budget_exceeded, got %s/%s", e.State, e.FailureReason)
	}
	if len(e.Steps) != 0 {
		t.Fatalf("expected no steps, got %d", len(e.Steps))
	}
	if planner.Calls() != 0 {
		t.Fatalf("planner called %d times", planner.Calls())
	}
}

func TestEngineStartAtExactLimitFromRecordedUsage(t *testing.T) {
	planner := &scriptPlanner{plans: []oracle.Plan{shellPlan("ls")}}
	h := newHarness(t, planner, config.Engine{})
	h.budget.rates = budget.Rates{InputPer1K: 0.10}
	ctx := context.Background()
	if err := h.budget.SetLimits(ctx, &budget.Limits{UserID: "u1", Daily: ptr(1.00)}); err != nil {
		t.Fatal(err)
	}
	for range 10 {
		if _, err := h.budget.RecordUsage(ctx, "u1", 1000, 0); err != nil {
			t.Fatal(err)
		}
	}

	e := h.start(t, "anything")
	if e.State != execution.StateFailed || e.FailureReason != execution.ReasonBudgetExceeded {
		t.Fatalf("expected failed/budget_exceeded, got %s/%s", e.State, e.FailureReason)
	}
	if planner.Calls() != 0 {
		t.Fatalf("planner called %d times", planner.Calls())
	}
}

func TestEngineBudgetUnavailableFailsClosed(t *testing.T) {
	h := newHarness(t, &scriptPlanner{}, config.Engine{})
	h.store.usageErr = errBoom

	e := h.start(t, "anything")
	if e.FailureReason != execution.ReasonBudgetExceeded {
		t.Fatalf("expected budget_exceeded, got %s", e.FailureReason)
	}
	if !strings.Contains(e.FailureDetail, "could not be verified") {
		t.Fatalf("detail: %q", e.FailureDetail)
	}
}

func TestEngineExecutionBudgetLimit(t *testing.T) {
	// Each plan costs $0.002; the ceiling is hit after a few steps.
	h := newHarness(t, loopPlanner{}, config.Engine{})
	e, err := h.engine.Start(context.Background(), &execution.StartRequest{
		AgentID: "agent-1", UserID: "u1", Goal: "loop", BudgetLimit: 0.005,
	})
	if err != nil {
		t.Fatal(err)
	}
	got := waitState(t, h.engine, e.ID, "u1", execution.StateFailed)
	if got.FailureReason != execution.ReasonBudgetExceeded {
		t.Fatalf("expected budget_exceeded, got %s", got.FailureReason)
	}
	if got.CostUSD < 0.005 {
		t.Fatalf("cost %f below ceiling", got.CostUSD)
	}
}

func TestEngineResumeRechecksBudget(t *testing.T) {
	planner := &scriptPlanner{plans: []oracle.Plan{shellPlan("git push --force origin main")}}
	h := newHarness(t, planner, config.Engine{})
	ctx := context.Background()
	if err := h.budget.SetLimits(ctx, &budget.Limits{UserID: "u1", Daily: ptr(1.0)}); err != nil {
		t.Fatal(err)
	}
	e := h.start(t, "publish")
	waitState(t, h.engine, e.ID, "u1", execution.StateAwaitingConfirmation)

	_ = h.store.RecordUsage(ctx, budget.Usage{UserID: "u1", Cost: budget.MicrosOf(2.0)})
	got, err := h.engine.Resume(ctx, e.ID, "u1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got.State != execution.StateFailed || got.FailureReason != execution.ReasonBudgetExceeded {
		t.Fatalf("expected failed/budget_exceeded, got %s/%s", got.State, got.FailureReason)
	}
	if got.Steps[0].Status != execution.StepFailed {
		t.Fatalf("awaiting step should fail, got %s", got.Steps[0].Status)
	}
}

func TestEngineMaxSteps(t *testing.T) {
	h := newHarness(t, loopPlanner{}, config.Engine{})
	e, err := h.engine.Start(context.Background(), &execution.StartRequest{
		AgentID: "agent-1", UserID: "u1", Goal: "loop", MaxSteps: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	got := waitState(t, h.engine, e.ID, "u1", execution.StateFailed)
	if got.FailureReason != execution.ReasonMaxSteps {
		t.Fatalf("expected max_steps_exceeded, got %s", got.FailureReason)
	}
	if len(got.Steps) != 3 || got.CurrentStep != 3 {
		t.Fatalf("expected 3 steps, got %d cursor %d", len(got.Steps), got.CurrentStep)
	}
}

func TestEnginePlannerFailure(t *testing.T) {
	planner := &scriptPlanner{err: errBoom}
	h := newHarness(t, planner, config.Engine{})
	e := h.start(t, "plan")

	got := waitState(t, h.engine, e.ID, "u1", execution.StateFailed)
	if got.FailureReason != execution.ReasonOracleFailure {
		t.Fatalf("expected oracle_failure, got %s", got.FailureReason)
	}
	if len(got.Steps) != 1 || got.Steps[0].Action != "plan" || got.Steps[0].Status != execution.StepFailed {
		t.Fatalf("expected one failed plan step, got %+v", got.Steps)
	}
	if err := got.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

func TestEngineFailedActionContinues(t *testing.T) {
	planner := &scriptPlanner{plans: []oracle.Plan{shellPlan("make lint"), shellPlan("make fix")}}
	h := newHarness(t, planner, config.Engine{})
	h.exec.fn = func(req action.Request) (action.Outcome, error) {
		if req.Sequence == 1 {
			return action.Outcome{}, errBoom
		}
		return action.Outcome{}, nil
	}
	if _, err := h.hooks.Create(context.Background(), &hook.CreateRequest{
		Name:      "error notifier",
		Lifecycle: hook.OnError,
		Action:    hook.ActionNotify,
		Payload:   "step failed: {{error}}",
	}); err != nil {
		t.Fatal(err)
	}

	e := h.start(t, "lint")
	got := waitState(t, h.engine, e.ID, "u1", execution.StateComplete)
	want := []execution.StepStatus{execution.StepFailed, execution.StepComplete}
	if !slices.Equal(stepStatuses(got), want) {
		t.Fatalf("statuses: %v", stepStatuses(got))
	}
	if got.Steps[0].Error != "boom" {
		t.Fatalf("step 1 error %q", got.Steps[0].Error)
	}
	sent := h.notifier.Sent()
	if len(sent) != 1 || sent[0].Message != "step failed: boom" || sent[0].Level != "error" {
		t.Fatalf("notifications: %+v", sent)
	}
}

func TestEngineKeepsZeroConfidence(t *testing.T) {
	sure, unknown := shellPlan("ls"), shellPlan("pwd")
	sure.Confidence = ptr(0.0)
	unknown.Confidence = nil
	planner := &scriptPlanner{plans: []oracle.Plan{sure, unknown}}
	h := newHarness(t, planner, config.Engine{})
	if _, err := h.hooks.Create(context.Background(), &hook.CreateRequest{
		Name:      "confidence notifier",
		Lifecycle: hook.PreExecution,
		Action:    hook.ActionNotify,
		Payload:   "{{action}} conf={{confidence}}",
	}); err != nil {
		t.Fatal(err)
	}

	e := h.start(t, "look around")
	got := waitState(t, h.engine, e.ID, "u1", execution.StateComplete)
	if c := got.Steps[0].Confidence; c == nil || *c != 0 {
		t.Fatalf("step 1 confidence: %v", c)
	}
	if got.Steps[1].Confidence != nil {
		t.Fatalf("step 2 confidence: %v", *got.Steps[1].Confidence)
	}
	sent := h.notifier.Sent()
	if len(sent) != 2 || sent[0].Message != "shell conf=0.00" || sent[1].Message != "shell conf=" {
		t.Fatalf("notifications: %+v", sent)
	}
}

func TestEngineGuardBlocksStep(t *testing.T) {
	planner := &scriptPlanner{plans: []oracle.Plan{shellPlan("cat ../../etc/shadow")}}
	h := newHarness(t, planner, config.Engine{})
	if err := h.hooks.Load(context.Background(), hook.Builtins(0), nil); err != nil {
		t.Fatal(err)
	}
	h.judge.deny = "../"

	e := h.start(t, "read config")
	got := waitState(t, h.engine, e.ID, "u1", execution.StateFailed)
	if got.FailureReason != execution.ReasonHookBlocked {
		t.Fatalf("expected hook_blocked, got %s", got.FailureReason)
	}
	if !strings.Contains(got.FailureDetail, hook.SecurityGuardID) {
		t.Fatalf("detail %q should name the guard", got.FailureDetail)
	}
	s := got.Steps[0]
	if s.Status != execution.StepFailed || !strings.HasPrefix(s.Error, "blocked by ") {
		t.Fatalf("step 1: %s %q", s.Status, s.Error)
	}
	if n := len(h.exec.Requests()); n != 0 {
		t.Fatalf("blocked action executed %d times", n)
	}
}

func TestEngineRiskyStepCheckpointsFirst(t *testing.T) {
	planner := &scriptPlanner{plans: []oracle.Plan{shellPlan("rm -rf build")}}
	h := newHarness(t, planner, config.Engine{})
	e := h.start(t, "clean")
	waitState(t, h.engine, e.ID, "u1", execution.StateComplete)

	cps, err := h.engine.ListCheckpoints(context.Background(), e.ID, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(cps) != 1 || !cps[0].Automatic || !strings.HasPrefix(cps[0].Description, "before risky step 1") {
		t.Fatalf("checkpoints: %+v", cps)
	}
	if cps[0].StepNumber != 0 {
		t.Fatalf("checkpoint should precede the step, got step %d", cps[0].StepNumber)
	}
}

func TestEnginePauseDropsProposalAndResumes(t *testing.T) {
	planner := &scriptPlanner{
		plans: []oracle.Plan{shellPlan("dropped"), shellPlan("kept")},
		gate:  make(chan struct{}),
	}
	h := newHarness(t, planner, config.Engine{})
	ctx := context.Background()
	e := h.start(t, "work")
	waitFor(t, "planner to be asked", func() bool { return planner.entered.Load() == 1 })

	paused, err := h.engine.Pause(ctx, e.ID, "u1")
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if paused.State != execution.StatePaused {
		t.Fatalf("expected paused, got %s", paused.State)
	}
	planner.gate <- struct{}{}
	waitFor(t, "first planner call", func() bool { return planner.Calls() == 1 })
	waitFor(t, "usage of the dropped plan", func() bool {
		got, _ := h.engine.GetState(ctx, e.ID, "u1")
		return got.TokensIn == 100
	})
	got, _ := h.engine.GetState(ctx, e.ID, "u1")
	if got.State != execution.StatePaused || len(got.Steps) != 0 {
		t.Fatalf("paused execution progressed: %s with %d steps", got.State, len(got.Steps))
	}

	if _, err := h.engine.Resume(ctx, e.ID, "u1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	close(planner.gate)
	done := waitState(t, h.engine, e.ID, "u1", execution.StateComplete)
	if len(done.Steps) != 1 || execution.CommandText(done.Steps[0].Input) != "kept" {
		t.Fatalf("steps: %+v", done.Steps)
	}

	_, err = h.engine.Resume(ctx, e.ID, "u1")
	var te *execution.TransitionError
	if !errors.As(err, &te) || !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected transition error, got %v", err)
	}
}

func TestEngineStopDeferredWhileStepInFlight(t *testing.T) {
	planner := &scriptPlanner{plans: []oracle.Plan{shellPlan("sleep 10"), shellPlan("never")}}
	h := newHarness(t, planner, config.Engine{})
	h.exec.gate = make(chan struct{})
	h.exec.start = make(chan struct{}, 4)
	ctx := context.Background()
	e := h.start(t, "slow")

	<-h.exec.start
	stopped, err := h.engine.Stop(ctx, e.ID, "u1")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stopped.State != execution.StateRunning {
		t.Fatalf("stop with a step in flight should defer, got %s", stopped.State)
	}
	close(h.exec.gate)

	got := waitState(t, h.engine, e.ID, "u1", execution.StateFailed)
	if got.FailureReason != execution.ReasonCancelled {
		t.Fatalf("expected cancelled, got %s", got.FailureReason)
	}
	if len(got.Steps) != 1 || got.Steps[0].Status != execution.StepComplete {
		t.Fatalf("in-flight step should finish, got %+v", got.Steps)
	}

	if _, err := h.engine.Stop(ctx, e.ID, "u1"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("stop of terminal execution: %v", err)
	}
}

func TestEngineStopWhileAwaiting(t *testing.T) {
	planner := &scriptPlanner{plans: []oracle.Plan{shellPlan("git push --force")}}
	h := newHarness(t, planner, config.Engine{})
	e := h.start(t, "publish")
	waitState(t, h.engine, e.ID, "u1", execution.StateAwaitingConfirmation)

	got, err := h.engine.Stop(context.Background(), e.ID, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.State != execution.StateFailed || got.FailureReason != execution.ReasonCancelled {
		t.Fatalf("expected failed/cancelled, got %s/%s", got.State, got.FailureReason)
	}
	if got.Steps[0].Status != execution.StepFailed {
		t.Fatalf("awaiting step should fail, got %s", got.Steps[0].Status)
	}
}

// writingExecutor writes f<seq>.txt and reports the reversal record.
func writingExecutor(files *memFiles) func(req action.Request) (action.Outcome, error) {
	return func(req action.Request) (action.Outcome, error) {
		fc := files.write(fmt.Sprintf("f%d.txt", req.Sequence), fmt.Sprintf("v%d", req.Sequence))
		return action.Outcome{Files: []checkpoint.FileSnapshot{fc}}, nil
	}
}

func TestEngineRollbackDiscardsLaterSteps(t *testing.T) {
	plans := make([]oracle.Plan, 0, 6)
	for i := 1; i <= 5; i++ {
		plans = append(plans, shellPlan(fmt.Sprintf("write %d", i)))
	}
	plans = append(plans, shellPlan("git push --force origin main"))
	planner := &scriptPlanner{plans: plans}
	h := newHarness(t, planner, config.Engine{CheckpointInterval: 1})
	h.exec.fn = writingExecutor(h.files)
	ctx := context.Background()

	e := h.start(t, "write files")
	waitState(t, h.engine, e.ID, "u1", execution.StateAwaitingConfirmation)

	cps, err := h.engine.ListCheckpoints(ctx, e.ID, "u1")
	if err != nil {
		t.Fatal(err)
	}
	var target *checkpoint.Checkpoint
	for i := range cps {
		if cps[i].StepNumber == 2 {
			target = &cps[i]
		}
	}
	if target == nil {
		t.Fatalf("no checkpoint at step 2 among %d", len(cps))
	}

	got, err := h.engine.Rollback(ctx, target.ID, "u1")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if got.State != execution.StatePaused {
		t.Fatalf("expected paused after rollback, got %s", got.State)
	}
	if len(got.Steps) != 2 || got.CurrentStep != 2 {
		t.Fatalf("expected 2 steps at cursor 2, got %d cursor %d", len(got.Steps), got.CurrentStep)
	}
	if !slices.Equal(got.ModifiedFiles, []string{"f1.txt", "f2.txt"}) {
		t.Fatalf("modified files: %v", got.ModifiedFiles)
	}
	for i := 3; i <= 5; i++ {
		if _, ok := h.files.read(fmt.Sprintf("f%d.txt", i)); ok {
			t.Errorf("f%d.txt should be removed by rollback", i)
		}
	}
	if v, ok := h.files.read("f2.txt"); !ok || v != "v2" {
		t.Errorf("f2.txt = %q, %v", v, ok)
	}
	if err := got.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}

	// The planner has no more proposals, so the resumed run completes.
	if _, err := h.engine.Resume(ctx, e.ID, "u1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	done := waitState(t, h.engine, e.ID, "u1", execution.StateComplete)
	if len(done.Steps) != 2 {
		t.Fatalf("expected 2 steps after resume, got %d", len(done.Steps))
	}
}

func TestEngineRollbackRestoresContextExactly(t *testing.T) {
	planner := &scriptPlanner{plans: []oracle.Plan{shellPlan("git push --force")}}
	h := newHarness(t, planner, config.Engine{})
	ctx := context.Background()
	e, err := h.engine.Start(ctx, &execution.StartRequest{
		AgentID: "agent-1", UserID: "u1", Goal: "publish",
		Context: json.RawMessage("{\"k\": \"v\",\n  \"n\": 1}"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if string(e.Context) != `{"k":"v","n":1}` {
		t.Fatalf("context taken in as %s", e.Context)
	}
	waitState(t, h.engine, e.ID, "u1", execution.StateAwaitingConfirmation)
	waitFor(t, "confirmation checkpoint", func() bool { return h.store.checkpointCount() == 1 })

	cp, err := h.engine.LatestCheckpoint(ctx, e.ID, "u1")
	if err != nil {
		t.Fatal(err)
	}
	got, err := h.engine.Rollback(ctx, cp.ID, "u1")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if !bytes.Equal(got.Context, e.Context) {
		t.Fatalf("context after rollback %s, started with %s", got.Context, e.Context)
	}
	if !bytes.Equal(got.Steps[0].Input, h.store.stored(e.ID).Steps[0].Input) {
		t.Fatalf("step input changed by rollback: %s", got.Steps[0].Input)
	}
}

func TestEngineRollbackRejectsRunningAndComplete(t *testing.T) {
	planner := &scriptPlanner{plans: []oracle.Plan{shellPlan("rm -rf tmp")}}
	h := newHarness(t, planner, config.Engine{})
	ctx := context.Background()
	e := h.start(t, "clean")
	waitState(t, h.engine, e.ID, "u1", execution.StateComplete)

	cp, err := h.engine.LatestCheckpoint(ctx, e.ID, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.Rollback(ctx, cp.ID, "u1"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("rollback of complete execution: %v", err)
	}
	if _, err := h.engine.Rollback(ctx, "missing", "u1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("rollback to missing checkpoint: %v", err)
	}
}

func TestEngineRollbackRefusesFailedExecution(t *testing.T) {
	planner := &scriptPlanner{plans: []oracle.Plan{shellPlan("write"), shellPlan("git push --force")}}
	h := newHarness(t, planner, config.Engine{})
	h.exec.fn = writingExecutor(h.files)
	ctx := context.Background()
	e := h.start(t, "publish")
	waitState(t, h.engine, e.ID, "u1", execution.StateAwaitingConfirmation)
	waitFor(t, "confirmation checkpoint", func() bool { return h.store.checkpointCount() == 1 })

	if _, err := h.engine.Reject(ctx, e.ID, "u1", ""); err != nil {
		t.Fatal(err)
	}
	cp, err := h.engine.LatestCheckpoint(ctx, e.ID, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.Rollback(ctx, cp.ID, "u1"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("rollback of failed execution: %v", err)
	}
	waitFor(t, "runner detach", func() bool { return h.engine.Running() == 0 })

	got := h.store.stored(e.ID)
	if got.State != execution.StateFailed || got.FailureReason != execution.ReasonRejected {
		t.Fatalf("expected failed/rejected, got %s/%s", got.State, got.FailureReason)
	}
	if _, err := h.engine.Resume(ctx, e.ID, "u1"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("resume of failed execution: %v", err)
	}
}

func TestEngineAttachKeepsSingleLoop(t *testing.T) {
	planner := &scriptPlanner{plans: []oracle.Plan{shellPlan("write"), shellPlan("git push --force")}}
	h := newHarness(t, planner, config.Engine{})
	ctx := context.Background()
	e := h.start(t, "publish")
	waitState(t, h.engine, e.ID, "u1", execution.StateAwaitingConfirmation)

	h.engine.mu.Lock()
	r := h.engine.runners[e.ID]
	h.engine.mu.Unlock()
	if r == nil {
		t.Fatal("no runner registered")
	}
	h.engine.attach(r)
	h.engine.attach(r)

	if _, err := h.engine.Approve(ctx, e.ID, "u1"); err != nil {
		t.Fatal(err)
	}
	waitState(t, h.engine, e.ID, "u1", execution.StateComplete)
	waitFor(t, "runner detach", func() bool { return h.engine.Running() == 0 })

	planner.mu.Lock()
	calls := planner.calls
	planner.mu.Unlock()
	if calls != 3 {
		t.Fatalf("expected 3 planner calls, got %d", calls)
	}
	h.engine.mu.Lock()
	looping := r.looping
	h.engine.mu.Unlock()
	if looping {
		t.Fatal("loop still marked alive after completion")
	}
}

func TestEngineManualCheckpoint(t *testing.T) {
	planner := &scriptPlanner{plans: []oracle.Plan{shellPlan("git push --force")}}
	h := newHarness(t, planner, config.Engine{})
	ctx := context.Background()
	e := h.start(t, "publish")
	waitState(t, h.engine, e.ID, "u1", execution.StateAwaitingConfirmation)

	cp, err := h.engine.CreateCheckpoint(ctx, e.ID, "u1", "")
	if err != nil {
		t.Fatal(err)
	}
	if cp.Automatic || cp.Description != "manual checkpoint at step 1" {
		t.Fatalf("checkpoint: %+v", cp)
	}
	if err := cp.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, err := h.engine.CreateCheckpoint(ctx, e.ID, "intruder", "x"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestEngineStreamsEvents(t *testing.T) {
	planner := &scriptPlanner{plans: []oracle.Plan{shellPlan("echo hi")}, gate: make(chan struct{})}
	h := newHarness(t, planner, config.Engine{})
	e := h.start(t, "greet")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, _ := h.hub.Subscribe(ctx, e.ID)
	waitFor(t, "subscription", func() bool { return h.hub.Subscribers(e.ID) == 1 })
	close(planner.gate)

	var states []string
	steps := 0
	timeout := time.After(5 * time.Second)
	for !slices.Contains(states, string(execution.StateComplete)) {
		select {
		case ev := <-events:
			switch ev.Type {
			case "execution.state":
				states = append(states, ev.State)
			case "execution.step":
				steps++
			}
		case <-timeout:
			t.Fatalf("no completion event, states %v", states)
		}
	}
	// pending, running, complete
	if steps < 3 {
		t.Fatalf("expected step events for each status, got %d", steps)
	}
}

func TestEngineConcurrentExecutions(t *testing.T) {
	h := newHarness(t, loopPlanner{}, config.Engine{MaxSteps: 4})
	ids := make([]string, 0, 8)
	for i := range 8 {
		e := h.start(t, fmt.Sprintf("loop %d", i))
		ids = append(ids, e.ID)
	}
	for _, id := range ids {
		got := waitState(t, h.engine, id, "u1", execution.StateFailed)
		if got.FailureReason != execution.ReasonMaxSteps || len(got.Steps) != 4 {
			t.Fatalf("%s: %s with %d steps", id, got.FailureReason, len(got.Steps))
		}
		if err := got.CheckInvariants(); err != nil {
			t.Fatalf("%s invariants: %v", id, err)
		}
	}
	totals, _ := h.store.UsageTotals(context.Background(), "u1", time.Now())
	// 8 executions x 4 planner calls x 150 tokens
	if totals.DailyTokens != 8*4*150 {
		t.Fatalf("ledger tokens %d", totals.DailyTokens)
	}
}

func TestEnginePersistenceFailureStopsRunner(t *testing.T) {
	planner := &scriptPlanner{plans: []oracle.Plan{shellPlan("a")}, gate: make(chan struct{})}
	h := newHarness(t, planner, config.Engine{})
	e := h.start(t, "work")

	h.store.mu.Lock()
	h.store.updateErr = errBoom
	h.store.mu.Unlock()
	close(planner.gate)

	waitFor(t, "runner to stop", func() bool { return h.engine.Running() == 0 })
	persisted := h.store.stored(e.ID)
	if persisted.State != execution.StateRunning || len(persisted.Steps) != 0 {
		t.Fatalf("store changed despite failing writes: %s %d", persisted.State, len(persisted.Steps))
	}
}
