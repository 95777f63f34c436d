package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	aeotel "github.com/Strob0t/agentengine/internal/adapter/otel"
	"github.com/Strob0t/agentengine/internal/domain/audit"
	"github.com/Strob0t/agentengine/internal/domain/execution"
	"github.com/Strob0t/agentengine/internal/domain/hook"
	"github.com/Strob0t/agentengine/internal/port/action"
	"github.com/Strob0t/agentengine/internal/port/classifier"
	"github.com/Strob0t/agentengine/internal/port/oracle"
)

// loop drives one execution until it is terminal, its runner is lost, or
// the engine shuts down. It parks on the wake channel whenever the
// execution is not running.
func (en *Engine) loop(r *runner) {
	defer en.wg.Done()

	ctx, span := aeotel.StartExecutionSpan(en.ctx, r.exec.ID, string(r.exec.AgentType))
	defer func() { aeotel.EndSpan(span, nil) }()

	for {
		if ctx.Err() != nil || r.lost.Load() {
			en.release(r)
			return
		}
		r.mu.Lock()
		terminal := r.exec.IsTerminal()
		running := r.exec.State == execution.StateRunning
		busy := r.terminating || r.inFlight
		cancel := r.cancelReq && !busy
		r.mu.Unlock()

		switch {
		case terminal:
			if en.release(r) {
				return
			}
			continue
		case cancel:
			en.failRun(ctx, r, execution.ReasonCancelled, "cancelled by user")
			continue
		case running && !busy:
			en.iterate(ctx, r)
			continue
		}

		select {
		case <-r.wake:
		case <-ctx.Done():
			en.release(r)
			return
		}
	}
}

// canProceedLocked reports whether the loop may start work on a step.
func (r *runner) canProceedLocked() bool {
	return r.exec.State == execution.StateRunning && !r.terminating && !r.cancelReq && !r.lost.Load()
}

// iterate performs one unit of progress: it either picks up the step left
// by a previous iteration or asks the planner for a new one.
func (en *Engine) iterate(ctx context.Context, r *runner) {
	r.mu.Lock()
	e := r.exec

	if last := e.LastStep(); last != nil {
		seq := last.Sequence
		switch last.Status {
		case execution.StepRunning:
			// Left running by a process that died mid-step.
			prev := e.State
			_ = e.FinishStep(seq, execution.StepFailed, nil, "interrupted before the action reported a result", en.now().UTC())
			_ = en.commitLocked(ctx, r, prev, seq)
			r.mu.Unlock()
			return
		case execution.StepAwaitingConfirmation:
			if last.Confirmation == nil || !last.Confirmation.Approved {
				// Resumed from a rollback that restored an undecided step.
				_ = en.transitionLocked(ctx, r, execution.StateAwaitingConfirmation)
				r.mu.Unlock()
				return
			}
			r.mu.Unlock()
			en.runStep(ctx, r, seq)
			return
		case execution.StepPending:
			r.mu.Unlock()
			en.prepareStep(ctx, r, seq)
			return
		}
	}

	if reason, detail := en.overBudgetLocked(ctx, e); reason != "" {
		hc, ok := en.claimFailureLocked(r)
		r.mu.Unlock()
		if ok {
			en.completeFailure(ctx, r, hc, reason, detail)
		}
		return
	}
	maxSteps := e.MaxSteps
	if maxSteps <= 0 {
		maxSteps = en.cfg.MaxSteps
	}
	if len(e.Steps) >= maxSteps {
		hc, ok := en.claimFailureLocked(r)
		r.mu.Unlock()
		if ok {
			en.completeFailure(ctx, r, hc, execution.ReasonMaxSteps, fmt.Sprintf("stopped after %d steps", maxSteps))
		}
		return
	}

	req := oracle.PlanRequest{
		ExecutionID: e.ID,
		Goal:        e.Goal,
		AgentType:   string(e.AgentType),
		History:     e.Clone().Steps,
		Context:     e.Context,
	}
	userID := e.UserID
	r.mu.Unlock()

	plan, err := en.planner.Next(ctx, req)
	if ctx.Err() != nil {
		return
	}
	cost := en.charge(ctx, userID, plan.TokensIn, plan.TokensOut)
	if err == nil && !plan.Done && plan.Action == "" {
		err = errors.New("planner returned neither an action nor completion")
	}

	r.mu.Lock()
	e.AddUsage(plan.TokensIn, plan.TokensOut, cost)
	if !r.canProceedLocked() {
		// Paused, cancelled or failed while planning: the proposal is dropped
		// and asked for again on resume.
		prev := e.State
		if !e.IsTerminal() && !r.lost.Load() {
			_ = en.commitLocked(ctx, r, prev)
		}
		r.mu.Unlock()
		return
	}

	if err != nil {
		prev := e.State
		now := en.now().UTC()
		if s, appendErr := e.AppendStep(uuid.NewString(), "plan", nil, now); appendErr == nil {
			_ = e.FinishStep(s.Sequence, execution.StepFailed, nil, err.Error(), now)
			_ = en.commitLocked(ctx, r, prev, s.Sequence)
		}
		hc, ok := en.claimFailureLocked(r)
		r.mu.Unlock()
		slog.Warn("planner failed", "execution_id", req.ExecutionID, "error", err)
		if ok {
			en.completeFailure(ctx, r, hc, execution.ReasonOracleFailure, "planner failed: "+err.Error())
		}
		return
	}

	if plan.Done {
		if err := en.transitionLocked(ctx, r, execution.StateComplete); err == nil {
			en.record(ctx, e, audit.CategoryExecution, audit.SeverityInfo, "execution.complete", plan.Reason, map[string]any{
				"steps":    len(e.Steps),
				"cost_usd": e.CostUSD,
			})
			slog.Info("execution complete", "execution_id", e.ID, "steps", len(e.Steps), "cost_usd", e.CostUSD)
		}
		r.mu.Unlock()
		return
	}

	prev := e.State
	s, err := e.AppendStep(uuid.NewString(), plan.Action, plan.Input, en.now().UTC())
	if err != nil {
		r.mu.Unlock()
		slog.Error("append step", "execution_id", e.ID, "error", err)
		en.failRun(ctx, r, execution.ReasonOracleFailure, err.Error())
		return
	}
	if plan.Confidence != nil {
		c := *plan.Confidence
		s.Confidence = &c
	}
	seq := s.Sequence
	if err := en.commitLocked(ctx, r, prev, seq); err != nil {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	en.prepareStep(ctx, r, seq)
}

// prepareStep runs the pre_execution chain against a pending step,
// classifies it and either parks it for confirmation or executes it.
func (en *Engine) prepareStep(ctx context.Context, r *runner, seq int) {
	r.mu.Lock()
	s := r.exec.StepBySequence(seq)
	if s == nil || s.Status != execution.StepPending || !r.canProceedLocked() {
		r.mu.Unlock()
		return
	}
	hc := hookContextFor(r.exec)
	hc.Action = s.Action
	hc.Input = s.Input
	if s.Confidence != nil {
		c := *s.Confidence
		hc.Confidence = &c
	}
	act, input := s.Action, s.Input
	r.mu.Unlock()

	// pre_execution runs once the planner has proposed the step, so guards
	// judge the concrete action. The budget check already ran before planning.
	if res := en.runHooks(ctx, hook.PreExecution, hc); res.Blocked {
		en.blockStep(ctx, r, seq, res)
		return
	}

	cls := en.classify(ctx, act, input)

	r.mu.Lock()
	s = r.exec.StepBySequence(seq)
	if s == nil || s.Status != execution.StepPending || !r.canProceedLocked() {
		r.mu.Unlock()
		return
	}
	s.Sensitive = cls.Sensitive
	s.Risky = cls.Risky

	if cls.Sensitive {
		e := r.exec
		prev := e.State
		if err := e.AwaitConfirmation(seq); err != nil {
			r.mu.Unlock()
			return
		}
		if err := e.Transition(execution.StateAwaitingConfirmation); err != nil {
			r.mu.Unlock()
			return
		}
		if err := en.commitLocked(ctx, r, prev, seq); err != nil {
			r.mu.Unlock()
			return
		}
		en.record(ctx, e, audit.CategorySafety, audit.SeverityWarning, "step.confirmation_requested",
			fmt.Sprintf("step %d (%s) needs confirmation", seq, act), map[string]any{
				"step":    seq,
				"reasons": cls.Reasons,
			})
		r.mu.Unlock()

		if _, err := en.takeCheckpoint(ctx, r, fmt.Sprintf("awaiting confirmation of step %d (%s)", seq, act), true); err != nil {
			en.failRun(ctx, r, execution.ReasonCheckpointFailed, err.Error())
		}
		return
	}
	r.mu.Unlock()

	if cls.Risky {
		if _, err := en.takeCheckpoint(ctx, r, fmt.Sprintf("before risky step %d (%s)", seq, act), true); err != nil {
			en.failRun(ctx, r, execution.ReasonCheckpointFailed, err.Error())
			return
		}
	}
	en.runStep(ctx, r, seq)
}

// classify falls back to requiring confirmation when the classifier fails.
func (en *Engine) classify(ctx context.Context, act string, input json.RawMessage) classifier.Classification {
	if en.classifier == nil {
		return classifier.Classification{}
	}
	cls, err := en.classifier.Classify(ctx, act, input)
	if err != nil {
		slog.Warn("classify action", "action", act, "error", err)
		return classifier.Classification{Sensitive: true, Reasons: []string{"classification unavailable: " + err.Error()}}
	}
	return cls
}

// blockStep fails the pending step and the execution after a blocking hook.
func (en *Engine) blockStep(ctx context.Context, r *runner, seq int, res hook.PipelineResult) {
	detail := fmt.Sprintf("%s: %s", res.BlockedBy, res.BlockedReason)
	r.mu.Lock()
	e := r.exec
	if s := e.StepBySequence(seq); s != nil && !s.Status.Finished() {
		prev := e.State
		if err := e.FinishStep(seq, execution.StepFailed, s.Output, "blocked by "+detail, en.now().UTC()); err == nil {
			_ = en.commitLocked(ctx, r, prev, seq)
		}
	}
	en.record(ctx, e, audit.CategorySafety, audit.SeverityWarning, "step.blocked", detail, map[string]any{
		"step":      seq,
		"lifecycle": res.Lifecycle,
		"hook_id":   res.BlockedBy,
	})
	r.mu.Unlock()
	en.failRun(ctx, r, execution.ReasonHookBlocked, detail)
}

// runStep executes a pending or approved step outside the lock, journals
// its changes and runs the post-step hook chains.
func (en *Engine) runStep(ctx context.Context, r *runner, seq int) {
	r.mu.Lock()
	e := r.exec
	if !r.canProceedLocked() {
		r.mu.Unlock()
		return
	}
	prev := e.State
	if err := e.BeginStep(seq, en.now().UTC()); err != nil {
		r.mu.Unlock()
		slog.Error("begin step", "execution_id", e.ID, "step", seq, "error", err)
		return
	}
	if err := en.commitLocked(ctx, r, prev, seq); err != nil {
		r.mu.Unlock()
		return
	}
	r.inFlight = true
	s := e.StepBySequence(seq)
	req := action.Request{
		ExecutionID: e.ID,
		StepID:      s.ID,
		Sequence:    seq,
		ProjectID:   e.ProjectID,
		AgentType:   string(e.AgentType),
		Action:      s.Action,
		Input:       s.Input,
	}
	userID := e.UserID
	r.mu.Unlock()

	sctx, span := aeotel.StartStepSpan(ctx, req.ExecutionID, seq, req.Action)
	out, execErr := en.executor.Execute(sctx, req)
	aeotel.EndSpan(span, execErr)
	if ctx.Err() != nil {
		// Shutting down: leave the step running for recovery to settle.
		r.mu.Lock()
		r.inFlight = false
		r.mu.Unlock()
		return
	}
	cost := en.charge(ctx, userID, out.TokensIn, out.TokensOut)

	r.mu.Lock()
	r.inFlight = false
	prev = e.State
	s = e.StepBySequence(seq)
	if len(out.Files) > 0 || len(out.DB) > 0 {
		s.Changes = &execution.Changes{Files: out.Files, DB: out.DB}
	}
	for _, f := range out.Files {
		e.TrackFile(f.Path)
	}
	e.AddUsage(out.TokensIn, out.TokensOut, cost)

	status, errMsg := execution.StepComplete, ""
	if execErr != nil {
		status, errMsg = execution.StepFailed, execErr.Error()
	}
	if err := e.FinishStep(seq, status, out.Output, errMsg, en.now().UTC()); err != nil {
		slog.Warn("finish step", "execution_id", e.ID, "step", seq, "error", err)
	}
	if err := en.commitLocked(ctx, r, prev, seq); err != nil {
		r.mu.Unlock()
		return
	}
	s = e.StepBySequence(seq)
	en.metrics.StepFinished(ctx, s.Action, string(s.Status), s.DurationMS)

	hc := hookContextFor(e)
	hc.Message = string(out.Output)
	hc.Action = s.Action
	hc.Input = s.Input
	hc.Error = errMsg
	if s.Confidence != nil {
		c := *s.Confidence
		hc.Confidence = &c
	}
	var changed []string
	if len(out.Files) > 0 {
		hc.FileSizes = make(map[string]int64, len(out.Files))
		for _, f := range out.Files {
			changed = append(changed, f.Path)
			hc.FileSizes[f.Path] = f.Size
		}
	}

	sev := audit.SeverityInfo
	if execErr != nil {
		sev = audit.SeverityError
	}
	en.record(ctx, e, audit.CategoryToolCall, sev, s.Action, fmt.Sprintf("step %d %s", seq, s.Status), map[string]any{
		"step":        seq,
		"status":      s.Status,
		"duration_ms": s.DurationMS,
		"error":       errMsg,
		"files":       changed,
		"cost_usd":    cost,
	})
	completed := 0
	for i := range e.Steps {
		if e.Steps[i].Status == execution.StepComplete {
			completed++
		}
	}
	r.mu.Unlock()

	if res := en.runHooks(ctx, hook.PostExecution, hc); res.Blocked {
		en.failRun(ctx, r, execution.ReasonHookBlocked, fmt.Sprintf("%s: %s", res.BlockedBy, res.BlockedReason))
		return
	}
	if len(changed) > 0 {
		fc := hc
		fc.Files = changed
		if res := en.runHooks(ctx, hook.OnFileChange, fc); res.Blocked {
			en.failRun(ctx, r, execution.ReasonHookBlocked, fmt.Sprintf("%s: %s", res.BlockedBy, res.BlockedReason))
			return
		}
	}
	if execErr != nil {
		en.runHooks(ctx, hook.OnError, hc)
	}

	if k := en.cfg.CheckpointInterval; k > 0 && status == execution.StepComplete && completed%k == 0 {
		if _, err := en.takeCheckpoint(ctx, r, fmt.Sprintf("every %d steps (step %d)", k, seq), true); err != nil {
			en.failRun(ctx, r, execution.ReasonCheckpointFailed, err.Error())
		}
	}
}
