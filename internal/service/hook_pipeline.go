package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	aeotel "github.com/Strob0t/agentengine/internal/adapter/otel"
	"github.com/Strob0t/agentengine/internal/domain/audit"
	"github.com/Strob0t/agentengine/internal/domain/hook"
	"github.com/Strob0t/agentengine/internal/port/notifier"
	"github.com/Strob0t/agentengine/internal/port/oracle"
)

// HookSource supplies the hooks a pipeline runs.
type HookSource interface {
	Chain(lc hook.Lifecycle, projectID string) []hook.Hook
	Get(id string) (hook.Hook, error)
}

// ScriptRunner runs a named hook script and returns its output.
type ScriptRunner interface {
	Run(ctx context.Context, script string, hc *hook.Context) (string, error)
}

var errNoJudge = errors.New("no judge configured")

// HookPipeline executes lifecycle hook chains sequentially in priority
// order, stopping at the first blocking verdict.
type HookPipeline struct {
	hooks    HookSource
	rules    oracle.Judge // built-in rule hooks
	judge    oracle.Judge // user validate/guard hooks
	rewriter oracle.Rewriter
	scripts  ScriptRunner
	notify   notifier.Notifier
	audit    *AuditLogger
	metrics  *aeotel.Metrics
}

// HookPipelineDeps groups the pipeline's optional collaborators.
type HookPipelineDeps struct {
	Rules    oracle.Judge
	Judge    oracle.Judge
	Rewriter oracle.Rewriter
	Scripts  ScriptRunner
	Notifier notifier.Notifier
	Audit    *AuditLogger
	Metrics  *aeotel.Metrics
}

// NewHookPipeline creates a pipeline over the given hook source.
func NewHookPipeline(hooks HookSource, deps HookPipelineDeps) *HookPipeline {
	return &HookPipeline{
		hooks:    hooks,
		rules:    deps.Rules,
		judge:    deps.Judge,
		rewriter: deps.Rewriter,
		scripts:  deps.Scripts,
		notify:   deps.Notifier,
		audit:    deps.Audit,
		metrics:  deps.Metrics,
	}
}

// Run executes the chain for lc against hc.
func (p *HookPipeline) Run(ctx context.Context, lc hook.Lifecycle, hc hook.Context) hook.PipelineResult {
	hc.Lifecycle = lc
	ctx, span := aeotel.StartHookChainSpan(ctx, string(lc), hc.ExecutionID)
	res := p.runChain(ctx, p.hooks.Chain(lc, hc.ProjectID), &hc, true)
	aeotel.EndSpan(span, res.Err())
	if res.Blocked {
		p.metrics.HookBlocked(ctx, string(lc), res.BlockedBy)
	}
	return res
}

// Test evaluates one hook, even if disabled, against a sample context
// without recording anything.
func (p *HookPipeline) Test(ctx context.Context, hookID string, sample hook.Context) (hook.PipelineResult, error) {
	h, err := p.hooks.Get(hookID)
	if err != nil {
		return hook.PipelineResult{}, err
	}
	sample.Lifecycle = h.Lifecycle
	return p.runChain(ctx, []hook.Hook{h}, &sample, false), nil
}

func (p *HookPipeline) runChain(ctx context.Context, chain []hook.Hook, hc *hook.Context, record bool) hook.PipelineResult {
	res := hook.PipelineResult{Lifecycle: hc.Lifecycle, Results: make([]hook.Result, 0, len(chain))}
	transformed := false

	for i := range chain {
		h := &chain[i]
		r := p.runOne(ctx, h, hc)
		res.Results = append(res.Results, r)
		if record && !r.Skipped {
			p.record(ctx, h, hc, &r)
		}

		if r.Transformed != "" && h.Action == hook.ActionTransform {
			hc.Message = r.Transformed
			transformed = true
		}
		if r.Blocked {
			res.Blocked = true
			res.BlockedBy = h.ID
			res.BlockedReason = r.Reason
			break
		}
	}
	if transformed {
		res.Payload = hc.Message
	}
	return res
}

func (p *HookPipeline) runOne(ctx context.Context, h *hook.Hook, hc *hook.Context) (r hook.Result) {
	r = hook.Result{HookID: h.ID, Name: h.Name, Action: h.Action}
	if !h.Condition.Matches(hc) {
		r.Skipped = true
		r.Success = true
		return r
	}

	start := time.Now()
	defer func() { r.DurationMS = time.Since(start).Milliseconds() }()

	switch h.Action {
	case hook.ActionValidate, hook.ActionGuard:
		p.judgeHook(ctx, h, hc, &r)
	case hook.ActionTransform:
		out, err := p.produce(ctx, h, hc)
		if err != nil {
			r.Error = err.Error()
			break
		}
		r.Success = true
		r.Transformed = out
	case hook.ActionExecute:
		out, err := p.produce(ctx, h, hc)
		if err != nil {
			r.Error = err.Error()
			break
		}
		r.Success = true
		slog.Debug("hook executed", "hook_id", h.ID, "execution_id", hc.ExecutionID, "output_bytes", len(out))
	case hook.ActionNotify:
		p.notifyHook(ctx, h, hc, &r)
	case hook.ActionLog:
		slog.InfoContext(ctx, "hook log",
			"hook_id", h.ID,
			"lifecycle", string(hc.Lifecycle),
			"execution_id", hc.ExecutionID,
			"message", hook.Render(h.Payload, hc),
		)
		r.Success = true
	default:
		r.Error = fmt.Sprintf("unknown action %q", h.Action)
	}
	return r
}

// judgeHook asks the rule engine (built-in rules) or the judge (templated
// prompts) for a verdict. A failed guard blocks; a failed validate does not.
func (p *HookPipeline) judgeHook(ctx context.Context, h *hook.Hook, hc *hook.Context, r *hook.Result) {
	j := p.judge
	if h.Rule != "" {
		j = p.rules
	}
	var v oracle.Verdict
	err := errNoJudge
	if j != nil {
		v, err = j.Judge(ctx, oracle.JudgeRequest{
			Rule:    h.Rule,
			Prompt:  hook.Render(h.Payload, hc),
			Message: hc.Message,
			Context: hc,
		})
	}
	if err != nil {
		r.Error = err.Error()
		if h.Action == hook.ActionGuard {
			r.Blocked = true
			r.Reason = "guard could not be evaluated: " + err.Error()
		}
		return
	}
	r.Success = true
	if !v.Allowed {
		r.Blocked = true
		r.Reason = v.Reason
		if r.Reason == "" {
			r.Reason = h.Name + " rejected the action"
		}
	}
}

// produce runs a hook's script or rewrite prompt and returns its output.
func (p *HookPipeline) produce(ctx context.Context, h *hook.Hook, hc *hook.Context) (string, error) {
	if script, ok := h.ScriptRef(); ok {
		if p.scripts == nil {
			return "", errors.New("no script runner configured")
		}
		return p.scripts.Run(ctx, script, hc)
	}
	if p.rewriter == nil {
		return "", errors.New("no rewriter configured")
	}
	return p.rewriter.Rewrite(ctx, hook.Render(h.Payload, hc), hc.Message)
}

func (p *HookPipeline) notifyHook(ctx context.Context, h *hook.Hook, hc *hook.Context, r *hook.Result) {
	if p.notify == nil {
		r.Error = notifier.ErrNotConfigured.Error()
		return
	}
	view := hc
	if h.Condition != nil && h.Condition.MinFileBytes > 0 {
		c := *hc
		c.Files = hook.LargeFiles(hc, h.Condition.MinFileBytes)
		view = &c
	}
	msg := hook.Render(h.Payload, view)
	if msg == "" {
		msg = hc.Message
	}
	level := "info"
	if hc.Lifecycle == hook.OnError {
		level = "error"
	}
	err := p.notify.Send(ctx, notifier.Notification{
		Title:       h.Name,
		Message:     msg,
		Level:       level,
		Source:      h.ID,
		ExecutionID: hc.ExecutionID,
		UserID:      hc.UserID,
	})
	if err != nil {
		r.Error = err.Error()
		return
	}
	r.Success = true
}

func (p *HookPipeline) record(ctx context.Context, h *hook.Hook, hc *hook.Context, r *hook.Result) {
	if p.audit == nil {
		return
	}
	e := audit.Entry{
		UserID:      hc.UserID,
		ProjectID:   hc.ProjectID,
		ExecutionID: hc.ExecutionID,
		Action:      "hook." + string(h.Action),
		Category:    audit.CategoryHook,
		Severity:    audit.SeverityInfo,
		Message:     fmt.Sprintf("%s (%s)", h.Name, hc.Lifecycle),
		Details:     mustJSON(r),
	}
	switch {
	case r.Blocked:
		e.Category = audit.CategorySafety
		e.Severity = audit.SeverityWarning
		e.Message = fmt.Sprintf("%s blocked %s: %s", h.Name, hc.Lifecycle, r.Reason)
	case !r.Success:
		e.Severity = audit.SeverityError
	}
	p.audit.Log(ctx, e)
}
