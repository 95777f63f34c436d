package litellm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Strob0t/agentengine/internal/domain"
	"github.com/Strob0t/agentengine/internal/port/oracle"
)

var (
	_ oracle.Planner  = (*Client)(nil)
	_ oracle.Judge    = (*Client)(nil)
	_ oracle.Rewriter = (*Client)(nil)
)

const plannerSystem = `You drive an autonomous %s agent one step at a time.
Given the goal and the steps taken so far, propose exactly one next action,
or declare the goal reached. Reply with a single JSON object:
{"done": bool, "action": string, "input": object, "confidence": number between 0 and 1, "reason": string}
When done is true, action and input are ignored.`

const judgeSystem = `You review actions taken by an autonomous agent against a rule.
Reply with a single JSON object: {"allowed": bool, "reason": string}.
Deny only when the content clearly violates the rule.`

const rewriteSystem = `Rewrite the payload as instructed. Reply with the rewritten payload only.`

// historyLimit bounds the number of past steps sent to the planner.
const historyLimit = 20

// Next implements oracle.Planner.
func (c *Client) Next(ctx context.Context, req oracle.PlanRequest) (oracle.Plan, error) {
	agent := req.AgentType
	if agent == "" {
		agent = "general-purpose"
	}
	comp, err := c.chat(ctx, c.plannerModel, fmt.Sprintf(plannerSystem, agent), planPrompt(req), true)
	if err != nil {
		return oracle.Plan{}, fmt.Errorf("plan next step: %w: %w", domain.ErrOracleFailure, err)
	}
	var plan oracle.Plan
	if err := json.Unmarshal([]byte(stripFence(comp.content)), &plan); err != nil {
		return oracle.Plan{TokensIn: comp.tokensIn, TokensOut: comp.tokensOut},
			fmt.Errorf("decode plan: %w: %w", domain.ErrOracleFailure, err)
	}
	plan.TokensIn, plan.TokensOut = comp.tokensIn, comp.tokensOut
	if plan.Confidence != nil && (*plan.Confidence < 0 || *plan.Confidence > 1) {
		plan.Confidence = nil
	}
	return plan, nil
}

func planPrompt(req oracle.PlanRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", untrusted(req.Goal))
	if len(req.Context) > 0 {
		fmt.Fprintf(&b, "Context: %s\n", req.Context)
	}
	history := req.History
	if len(history) > historyLimit {
		fmt.Fprintf(&b, "(%d earlier steps omitted)\n", len(history)-historyLimit)
		history = history[len(history)-historyLimit:]
	}
	if len(history) == 0 {
		b.WriteString("No steps taken yet.\n")
	}
	for i := range history {
		s := &history[i]
		fmt.Fprintf(&b, "Step %d: %s %s -> %s", s.Sequence, s.Action, s.Input, s.Status)
		if s.Error != "" {
			fmt.Fprintf(&b, " (%s)", untrusted(s.Error))
		}
		if len(s.Output) > 0 {
			fmt.Fprintf(&b, " output=%s", truncate(untrusted(string(s.Output)), 500))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// Judge implements oracle.Judge for user hooks with a prompt template.
func (c *Client) Judge(ctx context.Context, req oracle.JudgeRequest) (oracle.Verdict, error) {
	var b strings.Builder
	rule := req.Prompt
	if rule == "" {
		rule = req.Rule
	}
	fmt.Fprintf(&b, "Rule: %s\n", rule)
	fmt.Fprintf(&b, "Content: %s\n", untrusted(req.Message))
	if req.Context != nil {
		if hc, err := json.Marshal(req.Context); err == nil {
			fmt.Fprintf(&b, "Context: %s\n", hc)
		}
	}
	comp, err := c.chat(ctx, c.judgeModel, judgeSystem, b.String(), true)
	if err != nil {
		return oracle.Verdict{}, fmt.Errorf("judge: %w: %w", domain.ErrOracleFailure, err)
	}
	var v oracle.Verdict
	if err := json.Unmarshal([]byte(stripFence(comp.content)), &v); err != nil {
		return oracle.Verdict{}, fmt.Errorf("decode verdict: %w: %w", domain.ErrOracleFailure, err)
	}
	v.TokensIn, v.TokensOut = comp.tokensIn, comp.tokensOut
	return v, nil
}

// Rewrite implements oracle.Rewriter.
func (c *Client) Rewrite(ctx context.Context, prompt, payload string) (string, error) {
	user := fmt.Sprintf("Instruction: %s\nPayload:\n%s", prompt, untrusted(payload))
	comp, err := c.chat(ctx, c.judgeModel, rewriteSystem, user, false)
	if err != nil {
		return "", fmt.Errorf("rewrite: %w: %w", domain.ErrOracleFailure, err)
	}
	return strings.TrimSpace(comp.content), nil
}

// stripFence removes a Markdown code fence some models wrap JSON in.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
