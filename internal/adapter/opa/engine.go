// Package opa evaluates the built-in guard rules and the action classifier
// with an embedded rego module.
package opa

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/Strob0t/agentengine/internal/domain"
	"github.com/Strob0t/agentengine/internal/domain/execution"
	"github.com/Strob0t/agentengine/internal/domain/hook"
	"github.com/Strob0t/agentengine/internal/port/classifier"
	"github.com/Strob0t/agentengine/internal/port/oracle"
)

//go:embed policy.rego
var policy string

var knownRules = map[string]bool{
	hook.RuleSecurity:  true,
	hook.RuleForcePush: true,
}

// Engine is the OPA policy engine. Queries are prepared once.
type Engine struct {
	decision          rego.PreparedEvalQuery
	classification    rego.PreparedEvalQuery
	protectedBranches []string
}

var (
	_ oracle.Judge          = (*Engine)(nil)
	_ classifier.Classifier = (*Engine)(nil)
)

// NewEngine prepares the guard and classification queries.
func NewEngine(ctx context.Context, protectedBranches []string) (*Engine, error) {
	prepare := func(query string) (rego.PreparedEvalQuery, error) {
		q, err := rego.New(
			rego.Query(query),
			rego.Module("agentengine.rego", policy),
		).PrepareForEval(ctx)
		if err != nil {
			return rego.PreparedEvalQuery{}, fmt.Errorf("prepare %s: %w", query, err)
		}
		return q, nil
	}

	decision, err := prepare("data.agentengine.decision")
	if err != nil {
		return nil, err
	}
	classification, err := prepare("data.agentengine.classification")
	if err != nil {
		return nil, err
	}
	if protectedBranches == nil {
		protectedBranches = []string{}
	}
	return &Engine{
		decision:          decision,
		classification:    classification,
		protectedBranches: protectedBranches,
	}, nil
}

type ruleResult struct {
	Allowed   bool     `json:"allowed"`
	Sensitive bool     `json:"sensitive"`
	Risky     bool     `json:"risky"`
	Reasons   []string `json:"reasons"`
}

// Judge implements oracle.Judge for built-in rules. Unknown rules are a
// validation error.
func (e *Engine) Judge(ctx context.Context, req oracle.JudgeRequest) (oracle.Verdict, error) {
	if !knownRules[req.Rule] {
		return oracle.Verdict{}, fmt.Errorf("unknown rule %q: %w", req.Rule, domain.ErrValidation)
	}
	in := map[string]any{
		"rule":               req.Rule,
		"message":            req.Message,
		"command":            "",
		"action":             "",
		"files":              []string{},
		"protected_branches": e.protectedBranches,
	}
	if hc := req.Context; hc != nil {
		in["action"] = hc.Action
		in["command"] = execution.CommandText(hc.Input)
		if hc.Files != nil {
			in["files"] = hc.Files
		}
	}

	var res ruleResult
	if err := eval(ctx, e.decision, in, &res); err != nil {
		return oracle.Verdict{}, err
	}
	v := oracle.Verdict{Allowed: res.Allowed}
	if !res.Allowed {
		v.Reason = strings.Join(res.Reasons, ", ")
	}
	return v, nil
}

// Classify implements classifier.Classifier.
func (e *Engine) Classify(ctx context.Context, action string, input json.RawMessage) (classifier.Classification, error) {
	in := map[string]any{
		"action":  action,
		"command": execution.CommandText(input),
	}
	var res ruleResult
	if err := eval(ctx, e.classification, in, &res); err != nil {
		return classifier.Classification{}, err
	}
	return classifier.Classification{
		Sensitive: res.Sensitive,
		Risky:     res.Risky,
		Reasons:   res.Reasons,
	}, nil
}

// eval runs q and decodes its single object result into out.
func eval(ctx context.Context, q rego.PreparedEvalQuery, input map[string]any, out *ruleResult) error {
	results, err := q.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return fmt.Errorf("evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return fmt.Errorf("policy produced no result")
	}
	raw, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return fmt.Errorf("encode policy result: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode policy result: %w", err)
	}
	return nil
}
