package http

import (
	"context"
	"net/http"

	"github.com/Strob0t/agentengine/internal/domain/audit"
	"github.com/Strob0t/agentengine/internal/domain/budget"
	"github.com/Strob0t/agentengine/internal/domain/checkpoint"
	"github.com/Strob0t/agentengine/internal/domain/execution"
	"github.com/Strob0t/agentengine/internal/domain/hook"
	"github.com/Strob0t/agentengine/internal/domain/replay"
)

// Executions is the execution engine as the API drives it. Every call is
// made on behalf of the requesting user.
type Executions interface {
	Start(ctx context.Context, req *execution.StartRequest) (*execution.Execution, error)
	GetState(ctx context.Context, id, userID string) (*execution.Execution, error)
	Pause(ctx context.Context, id, userID string) (*execution.Execution, error)
	Resume(ctx context.Context, id, userID string) (*execution.Execution, error)
	Stop(ctx context.Context, id, userID string) (*execution.Execution, error)
	Approve(ctx context.Context, id, userID string) (*execution.Execution, error)
	Reject(ctx context.Context, id, userID, reason string) (*execution.Execution, error)
	Rollback(ctx context.Context, checkpointID, userID string) (*execution.Execution, error)
	CreateCheckpoint(ctx context.Context, id, userID, description string) (*checkpoint.Checkpoint, error)
	ListCheckpoints(ctx context.Context, id, userID string) ([]checkpoint.Checkpoint, error)
	LatestCheckpoint(ctx context.Context, id, userID string) (*checkpoint.Checkpoint, error)
}

// Replayer builds execution timelines and comparisons.
type Replayer interface {
	Timeline(ctx context.Context, id, userID string) (*replay.Timeline, error)
	Compare(ctx context.Context, leftID, rightID, userID string) (*replay.Comparison, error)
}

// Hooks manages the hook registry.
type Hooks interface {
	List(projectID string) []hook.Hook
	Get(id string) (hook.Hook, error)
	Create(ctx context.Context, req *hook.CreateRequest) (hook.Hook, error)
	Update(ctx context.Context, id string, req *hook.UpdateRequest) (hook.Hook, error)
	Toggle(ctx context.Context, id string) (hook.Hook, error)
	Delete(ctx context.Context, id string) error
}

// HookTester dry-runs a single hook against a sample context.
type HookTester interface {
	Test(ctx context.Context, hookID string, sample hook.Context) (hook.PipelineResult, error)
}

// AuditQuerier pages through the audit trail.
type AuditQuerier interface {
	Query(ctx context.Context, f audit.Filter) (*audit.Page, error)
}

// Budget reports and configures per-user spending ceilings.
type Budget interface {
	CanExecute(ctx context.Context, userID string) (budget.Decision, error)
	SetLimits(ctx context.Context, l *budget.Limits) error
}

// Streamer upgrades a request to the live event stream of one execution.
// It returns an error, without writing a response, when the execution
// cannot be streamed to the user.
type Streamer interface {
	Serve(w http.ResponseWriter, r *http.Request, executionID, userID string) error
}

// HealthCheck probes one dependency.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handlers holds the services the HTTP API delegates to.
type Handlers struct {
	Executions   Executions
	Replay       Replayer
	Hooks        Hooks
	HookTest     HookTester
	Audit        AuditQuerier
	Budget       Budget
	Stream       Streamer
	HealthChecks []HealthCheck
	// BreakerState reports the LLM circuit breaker state on /health.
	BreakerState func() string
	Version      string
}
