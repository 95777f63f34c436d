// Package database defines the persistence port (interface) of the engine.
package database

import (
	"context"
	"time"

	"github.com/Strob0t/agentengine/internal/domain/audit"
	"github.com/Strob0t/agentengine/internal/domain/budget"
	"github.com/Strob0t/agentengine/internal/domain/checkpoint"
	"github.com/Strob0t/agentengine/internal/domain/execution"
	"github.com/Strob0t/agentengine/internal/domain/hook"
)

// ExecutionStore persists executions and their step ledgers.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, e *execution.Execution) error
	GetExecution(ctx context.Context, id string) (*execution.Execution, error)
	// UpdateExecution writes e if the stored version equals e.Version and
	// increments e.Version on success. A version mismatch returns
	// domain.ErrConflict.
	UpdateExecution(ctx context.Context, e *execution.Execution) error
	ListExecutionsByState(ctx context.Context, states ...execution.State) ([]execution.Execution, error)
	ListExecutionsByUser(ctx context.Context, userID string, limit int) ([]execution.Execution, error)
}

// CheckpointStore persists immutable checkpoints.
type CheckpointStore interface {
	CreateCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*checkpoint.Checkpoint, error)
	// ListCheckpoints returns the checkpoints of an execution, newest first.
	ListCheckpoints(ctx context.Context, executionID string) ([]checkpoint.Checkpoint, error)
	LatestCheckpoint(ctx context.Context, executionID string) (*checkpoint.Checkpoint, error)
	DeleteCheckpoints(ctx context.Context, ids []string) error
}

// HookStore persists hook definitions.
type HookStore interface {
	ListHooks(ctx context.Context) ([]hook.Hook, error)
	UpsertHook(ctx context.Context, h *hook.Hook) error
	DeleteHook(ctx context.Context, id string) error
}

// AuditStore persists the audit trail.
type AuditStore interface {
	AppendAudit(ctx context.Context, e *audit.Entry) error
	QueryAudit(ctx context.Context, f audit.Filter) (*audit.Page, error)
}

// BudgetStore holds the usage ledger and per-user limits.
type BudgetStore interface {
	// RecordUsage adds u to the user's ledger row for u.Day, creating it if absent.
	RecordUsage(ctx context.Context, u budget.Usage) error
	UsageTotals(ctx context.Context, userID string, now time.Time) (budget.Totals, error)
	// GetLimits returns domain.ErrNotFound when the user has no stored limits.
	GetLimits(ctx context.Context, userID string) (*budget.Limits, error)
	SetLimits(ctx context.Context, l *budget.Limits) error
}

// Reverter undoes a recorded database change.
type Reverter interface {
	RevertDBChange(ctx context.Context, c checkpoint.DBChange) error
}

// Store is the composite persistence port.
type Store interface {
	ExecutionStore
	CheckpointStore
	HookStore
	AuditStore
	BudgetStore
	Reverter
	Ping(ctx context.Context) error
}
