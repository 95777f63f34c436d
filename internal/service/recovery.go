package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/Strob0t/agentengine/internal/domain/execution"
	"github.com/Strob0t/agentengine/internal/pool"
	"github.com/Strob0t/agentengine/internal/port/database"
)

// Recovery modes.
const (
	RecoveryResume = "resume"
	RecoveryFail   = "fail"
)

// RecoveryReport counts what a recovery pass did.
type RecoveryReport struct {
	Resumed int `json:"resumed"`
	Failed  int `json:"failed"`
	Parked  int `json:"parked"`
	Errors  int `json:"errors"`
}

// Recovery rediscovers executions interrupted by a restart.
type Recovery struct {
	store   database.ExecutionStore
	engine  *Engine
	mode    string
	workers int
}

// NewRecovery creates a Recovery pass. mode is RecoveryResume or RecoveryFail.
func NewRecovery(store database.ExecutionStore, engine *Engine, mode string, workers int) *Recovery {
	if mode == "" {
		mode = RecoveryResume
	}
	return &Recovery{store: store, engine: engine, mode: mode, workers: workers}
}

// Run scans running and awaiting executions. Running ones are resumed or
// failed according to the mode; awaiting ones stay parked for a human.
func (rc *Recovery) Run(ctx context.Context) (RecoveryReport, error) {
	list, err := rc.store.ListExecutionsByState(ctx, execution.StateRunning, execution.StateAwaitingConfirmation)
	if err != nil {
		return RecoveryReport{}, fmt.Errorf("list interrupted executions: %w", err)
	}

	var resumed, failed, parked, errs atomic.Int64
	err = pool.ForEach(ctx, rc.workers, list, func(ctx context.Context, e execution.Execution) error {
		switch {
		case e.State == execution.StateAwaitingConfirmation:
			parked.Add(1)
		case rc.mode == RecoveryFail:
			rc.engine.FailRecovered(ctx, &e)
			failed.Add(1)
		default:
			if err := rc.engine.Adopt(ctx, e.ID); err != nil {
				errs.Add(1)
				slog.Error("resume execution", "execution_id", e.ID, "error", err)
				return nil
			}
			resumed.Add(1)
		}
		return nil
	})

	report := RecoveryReport{
		Resumed: int(resumed.Load()),
		Failed:  int(failed.Load()),
		Parked:  int(parked.Load()),
		Errors:  int(errs.Load()),
	}
	slog.Info("recovery complete",
		"mode", rc.mode,
		"resumed", report.Resumed,
		"failed", report.Failed,
		"parked", report.Parked,
		"errors", report.Errors,
	)
	return report, err
}
