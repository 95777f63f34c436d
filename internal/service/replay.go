package service

import (
	"context"
	"fmt"

	"github.com/Strob0t/agentengine/internal/domain/audit"
	"github.com/Strob0t/agentengine/internal/domain/execution"
	"github.com/Strob0t/agentengine/internal/domain/replay"
)

// maxTimelineLogs bounds the audit entries folded into one timeline.
const maxTimelineLogs = 5 * audit.MaxLimit

// ExecutionReader resolves an execution for a caller.
type ExecutionReader interface {
	GetState(ctx context.Context, id, userID string) (*execution.Execution, error)
}

// ReplayService reconstructs timelines from the step ledger and audit trail
// and compares executions.
type ReplayService struct {
	executions ExecutionReader
	audit      *AuditLogger
}

// NewReplayService creates a ReplayService. audit may be nil, in which case
// timelines are built from steps alone.
func NewReplayService(executions ExecutionReader, auditLog *AuditLogger) *ReplayService {
	return &ReplayService{executions: executions, audit: auditLog}
}

// Timeline returns the ordered events and statistics of an execution.
func (s *ReplayService) Timeline(ctx context.Context, id, userID string) (*replay.Timeline, error) {
	e, err := s.executions.GetState(ctx, id, userID)
	if err != nil {
		return nil, fmt.Errorf("timeline: %w", err)
	}
	logs, err := s.logs(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("timeline: %w", err)
	}
	tl := replay.BuildTimeline(e, logs)
	return &tl, nil
}

// Compare diffs two executions by action name.
func (s *ReplayService) Compare(ctx context.Context, leftID, rightID, userID string) (*replay.Comparison, error) {
	left, err := s.executions.GetState(ctx, leftID, userID)
	if err != nil {
		return nil, fmt.Errorf("compare %s: %w", leftID, err)
	}
	right, err := s.executions.GetState(ctx, rightID, userID)
	if err != nil {
		return nil, fmt.Errorf("compare %s: %w", rightID, err)
	}
	c := replay.Compare(left, right)
	return &c, nil
}

func (s *ReplayService) logs(ctx context.Context, executionID string) ([]audit.Entry, error) {
	if s.audit == nil {
		return nil, nil
	}
	var out []audit.Entry
	f := audit.Filter{ExecutionID: executionID, Limit: audit.MaxLimit}
	for len(out) < maxTimelineLogs {
		page, err := s.audit.Query(ctx, f)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Entries...)
		if !page.HasMore || page.NextCursor == "" {
			break
		}
		f.Cursor = page.NextCursor
	}
	return out, nil
}
