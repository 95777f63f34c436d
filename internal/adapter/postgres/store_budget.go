package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Strob0t/agentengine/internal/domain/budget"
)

// RecordUsage adds u to the user's ledger row for the day. Concurrent calls
// for the same key are serialised by the row lock taken by ON CONFLICT.
func (s *Store) RecordUsage(ctx context.Context, u budget.Usage) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_ledger (user_id, day, input_tokens, output_tokens, cost_micros)
		 VALUES ($1, $2::date, $3, $4, $5)
		 ON CONFLICT (user_id, day) DO UPDATE SET
		   input_tokens  = usage_ledger.input_tokens + EXCLUDED.input_tokens,
		   output_tokens = usage_ledger.output_tokens + EXCLUDED.output_tokens,
		   cost_micros   = usage_ledger.cost_micros + EXCLUDED.cost_micros`,
		u.UserID, u.Day, u.InputTokens, u.OutputTokens, int64(u.Cost))
	if err != nil {
		return fmt.Errorf("record usage for %s: %w", u.UserID, err)
	}
	return nil
}

// UsageTotals sums today's and this month's ledger rows for a user.
func (s *Store) UsageTotals(ctx context.Context, userID string, now time.Time) (budget.Totals, error) {
	var t budget.Totals
	var daily, monthly int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(cost_micros) FILTER (WHERE day = $2::date), 0)::BIGINT,
		        COALESCE(SUM(cost_micros), 0)::BIGINT,
		        COALESCE(SUM(input_tokens + output_tokens) FILTER (WHERE day = $2::date), 0),
		        COALESCE(SUM(input_tokens + output_tokens), 0)
		 FROM usage_ledger WHERE user_id = $1 AND day >= $3::date AND day <= $2::date`,
		userID, budget.DayKey(now), budget.MonthStartKey(now),
	).Scan(&daily, &monthly, &t.DailyTokens, &t.MonthlyTokens)
	if err != nil {
		return t, fmt.Errorf("usage totals for %s: %w", userID, err)
	}
	t.DailyCost, t.MonthlyCost = budget.Micros(daily), budget.Micros(monthly)
	return t, nil
}

// GetLimits returns the stored ceilings of a user.
func (s *Store) GetLimits(ctx context.Context, userID string) (*budget.Limits, error) {
	l := budget.Limits{UserID: userID}
	err := s.pool.QueryRow(ctx,
		`SELECT daily, monthly, updated_at FROM budget_limits WHERE user_id = $1`, userID,
	).Scan(&l.Daily, &l.Monthly, &l.UpdatedAt)
	if err != nil {
		return nil, notFoundWrap(err, "get limits for %s", userID)
	}
	l.UpdatedAt = l.UpdatedAt.UTC()
	return &l, nil
}

// SetLimits stores the ceilings of a user. Nil fields mean unlimited.
func (s *Store) SetLimits(ctx context.Context, l *budget.Limits) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO budget_limits (user_id, daily, monthly, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id) DO UPDATE SET daily=EXCLUDED.daily, monthly=EXCLUDED.monthly, updated_at=EXCLUDED.updated_at`,
		l.UserID, l.Daily, l.Monthly, l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("set limits for %s: %w", l.UserID, err)
	}
	return nil
}
