package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Strob0t/agentengine/internal/domain/budget"
)

// RecordUsage adds u to the user's ledger row for the day.
func (s *Store) RecordUsage(ctx context.Context, u budget.Usage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_ledger (user_id, day, input_tokens, output_tokens, cost_micros)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, day) DO UPDATE SET
		   input_tokens  = usage_ledger.input_tokens + excluded.input_tokens,
		   output_tokens = usage_ledger.output_tokens + excluded.output_tokens,
		   cost_micros   = usage_ledger.cost_micros + excluded.cost_micros`,
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
	day := budget.DayKey(now)
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(CASE WHEN day = ? THEN cost_micros ELSE 0 END), 0),
		        COALESCE(SUM(cost_micros), 0),
		        COALESCE(SUM(CASE WHEN day = ? THEN input_tokens + output_tokens ELSE 0 END), 0),
		        COALESCE(SUM(input_tokens + output_tokens), 0)
		 FROM usage_ledger WHERE user_id = ? AND day >= ? AND day <= ?`,
		day, day, userID, budget.MonthStartKey(now), day,
	).Scan(&daily, &monthly, &t.DailyTokens, &t.MonthlyTokens)
	if err != nil {
		return t, fmt.Errorf("usage totals for %s: %w", userID, err)
	}
	t.DailyCost, t.MonthlyCost = budget.Micros(daily), budget.Micros(monthly)
	return t, nil
}

// GetLimits returns the stored ceilings of a user.
func (s *Store) GetLimits(ctx context.Context, userID string) (*budget.Limits, error) {
	var (
		daily, monthly sql.NullFloat64
		updated        string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT daily, monthly, updated_at FROM budget_limits WHERE user_id = ?`, userID,
	).Scan(&daily, &monthly, &updated)
	if err != nil {
		return nil, notFoundWrap(err, "get limits for %s", userID)
	}
	l := budget.Limits{UserID: userID}
	if daily.Valid {
		l.Daily = &daily.Float64
	}
	if monthly.Valid {
		l.Monthly = &monthly.Float64
	}
	if l.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &l, nil
}

// SetLimits stores the ceilings of a user. Nil fields mean unlimited.
func (s *Store) SetLimits(ctx context.Context, l *budget.Limits) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO budget_limits (user_id, daily, monthly, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET daily=excluded.daily, monthly=excluded.monthly, updated_at=excluded.updated_at`,
		l.UserID, l.Daily, l.Monthly, formatTime(l.UpdatedAt))
	if err != nil {
		return fmt.Errorf("set limits for %s: %w", l.UserID, err)
	}
	return nil
}
