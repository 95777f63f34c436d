// Package budget defines per-user token and cost ceilings and the usage
// ledger consulted before an execution is allowed to proceed.
package budget

import (
	"fmt"
	"math"
	"time"

	"github.com/Strob0t/agentengine/internal/domain"
)

// DayLayout is the ledger day key format.
const DayLayout = "2006-01-02"

// Micros is an amount in millionths of a US dollar. Ledgers and limit
// checks use it so sums stay exact.
type Micros int64

// MicrosOf converts a dollar amount, rounding to the nearest micro-dollar.
func MicrosOf(usd float64) Micros {
	return Micros(math.Round(usd * 1e6))
}

// USD converts m back to dollars.
func (m Micros) USD() float64 { return float64(m) / 1e6 }

// Rates are fixed USD prices per 1000 tokens.
type Rates struct {
	InputPer1K  float64 `json:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k"`
}

// Cost prices a token count in micro-dollars.
func (r Rates) Cost(inputTokens, outputTokens int64) Micros {
	return Micros(math.Round(float64(inputTokens)*r.InputPer1K*1000)) +
		Micros(math.Round(float64(outputTokens)*r.OutputPer1K*1000))
}

// Limits are a user's ceilings in USD. Nil means unlimited.
type Limits struct {
	UserID    string    `json:"user_id"`
	Daily     *float64  `json:"daily,omitempty"`
	Monthly   *float64  `json:"monthly,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// Validate checks that configured ceilings are non-negative.
func (l *Limits) Validate() error {
	if l.Daily != nil && *l.Daily < 0 {
		return fmt.Errorf("daily limit must be non-negative: %w", domain.ErrValidation)
	}
	if l.Monthly != nil && *l.Monthly < 0 {
		return fmt.Errorf("monthly limit must be non-negative: %w", domain.ErrValidation)
	}
	return nil
}

// Usage is one increment to a user's ledger row for a day.
type Usage struct {
	UserID       string `json:"user_id"`
	Day          string `json:"day"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	Cost         Micros `json:"cost_micros"`
}

// Totals are the aggregated ledger figures for the current day and month.
type Totals struct {
	DailyCost     Micros `json:"daily_cost_micros"`
	MonthlyCost   Micros `json:"monthly_cost_micros"`
	DailyTokens   int64  `json:"daily_tokens"`
	MonthlyTokens int64  `json:"monthly_tokens"`
}

// WarningLevel is the highest crossed percentage threshold of the tighter limit.
type WarningLevel int

const (
	LevelNone     WarningLevel = 0
	Level50       WarningLevel = 50
	Level75       WarningLevel = 75
	Level90       WarningLevel = 90
	LevelExceeded WarningLevel = 100
)

var thresholds = []WarningLevel{LevelExceeded, Level90, Level75, Level50}

// LevelFor maps spend against a ceiling to its warning level. A zero
// ceiling is exhausted from the start.
func LevelFor(used, limit Micros) WarningLevel {
	for _, t := range thresholds {
		if int64(used)*100 >= int64(t)*int64(limit) {
			return t
		}
	}
	return LevelNone
}

// Decision answers whether a user may proceed.
type Decision struct {
	Allowed      bool         `json:"allowed"`
	Reason       string       `json:"reason,omitempty"`
	Level        WarningLevel `json:"warning_level"`
	Percent      float64      `json:"percent"`
	Totals       Totals       `json:"totals"`
	DailyLimit   *float64     `json:"daily_limit,omitempty"`
	MonthlyLimit *float64     `json:"monthly_limit,omitempty"`
	Remaining    *float64     `json:"remaining,omitempty"`
}

// Err returns an ExceededError when the decision blocks.
func (d *Decision) Err() error {
	if d.Allowed {
		return nil
	}
	rem := 0.0
	if d.Remaining != nil {
		rem = *d.Remaining
	}
	return &ExceededError{Reason: d.Reason, Remaining: rem}
}

// Evaluate compares totals against limits. The tighter of the two limits
// (the one closer to exhaustion) determines the warning level; only the
// 100% threshold blocks.
func Evaluate(l Limits, t Totals) Decision {
	d := Decision{Allowed: true, Totals: t, DailyLimit: l.Daily, MonthlyLimit: l.Monthly}

	type check struct {
		name  string
		limit *float64
		used  Micros
	}
	checks := []check{{"daily", l.Daily, t.DailyCost}, {"monthly", l.Monthly, t.MonthlyCost}}

	var tightest *check
	tightestPct := -1.0
	for i := range checks {
		c := &checks[i]
		if c.limit == nil {
			continue
		}
		pct := percent(c.used, MicrosOf(*c.limit))
		if pct > tightestPct {
			tightestPct = pct
			tightest = c
		}
	}
	if tightest == nil {
		return d
	}

	limit := MicrosOf(*tightest.limit)
	rem := max(0, limit-tightest.used).USD()
	d.Remaining = &rem
	d.Percent = tightestPct
	d.Level = LevelFor(tightest.used, limit)
	if d.Level == LevelExceeded {
		d.Allowed = false
		d.Reason = fmt.Sprintf("%s budget exceeded: $%.2f of $%.2f used", tightest.name, tightest.used.USD(), limit.USD())
	}
	return d
}

func percent(used, limit Micros) float64 {
	if limit <= 0 {
		return 100
	}
	return float64(used) / float64(limit) * 100
}

// ExceededError carries the reason and remaining budget of a block.
type ExceededError struct {
	Reason    string
	Remaining float64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("%s (remaining $%.2f)", e.Reason, e.Remaining)
}

// Unwrap lets errors.Is match domain.ErrBudgetExceeded.
func (e *ExceededError) Unwrap() error { return domain.ErrBudgetExceeded }

// DayKey returns the ledger key for t in UTC.
func DayKey(t time.Time) string {
	return t.UTC().Format(DayLayout)
}

// MonthStartKey returns the ledger key of the first day of t's month in UTC.
func MonthStartKey(t time.Time) string {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC).Format(DayLayout)
}
