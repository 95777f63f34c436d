package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Strob0t/agentengine/internal/domain"
	"github.com/Strob0t/agentengine/internal/domain/budget"
	"github.com/Strob0t/agentengine/internal/port/broadcast"
	"github.com/Strob0t/agentengine/internal/port/database"
)

// BudgetGate answers whether a user may spend more tokens and records usage
// in the additive per-day ledger.
type BudgetGate struct {
	store    database.BudgetStore
	rates    budget.Rates
	defaults budget.Limits
	hub      broadcast.Broadcaster
	now      func() time.Time

	// last warning level broadcast per user and day, so dashboards see
	// each threshold once per crossing.
	levels sync.Map // map[userID]firedLevel
}

type firedLevel struct {
	day   string
	level budget.WarningLevel
}

// NewBudgetGate creates a gate using fixed per-1K rates. Users without
// stored limits get the default ceilings; nil means unlimited.
func NewBudgetGate(store database.BudgetStore, rates budget.Rates, defaultDaily, defaultMonthly *float64) *BudgetGate {
	return &BudgetGate{
		store:    store,
		rates:    rates,
		defaults: budget.Limits{Daily: defaultDaily, Monthly: defaultMonthly},
		now:      time.Now,
	}
}

// SetBroadcaster enables budget.warning events.
func (g *BudgetGate) SetBroadcaster(b broadcast.Broadcaster) { g.hub = b }

// Rates returns the pricing used for cost computation.
func (g *BudgetGate) Rates() budget.Rates { return g.rates }

// Limits returns the effective ceilings of a user.
func (g *BudgetGate) Limits(ctx context.Context, userID string) (budget.Limits, error) {
	l, err := g.store.GetLimits(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		d := g.defaults
		d.UserID = userID
		return d, nil
	}
	if err != nil {
		return budget.Limits{}, fmt.Errorf("get limits: %w", err)
	}
	return *l, nil
}

// SetLimits stores a user's ceilings.
func (g *BudgetGate) SetLimits(ctx context.Context, l *budget.Limits) error {
	if l.UserID == "" {
		return fmt.Errorf("user_id is required: %w", domain.ErrValidation)
	}
	if err := l.Validate(); err != nil {
		return err
	}
	l.UpdatedAt = g.now().UTC()
	if err := g.store.SetLimits(ctx, l); err != nil {
		return fmt.Errorf("set limits: %w", err)
	}
	g.levels.Delete(l.UserID)
	return nil
}

// CanExecute evaluates today's and this month's spend against the user's
// ceilings. Only the 100% level blocks.
func (g *BudgetGate) CanExecute(ctx context.Context, userID string) (budget.Decision, error) {
	limits, err := g.Limits(ctx, userID)
	if err != nil {
		return budget.Decision{}, err
	}
	totals, err := g.store.UsageTotals(ctx, userID, g.now())
	if err != nil {
		return budget.Decision{}, fmt.Errorf("usage totals: %w", err)
	}
	return budget.Evaluate(limits, totals), nil
}

// RecordUsage prices the tokens and adds them to today's ledger row. The
// returned cost is in dollars.
func (g *BudgetGate) RecordUsage(ctx context.Context, userID string, inputTokens, outputTokens int64) (float64, error) {
	if inputTokens < 0 || outputTokens < 0 {
		return 0, fmt.Errorf("token counts must be non-negative: %w", domain.ErrValidation)
	}
	if inputTokens == 0 && outputTokens == 0 {
		return 0, nil
	}
	cost := g.rates.Cost(inputTokens, outputTokens)
	u := budget.Usage{
		UserID:       userID,
		Day:          budget.DayKey(g.now()),
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Cost:         cost,
	}
	if err := g.store.RecordUsage(ctx, u); err != nil {
		return cost.USD(), fmt.Errorf("record usage: %w", err)
	}
	g.warn(ctx, userID)
	return cost.USD(), nil
}

// warn broadcasts a budget.warning event when the user crosses a new level.
func (g *BudgetGate) warn(ctx context.Context, userID string) {
	if g.hub == nil {
		return
	}
	d, err := g.CanExecute(ctx, userID)
	if err != nil {
		slog.Warn("budget warning check failed", "user_id", userID, "error", err)
		return
	}
	day := budget.DayKey(g.now())
	prev, _ := g.levels.Load(userID)
	if pl, ok := prev.(firedLevel); ok && pl.day == day && pl.level >= d.Level {
		return
	}
	g.levels.Store(userID, firedLevel{day: day, level: d.Level})
	if d.Level == budget.LevelNone {
		return
	}
	g.hub.BroadcastEvent(ctx, broadcast.EventBudgetWarning, map[string]any{
		"user_id":       userID,
		"warning_level": d.Level,
		"percent":       d.Percent,
		"remaining":     d.Remaining,
	})
}
