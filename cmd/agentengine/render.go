package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/Strob0t/agentengine/internal/domain/audit"
	"github.com/Strob0t/agentengine/internal/domain/execution"
	"github.com/Strob0t/agentengine/internal/domain/replay"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	stateRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	stateComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	stateFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	stateWaiting  = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))

	diffAdded    = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	diffRemoved  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	diffModified = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
)

func stateStyle(s execution.State) lipgloss.Style {
	switch s {
	case execution.StateComplete:
		return stateComplete
	case execution.StateFailed:
		return stateFailed
	case execution.StatePaused, execution.StateAwaitingConfirmation:
		return stateWaiting
	default:
		return stateRunning
	}
}

func eventStyle(ev *replay.Event) lipgloss.Style {
	switch ev.Kind {
	case replay.EventStepFailed, replay.EventExecutionFailed, replay.EventRejected:
		return stateFailed
	case replay.EventStepCompleted, replay.EventExecutionCompleted, replay.EventConfirmed:
		return stateComplete
	case replay.EventConfirmationAsked:
		return stateWaiting
	}
	switch ev.Severity {
	case audit.SeverityError, audit.SeverityCritical:
		return stateFailed
	case audit.SeverityWarning:
		return stateWaiting
	}
	return lipgloss.NewStyle()
}

func divider(width int) string {
	return dimStyle.Render(strings.Repeat("─", max(width, 10)))
}

func renderTimeline(tl *replay.Timeline, width int) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Execution "+tl.ExecutionID) + "\n")
	b.WriteString(labelStyle.Render("goal   ") + tl.Goal + "\n")
	state := stateStyle(tl.State).Render(string(tl.State))
	if tl.FailureReason != "" {
		state += dimStyle.Render(" (" + string(tl.FailureReason) + ")")
	}
	b.WriteString(labelStyle.Render("state  ") + state + "\n")
	b.WriteString(divider(width) + "\n")

	for i := range tl.Events {
		ev := &tl.Events[i]
		step := "   "
		if ev.Step > 0 {
			step = fmt.Sprintf("#%-2d", ev.Step)
		}
		line := fmt.Sprintf("%s %s %-24s %s",
			dimStyle.Render(ev.At.Format(time.TimeOnly)),
			step,
			eventStyle(ev).Render(string(ev.Kind)),
			ev.Summary)
		b.WriteString(line + "\n")
	}

	b.WriteString(divider(width) + "\n")
	b.WriteString(renderStats(&tl.Stats))
	return b.String()
}

func renderStats(s *replay.Stats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d", labelStyle.Render("steps      "), s.TotalSteps)
	for _, st := range []execution.StepStatus{
		execution.StepComplete, execution.StepFailed, execution.StepSkipped,
		execution.StepAwaitingConfirmation, execution.StepRunning, execution.StepPending,
	} {
		if n := s.ByStatus[st]; n > 0 {
			fmt.Fprintf(&b, "  %s=%d", st, n)
		}
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "%s %dms total, %.0fms avg\n", labelStyle.Render("duration   "), s.TotalDurationMS, s.AvgDurationMS)
	fmt.Fprintf(&b, "%s %d errors, %d confirmations\n", labelStyle.Render("outcomes   "), s.ErrorCount, s.Confirmations)
	fmt.Fprintf(&b, "%s %d tokens, $%.4f\n", labelStyle.Render("usage      "), s.TokensUsed, s.CostUSD)
	return b.String()
}

func renderComparison(c *replay.Comparison, width int) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("Compare %s → %s", c.LeftID, c.RightID)) + "\n")
	b.WriteString(divider(width) + "\n")

	if len(c.Differences) == 0 {
		b.WriteString(dimStyle.Render("no differences") + "\n")
	}
	for i := range c.Differences {
		d := &c.Differences[i]
		switch d.Kind {
		case replay.ChangeAdded:
			b.WriteString(diffAdded.Render(fmt.Sprintf("+ %s #%d", d.Action, d.RightStep)))
			b.WriteString(dimStyle.Render(" "+string(d.RightInput)) + "\n")
		case replay.ChangeRemoved:
			b.WriteString(diffRemoved.Render(fmt.Sprintf("- %s #%d", d.Action, d.LeftStep)))
			b.WriteString(dimStyle.Render(" "+string(d.LeftInput)) + "\n")
		case replay.ChangeModified:
			b.WriteString(diffModified.Render(fmt.Sprintf("~ %s #%d → #%d", d.Action, d.LeftStep, d.RightStep)) + "\n")
			b.WriteString(dimStyle.Render("    left:  "+string(d.LeftInput)) + "\n")
			b.WriteString(dimStyle.Render("    right: "+string(d.RightInput)) + "\n")
		}
	}
	fmt.Fprintf(&b, "%s %d\n", labelStyle.Render("unchanged"), c.Unchanged)

	b.WriteString(divider(width) + "\n")
	b.WriteString(titleStyle.Render(c.LeftID) + "\n" + renderStats(&c.LeftStats))
	b.WriteString(titleStyle.Render(c.RightID) + "\n" + renderStats(&c.RightStats))
	return b.String()
}
