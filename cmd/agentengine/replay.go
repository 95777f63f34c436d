package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Strob0t/agentengine/internal/domain"
	"github.com/Strob0t/agentengine/internal/domain/execution"
	"github.com/Strob0t/agentengine/internal/port/database"
	"github.com/Strob0t/agentengine/internal/service"
)

func newReplayCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <execution-id>",
		Short: "Show the timeline of an execution, or diff it against another",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			compareTo, _ := cmd.Flags().GetString("compare")
			userID, _ := cmd.Flags().GetString("user")
			asJSON, _ := cmd.Flags().GetBool("json")

			cfg, closer, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer closer.Close()

			store, closeStore, err := openStore(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer closeStore()

			auditLog := service.NewAuditLogger(store, 1)
			defer auditLog.Close()
			replays := service.NewReplayService(storeReader{store: store}, auditLog)

			var out any
			var text string
			width := terminalWidth()
			if compareTo != "" {
				c, err := replays.Compare(cmd.Context(), args[0], compareTo, userID)
				if err != nil {
					return err
				}
				out, text = c, renderComparison(c, width)
			} else {
				tl, err := replays.Timeline(cmd.Context(), args[0], userID)
				if err != nil {
					return err
				}
				out, text = tl, renderTimeline(tl, width)
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			fmt.Fprint(cmd.OutOrStdout(), text)
			return nil
		},
	}
	cmd.Flags().String("compare", "", "diff against this execution")
	cmd.Flags().String("user", "", "act as this user; empty reads any execution")
	cmd.Flags().Bool("json", false, "print JSON instead of a rendered view")
	return cmd
}

// storeReader reads executions straight from the store for offline
// inspection. An empty userID skips the ownership check.
type storeReader struct {
	store database.ExecutionStore
}

func (r storeReader) GetState(ctx context.Context, id, userID string) (*execution.Execution, error) {
	e, err := r.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID != "" && e.UserID != userID {
		return nil, fmt.Errorf("execution %s: %w", id, domain.ErrForbidden)
	}
	return e, nil
}

func terminalWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	return 80
}
