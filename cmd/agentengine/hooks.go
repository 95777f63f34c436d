package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Strob0t/agentengine/internal/adapter/lua"
	"github.com/Strob0t/agentengine/internal/domain/hook"
	"github.com/Strob0t/agentengine/internal/service"
)

func newHooksCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hooks",
		Short: "Inspect and validate lifecycle hooks",
	}
	cmd.AddCommand(newHooksListCommand(configPath))
	cmd.AddCommand(newHooksValidateCommand(configPath))
	return cmd
}

func newHooksListCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the effective hook set",
		Long:  "List built-in and file hooks. With --store, hooks registered through the API are included.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			withStore, _ := cmd.Flags().GetBool("store")
			projectID, _ := cmd.Flags().GetString("project")

			cfg, closer, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer closer.Close()

			builtins := hook.Builtins(cfg.Hooks.LargeFileBytes)
			fileHooks, err := hook.LoadFromDirectory(cfg.Hooks.Dir)
			if err != nil {
				return err
			}

			var hooks []hook.Hook
			if withStore {
				store, closeStore, err := openStore(cmd.Context(), cfg, false)
				if err != nil {
					return err
				}
				defer closeStore()
				registry := service.NewHookRegistry(store)
				if err := registry.Load(cmd.Context(), builtins, fileHooks); err != nil {
					return err
				}
				hooks = registry.List(projectID)
			} else {
				for _, h := range append(builtins, fileHooks...) {
					if projectID == "" || h.AppliesTo(projectID) {
						hooks = append(hooks, h)
					}
				}
				hook.SortByPriority(hooks)
			}
			return printHooks(cmd.OutOrStdout(), hooks)
		},
	}
	cmd.Flags().Bool("store", false, "include hooks registered in the store")
	cmd.Flags().String("project", "", "only hooks that apply to this project")
	return cmd
}

func newHooksValidateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a hook definition file and the scripts it references",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer closer.Close()

			hooks, err := hook.LoadFromFile(args[0])
			if err != nil {
				return err
			}
			scripts := lua.NewRunner(cfg.Hooks.ScriptsDir, nil)
			for i := range hooks {
				if name, ok := hooks[i].ScriptRef(); ok {
					if err := scripts.Validate(name); err != nil {
						return fmt.Errorf("hook %q: %w", hooks[i].Name, err)
					}
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d hook(s) valid\n", args[0], len(hooks))
			return nil
		},
	}
}

func printHooks(out io.Writer, hooks []hook.Hook) error {
	_, _ = fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("%d hook(s)", len(hooks))))
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tLIFECYCLE\tACTION\tPRIORITY\tENABLED\tORIGIN\tPROJECT")
	for i := range hooks {
		h := &hooks[i]
		project := h.ProjectID
		if project == "" {
			project = "*"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%t\t%s\t%s\n",
			h.ID, h.Name, h.Lifecycle, h.Action, h.Priority, h.Enabled, h.Origin, project)
	}
	return w.Flush()
}
