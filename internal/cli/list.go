package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/stepsync/internal/config"
	"github.com/roach88/stepsync/internal/store"
)

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored sessions",
		Long: `List every session in the SQLite backing store with its current phase
and last update time. Not available for the redis backend.

Example:
  stepsync list --config ./stepsync.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(rootOpts, cmd)
		},
	}
}

func runList(opts *RootOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := openApp(ctx, opts, f)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	st, ok := a.backend.(*store.Store)
	if !ok {
		msg := fmt.Sprintf("list is only supported by the %s backend", config.BackendSQLite)
		_ = f.Error(CodeConfig, msg, nil)
		return NewExitError(ExitCommandError, msg)
	}

	sessions, err := st.ListSessions(ctx)
	if err != nil {
		return f.Fail("list failed", err)
	}

	if f.JSON() {
		return f.Success(sessions, "")
	}
	if len(sessions) == 0 {
		return f.Success(sessions, "No sessions found.")
	}

	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, []string{
			s.Key.UserID,
			s.Key.ProjectID,
			string(s.CurrentPhase),
			s.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	return f.Success(sessions, renderTable([]string{"USER", "PROJECT", "PHASE", "UPDATED"}, rows))
}
