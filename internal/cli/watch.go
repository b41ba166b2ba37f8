package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/stepsync/internal/progress"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Duration time.Duration
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch <user-id> <project-id>",
		Short: "Print changes made by other clients",
		Long: `Subscribe to a session and print a line every time another client
changes it. Runs until interrupted or until --duration elapses.

With --format json every change is written as one JSON envelope per line.

Examples:
  stepsync watch alice shop
  stepsync watch alice shop --duration 30s --format json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, args, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Duration, "duration", 0, "stop after this long (0 = until interrupted)")

	return cmd
}

func runWatch(opts *WatchOptions, args []string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	key, err := parseKey(args[0], args[1])
	if err != nil {
		return f.Fail("invalid session key", err)
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	a, err := openApp(ctx, opts.RootOptions, f)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	if _, err := a.engine.InitializeProgress(ctx, key); err != nil {
		return f.Fail("watch failed", err)
	}

	changes := make(chan progress.Session, 16)
	sub, err := a.engine.Subscribe(ctx, key, func(s progress.Session) {
		select {
		case changes <- s:
		default:
			a.logger.Warn("dropping change notification, output is behind",
				"user_id", key.UserID, "project_id", key.ProjectID)
		}
	})
	if err != nil {
		return f.Fail("subscribe failed", err)
	}
	defer sub.Close()

	f.VerboseLog("watching %s", key)
	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-changes:
			sum := progress.Calculate(s)
			line := fmt.Sprintf("%s  %s  phase=%s overall=%d%%",
				time.Now().UTC().Format(time.RFC3339), s.Key, s.CurrentPhase, sum.OverallCompletion)
			if err := f.Success(SessionResult{Session: s, Summary: sum}, line); err != nil {
				return err
			}
		}
	}
}
