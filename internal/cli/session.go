package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/stepsync/internal/progress"
)

// SessionResult is the JSON payload of commands that return a session.
type SessionResult struct {
	Session progress.Session `json:"session"`
	Summary progress.Summary `json:"summary"`
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init <user-id> <project-id>",
		Short: "Create a progress session if it does not exist",
		Long: `Fetch the progress session for a user and project, creating it in the
backing store when it does not exist yet. New sessions start in the
validation phase with no steps.

Examples:
  stepsync init alice shop
  stepsync init alice shop --format json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, args, func(ctx context.Context, a *app, key progress.SessionKey) (progress.Session, error) {
				return a.engine.InitializeProgress(ctx, key)
			})
		},
	}
}

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Steps bool
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status <user-id> <project-id>",
		Short: "Show completion per phase",
		Long: `Show the completion percentage of every phase, overall completion,
and the next step to work on.

Examples:
  stepsync status alice shop
  stepsync status alice shop --steps
  stepsync status alice shop --format json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, opts.RootOptions, args, opts.Steps, func(ctx context.Context, a *app, key progress.SessionKey) (progress.Session, error) {
				return a.engine.GetProgress(ctx, key)
			})
		},
	}

	cmd.Flags().BoolVar(&opts.Steps, "steps", false, "list the steps of every phase")

	return cmd
}

// StepOptions holds flags for the step command.
type StepOptions struct {
	*RootOptions
	Notes string
	Data  string
	Sync  bool
}

// NewStepCommand creates the step command.
func NewStepCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StepOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "step <user-id> <project-id> <phase> <step-id> <status>",
		Short: "Update one step",
		Long: `Set the status of a step, creating the step if needed.

Status is one of not_started, in_progress, completed, skipped. The update
is saved before the command exits; --sync saves it immediately and fails
if the backing store rejects it.

Examples:
  stepsync step alice shop validation interview-users completed
  stepsync step alice shop planning roadmap in_progress --notes "draft v2"
  stepsync step alice shop setup repo completed --data '{"url":"git@example.com:shop"}' --sync`,
		Args: cobra.ExactArgs(5),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			u, err := opts.update(args[2:])
			if err != nil {
				return f.Fail("invalid step update", err)
			}
			return withSession(cmd, opts.RootOptions, args, func(ctx context.Context, a *app, key progress.SessionKey) (progress.Session, error) {
				if opts.Sync {
					return a.engine.UpdateStepSync(ctx, key, u)
				}
				return a.engine.UpdateStep(ctx, key, u)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Notes, "notes", "", "free-form notes for the step")
	cmd.Flags().StringVar(&opts.Data, "data", "", "JSON object stored with the step")
	cmd.Flags().BoolVar(&opts.Sync, "sync", false, "save immediately instead of after the debounce period")

	return cmd
}

// update builds the step update from <phase> <step-id> <status>.
func (o *StepOptions) update(args []string) (progress.StepUpdate, error) {
	phase, err := progress.ParsePhase(args[0])
	if err != nil {
		return progress.StepUpdate{}, err
	}
	status, err := progress.ParseStepStatus(args[2])
	if err != nil {
		return progress.StepUpdate{}, err
	}
	u := progress.StepUpdate{Phase: phase, StepID: args[1], Status: status}
	if o.Notes != "" {
		notes := o.Notes
		u.Notes = &notes
	}
	if o.Data != "" {
		dec := json.NewDecoder(bytes.NewReader([]byte(o.Data)))
		dec.UseNumber()
		if err := dec.Decode(&u.Data); err != nil || u.Data == nil {
			return progress.StepUpdate{}, &progress.ValidationError{
				Field:   "data",
				Message: fmt.Sprintf("must be a JSON object: %q", o.Data),
			}
		}
	}
	return u, nil
}

// NewPhaseCommand creates the phase command.
func NewPhaseCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "phase <user-id> <project-id> <phase>",
		Short: "Change the current phase",
		Long: `Move the session to another phase. Step data is left untouched.

Phases: validation, planning, setup, development, testing, launch,
growth, optimization.

Example:
  stepsync phase alice shop planning`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			phase, err := progress.ParsePhase(args[2])
			if err != nil {
				return f.Fail("invalid phase", err)
			}
			return withSession(cmd, rootOpts, args, func(ctx context.Context, a *app, key progress.SessionKey) (progress.Session, error) {
				return a.engine.ChangePhase(ctx, key, phase)
			})
		},
	}
}

// NewFlushCommand creates the flush command.
func NewFlushCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "flush <user-id> <project-id>",
		Short: "Save pending changes now",
		Long: `Load the session and force any unsaved changes to the backing store.
Reports the state the backing store holds afterwards.

Example:
  stepsync flush alice shop`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, rootOpts, args, func(ctx context.Context, a *app, key progress.SessionKey) (progress.Session, error) {
				if err := a.engine.ForceFlush(ctx, key); err != nil {
					return progress.Session{}, err
				}
				return a.engine.Refresh(ctx, key)
			})
		},
	}
}

// withSession runs fn without step listing in text output.
func withSession(cmd *cobra.Command, opts *RootOptions, args []string, fn func(context.Context, *app, progress.SessionKey) (progress.Session, error)) error {
	return runSession(cmd, opts, args, false, fn)
}

// runSession opens the engine, runs fn against the key in args[0:2], closes
// the engine (saving anything pending) and prints the resulting session.
func runSession(cmd *cobra.Command, opts *RootOptions, args []string, showSteps bool, fn func(context.Context, *app, progress.SessionKey) (progress.Session, error)) error {
	f := opts.formatter(cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	key, err := parseKey(args[0], args[1])
	if err != nil {
		return f.Fail("invalid session key", err)
	}

	a, err := openApp(ctx, opts, f)
	if err != nil {
		return err
	}

	s, opErr := fn(ctx, a, key)
	closeErr := a.Close(ctx)
	if opErr != nil {
		return f.Fail(fmt.Sprintf("%s failed", cmd.Name()), opErr)
	}
	if closeErr != nil {
		return f.Fail("failed to save pending changes", closeErr)
	}

	sum := progress.Calculate(s)
	return f.Success(SessionResult{Session: s, Summary: sum}, renderStatus(s, sum, showSteps))
}
