package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemirror/internal/api"
	"github.com/JakeFAU/sitemirror/internal/mirror"
	"github.com/JakeFAU/sitemirror/internal/orchestrator"
)

// skippedTickWait is how long drive waits when another process holds the tick lock.
var skippedTickWait = time.Second

func newExportCmd() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Starts a static export of the source site",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return startJob(cmd, wait, func(ctx context.Context, ctl api.Controller) (mirror.JobState, error) {
				return ctl.StartExport(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", true, "drive ticks in this process until the job stops")
	return cmd
}

func newDeployCmd() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Starts an incremental deploy of the export to GitHub",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return startJob(cmd, wait, func(ctx context.Context, ctl api.Controller) (mirror.JobState, error) {
				return ctl.StartDeploy(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", true, "drive ticks in this process until the job stops")
	return cmd
}

func startJob(cmd *cobra.Command, wait bool, start func(context.Context, api.Controller) (mirror.JobState, error)) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	ctl := appInstance.Controller()
	active, err := ctl.Active(ctx)
	if err != nil {
		return err
	}
	if active {
		return orchestrator.ErrJobActive
	}
	st, err := start(ctx, ctl)
	if err != nil {
		return err
	}
	appInstance.Logger().Info("job started", zap.String("job_id", st.JobID), zap.String("type", string(st.Type)))
	if !wait {
		return printJSON(cmd.OutOrStdout(), map[string]string{"job_id": st.JobID, "status": string(st.Status)})
	}
	return driveAndReport(ctx, cmd.OutOrStdout(), ctl)
}

func newTickCmd() *cobra.Command {
	var untilIdle bool
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Runs one tick, or keeps ticking until no job is active",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctl := appInstance.Controller()
			if untilIdle {
				return driveAndReport(cmd.Context(), cmd.OutOrStdout(), ctl)
			}
			res, err := ctl.Tick(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"skipped":       res.Skipped,
				"idle":          res.Idle,
				"reschedule":    res.Reschedule,
				"delay_seconds": res.Delay.Seconds(),
				"status":        res.Status,
			})
		},
	}
	cmd.Flags().BoolVar(&untilIdle, "until-idle", false, "tick until the job finishes, fails or is cancelled")
	return cmd
}

// drive ticks until nothing asks for another tick, honoring the requested delays.
func drive(ctx context.Context, ctl api.Controller) error {
	for {
		res, err := ctl.Tick(ctx)
		if err != nil {
			return err
		}
		var delay time.Duration
		switch {
		case res.Skipped:
			delay = skippedTickWait
		case res.Reschedule:
			delay = res.Delay
		default:
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func driveAndReport(ctx context.Context, out io.Writer, ctl api.Controller) error {
	if err := drive(ctx, ctl); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	view, err := ctl.Status(ctx)
	if err != nil {
		return err
	}
	if err := printJSON(out, view); err != nil {
		return err
	}
	if view.Status == mirror.StatusFailed {
		return fmt.Errorf("job %s failed: %s", view.JobID, view.Message)
	}
	return nil
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Requests cancellation of the running deploy",
		RunE: messageCmd(func(ctx context.Context, ctl api.Controller) (string, error) {
			return ctl.CancelDeploy(ctx)
		}),
	}
}

func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Re-queues the failed files of the last deploy",
		RunE: messageCmd(func(ctx context.Context, ctl api.Controller) (string, error) {
			return ctl.RetryFailed(ctx)
		}),
	}
}

func messageCmd(fn func(context.Context, api.Controller) (string, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		appInstance, err := resolveApp(cmd.Context())
		if err != nil {
			return err
		}
		msg, err := fn(cmd.Context(), appInstance.Controller())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]string{"message": msg})
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Prints the current job status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			view, err := appInstance.Controller().Status(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), view)
		},
	}
}

func newTestRemoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test-remote",
		Short: "Checks the GitHub token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			check, err := appInstance.Controller().TestRemote(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), check)
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
