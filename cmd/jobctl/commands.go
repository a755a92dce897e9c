package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"jobscheduler/internal/app"
	"jobscheduler/internal/config"
	"jobscheduler/internal/logging"
	"jobscheduler/internal/models"
	"jobscheduler/internal/store"
)

type rootOptions struct {
	envFile  string
	logLevel string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "jobctl",
		Short: "Operate the job scheduling engine",
		Long: `jobctl runs maintenance and operator actions against the job store.

It reads the same environment (and optional env file) as the api and
scheduler binaries, so it talks to the same Postgres and Redis.

Examples:
  jobctl migrate                      # Apply database migrations
  jobctl list --status FAILED         # Show failed jobs
  jobctl reenable <job-id>            # Return a FAILED or CANCELLED job to PENDING
  jobctl purge-runs --older-than 720h # Drop run history older than 30 days
  jobctl health                       # Probe every dependency`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.envFile, "env", ".env", "optional env file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level")

	root.AddCommand(
		newMigrateCmd(opts),
		newListCmd(opts),
		newActionCmd(opts, "reenable", "Return a FAILED or CANCELLED job to PENDING", actionReenable),
		newActionCmd(opts, "cancel", "Cancel a PENDING or RUNNING job", actionCancel),
		newActionCmd(opts, "run-now", "Make a PENDING job due immediately", actionRunNow),
		newPurgeCmd(opts),
		newDLQCmd(opts),
		newHealthCmd(opts),
	)
	return root
}

// open builds the application for one command invocation.
func open(ctx context.Context, opts *rootOptions, migrate bool) (*app.App, error) {
	cfg, err := config.Load(opts.envFile)
	if err != nil {
		return nil, err
	}
	log, err := logging.New("console", opts.logLevel)
	if err != nil {
		return nil, err
	}
	return app.Build(ctx, cfg, log, migrate)
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := open(cmd.Context(), opts, true)
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "migrations applied (%s store)\n", a.Config.StoreDriver)
			return nil
		},
	}
}

func newListCmd(opts *rootOptions) *cobra.Command {
	var status, jobType string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := open(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer a.Close()
			list, err := a.Jobs.List(cmd.Context(), store.Filter{
				Status: models.JobStatus(status),
				Type:   models.JobType(jobType),
				Limit:  limit,
			})
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tPATTERN\tNEXT RUN\tNAME")
			for _, j := range list {
				next := "-"
				if j.NextRun != nil {
					next = j.NextRun.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", j.ID, j.Type, j.Status, j.RepeatPattern, next, j.Name)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (PENDING, RUNNING, COMPLETED, FAILED, CANCELLED)")
	cmd.Flags().StringVar(&jobType, "type", "", "filter by type (BINARY, EMAIL)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

type action func(ctx context.Context, a *app.App, id string) (models.Job, error)

func actionReenable(ctx context.Context, a *app.App, id string) (models.Job, error) {
	return a.Jobs.Reenable(ctx, id)
}

func actionCancel(ctx context.Context, a *app.App, id string) (models.Job, error) {
	return a.Jobs.Cancel(ctx, id)
}

func actionRunNow(ctx context.Context, a *app.App, id string) (models.Job, error) {
	return a.Jobs.RunNow(ctx, id)
}

func newActionCmd(opts *rootOptions, use, short string, run action) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <job-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer a.Close()
			job, err := run(cmd.Context(), a, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", job.ID, job.Status)
			return nil
		},
	}
}

func newPurgeCmd(opts *rootOptions) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge-runs",
		Short: "Delete run history older than a cutoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			a, err := open(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer a.Close()
			n, err := a.History.Purge(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d run records\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age cutoff")
	return cmd
}

func newDLQCmd(opts *rootOptions) *cobra.Command {
	var count int64
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Show the most recently failed job ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := open(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer a.Close()
			ids, err := a.Jobs.DeadLetters(cmd.Context(), count)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&count, "count", 20, "entries to show")
	return cmd
}

func newHealthCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe every dependency and print the report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := open(cmd.Context(), opts, false)
			if err != nil {
				return err
			}
			defer a.Close()
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(a.Health.Health(cmd.Context()))
		},
	}
}
