package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/papito/postgres-job-queue/internal/job"
	"github.com/papito/postgres-job-queue/internal/store"
)

// ── enqueue ───────────────────────────────────────────────────────────────────

func enqueueCmd() *cobra.Command {
	var (
		jobType    string
		rawArgs    []string
		delay      time.Duration
		maxRetries int
		baseRetry  int
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Persist one job and print its id",
		Example: `  jobq enqueue --type JOB_TYPE_1 --arg user_id=42 --arg dry_run=true
  jobq enqueue --type JOB_TYPE_2 --delay 30m`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			args, err := parseArgs(rawArgs)
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			t := job.Type(jobType)
			if !a.router.Has(t) {
				return fmt.Errorf("unknown job type %q (known: %v)", t, a.router.Types())
			}

			j := job.New(t, args)
			j.MaxRetries = maxRetries
			j.BaseRetryMinutes = baseRetry
			if delay != 0 {
				if err := j.ScheduleIn(a.store.Now(), delay); err != nil {
					return err
				}
			}

			saved, err := enqueue(cmd.Context(), a.store, j)
			if err != nil {
				return err
			}
			if err := a.notifier.Notify(cmd.Context(), saved.Type); err != nil {
				// Workers still find the job on their next poll.
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: wake-up notify failed: %v\n", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), saved.ID)
			return err
		},
	}
	cmd.Flags().StringVar(&jobType, "type", "", "job type tag")
	cmd.Flags().StringArrayVar(&rawArgs, "arg", nil, "job argument as key=value; repeatable")
	cmd.Flags().DurationVar(&delay, "delay", 0, "delay before the job becomes ripe")
	cmd.Flags().IntVar(&maxRetries, "max-retries", job.DefaultMaxRetries, "retry ceiling")
	cmd.Flags().IntVar(&baseRetry, "base-retry-minutes", job.DefaultBaseRetryMinutes, "backoff unit in minutes")
	_ = cmd.MarkFlagRequired("type") //nolint:errcheck
	return cmd
}

func enqueue(ctx context.Context, s *store.Store, j *job.Job) (*job.Job, error) {
	var saved *job.Job
	err := s.WithTx(ctx, store.ModeWrite, func(ctx context.Context) error {
		var err error
		saved, err = s.Save(ctx, j)
		return err
	})
	return saved, err
}

// parseArgs turns key=value pairs into job arguments. Values that parse as
// integers or booleans keep that type; everything else is a string.
func parseArgs(pairs []string) (job.Arguments, error) {
	args := job.Arguments{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("argument %q: want key=value", p)
		}
		if _, dup := args[k]; dup {
			return nil, fmt.Errorf("argument %q given twice", k)
		}
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			args[k] = i
			continue
		}
		if b, err := strconv.ParseBool(v); err == nil && (v == "true" || v == "false") {
			args[k] = b
			continue
		}
		args[k] = v
	}
	return args, nil
}

// ── list ──────────────────────────────────────────────────────────────────────

func listCmd() *cobra.Command {
	var (
		types []string
		f     store.Filter
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print the queued jobs, earliest ripe first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			for _, t := range types {
				f.Types = append(f.Types, job.Type(t))
			}
			jobs, err := a.store.Find(cmd.Context(), f)
			if err != nil {
				return err
			}
			return printJobs(cmd.OutOrStdout(), jobs, a.store.Now())
		},
	}
	cmd.Flags().StringSliceVar(&types, "type", nil, "only jobs of these types")
	cmd.Flags().BoolVar(&f.RipeOnly, "ripe", false, "only jobs that are ripe now")
	cmd.Flags().Uint64Var(&f.Limit, "limit", 0, "maximum number of jobs (0 = all)")
	return cmd
}

func printJobs(w io.Writer, jobs []*job.Job, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tRIPE\tTRIES\tARGUMENTS")
	for _, j := range jobs {
		ripe := "now"
		if j.RipeAt != nil {
			ripe = j.RipeAt.UTC().Format(time.RFC3339)
			if !j.Ripe(now) {
				ripe += " (in " + j.RipeAt.Sub(now).Round(time.Second).String() + ")"
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%v\n", j.ID, j.Type, ripe, j.Tries, j.MaxRetries, map[string]any(j.Arguments))
	}
	return tw.Flush()
}
