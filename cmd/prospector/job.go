package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/FranksOps/prospector/internal/jobs"
	"github.com/FranksOps/prospector/internal/storage"
)

func newJobCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect jobs",
	}
	cmd.AddCommand(newJobGetCmd(opts), newJobListCmd(opts), newJobRecoverCmd(opts))
	return cmd
}

// withStore opens the configured store for the duration of fn.
func withStore(ctx context.Context, opts *options, fn func(storage.Backend) error) error {
	store, err := openStore(ctx, opts.cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			opts.logger.Warn("close store", "err", err)
		}
	}()
	return fn(store)
}

func newJobGetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(store storage.Backend) error {
				job, err := store.LoadJob(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), job)
			})
		},
	}
}

func newJobListCmd(opts *options) *cobra.Command {
	var (
		stage, status string
		limit, offset int
		asJSON        bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := storage.JobFilter{Limit: limit, Offset: offset}
			if stage != "" {
				st, err := storage.ParseStage(stage)
				if err != nil {
					return err
				}
				filter.Stage = st
			}
			if status != "" {
				filter.Status = storage.Status(status)
			}
			return withStore(cmd.Context(), opts, func(store storage.Backend) error {
				list, err := store.ListJobs(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), list)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSTAGE\tSTATUS\tCREATED\tSUMMARY")
				for _, j := range list {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", j.ID, j.Stage, j.Status, j.CreatedAt.Format("2006-01-02 15:04:05"), summary(j))
				}
				return tw.Flush()
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&stage, "stage", "", "filter by stage")
	f.StringVar(&status, "status", "", "filter by status")
	f.IntVar(&limit, "limit", 20, "maximum jobs")
	f.IntVar(&offset, "offset", 0, "jobs to skip")
	f.BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newJobRecoverCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Fail jobs left pending or running by a process that exited",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(store storage.Backend) error {
				reg := jobs.NewRegistry(store, nil, jobs.Options{Logger: opts.logger})
				n, err := reg.RecoverOrphans(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "recovered %d jobs\n", n)
				return nil
			})
		},
	}
}

// summary is a one-line digest of a job's result or error.
func summary(j *storage.Job) string {
	if j.Error != "" {
		return j.Error
	}
	if j.Result == nil {
		return ""
	}
	if j.Result.Outcome != storage.OutcomeDone {
		return string(j.Result.Outcome)
	}
	var parts []string
	for _, k := range []string{"new", "duplicates", "enriched", "no_contact", "blocked", "unreachable", "sent", "dry_run", "failed", "skipped"} {
		if n, ok := j.Result.Stats[k]; ok {
			parts = append(parts, fmt.Sprintf("%s=%d", k, n))
		}
	}
	return strings.Join(parts, " ")
}
