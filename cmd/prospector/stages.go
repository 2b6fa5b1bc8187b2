package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/FranksOps/prospector/internal/storage"
)

func newDiscoverCmd(opts *options) *cobra.Command {
	var params storage.Parameters
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Search for candidates and enrich the new ones",
		Example: `  prospector discover --keyword "pottery studio" --location 2840 --limit 50
  prospector discover --keyword ceramics --platform instagram`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStage(cmd, opts, storage.StageDiscover, params)
		},
	}
	f := cmd.Flags()
	f.StringSliceVarP(&params.Keywords, "keyword", "k", nil, "search keyword (repeatable)")
	f.IntSliceVar(&params.Locations, "location", nil, "location code (repeatable, default from pipeline.locations)")
	f.StringVar(&params.Language, "language", "", "two-letter language code")
	f.StringVar(&params.Device, "device", "", "desktop or mobile")
	f.IntVar(&params.Depth, "depth", 0, "results per query")
	f.StringVar(&params.Platform, "platform", "", "restrict to instagram, tiktok, x, facebook or youtube profiles")
	f.IntVar(&params.Limit, "limit", 0, "maximum records to create")
	_ = cmd.MarkFlagRequired("keyword")
	return cmd
}

func newEnrichCmd(opts *options) *cobra.Command {
	var params storage.Parameters
	cmd := &cobra.Command{
		Use:   "enrich",
		Short: "Crawl candidate sites for contact emails",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStage(cmd, opts, storage.StageEnrich, params)
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&params.TargetIDs, "target", nil, "candidate id (repeatable, default: records in status new)")
	f.StringSliceVarP(&params.Keywords, "keyword", "k", nil, "keyword used for relevance scoring (repeatable)")
	f.IntVar(&params.Limit, "limit", 0, "maximum records to enrich")
	return cmd
}

func newSendCmd(opts *options) *cobra.Command {
	var (
		params       storage.Parameters
		templateFile string
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Compose and send outreach to enriched candidates",
		RunE: func(cmd *cobra.Command, args []string) error {
			if templateFile != "" {
				b, err := os.ReadFile(templateFile)
				if err != nil {
					return fmt.Errorf("read template: %w", err)
				}
				params.Template = string(b)
			}
			return runStage(cmd, opts, storage.StageSend, params)
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&params.TargetIDs, "target", nil, "candidate id (repeatable, default: enriched records)")
	f.StringSliceVarP(&params.Keywords, "keyword", "k", nil, "keyword exposed to templates (repeatable)")
	f.StringVar(&params.Subject, "subject", "", "subject template")
	f.StringVar(&templateFile, "template-file", "", "body template file")
	f.StringVar(&params.SenderName, "sender-name", "", "name used to sign messages")
	f.BoolVar(&params.DryRun, "dry-run", false, "log messages instead of sending them")
	f.IntVar(&params.Limit, "limit", 0, "maximum messages to send")
	return cmd
}

// runStage creates one job, waits for it and everything it chains, and
// prints the resulting job snapshots.
func runStage(cmd *cobra.Command, opts *options, stage storage.Stage, params storage.Parameters) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, opts.cfg, opts.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			opts.logger.Warn("shutdown", "err", err)
		}
	}()

	id, err := rt.registry.CreateJob(ctx, stage, params)
	if err != nil {
		return err
	}
	opts.logger.Info("job submitted", "job_id", id, "stage", stage)

	// an interrupt cancels the jobs; they still record their terminal state
	if err := rt.registry.Wait(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	tree, err := jobTree(context.WithoutCancel(ctx), rt.store, id)
	if err != nil {
		return err
	}
	if err := writeJSON(cmd.OutOrStdout(), tree); err != nil {
		return err
	}
	if root := tree[0]; root.Status == storage.StatusFailed {
		return fmt.Errorf("%s job %s failed: %s", root.Stage, root.ID, root.Error)
	}
	return nil
}

// jobTree returns the job with id followed by every job chained from it.
func jobTree(ctx context.Context, store storage.JobStore, id string) ([]*storage.Job, error) {
	root, err := store.LoadJob(ctx, id)
	if err != nil {
		return nil, err
	}
	all, err := store.ListJobs(ctx, storage.JobFilter{})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	children := make(map[string][]*storage.Job)
	for _, j := range all {
		if p := j.Parameters.ParentJobID; p != "" {
			children[p] = append(children[p], j)
		}
	}

	tree := []*storage.Job{root}
	for i := 0; i < len(tree); i++ {
		tree = append(tree, children[tree[i].ID]...)
	}
	return tree, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
