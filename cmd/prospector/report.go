package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/FranksOps/prospector/internal/report"
	"github.com/FranksOps/prospector/internal/storage"
)

func newReportCmd(opts *options) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarise jobs and candidates",
		RunE: func(cmd *cobra.Command, args []string) error {
			var write func(io.Writer, report.Summary) error
			switch format {
			case "text":
				write = report.WriteText
			case "json":
				write = report.WriteJSON
			case "html":
				write = report.WriteHTML
			default:
				return fmt.Errorf("unknown format %q (text, json or html)", format)
			}
			return withStore(cmd.Context(), opts, func(store storage.Backend) error {
				jobs, candidates, err := report.Collect(cmd.Context(), store)
				if err != nil {
					return err
				}
				return write(cmd.OutOrStdout(), report.GenerateSummary(jobs, candidates))
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "text, json or html")
	return cmd
}

func newExportCmd(opts *options) *cobra.Command {
	var status, output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export candidates as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(store storage.Backend) error {
				list, err := report.Candidates(cmd.Context(), store, storage.CandidateFilter{Status: storage.CandidateStatus(status)})
				if err != nil {
					return err
				}
				if output == "" || output == "-" {
					return report.WriteCSV(cmd.OutOrStdout(), list)
				}
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create %s: %w", output, err)
				}
				if err := report.WriteCSV(f, list); err != nil {
					_ = f.Close()
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
				opts.logger.Info("exported candidates", "count", len(list), "path", output)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only candidates in this status")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}
