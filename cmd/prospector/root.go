package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/FranksOps/prospector/internal/config"
)

// options are the global flags.
type options struct {
	configPath string
	logLevel   string
	cfg        *config.Config
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "prospector",
		Short:         "Find, enrich and contact B2B prospects",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if opts.logLevel != "" {
				cfg.Log.Level = opts.logLevel
			}
			logger, err := newLogger(cmd.ErrOrStderr(), cfg.Log)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			opts.cfg = cfg
			opts.logger = logger
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (yaml, toml or json)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error (overrides log.level)")

	root.AddCommand(
		newDiscoverCmd(opts),
		newEnrichCmd(opts),
		newSendCmd(opts),
		newJobCmd(opts),
		newReportCmd(opts),
		newExportCmd(opts),
	)
	return root
}

func newLogger(w io.Writer, cfg config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	hopts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	case "", "text":
		return slog.New(slog.NewTextHandler(w, hopts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q", cfg.Format)
}
