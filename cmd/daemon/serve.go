// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/scriptglance/recorder/internal/chunkstore"
	"github.com/scriptglance/recorder/internal/config"
	"github.com/scriptglance/recorder/internal/daemon"
	"github.com/scriptglance/recorder/internal/health"
	"github.com/scriptglance/recorder/internal/log"
	"github.com/scriptglance/recorder/internal/version"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the recording agent (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}
	addServeFlags(cmd, opts)
	return cmd
}

func addServeFlags(cmd *cobra.Command, opts *rootOptions) {
	cmd.Flags().BoolVar(&opts.ephemeral, "ephemeral", false, "keep recordings in memory only (lost on exit)")
}

func runServe(cmd *cobra.Command, opts *rootOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, loader, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if opts.ephemeral {
		cfg.Store.Backend = chunkstore.BackendMemory
	}
	logger := configureLogging(cfg, cmd.OutOrStdout())

	source := "env+defaults"
	if loader.ConfigPath() != "" {
		source = "file"
	}
	logger.Info().
		Str(log.FieldEvent, "config.loaded").
		Str("source", source).
		Str(log.FieldPath, loader.ConfigPath()).
		Str("commit", version.Commit).
		Str("build_date", version.Date).
		Msg("loaded configuration")

	if err := health.PerformStartupChecks(ctx, cfg); err != nil {
		logger.Error().Err(err).Str(log.FieldEvent, "startup.check_failed").Msg("startup checks failed")
		return fmt.Errorf("startup checks: %w", err)
	}

	app, err := daemon.Build(ctx, config.NewHolder(cfg, loader))
	if err != nil {
		return fmt.Errorf("build agent: %w", err)
	}
	return app.Run(ctx)
}
