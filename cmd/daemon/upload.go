// SPDX-License-Identifier: MIT

package main

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/scriptglance/recorder/internal/daemon"
)

var errNoBackend = errors.New("backend.base_url is not configured")

func newUploadCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "upload",
		Short: "Upload every stored recording once and exit",
		Long: `Rebuilds the upload queue from the chunk store and uploads every pending
or failed recording. The daemon must not be running against the same store.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, _, err := loadConfig(opts)
			if err != nil {
				return err
			}
			configureLogging(cfg, cmd.ErrOrStderr())

			client, err := daemon.NewBackend(cfg)
			if err != nil {
				return err
			}
			if client == nil {
				return errNoBackend
			}

			store, err := daemon.OpenStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			queue, err := daemon.NewUploadQueue(cfg, store, client, nil, nil)
			if err != nil {
				return err
			}
			if err := queue.Reload(ctx); err != nil {
				return err
			}
			summary, err := queue.UploadAll(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "attempted=%d succeeded=%d failed=%d\n",
				summary.Attempted, summary.Succeeded, summary.Failed)
			if summary.Failed > 0 {
				return fmt.Errorf("%d of %d uploads failed", summary.Failed, summary.Attempted)
			}
			return nil
		},
	}
}
