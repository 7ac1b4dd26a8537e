// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/scriptglance/recorder/internal/daemon"
	"github.com/scriptglance/recorder/internal/domain/recordings/model"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List recordings that have not been uploaded yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, _, err := loadConfig(opts)
			if err != nil {
				return err
			}
			configureLogging(cfg, cmd.ErrOrStderr())

			store, err := daemon.OpenStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			// The queue never uploads here; the backend is irrelevant.
			queue, err := daemon.NewUploadQueue(cfg, store, nil, nil, nil)
			if err != nil {
				return err
			}
			if err := queue.Reload(ctx); err != nil {
				return err
			}

			entries := queue.Entries()
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if entries == nil {
					entries = []model.UploadingVideo{}
				}
				return enc.Encode(entries)
			}
			return printEntries(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print entries as JSON")
	return cmd
}

func printEntries(out io.Writer, entries []model.UploadingVideo) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(out, "No recordings waiting for upload.")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VIDEO ID\tPRESENTATION\tPART\tORDER\tSTARTED\tSTATUS")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%s\t%s\n",
			e.VideoID, e.PresentationID, e.PartName, e.PartOrder,
			e.StartedAt.UTC().Format(time.RFC3339), e.Status)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "%d recording(s) waiting for upload.\n", len(entries))
	return err
}
