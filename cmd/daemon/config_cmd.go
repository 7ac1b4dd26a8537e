// SPDX-License-Identifier: MIT

package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/scriptglance/recorder/internal/config"
)

const redacted = "***"

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, loader, err := loadConfig(opts)
			if err != nil {
				return err
			}
			source := loader.ConfigPath()
			if source == "" {
				source = "environment and defaults"
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "configuration OK (%s)\n", source)
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(opts)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(redact(cfg)); err != nil {
				return err
			}
			return enc.Close()
		},
	})
	return cmd
}

func redact(cfg config.Config) config.Config {
	for _, s := range []*string{&cfg.Backend.Token, &cfg.Archive.AccessKey, &cfg.Archive.SecretKey} {
		if *s != "" {
			*s = redacted
		}
	}
	return cfg
}
