// SPDX-License-Identifier: MIT

package main

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/scriptglance/recorder/internal/config"
	"github.com/scriptglance/recorder/internal/log"
	"github.com/scriptglance/recorder/internal/version"
)

type rootOptions struct {
	configPath string
	// ephemeral keeps chunks in memory only; serve mode.
	ephemeral bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "sgr-recorder",
		Short:         "ScriptGlance recording agent",
		Long:          "Records presentation video locally and uploads finished recordings to the ScriptGlance backend.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config file (YAML)")
	addServeFlags(root, opts)

	root.AddCommand(
		newServeCmd(opts),
		newUploadCmd(opts),
		newStatusCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)
	return root
}

// resolveConfigPath returns the explicit path, else <data dir>/config.yaml
// when it exists, else "" (environment and defaults only).
func resolveConfigPath(explicit string) string {
	if p := strings.TrimSpace(explicit); p != "" {
		return p
	}
	dataDir := config.ParseString(config.EnvPrefix+"DATA_DIR", config.Defaults().DataDir)
	auto := filepath.Join(dataDir, "config.yaml")
	if _, err := os.Stat(auto); err == nil {
		return auto
	}
	return ""
}

func loadConfig(opts *rootOptions) (config.Config, *config.Loader, error) {
	loader := config.NewLoader(resolveConfigPath(opts.configPath), version.Version)
	cfg, err := loader.Load()
	return cfg, loader, err
}

// configureLogging reinitialises the global logger from the loaded config.
// One-shot commands log to stderr so stdout stays machine-readable.
func configureLogging(cfg config.Config, out io.Writer) zerolog.Logger {
	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Output:  out,
		Service: cfg.LogService,
		Version: version.Version,
	})
	return log.WithComponent("cli")
}
