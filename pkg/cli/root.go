// Package cli holds the ekaya-decks commands.
package cli

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-decks/pkg/config"
	"github.com/ekaya-inc/ekaya-decks/pkg/logging"
)

type rootOptions struct {
	version    string
	configFile string
	envFile    string
	logLevel   string
}

// NewRootCommand builds the command tree. version is reported by the
// server and stamped into the config.
func NewRootCommand(version string) *cobra.Command {
	opts := &rootOptions{version: version}

	cmd := &cobra.Command{
		Use:   "ekaya-decks",
		Short: "Generate illustrated slide decks from documents",
		Long: `ekaya-decks turns text and PDF documents into slide decks.

Content is analyzed into key points, each key point becomes a slide and
every slide gets a generated illustration. Decks are served over HTTP and
MCP, or generated directly from the command line.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.loadEnv(cmd.Flags().Changed("env-file"))
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "config.yaml", "config file path")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the config")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	cmd.AddCommand(
		newServeCommand(opts),
		newGenerateCommand(opts),
		newCleanupImagesCommand(opts),
		newMigrateCommand(opts),
	)
	return cmd
}

// Execute runs the root command.
func Execute(version string) error {
	return NewRootCommand(version).Execute()
}

// loadEnv reads the dotenv file. A missing default file is not an error.
func (o *rootOptions) loadEnv(explicit bool) error {
	if o.envFile == "" {
		return nil
	}
	if err := godotenv.Load(o.envFile); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", o.envFile, err)
	}
	return nil
}

// load reads the configuration and builds the root logger.
func (o *rootOptions) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadFile(o.configFile, o.version)
	if err != nil {
		return nil, nil, err
	}
	cfg.ApplyDockerHosts()

	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	logger, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
