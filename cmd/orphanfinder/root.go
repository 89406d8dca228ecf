package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rsclarke/orphanfinder/internal/config"
	"github.com/rsclarke/orphanfinder/internal/logging"
)

var (
	logger     *zap.Logger
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "orphanfinder",
	Short: "Find orphaned entities in a Home Assistant recorder database",
	Long: `orphanfinder scans a Home Assistant recorder database for entities whose
states or statistics outlived them, sizes the space they occupy and
generates SQL to remove them.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(logging.FromEnv())
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logging.Sync(logger)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file (env: ORPHANFINDER_CONFIG)")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
