package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sagarc03/ucs/config"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Version: version,
	Use:     "ucs",
	Short:   "Upload lifecycle coordinator",
	Long: `ucs drives uploaded files from metadata registration to acceptance,
rejection or deletion. It issues presigned upload and download URLs for an
inbox bucket, consumes lifecycle events from the message bus and publishes
upload_received and deletion_confirmed events.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		configFiles, _ := cmd.Flags().GetStringSlice("config")

		cfg, err := config.Load(configFiles, cmd.Flags())
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		cmd.SetContext(config.WithContext(cmd.Context(), cfg))
		setupLogging(cfg)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringSlice("config", nil, "config file paths, merged left to right (default: ./config.yaml)")
	rootCmd.PersistentFlags().String("db-type", "", "database type: sqlite, postgres, memory (default: sqlite, env: UCS_DATABASE_TYPE)")
	rootCmd.PersistentFlags().String("db-dsn", "", "database connection string (default: ucs.db, env: UCS_DATABASE_DSN)")
	rootCmd.PersistentFlags().String("storage-backend", "", "inbox backend: filesystem, stowry (default: filesystem, env: UCS_STORAGE_BACKEND)")
	rootCmd.PersistentFlags().String("storage-path", "", "inbox directory for the filesystem backend (default: ./data, env: UCS_STORAGE_PATH)")
	rootCmd.PersistentFlags().String("bus-driver", "", "message bus: redis, memory (default: memory, env: UCS_BUS_DRIVER)")
	rootCmd.PersistentFlags().String("redis-addr", "", "redis address for the bus (default: localhost:6379, env: UCS_BUS_REDIS_ADDR)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
