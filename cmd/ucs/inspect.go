package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sagarc03/ucs"
	"github.com/sagarc03/ucs/config"
	"github.com/sagarc03/ucs/database"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Report inbox objects no live upload refers to",
	Long: `Compare the inbox bucket against upload records and report stale
objects: unknown keys, superseded or cancelled attempts, rejected uploads and
objects left behind by terminal records. Nothing is deleted.`,
	Args: cobra.NoArgs,
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().Bool("json", false, "output JSON")
	inspectCmd.Flags().Bool("strict", false, "exit with an error when stale objects are found")
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := config.FromContext(ctx)
	if err != nil {
		return err
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")
	strict, _ := cmd.Flags().GetBool("strict")

	store, closeDB, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer closeDB()

	box, err := openInbox(cfg)
	if err != nil {
		return fmt.Errorf("open inbox: %w", err)
	}
	defer box.close()

	inspector, err := ucs.NewInspector(store, box.gateway, cfg.Storage.Bucket, slog.Default())
	if err != nil {
		return fmt.Errorf("create inspector: %w", err)
	}

	slog.Info("inspecting inbox", "bucket", cfg.Storage.Bucket, "backend", cfg.Storage.Backend)

	stale, err := inspector.Check(ctx)
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}

	if err := NewFormatter(jsonOutput).FormatStale(os.Stdout, stale); err != nil {
		return err
	}

	if strict && len(stale) > 0 {
		return fmt.Errorf("%d stale object(s) found", len(stale))
	}
	return nil
}
