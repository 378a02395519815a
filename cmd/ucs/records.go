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

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "List upload records",
	Long: `List upload records ordered by creation time.

Examples:
  ucs records
  ucs records --state UPLOADED --limit 50
  ucs records --cursor <next page cursor> --json`,
	Args: cobra.NoArgs,
	RunE: runRecords,
}

var statusCmd = &cobra.Command{
	Use:   "status <file-id>",
	Short: "Show the upload record of a file",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var resumeCmd = &cobra.Command{
	Use:   "resume <file-id>...",
	Short: "Finish pending work on upload records",
	Long: `Publish outbound events still pending on a record and complete
deletions whose object removal did not finish. Records with nothing pending
are left alone.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runResume,
}

func init() {
	recordsCmd.Flags().String("state", "", "only list records in this state")
	recordsCmd.Flags().Int("limit", 100, "maximum number of records to list (max 1000)")
	recordsCmd.Flags().String("cursor", "", "cursor from a previous page")
	recordsCmd.Flags().Bool("json", false, "output JSON")
	statusCmd.Flags().Bool("json", false, "output JSON")

	rootCmd.AddCommand(recordsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resumeCmd)
}

func runRecords(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := config.FromContext(ctx)
	if err != nil {
		return err
	}

	query := ucs.ListQuery{}
	if s, _ := cmd.Flags().GetString("state"); s != "" {
		if query.State, err = ucs.ParseState(s); err != nil {
			return err
		}
	}
	query.Limit, _ = cmd.Flags().GetInt("limit")
	query.Cursor, _ = cmd.Flags().GetString("cursor")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store, closeDB, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer closeDB()

	result, err := store.List(ctx, query)
	if err != nil {
		return fmt.Errorf("list records: %w", err)
	}

	return NewFormatter(jsonOutput).FormatList(os.Stdout, result)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := config.FromContext(ctx)
	if err != nil {
		return err
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store, closeDB, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer closeDB()

	rec, err := store.Get(ctx, args[0])
	if err != nil {
		return fmt.Errorf("get %s: %w", args[0], err)
	}

	return NewFormatter(jsonOutput).FormatRecord(os.Stdout, rec)
}

func runResume(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := config.FromContext(ctx)
	if err != nil {
		return err
	}

	if cfg.Bus.Driver == "memory" {
		slog.Warn("bus driver is memory, events published by resume are not delivered anywhere")
	}

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

	rdb, err := newRedisClient(ctx, cfg)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
	}

	publisher, err := newPublisher(cfg, rdb)
	if err != nil {
		return fmt.Errorf("create publisher: %w", err)
	}

	coordinator, err := newCoordinator(cfg, store, box.gateway, publisher, nil)
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}

	var failed int
	for _, fileID := range args {
		if err := coordinator.Resume(ctx, fileID); err != nil {
			slog.Error("resume failed", "file_id", fileID, "err", err)
			failed++
			continue
		}
		slog.Info("resumed", "file_id", fileID)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d record(s) could not be resumed", failed, len(args))
	}
	return nil
}
