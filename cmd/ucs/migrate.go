package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/sagarc03/ucs/config"
	"github.com/sagarc03/ucs/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or reset the record tables",
	Long: `Create the record tables if they do not exist.

With --reset the tables are dropped and recreated. Every upload record is
lost; you are asked to confirm unless --yes is given.`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().Bool("reset", false, "drop and recreate the record tables")
	migrateCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := config.FromContext(ctx)
	if err != nil {
		return err
	}

	reset, _ := cmd.Flags().GetBool("reset")
	yes, _ := cmd.Flags().GetBool("yes")

	if reset {
		if !yes {
			prompt := promptui.Prompt{
				Label:     fmt.Sprintf("Drop all upload records in %s table %q", cfg.Database.Type, cfg.Database.Tables.Records),
				IsConfirm: true,
			}
			if _, err := prompt.Run(); err != nil {
				if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrAbort) {
					fmt.Println("Cancelled.")
					return nil
				}
				return fmt.Errorf("prompt: %w", err)
			}
		}

		if err := database.Reset(ctx, cfg.Database); err != nil {
			return fmt.Errorf("reset database: %w", err)
		}
		slog.Info("record tables reset", "type", cfg.Database.Type, "table", cfg.Database.Tables.Records)
		return nil
	}

	_, closeDB, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	closeDB()

	slog.Info("database migration complete", "type", cfg.Database.Type, "table", cfg.Database.Tables.Records)
	return nil
}
