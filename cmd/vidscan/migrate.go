package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonathan/vidscan/internal/config"
	"github.com/jonathan/vidscan/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the video table and indexes if they do not exist",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	repo, err := db.Open(cmd.Context(), cfg.RepositoryDriver, repositoryDSN(cfg))
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	repo.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "Schema ready (%s)\n", cfg.RepositoryDriver)
	return nil
}
