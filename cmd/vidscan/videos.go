package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jonathan/vidscan/internal/config"
	"github.com/jonathan/vidscan/internal/db"
	"github.com/jonathan/vidscan/internal/observability"
	"github.com/jonathan/vidscan/internal/types"
)

var (
	videosOwner string
	videosID    string
)

var videosCmd = &cobra.Command{
	Use:   "videos",
	Short: "Inspect video records in the repository",
	Long: `Print one video (--id) or every video belonging to an owner (--owner),
newest first. Reads the configured repository directly.`,
	RunE: runVideos,
}

func init() {
	videosCmd.Flags().StringVar(&videosOwner, "owner", "", "List videos for this owner UUID")
	videosCmd.Flags().StringVar(&videosID, "id", "", "Show a single video by UUID")
	videosCmd.MarkFlagsOneRequired("owner", "id")
	videosCmd.MarkFlagsMutuallyExclusive("owner", "id")
	rootCmd.AddCommand(videosCmd)
}

func runVideos(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	repo, err := db.Open(cmd.Context(), cfg.RepositoryDriver, repositoryDSN(cfg))
	if err != nil {
		return fmt.Errorf("failed to open repository: %w", err)
	}
	defer repo.Close()

	printer := observability.NewPrinter(cmd.OutOrStdout())

	if videosID != "" {
		id, err := uuid.Parse(videosID)
		if err != nil {
			return fmt.Errorf("invalid --id: %w", err)
		}
		video, err := repo.GetVideo(cmd.Context(), id)
		if err != nil {
			return err
		}
		if video == nil {
			return &types.ErrNotFound{Resource: "video", ID: videosID}
		}
		printer.PrintVideo(video)
		return nil
	}

	owner, err := uuid.Parse(videosOwner)
	if err != nil {
		return fmt.Errorf("invalid --owner: %w", err)
	}
	videos, err := repo.ListVideosByOwner(cmd.Context(), owner)
	if err != nil {
		return err
	}
	printer.PrintVideos(videos)
	return nil
}
