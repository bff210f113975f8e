// Package main provides the entry point for the vidscan upload and moderation service.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "vidscan",
	Short: "Video upload, moderation pipeline and streaming server",
	Long:  "vidscan accepts video uploads, runs each one through a staged moderation pipeline, broadcasts live progress and streams the stored media with byte-range support.",
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
