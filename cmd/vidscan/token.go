package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jonathan/vidscan/internal/config"
	"github.com/jonathan/vidscan/internal/server"
)

var tokenOwner string

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for an owner",
	Long: `Issue a signed bearer token using JWT_SECRET. Identity is provided by an
upstream system in production; this command is for local development and tests.`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenOwner, "owner", "", "Owner UUID (random if empty)")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, _ []string) error {
	owner := uuid.New()
	if tokenOwner != "" {
		parsed, err := uuid.Parse(tokenOwner)
		if err != nil {
			return fmt.Errorf("invalid --owner: %w", err)
		}
		owner = parsed
	}

	jwtCfg, err := config.NewJWTConfig()
	if err != nil {
		return err
	}
	token, err := server.NewJWTService(jwtCfg).GenerateToken(owner)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "owner: %s\n", owner)
	fmt.Fprintln(out, token)
	return nil
}
