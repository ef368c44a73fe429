package main

import (
	"context"
	"fmt"
	"time"

	strand "github.com/strandchat/strand-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the current configuration and verify the stored session token against the server.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL: %s\n", valueOrDefault(cfg.Default.BaseURL, defaultBaseURL))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:    %s\n", maskToken(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:    (not set)")
		}
		fmt.Printf("  Username: %s\n", valueOrDefault(cfg.Auth.Username, "(not verified)"))

		if cfg.Auth.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		baseURL := cfg.Default.BaseURL
		if baseURL == "" {
			baseURL = defaultBaseURL
		}
		client := strand.NewClient(baseURL, cfg.Auth.Token)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		ident, err := client.Verify(ctx)
		if err != nil {
			fmt.Printf("  Error verifying session: %v\n", err)
			return nil
		}

		fmt.Printf("  Username: %s\n", ident.Username)
		fmt.Printf("  Email:    %s\n", ident.Email)
		fmt.Printf("  Verified: %t\n", ident.Verified)
		if ident.PhotoURL != "" {
			fmt.Printf("  Avatar:   %s\n", ident.PhotoURL)
		}
		return nil
	},
}

// maskToken shows the first 6 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 10 {
		return "..."
	}
	return token[:6] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
