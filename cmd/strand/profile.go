package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	strand "github.com/strandchat/strand-go"
	"github.com/spf13/cobra"
)

var whoisJSONOutput bool

func init() {
	rootCmd.AddCommand(whoisCmd)
	whoisCmd.Flags().BoolVar(&whoisJSONOutput, "json", false, "Output raw JSON")

	rootCmd.AddCommand(bioCmd)
	rootCmd.AddCommand(avatarCmd)
}

// ============================================================================
// whois
// ============================================================================

var whoisCmd = &cobra.Command{
	Use:   "whois <username>",
	Short: "Show a user's public profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		profile, err := client.Profile(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if whoisJSONOutput {
			return json.NewEncoder(os.Stdout).Encode(profile)
		}

		fmt.Printf("Username:  %s\n", profile.Username)
		if profile.Biography != "" {
			fmt.Printf("Biography: %s\n", profile.Biography)
		}
		if profile.PhotoURL != "" {
			fmt.Printf("Avatar:    %s\n", profile.PhotoURL)
		}
		return nil
	},
}

// ============================================================================
// bio / avatar
// ============================================================================

var bioCmd = &cobra.Command{
	Use:   "bio <text>",
	Short: "Update your biography",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, eng *strand.Engine) error {
			if err := eng.ChangeBio(ctx, args[0]); err != nil {
				return err
			}
			fmt.Println("Biography updated")
			return nil
		})
	},
}

var avatarCmd = &cobra.Command{
	Use:   "avatar <path>",
	Short: "Upload a profile picture",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("cannot read file: %w", err)
		}
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		path, err := client.UploadAvatar(ctx, filepath.Base(args[0]), data)
		if err != nil {
			return fmt.Errorf("upload failed: %w", err)
		}
		fmt.Printf("Avatar uploaded: %s\n", path)
		return nil
	},
}
