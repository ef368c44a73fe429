package main

import (
	"context"
	"fmt"
	"time"

	strand "github.com/strandchat/strand-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store a session token in ~/.strand/config.toml",
	Long:  "Initialize the Strand CLI by storing a session token and verifying it against the server.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = token
		if cfg.Default.BaseURL == "" {
			cfg.Default.BaseURL = defaultBaseURL
		}

		client := strand.NewClient(cfg.Default.BaseURL, token)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		ident, err := client.Verify(ctx)
		if err != nil {
			return fmt.Errorf("token verification failed: %w", err)
		}
		cfg.Auth.Username = ident.Username

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Session for %s saved to %s\n", ident.Username, path)
		return nil
	},
}
