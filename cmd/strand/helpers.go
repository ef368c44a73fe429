package main

import (
	"context"
	"fmt"
	"os"
	"time"

	strand "github.com/strandchat/strand-go"
)

// defaultBaseURL is used when the config does not set one.
const defaultBaseURL = "http://localhost:8080"

// getClient creates a Strand client from the stored session.
func getClient() *strand.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No session token. Run 'strand init <token>' first.")
		os.Exit(1)
	}

	baseURL := cfg.Default.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return strand.NewClient(baseURL, cfg.Auth.Token)
}

// getEngine creates a sync engine around the stored session.
func getEngine(opts ...strand.EngineOption) *strand.Engine {
	return strand.NewEngine(getClient(), opts...)
}

// withEngine runs a one-shot action against a started engine and tears it
// down afterwards.
func withEngine(fn func(ctx context.Context, eng *strand.Engine) error) error {
	eng := getEngine()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Close()

	return fn(ctx, eng)
}
