package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	strand "github.com/strandchat/strand-go"
	"github.com/spf13/cobra"
)

var friendsJSONOutput bool

func init() {
	rootCmd.AddCommand(friendsCmd)
	friendsCmd.Flags().BoolVar(&friendsJSONOutput, "json", false, "Output raw JSON")

	rootCmd.AddCommand(requestCmd)
	rootCmd.AddCommand(acceptCmd)
}

// ============================================================================
// friends
// ============================================================================

var friendsCmd = &cobra.Command{
	Use:   "friends",
	Short: "List friends and pending requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		reqs, err := client.FriendRequests(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if friendsJSONOutput {
			return json.NewEncoder(os.Stdout).Encode(reqs)
		}

		if len(reqs) == 0 {
			fmt.Println("No friends or pending requests.")
			return nil
		}
		for _, fr := range reqs {
			id := "-"
			if fr.ID != nil {
				id = strconv.Itoa(*fr.ID)
			}
			fmt.Printf("%5s  %-24s -> %-24s %s\n", id, fr.SenderUsername, fr.ReceiverUsername, fr.Status)
		}
		return nil
	},
}

// ============================================================================
// request / accept
// ============================================================================

var requestCmd = &cobra.Command{
	Use:   "request <username>",
	Short: "Send a friend request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, eng *strand.Engine) error {
			if err := eng.SendFriendRequest(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Friend request sent to %s\n", args[0])
			return nil
		})
	},
}

var acceptCmd = &cobra.Command{
	Use:   "accept <request-id>",
	Short: "Accept a pending friend request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid request id %q", args[0])
		}
		return withEngine(func(ctx context.Context, eng *strand.Engine) error {
			if err := eng.AcceptFriend(ctx, id); err != nil {
				return err
			}
			fmt.Printf("Accepted friend request %d\n", id)
			return nil
		})
	},
}
