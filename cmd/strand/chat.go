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

var (
	chatsJSONOutput    bool
	messagesJSONOutput bool
	sendReplyTo        int
)

func init() {
	rootCmd.AddCommand(chatsCmd)
	chatsCmd.Flags().BoolVar(&chatsJSONOutput, "json", false, "Output raw JSON")

	rootCmd.AddCommand(messagesCmd)
	messagesCmd.Flags().BoolVar(&messagesJSONOutput, "json", false, "Output raw JSON")

	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().IntVar(&sendReplyTo, "reply-to", 0, "Message ID to reply to")

	rootCmd.AddCommand(newChatCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(editCmd)
}

// ============================================================================
// chats
// ============================================================================

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List your chats, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		chats, err := client.Chats(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if chatsJSONOutput {
			return json.NewEncoder(os.Stdout).Encode(chats)
		}

		cfg, _ := loadConfig()
		self := ""
		if cfg != nil {
			self = cfg.Auth.Username
		}
		if len(chats) == 0 {
			fmt.Println("No chats yet. Use 'strand new-chat <username>' to start one.")
			return nil
		}
		for _, c := range chats {
			fmt.Printf("%4d  %-24s %s\n", c.ID, c.Partner(self), c.LastUpdate.Format(time.RFC3339))
		}
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <chat-id>",
	Short: "Print the message history of a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid chat id %q", args[0])
		}
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		msgs, err := client.Messages(ctx, chatID)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if messagesJSONOutput {
			return json.NewEncoder(os.Stdout).Encode(msgs)
		}

		for _, m := range msgs {
			id := "-"
			if m.ID != nil {
				id = strconv.Itoa(*m.ID)
			}
			marker := ""
			if m.Edited {
				marker = " (edited)"
			}
			if m.RepliedMessage != nil {
				fmt.Printf("      > %s\n", *m.RepliedMessage)
			}
			fmt.Printf("%5s  %s  <%s> %s%s\n", id, m.Time.Format("15:04:05"), m.Username, m.Body, marker)
		}
		return nil
	},
}

// ============================================================================
// send / new-chat / delete / edit
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <partner|chat-id> <text>",
	Short: "Send a message to a chat",
	Long:  "Send a message over the live channel, addressed by partner username or chat id. Use --reply-to to reply to a specific message.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, eng *strand.Engine) error {
			chatID, err := strconv.Atoi(args[0])
			if err != nil {
				chat, ok := eng.Store().ChatWith(args[0])
				if !ok {
					return fmt.Errorf("no chat with %q", args[0])
				}
				chatID = chat.ID
			}
			if err := eng.OpenChat(ctx, chatID); err != nil {
				return err
			}
			if sendReplyTo != 0 {
				eng.StartReply(sendReplyTo)
			}
			return eng.Send(ctx, args[1])
		})
	},
}

var newChatCmd = &cobra.Command{
	Use:   "new-chat <username>",
	Short: "Open a chat with a friend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, eng *strand.Engine) error {
			return eng.CreateChat(ctx, args[0])
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <chat-id> <message-id>",
	Short: "Delete one of your messages",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid chat id %q", args[0])
		}
		messageID, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid message id %q", args[1])
		}
		return withEngine(func(ctx context.Context, eng *strand.Engine) error {
			if err := eng.OpenChat(ctx, chatID); err != nil {
				return err
			}
			return eng.DeleteMessage(ctx, messageID)
		})
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <chat-id> <message-id> <text>",
	Short: "Replace the body of one of your messages",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid chat id %q", args[0])
		}
		messageID, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid message id %q", args[1])
		}
		return withEngine(func(ctx context.Context, eng *strand.Engine) error {
			if err := eng.OpenChat(ctx, chatID); err != nil {
				return err
			}
			eng.StartEdit(messageID)
			return eng.Send(ctx, args[2])
		})
	},
}
