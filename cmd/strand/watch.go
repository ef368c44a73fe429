package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	strand "github.com/strandchat/strand-go"
	"github.com/spf13/cobra"
)

var (
	watchChatID  int
	watchVerbose bool
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().IntVar(&watchChatID, "chat", 0, "Chat ID to open and follow")
	watchCmd.Flags().BoolVar(&watchVerbose, "verbose", false, "Enable debug logging")
}

// consoleNotifier prints engine notices to stdout.
type consoleNotifier struct{}

func (consoleNotifier) Notify(kind, text string) {
	fmt.Printf("[%s] %s\n", kind, text)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow live chat and friend traffic",
	Long:  "Connect both live channels and print messages, notices, and connection events until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if watchVerbose {
			level = slog.LevelDebug
		}
		log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		eng := getEngine(
			strand.WithNotifier(consoleNotifier{}),
			strand.WithLogger(log),
		)

		for _, ch := range []*strand.ChannelClient{eng.MessagingChannel(), eng.FriendChannel()} {
			ch := ch
			ch.OnConnected(func() {
				fmt.Printf("-- connected %s\n", ch.URL())
			})
			ch.OnDisconnected(func(reason string) {
				fmt.Printf("-- disconnected: %s\n", reason)
			})
			ch.OnReconnecting(func(delay time.Duration) {
				fmt.Printf("-- reconnecting in %s\n", delay)
			})
		}
		eng.MessagingChannel().OnNewMessage(func(m strand.Message) {
			fmt.Printf("%s <%s> %s\n", m.Time.Format("15:04:05"), m.Username, m.Body)
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := eng.Start(ctx); err != nil {
			return err
		}
		defer eng.Close()

		if ident := eng.Identity(); ident != nil {
			fmt.Printf("-- watching as %s\n", ident.Username)
		}
		if watchChatID != 0 {
			if err := eng.OpenChat(ctx, watchChatID); err != nil {
				return err
			}
			for _, m := range eng.Store().Messages() {
				fmt.Printf("%s <%s> %s\n", m.Time.Format("15:04:05"), m.Username, m.Body)
			}
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		fmt.Println("-- bye")
		return nil
	},
}
