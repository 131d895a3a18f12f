package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	fixfinder "github.com/davidobonyano/fixfinder-sub002"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// chat history
	chatHistoryLimit int
	chatHistoryJSON  bool

	// chat share-location
	chatShareLat     float64
	chatShareLng     float64
	chatShareMinutes int
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.AddCommand(chatHistoryCmd)
	chatCmd.AddCommand(chatSendCmd)
	chatCmd.AddCommand(chatWatchCmd)
	chatCmd.AddCommand(chatEditCmd)
	chatCmd.AddCommand(chatDeleteCmd)
	chatCmd.AddCommand(chatClearCmd)
	chatCmd.AddCommand(chatShareLocationCmd)

	chatHistoryCmd.Flags().IntVar(&chatHistoryLimit, "limit", 50, "Maximum number of messages")
	chatHistoryCmd.Flags().BoolVar(&chatHistoryJSON, "json", false, "Output raw JSON")

	chatShareLocationCmd.Flags().Float64Var(&chatShareLat, "lat", 0, "Latitude to share")
	chatShareLocationCmd.Flags().Float64Var(&chatShareLng, "lng", 0, "Longitude to share")
	chatShareLocationCmd.Flags().IntVar(&chatShareMinutes, "minutes", 15, "Auto-stop after this many minutes")
	_ = chatShareLocationCmd.MarkFlagRequired("lat")
	_ = chatShareLocationCmd.MarkFlagRequired("lng")
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Conversation commands",
	Long:  "Read and send messages in a FixFinder conversation.",
}

// ============================================================================
// chat history
// ============================================================================

var chatHistoryCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print the message history of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msgs, err := client.Conversations.Messages(ctx, args[0], &fixfinder.HistoryOptions{
			Limit: chatHistoryLimit,
		})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if chatHistoryJSON {
			data, err := json.MarshalIndent(msgs, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, m := range msgs {
			if m.Deleted {
				continue
			}
			printMessage(cfg.User.ID, m)
		}
		return nil
	},
}

// ============================================================================
// chat send
// ============================================================================

var chatSendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Send a text message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		msg, err := client.Messages.Send(ctx, args[0], &fixfinder.SendMessageRequest{
			Kind:    fixfinder.KindText,
			Content: fixfinder.Content{Text: args[1]},
		})
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		fmt.Printf("Sent message %s\n", msg.ID)
		return nil
	},
}

// ============================================================================
// chat watch
// ============================================================================

var chatWatchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Follow a conversation live",
	Long:  "Open the conversation over the push channel and print messages, typing indicators, location updates, and job changes as they arrive. Ctrl-C to exit.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		conv, cleanup, err := openConversation(ctx, args[0], nil)
		if err != nil {
			return err
		}
		defer cleanup()

		_, cfg := getClient()
		selfID := cfg.User.ID

		conv.OnEvent(fixfinder.EventMessageNew, func(_ string, payload any) {
			if m, ok := payload.(fixfinder.Message); ok {
				printMessage(selfID, m)
			}
		})
		conv.OnEvent(fixfinder.EventMessageUpdated, func(_ string, payload any) {
			if m, ok := payload.(fixfinder.Message); ok && m.Deleted {
				fmt.Printf("-- message %s was deleted\n", m.ID)
			} else if ok && m.Edited {
				printMessage(selfID, m)
			}
		})
		conv.OnEvent(fixfinder.EventTypingChanged, func(_ string, payload any) {
			typing, ok := payload.(map[string]string)
			if !ok || len(typing) == 0 {
				return
			}
			for _, name := range typing {
				if name == "" {
					name = "peer"
				}
				fmt.Printf("-- %s is typing...\n", name)
			}
		})
		conv.OnEvent(fixfinder.EventLocationChanged, func(_ string, payload any) {
			locs, ok := payload.([]fixfinder.SharedLocation)
			if !ok {
				return
			}
			if len(locs) == 0 {
				fmt.Println("-- location sharing ended")
				return
			}
			for _, l := range locs {
				fmt.Printf("-- %s is at %.5f,%.5f\n", l.DisplayName, l.Position.Lat, l.Position.Lng)
			}
		})
		conv.OnEvent(fixfinder.EventJobChanged, func(_ string, payload any) {
			if job, ok := payload.(fixfinder.Job); ok {
				fmt.Printf("-- job %s is now %s\n", job.ID, job.DeriveState())
			}
		})
		conv.OnEvent(fixfinder.EventReviewPrompt, func(_ string, payload any) {
			if job, ok := payload.(fixfinder.Job); ok {
				fmt.Printf("-- job %s closed: leave a review with 'fixfinder job review'\n", job.ID)
			}
		})
		conv.OnEvent(fixfinder.EventResync, func(_ string, _ any) {
			fmt.Println("-- resynced")
		})

		for _, m := range conv.Messages() {
			printMessage(selfID, m)
		}
		fmt.Println("-- watching (Ctrl-C to exit)")

		<-ctx.Done()
		return nil
	},
}

// ============================================================================
// chat edit / delete / clear
// ============================================================================

var chatEditCmd = &cobra.Command{
	Use:   "edit <conversation-id> <message-id> <text>",
	Short: "Edit one of your messages",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if _, err := client.Messages.Edit(ctx, args[1], args[2]); err != nil {
			return fmt.Errorf("edit failed: %w", err)
		}
		fmt.Printf("Edited message %s\n", args[1])
		return nil
	},
}

var chatDeleteCmd = &cobra.Command{
	Use:   "delete <conversation-id> <message-id>...",
	Short: "Delete messages from your view",
	Long:  "Messages you sent are deleted for both parties. Messages the other party sent are only hidden from your device.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		conv, cleanup, err := openConversation(ctx, args[0], nil)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := conv.DeleteMessages(ctx, args[1:]); err != nil {
			return fmt.Errorf("delete failed: %w", err)
		}
		fmt.Printf("Removed %d message(s) from your view\n", len(args)-1)
		return nil
	},
}

var chatClearCmd = &cobra.Command{
	Use:   "clear <conversation-id>",
	Short: "Delete every message you sent in a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := client.Messages.DeleteMine(ctx, args[0]); err != nil {
			return fmt.Errorf("clear failed: %w", err)
		}
		fmt.Println("Cleared your messages.")
		return nil
	},
}

// ============================================================================
// chat share-location
// ============================================================================

// staticProvider serves a fixed position; the CLI has no device GPS.
type staticProvider struct {
	pos fixfinder.Position
}

func (p staticProvider) Current(_ context.Context) (fixfinder.Position, error) {
	return p.pos, nil
}

func (p staticProvider) Watch(_ context.Context, _ func(fixfinder.Position)) (func(), error) {
	return func() {}, nil
}

var chatShareLocationCmd = &cobra.Command{
	Use:   "share-location <conversation-id>",
	Short: "Share a live location for a limited time",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		conv, cleanup, err := openConversation(ctx, args[0], func(cc *fixfinder.ConversationConfig) {
			cc.Provider = staticProvider{pos: fixfinder.Position{Lat: chatShareLat, Lng: chatShareLng}}
			cc.Location = fixfinder.LocationOptions{
				AutoStopAfter: time.Duration(chatShareMinutes) * time.Minute,
				OnCountdown: func(remaining int) {
					if remaining%60 == 0 {
						fmt.Printf("-- sharing stops in %dm\n", remaining/60)
					}
				},
			}
		})
		if err != nil {
			return err
		}
		defer cleanup()

		if err := conv.StartLocationShare(ctx); err != nil {
			return fmt.Errorf("share failed: %w", err)
		}
		fmt.Printf("Sharing %.5f,%.5f for %dm (Ctrl-C to stop early)\n", chatShareLat, chatShareLng, chatShareMinutes)

		<-ctx.Done()
		// cleanup's Close runs the stop path; do it explicitly too so the
		// stop broadcast goes out before the channel disconnects.
		return conv.StopLocationShare(context.Background())
	},
}
