package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	fixfinder "github.com/davidobonyano/fixfinder-sub002"
	"github.com/sirupsen/logrus"
)

// newLogger builds the CLI logger. FIXFINDER_DEBUG=1 turns on debug output.
func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if os.Getenv("FIXFINDER_DEBUG") != "" {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.WarnLevel)
	}
	return log
}

// getClient creates a FixFinder client from the stored configuration.
func getClient() (*fixfinder.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'fixfinder init <token>' first.")
		os.Exit(1)
	}
	if cfg.User.ID == "" {
		fmt.Fprintln(os.Stderr, "No user id. Run 'fixfinder config set user.id <id>' first.")
		os.Exit(1)
	}

	var opts []fixfinder.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, fixfinder.WithBaseURL(cfg.Default.BaseURL))
	}
	opts = append(opts, fixfinder.WithLogger(newLogger()))

	return fixfinder.NewClient(cfg.Default.Token, opts...), cfg
}

// getChannel creates the websocket channel from the stored configuration.
func getChannel(cfg *Config) *fixfinder.RealtimeChannel {
	wsURL := cfg.Default.WSURL
	if wsURL == "" && cfg.Default.BaseURL != "" {
		wsURL = strings.Replace(cfg.Default.BaseURL, "http", "ws", 1)
	}
	if wsURL == "" {
		fmt.Fprintln(os.Stderr, "No ws_url. Run 'fixfinder config set default.ws_url <url>' first.")
		os.Exit(1)
	}
	return fixfinder.NewRealtimeChannel(wsURL, cfg.Default.Token, &fixfinder.RealtimeConfig{
		AutoReconnect: true,
		Logger:        newLogger(),
	})
}

// openState opens the durable per-device state under ~/.fixfinder/state.
// Falls back to ephemeral state rather than failing the command.
func openState() *fixfinder.LocalState {
	dir, err := configDir()
	if err == nil {
		state, err := fixfinder.OpenLocalState(filepath.Join(dir, "state"))
		if err == nil {
			return state
		}
		fmt.Fprintf(os.Stderr, "Warning: durable state unavailable (%v); hidden messages and review prompts will not persist\n", err)
	}
	return fixfinder.NewEphemeralState()
}

// openConversation wires a full conversation engine over the realtime
// channel. The returned cleanup closes the conversation, the channel, and
// the durable state.
func openConversation(ctx context.Context, conversationID string, customize func(*fixfinder.ConversationConfig)) (*fixfinder.Conversation, func(), error) {
	client, cfg := getClient()
	channel := getChannel(cfg)
	state := openState()

	if err := channel.Connect(ctx); err != nil {
		_ = state.Close()
		return nil, nil, fmt.Errorf("connect failed: %w", err)
	}

	convCfg := fixfinder.ConversationConfig{
		ConversationID: conversationID,
		SelfID:         cfg.User.ID,
		DisplayName:    cfg.User.DisplayName,
		AvatarURL:      cfg.User.AvatarURL,
		Role:           cfg.User.Role,
		Client:         client,
		Channel:        channel,
		State:          state,
		Logger:         newLogger(),
	}
	if customize != nil {
		customize(&convCfg)
	}
	conv, err := fixfinder.NewConversation(convCfg)
	if err != nil {
		_ = channel.Disconnect()
		_ = state.Close()
		return nil, nil, err
	}
	if err := conv.Open(ctx); err != nil {
		_ = channel.Disconnect()
		_ = state.Close()
		return nil, nil, err
	}

	cleanup := func() {
		conv.Close()
		_ = channel.Disconnect()
		_ = state.Close()
	}
	return conv, cleanup, nil
}

// printMessage renders one message line.
func printMessage(selfID string, m fixfinder.Message) {
	who := m.SenderID
	if who == selfID {
		who = "me"
	}
	status := ""
	if m.Optimistic() {
		status = " (sending)"
	}
	switch m.Kind {
	case fixfinder.KindContact:
		fmt.Printf("[%s] %s shared a contact%s\n", m.CreatedAt.Format("15:04:05"), who, status)
	case fixfinder.KindLocation:
		fmt.Printf("[%s] %s shared a location%s\n", m.CreatedAt.Format("15:04:05"), who, status)
	default:
		edited := ""
		if m.Edited {
			edited = " (edited)"
		}
		fmt.Printf("[%s] %s: %s%s%s\n", m.CreatedAt.Format("15:04:05"), who, m.Content.Text, edited, status)
	}
}
