package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/haven-chat/haven-go/internal/config"
	"github.com/haven-chat/haven-go/internal/logger"
	"github.com/haven-chat/haven-go/internal/remote"
	"github.com/haven-chat/haven-go/internal/store"
	"github.com/haven-chat/haven-go/internal/syncer"
)

var (
	cfg      *config.Config
	userFlag string
)

var rootCmd = &cobra.Command{
	Use:   "haven",
	Short: "Local-first chat client for a conversational agent server",
	Long: `haven talks to a remote agent server and keeps a durable local mirror
of sessions and messages for instant reloads and offline history browsing.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		cfg = loaded
		logger.SetLevel(cfg.Log.Level)
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&userFlag, "user", "u", "", "user id (defaults to app.default_user_id)")
}

func currentUser() string {
	if userFlag != "" {
		return userFlag
	}
	return cfg.App.DefaultUserID
}

func newRemoteClient() *remote.Client {
	return remote.New(remote.Config{
		BaseURL: cfg.API.BaseURL,
		AppName: cfg.API.AppName,
		Timeout: cfg.API.Timeout(),
	})
}

func openStore() (*store.Store, error) {
	return store.Open(cfg.Store.Path)
}

func newCoordinator(s *store.Store) *syncer.Coordinator {
	return syncer.New(newRemoteClient(), s, syncer.Options{
		MaxMessageLength: cfg.Chat.MaxMessageLength,
	})
}

// withRetry runs fn up to the configured attempt count, retrying only while
// the agent server is unreachable. Safe for idempotent operations such as
// session resume; message sends are never auto-retried.
func withRetry(attempts int, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		var unavailable *remote.UnavailableError
		if !errors.As(err, &unavailable) {
			return err
		}
		if attempt < attempts {
			logger.L.Warn("agent server unreachable, retrying", "attempt", attempt, "error", err)
			time.Sleep(time.Second)
		}
	}
	return err
}
