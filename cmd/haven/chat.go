package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/haven-chat/haven-go/internal/remote"
	"github.com/haven-chat/haven-go/internal/store"
	"github.com/haven-chat/haven-go/internal/syncer"
)

var (
	youStyle       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	agentStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	metaStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true)
	failedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	notDelivered   = failedStyle.Render("✗ not delivered")
	sessionIDStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

var chatSessionFlag string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start or resume a conversation",
	Long: `Open an interactive conversation with the agent. With --session, the
existing session is resumed from the local cache and its transcript replayed;
otherwise a new session is created.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		coord := newCoordinator(s)
		ctx := cmd.Context()
		user := currentUser()

		var sess *store.Session
		err = withRetry(cfg.Chat.RetryAttempts, func() error {
			var startErr error
			sess, startErr = coord.StartOrResume(ctx, user, chatSessionFlag, nil)
			return startErr
		})
		if err != nil {
			return fmt.Errorf("session could not be started: %w", err)
		}

		fmt.Println(metaStyle.Render("session ") + sessionIDStyle.Render(sess.RemoteSessionID))
		replayTranscript(ctx, s, sess.RemoteSessionID)
		fmt.Println(metaStyle.Render("type a message, or /quit to leave"))

		scanner := bufio.NewScanner(os.Stdin)
		for {
			fmt.Print(youStyle.Render("you> "))
			if !scanner.Scan() {
				return scanner.Err()
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if line == "/quit" || line == "/exit" {
				return nil
			}

			reply, err := coord.PostMessage(ctx, sess.RemoteSessionID, user, line)
			if err != nil {
				if errors.Is(err, syncer.ErrMessageTooLong) {
					fmt.Println(failedStyle.Render(fmt.Sprintf("message too long (limit %d characters)", cfg.Chat.MaxMessageLength)))
					continue
				}
				// The message stays in the local transcript, marked
				// undelivered; sending again retries the exchange.
				fmt.Println(sendFailureNotice(err))
				continue
			}
			fmt.Println(agentStyle.Render("agent> ") + reply.Content)
		}
	},
}

// sendFailureNotice explains why a message did not go through. An unreachable
// server warrants sending again; a rejection or a local storage failure does
// not, so the wording keeps them apart.
func sendFailureNotice(err error) string {
	var rejected *remote.RejectedError
	var unavailable *remote.UnavailableError
	switch {
	case errors.As(err, &rejected):
		return notDelivered + metaStyle.Render(fmt.Sprintf("  (agent refused the message, status %d)", rejected.Status))
	case errors.As(err, &unavailable):
		return notDelivered + metaStyle.Render("  (agent unreachable, your message is kept locally)")
	default:
		return notDelivered + metaStyle.Render("  (message not sent: "+err.Error()+")")
	}
}

func replayTranscript(ctx context.Context, s *store.Store, sessionID string) {
	msgs, err := s.ListMessages(ctx, sessionID)
	if err != nil || len(msgs) == 0 {
		return
	}
	for _, m := range msgs {
		renderMessage(m)
	}
	fmt.Println(metaStyle.Render(fmt.Sprintf("— %d cached messages —", len(msgs))))
}

func renderMessage(m store.Message) {
	switch m.Role {
	case "user":
		line := youStyle.Render("you> ") + m.Content
		if m.Status == store.StatusUnconfirmed {
			line += "  " + notDelivered
		}
		fmt.Println(line)
	case "assistant":
		fmt.Println(agentStyle.Render("agent> ") + m.Content)
	}
}

func init() {
	chatCmd.Flags().StringVarP(&chatSessionFlag, "session", "s", "", "resume an existing session by id")
	rootCmd.AddCommand(chatCmd)
}
