package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/haven-chat/haven-go/internal/store"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List cached sessions, most recent activity first",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		sessions, err := s.ListSessions(cmd.Context())
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println(metaStyle.Render("no cached sessions"))
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tNAME\tMESSAGES\tLAST ACTIVITY")
		for _, sess := range sessions {
			last := "-"
			if !sess.LastMessageAt.IsZero() {
				last = sess.LastMessageAt.Format("2006-01-02 15:04")
			}
			name := sess.DisplayName
			if name == "" {
				name = metaStyle.Render("(unnamed)")
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", sess.RemoteSessionID, name, sess.MessageCount, last)
		}
		return w.Flush()
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <session-id>",
	Short: "Show a session's cached transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		sess, err := s.GetSessionByRemoteID(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if sess == nil {
			return fmt.Errorf("no cached session %q", args[0])
		}

		msgs, err := s.ListMessages(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, m := range msgs {
			renderMessage(m)
		}
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session and its messages from the local cache",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		if err := newCoordinator(s).Delete(cmd.Context(), args[0]); err != nil {
			if errors.Is(err, store.ErrSessionNotFound) {
				return fmt.Errorf("no cached session %q", args[0])
			}
			return err
		}
		fmt.Println(metaStyle.Render("session deleted"))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(deleteCmd)
}
