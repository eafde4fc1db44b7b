package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/haven-chat/haven-go/internal/agentserver"
	"github.com/haven-chat/haven-go/internal/llm"
	"github.com/haven-chat/haven-go/internal/logger"
)

var agentAddrFlag string

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the bundled development agent server",
	Long: `Serve the agent HTTP surface locally, answering through the LLM
configured under the llm section. Sessions live in memory; the chat client's
local cache carries history across restarts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		server := agentserver.New(llm.NewClient(cfg.LLM), cfg.LLM.Model)

		logger.L.Info("starting dev agent server", "address", agentAddrFlag, "model", cfg.LLM.Model)
		if err := http.ListenAndServe(agentAddrFlag, server.Handler()); err != nil {
			return fmt.Errorf("agent server: %w", err)
		}
		return nil
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show agent server metadata",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := newRemoteClient().ServerInfo(cmd.Context())
		if info == nil {
			fmt.Println(metaStyle.Render("agent server metadata unavailable"))
			return nil
		}
		for key, value := range info {
			fmt.Printf("%s: %v\n", key, value)
		}
		return nil
	},
}

func init() {
	agentCmd.Flags().StringVar(&agentAddrFlag, "addr", "localhost:8000", "listen address")
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(infoCmd)
}
