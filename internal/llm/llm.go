package llm

import (
	"github.com/sashabaranov/go-openai"

	"github.com/haven-chat/haven-go/internal/config"
)

// NewClient creates an OpenAI-compatible client for the dev agent server.
func NewClient(cfg config.LLMConfig) *openai.Client {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return openai.NewClientWithConfig(clientConfig)
}
