package config

import (
	"errors"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration.
type Config struct {
	API   APIConfig   `mapstructure:"api"`
	App   AppConfig   `mapstructure:"app"`
	Chat  ChatConfig  `mapstructure:"chat"`
	Store StoreConfig `mapstructure:"store"`
	Log   LogConfig   `mapstructure:"log"`
	LLM   LLMConfig   `mapstructure:"llm"`
}

// APIConfig describes how to reach the agent server.
type APIConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	AppName        string `mapstructure:"app_name"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// Timeout returns the remote call timeout as a duration.
func (c APIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// AppConfig holds client-side identity settings.
type AppConfig struct {
	Name          string `mapstructure:"name"`
	DefaultUserID string `mapstructure:"default_user_id"`
}

// ChatConfig holds message handling settings.
type ChatConfig struct {
	MaxMessageLength int `mapstructure:"max_message_length"`
	RetryAttempts    int `mapstructure:"retry_attempts"`
}

// StoreConfig holds local persistence settings.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// LLMConfig configures the LLM backend of the bundled dev agent server.
// It is unused when talking to an externally deployed agent.
type LLMConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:8000")
	v.SetDefault("api.app_name", "root_agent")
	v.SetDefault("api.timeout_seconds", 30)
	v.SetDefault("app.name", "haven")
	v.SetDefault("app.default_user_id", "default-user")
	v.SetDefault("chat.max_message_length", 1000)
	v.SetDefault("chat.retry_attempts", 3)
	v.SetDefault("store.path", "haven.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o-mini")
}

// Load reads config.yaml from CONFIG_PATH or the working directory.
// A missing config file is not an error; defaults apply for every key.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, err
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
