// Package config provides configuration for foreman.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the foreman configuration.
type Config struct {
	// Server settings
	HTTPPort int `mapstructure:"http_port"`

	// Database
	DatabaseURL string `mapstructure:"database_url"`

	// LLM settings
	LLMProvider string        `mapstructure:"llm_provider"`
	LLMBaseURL  string        `mapstructure:"llm_base_url"`
	LLMAPIKey   string        `mapstructure:"llm_api_key"`
	Model       string        `mapstructure:"model"`
	LLMTimeout  time.Duration `mapstructure:"llm_timeout"`

	// Engine settings
	MaxIterations int `mapstructure:"max_iterations"`

	// Job processor settings
	WorkerCount int `mapstructure:"worker_count"`
	QueueSize   int `mapstructure:"queue_size"`

	// Ledger
	LedgerTTL time.Duration `mapstructure:"ledger_ttl"`

	// Tools
	ToolTimeout time.Duration `mapstructure:"tool_timeout"`
	RunnerURL   string        `mapstructure:"runner_url"`
	ArchiveURL  string        `mapstructure:"archive_url"`
}

// Load reads configuration from an optional config file plus FOREMAN_*
// environment overrides. An empty cfgFile searches the working directory for
// foreman.yaml.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("http_port", 8080)
	v.SetDefault("database_url", "file:foreman.db?cache=shared&mode=rwc")
	v.SetDefault("llm_provider", "openai")
	v.SetDefault("llm_base_url", "http://localhost:4000")
	v.SetDefault("llm_api_key", "")
	v.SetDefault("model", "gpt-4o")
	v.SetDefault("llm_timeout", 120*time.Second)
	v.SetDefault("max_iterations", 20)
	v.SetDefault("worker_count", 4)
	v.SetDefault("queue_size", 256)
	v.SetDefault("ledger_ttl", 10*time.Minute)
	v.SetDefault("tool_timeout", 60*time.Second)
	v.SetDefault("runner_url", "")
	v.SetDefault("archive_url", "")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("foreman")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("FOREMAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; env vars and defaults apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.WorkerCount < 3 {
		// Fan-out delegation needs at least 3-way job parallelism.
		cfg.WorkerCount = 3
	}
	return &cfg, nil
}
