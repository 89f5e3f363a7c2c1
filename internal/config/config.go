// Package config provides configuration management for the application.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	GitHub    GitHubConfig    `mapstructure:"github"`
	Linear    LinearConfig    `mapstructure:"linear"`
	Generator GeneratorConfig `mapstructure:"generator"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	PublicURL string `mapstructure:"public_url"` // externally reachable base URL, used for webhook registration
	// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP.
	// Enable only behind a proxy that overwrites those headers.
	TrustProxy bool `mapstructure:"trust_proxy"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	File   string `mapstructure:"file"`
	Format string `mapstructure:"format"` // console or json
}

// GitHubConfig holds GitHub App configuration.
type GitHubConfig struct {
	AppID                int64  `mapstructure:"app_id"`
	PrivateKey           string `mapstructure:"private_key"` // PEM, PEM with \n escapes, or base64 PEM
	AppSlug              string `mapstructure:"app_slug"`
	APIURL               string `mapstructure:"api_url"` // empty means api.github.com
	BaseBranch           string `mapstructure:"base_branch"`
	DedupePullRequests   bool   `mapstructure:"dedupe_pull_requests"`
	WebhookRejectsPerMin int    `mapstructure:"webhook_rejects_per_min"` // rejected deliveries per client IP before 429; 0 disables
}

// LinearConfig holds Linear API credentials.
type LinearConfig struct {
	APIKey      string `mapstructure:"api_key"`
	AccessToken string `mapstructure:"access_token"`
	APIURL      string `mapstructure:"api_url"`
}

// GeneratorConfig points at the PR description generation service.
type GeneratorConfig struct {
	URL                string `mapstructure:"url"`
	TimeoutSec         int    `mapstructure:"timeout_sec"`
	CustomInstructions string `mapstructure:"custom_instructions"`
}

// TelegramConfig holds Telegram bot configuration.
type TelegramConfig struct {
	Token      string  `mapstructure:"token"`
	Debug      bool    `mapstructure:"debug"`
	AdminChats []int64 `mapstructure:"admin_chats"`
}

// AdminConfig guards the admin HTTP API.
type AdminConfig struct {
	Token string `mapstructure:"token"`
}

// StorageConfig holds at-rest encryption settings.
type StorageConfig struct {
	TokenKey string `mapstructure:"token_key"` // hex encoded, 32 bytes
}

// ReconcileConfig controls the background PR status reconciler.
type ReconcileConfig struct {
	IntervalSec        int `mapstructure:"interval_sec"`
	EventRetentionDays int `mapstructure:"event_retention_days"`
}

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.trust_proxy", false)
	v.SetDefault("database.path", "./data/linearpr.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("github.base_branch", "main")
	v.SetDefault("github.dedupe_pull_requests", true)
	v.SetDefault("github.webhook_rejects_per_min", 30)
	v.SetDefault("linear.api_url", "https://api.linear.app/graphql")
	v.SetDefault("generator.timeout_sec", 60)
	v.SetDefault("telegram.debug", false)
	v.SetDefault("reconcile.interval_sec", 600)
	v.SetDefault("reconcile.event_retention_days", 30)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("LINEARPR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys viper already knows about.
	for _, key := range []string{
		"github.app_id", "github.private_key", "github.app_slug", "github.api_url",
		"linear.api_key", "linear.access_token",
		"generator.url", "generator.custom_instructions",
		"telegram.token", "admin.token", "storage.token_key", "server.public_url",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("error binding env for %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks if all required configuration fields are set.
func (c *Config) Validate() error {
	if c.GitHub.AppID == 0 {
		return fmt.Errorf("github app_id is required")
	}
	if c.GitHub.PrivateKey == "" {
		return fmt.Errorf("github private_key is required")
	}
	if c.GitHub.BaseBranch == "" {
		return fmt.Errorf("github base_branch must not be empty")
	}
	if c.Storage.TokenKey != "" && len(c.Storage.TokenKey) != 64 {
		return fmt.Errorf("storage token_key must be 32 bytes hex encoded")
	}
	return nil
}

// ServerAddress returns the full server address.
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// WebhookURL returns the public webhook endpoint, or "" when no public URL is configured.
func (c *Config) WebhookURL() string {
	if c.Server.PublicURL == "" {
		return ""
	}
	return strings.TrimRight(c.Server.PublicURL, "/") + "/webhook/github"
}

// GeneratorTimeout returns the generator request timeout.
func (c *Config) GeneratorTimeout() time.Duration {
	return time.Duration(c.Generator.TimeoutSec) * time.Second
}

// ReconcileInterval returns the reconciler interval.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Reconcile.IntervalSec) * time.Second
}
