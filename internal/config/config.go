package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Graph         GraphConfig         `yaml:"graph"`
	Auth          AuthConfig          `yaml:"auth"`
	Credentials   CredentialsConfig   `yaml:"credentials"`
	Discovery     DiscoveryConfig     `yaml:"discovery"`
	Policy        PolicyConfig        `yaml:"policy"`
	Platforms     PlatformsConfig     `yaml:"platforms"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	CORSAllowOrigin string        `yaml:"cors_allow_origin"`
}

type DatabaseConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type KafkaConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Brokers         []string `yaml:"brokers"`
	AutomationTopic string   `yaml:"automation_topic"`
	ChainTopic      string   `yaml:"chain_topic"`
}

type GraphConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URI      string `yaml:"uri"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type AuthConfig struct {
	JWTSecret          string        `yaml:"jwt_secret"`
	AccessTokenExpiry  time.Duration `yaml:"access_token_expiry"`
	RefreshTokenExpiry time.Duration `yaml:"refresh_token_expiry"`
}

type CredentialsConfig struct {
	// SealKey is a 32-byte hex-encoded key used to seal tokens at rest.
	SealKey          string        `yaml:"seal_key"`
	RefreshLookahead time.Duration `yaml:"refresh_lookahead"`
}

type DiscoveryConfig struct {
	Schedule            string        `yaml:"schedule"`
	MaxRetries          int           `yaml:"max_retries"`
	InitialBackoff      time.Duration `yaml:"initial_backoff"`
	MaxBackoff          time.Duration `yaml:"max_backoff"`
	RunTimeout          time.Duration `yaml:"run_timeout"`
	PlatformConcurrency int           `yaml:"platform_concurrency"`
	ActivityWindow      time.Duration `yaml:"activity_window"`
}

// PolicyConfig carries the organization policy inputs supplied by the
// (out-of-scope) configuration collaborator.
type PolicyConfig struct {
	// ScopeSensitivity ranks canonical scopes 0-100 by data sensitivity.
	ScopeSensitivity  map[string]int `yaml:"scope_sensitivity"`
	CorrelationWindow time.Duration  `yaml:"correlation_window"`
	InactivityWindow  time.Duration  `yaml:"inactivity_window"`
	Timezone          string         `yaml:"timezone"`
	OffHoursStart     int            `yaml:"off_hours_start"`
	OffHoursEnd       int            `yaml:"off_hours_end"`
}

type PlatformsConfig struct {
	Slack           SlackConfig           `yaml:"slack"`
	GoogleWorkspace GoogleWorkspaceConfig `yaml:"google_workspace"`
	OpenAI          OpenAIConfig          `yaml:"openai"`
}

type SlackConfig struct {
	BaseURL       string        `yaml:"base_url"`
	TokenURL      string        `yaml:"token_url"`
	ClientID      string        `yaml:"client_id"`
	ClientSecret  string        `yaml:"client_secret"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Timeout       time.Duration `yaml:"timeout"`
}

type GoogleWorkspaceConfig struct {
	CustomerID    string        `yaml:"customer_id"`
	TokenURL      string        `yaml:"token_url"`
	ClientID      string        `yaml:"client_id"`
	ClientSecret  string        `yaml:"client_secret"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Timeout       time.Duration `yaml:"timeout"`
}

type OpenAIConfig struct {
	BaseURL       string        `yaml:"base_url"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Timeout       time.Duration `yaml:"timeout"`
}

type NotificationsConfig struct {
	Webhook WebhookNotifyConfig `yaml:"webhook"`
}

type WebhookNotifyConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Channel  string `yaml:"channel"`
	MinLevel string `yaml:"min_level"`
}

// ValidationError reports missing or malformed required policy input. It is
// fatal for the organization's run and is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: invalid %s: %s", e.Field, e.Reason)
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Validate checks the policy inputs the engine cannot default.
func (c *Config) Validate() error {
	if len(c.Policy.ScopeSensitivity) == 0 {
		return &ValidationError{Field: "policy.scope_sensitivity", Reason: "at least one ranked scope is required"}
	}
	for scope, rank := range c.Policy.ScopeSensitivity {
		if rank < 0 || rank > 100 {
			return &ValidationError{Field: "policy.scope_sensitivity." + scope, Reason: "rank must be in [0,100]"}
		}
	}
	if c.Credentials.SealKey != "" {
		key, err := hex.DecodeString(c.Credentials.SealKey)
		if err != nil || len(key) != 32 {
			return &ValidationError{Field: "credentials.seal_key", Reason: "must be 32 bytes hex-encoded"}
		}
	}
	if c.Policy.OffHoursStart < 0 || c.Policy.OffHoursStart > 23 ||
		c.Policy.OffHoursEnd < 0 || c.Policy.OffHoursEnd > 23 {
		return &ValidationError{Field: "policy.off_hours", Reason: "hours must be in [0,23]"}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}

	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}

	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}

	if c.Kafka.AutomationTopic == "" {
		c.Kafka.AutomationTopic = "shadowbot.automations"
	}
	if c.Kafka.ChainTopic == "" {
		c.Kafka.ChainTopic = "shadowbot.chains"
	}

	if c.Graph.URI == "" {
		c.Graph.URI = "bolt://localhost:7687"
	}

	if c.Auth.JWTSecret == "" {
		c.Auth.JWTSecret = "change-me-in-production"
		fmt.Println("WARNING: Using default JWT secret. Set auth.jwt_secret in production!")
	}
	if c.Auth.AccessTokenExpiry == 0 {
		c.Auth.AccessTokenExpiry = 15 * time.Minute
	}
	if c.Auth.RefreshTokenExpiry == 0 {
		c.Auth.RefreshTokenExpiry = 7 * 24 * time.Hour
	}

	if c.Credentials.RefreshLookahead == 0 {
		c.Credentials.RefreshLookahead = 5 * time.Minute
	}

	if c.Discovery.Schedule == "" {
		c.Discovery.Schedule = "@hourly"
	}
	if c.Discovery.MaxRetries == 0 {
		c.Discovery.MaxRetries = 3
	}
	if c.Discovery.InitialBackoff == 0 {
		c.Discovery.InitialBackoff = 2 * time.Second
	}
	if c.Discovery.MaxBackoff == 0 {
		c.Discovery.MaxBackoff = 2 * time.Minute
	}
	if c.Discovery.RunTimeout == 0 {
		c.Discovery.RunTimeout = 30 * time.Minute
	}
	if c.Discovery.PlatformConcurrency == 0 {
		c.Discovery.PlatformConcurrency = 5
	}
	if c.Discovery.ActivityWindow == 0 {
		c.Discovery.ActivityWindow = 24 * time.Hour
	}

	if c.Policy.ScopeSensitivity == nil {
		c.Policy.ScopeSensitivity = DefaultScopeSensitivity()
	}
	if c.Policy.CorrelationWindow == 0 {
		c.Policy.CorrelationWindow = 5 * time.Minute
	}
	if c.Policy.InactivityWindow == 0 {
		c.Policy.InactivityWindow = 30 * 24 * time.Hour
	}
	if c.Policy.Timezone == "" {
		c.Policy.Timezone = "UTC"
	}
	if c.Policy.OffHoursStart == 0 && c.Policy.OffHoursEnd == 0 {
		c.Policy.OffHoursStart = 19
		c.Policy.OffHoursEnd = 7
	}

	if c.Platforms.Slack.BaseURL == "" {
		c.Platforms.Slack.BaseURL = "https://slack.com/api"
	}
	if c.Platforms.Slack.TokenURL == "" {
		c.Platforms.Slack.TokenURL = "https://slack.com/api/oauth.v2.access"
	}
	if c.Platforms.Slack.RatePerSecond == 0 {
		c.Platforms.Slack.RatePerSecond = 1
	}
	if c.Platforms.Slack.Timeout == 0 {
		c.Platforms.Slack.Timeout = 30 * time.Second
	}

	if c.Platforms.GoogleWorkspace.CustomerID == "" {
		c.Platforms.GoogleWorkspace.CustomerID = "my_customer"
	}
	if c.Platforms.GoogleWorkspace.TokenURL == "" {
		c.Platforms.GoogleWorkspace.TokenURL = "https://oauth2.googleapis.com/token"
	}
	if c.Platforms.GoogleWorkspace.RatePerSecond == 0 {
		c.Platforms.GoogleWorkspace.RatePerSecond = 2
	}
	if c.Platforms.GoogleWorkspace.Timeout == 0 {
		c.Platforms.GoogleWorkspace.Timeout = 30 * time.Second
	}

	if c.Platforms.OpenAI.BaseURL == "" {
		c.Platforms.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	if c.Platforms.OpenAI.RatePerSecond == 0 {
		c.Platforms.OpenAI.RatePerSecond = 2
	}
	if c.Platforms.OpenAI.Timeout == 0 {
		c.Platforms.OpenAI.Timeout = 30 * time.Second
	}

	if c.Notifications.Webhook.MinLevel == "" {
		c.Notifications.Webhook.MinLevel = "high"
	}
}

// DefaultScopeSensitivity is the baseline ranked scope-sensitivity table.
// Organizations override it via policy.scope_sensitivity.
func DefaultScopeSensitivity() map[string]int {
	return map[string]int{
		"read_messages":   80,
		"write_messages":  60,
		"read_files":      85,
		"write_files":     70,
		"read_users":      50,
		"manage_users":    90,
		"read_calendar":   40,
		"write_calendar":  35,
		"read_email":      90,
		"send_email":      75,
		"admin":           100,
		"manage_webhooks": 65,
		"read_usage":      20,
		"manage_keys":     95,
	}
}
