// Package config provides configuration management for Tendrel.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Tendrel.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Assistant AssistantConfig `mapstructure:"assistant"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Trigger   TriggerConfig   `mapstructure:"trigger"`
	Transport TransportConfig `mapstructure:"transport"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
	// PublicURL is the externally reachable base URL, used to compose
	// webhook URLs shown to users and the assistant callback base.
	PublicURL string `mapstructure:"publicUrl"`
}

// DatabaseConfig holds database connection configuration.
// URL takes precedence; when it starts with postgres:// the pgx driver is
// used, otherwise Path selects a local SQLite file.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	Path     string `mapstructure:"path"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AssistantConfig holds assistant subprocess configuration.
type AssistantConfig struct {
	// Command is the argv of the assistant binary; session flags and the
	// working directory are appended by the process layer.
	Command []string `mapstructure:"command"`
	// WorkRoot is the base directory under which each tenant gets a
	// working directory for its subprocess.
	WorkRoot string `mapstructure:"workRoot"`
	// CallTimeout bounds one message round trip, in seconds.
	CallTimeout int `mapstructure:"callTimeout"`
	// IdleTimeout evicts sessions unused for this many seconds.
	IdleTimeout int `mapstructure:"idleTimeout"`
	// MaxMessageChars rejects oversized inbound messages.
	MaxMessageChars int `mapstructure:"maxMessageChars"`
}

// SchedulerConfig holds scheduled-task engine configuration.
type SchedulerConfig struct {
	TickInterval   int `mapstructure:"tickInterval"`   // seconds between ticks
	LeaseTTL       int `mapstructure:"leaseTtl"`       // seconds a claim is held
	ClaimLimit     int `mapstructure:"claimLimit"`     // max tasks per tick
	MaxErrors      int `mapstructure:"maxErrors"`      // disable threshold
	DrainTimeout   int `mapstructure:"drainTimeout"`   // graceful stop bound, seconds
	MaxPerUser     int `mapstructure:"maxPerUser"`     // enabled-task cap per user
	OverdueNotice  int `mapstructure:"overdueNotice"`  // seconds late before the delayed banner
	MinSpacingSecs int `mapstructure:"minSpacingSecs"` // minimum schedule lead time
}

// TriggerConfig holds trigger engine configuration.
type TriggerConfig struct {
	ConfirmWindow   int `mapstructure:"confirmWindow"`   // seconds a CONFIRM waits
	BreakerFailures int `mapstructure:"breakerFailures"` // consecutive failures to open
	BreakerCooldown int `mapstructure:"breakerCooldown"` // seconds breaker stays open
	IdempotencyTTL  int `mapstructure:"idempotencyTtl"`  // webhook dedup window, seconds
	PollInterval    int `mapstructure:"pollInterval"`    // condition poll cadence, seconds
	EmailInterval   int `mapstructure:"emailInterval"`   // email poll cadence, seconds
	FetchTimeout    int `mapstructure:"fetchTimeout"`    // condition HTTP fetch bound, seconds
}

// TransportConfig holds per-channel messaging credentials.
type TransportConfig struct {
	Telegram TelegramConfig        `mapstructure:"telegram"`
	Webhook  WebhookDeliveryConfig `mapstructure:"webhook"`
	// SendTimeout bounds one outbound send, in seconds.
	SendTimeout int `mapstructure:"sendTimeout"`
}

// TelegramConfig holds Telegram Bot API credentials.
type TelegramConfig struct {
	BotToken string `mapstructure:"botToken"`
	APIBase  string `mapstructure:"apiBase"`
}

// WebhookDeliveryConfig holds the generic outbound webhook channel settings.
type WebhookDeliveryConfig struct {
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"authToken"`
}

// AdminConfig holds the admin API configuration.
type AdminConfig struct {
	APIKey string `mapstructure:"apiKey"`
}

// SecretsConfig holds at-rest encryption configuration.
type SecretsConfig struct {
	// EncryptionKey is the base64-encoded 32-byte AES key used to encrypt
	// webhook secrets and OAuth tokens at rest.
	EncryptionKey string `mapstructure:"encryptionKey"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// CallTimeoutDuration returns the per-call assistant timeout as a time.Duration.
func (a *AssistantConfig) CallTimeoutDuration() time.Duration {
	return time.Duration(a.CallTimeout) * time.Second
}

// IdleTimeoutDuration returns the session idle timeout as a time.Duration.
func (a *AssistantConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(a.IdleTimeout) * time.Second
}

// TickIntervalDuration returns the scheduler tick interval as a time.Duration.
func (s *SchedulerConfig) TickIntervalDuration() time.Duration {
	return time.Duration(s.TickInterval) * time.Second
}

// LeaseTTLDuration returns the task lease TTL as a time.Duration.
func (s *SchedulerConfig) LeaseTTLDuration() time.Duration {
	return time.Duration(s.LeaseTTL) * time.Second
}

// DrainTimeoutDuration returns the graceful stop bound as a time.Duration.
func (s *SchedulerConfig) DrainTimeoutDuration() time.Duration {
	return time.Duration(s.DrainTimeout) * time.Second
}

// OverdueNoticeDuration returns the delayed-banner threshold as a time.Duration.
func (s *SchedulerConfig) OverdueNoticeDuration() time.Duration {
	return time.Duration(s.OverdueNotice) * time.Second
}

// SendTimeoutDuration returns the outbound send bound as a time.Duration.
func (t *TransportConfig) SendTimeoutDuration() time.Duration {
	return time.Duration(t.SendTimeout) * time.Second
}

// ConfirmWindowDuration returns the confirmation window as a time.Duration.
func (t *TriggerConfig) ConfirmWindowDuration() time.Duration {
	return time.Duration(t.ConfirmWindow) * time.Second
}

// BreakerCooldownDuration returns the circuit breaker cooldown as a time.Duration.
func (t *TriggerConfig) BreakerCooldownDuration() time.Duration {
	return time.Duration(t.BreakerCooldown) * time.Second
}

// IdempotencyTTLDuration returns the webhook dedup window as a time.Duration.
func (t *TriggerConfig) IdempotencyTTLDuration() time.Duration {
	return time.Duration(t.IdempotencyTTL) * time.Second
}

// FetchTimeoutDuration returns the condition fetch bound as a time.Duration.
func (t *TriggerConfig) FetchTimeoutDuration() time.Duration {
	return time.Duration(t.FetchTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("TENDREL_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.publicUrl", "http://localhost:8080")

	// Database defaults - empty URL means local SQLite
	v.SetDefault("database.url", "")
	v.SetDefault("database.path", "tendrel.db")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "tendrel")
	v.SetDefault("nats.maxReconnects", 10)

	// Assistant defaults
	v.SetDefault("assistant.command", []string{"assistant", "--output-format", "stream-json"})
	v.SetDefault("assistant.workRoot", "~/.tendrel/tenants")
	v.SetDefault("assistant.callTimeout", 300)
	v.SetDefault("assistant.idleTimeout", 900)
	v.SetDefault("assistant.maxMessageChars", 4096)

	// Scheduler defaults
	v.SetDefault("scheduler.tickInterval", 60)
	v.SetDefault("scheduler.leaseTtl", 300)
	v.SetDefault("scheduler.claimLimit", 50)
	v.SetDefault("scheduler.maxErrors", 3)
	v.SetDefault("scheduler.drainTimeout", 30)
	v.SetDefault("scheduler.maxPerUser", 10)
	v.SetDefault("scheduler.overdueNotice", 300)
	v.SetDefault("scheduler.minSpacingSecs", 60)

	// Trigger defaults
	v.SetDefault("trigger.confirmWindow", 1800)
	v.SetDefault("trigger.breakerFailures", 3)
	v.SetDefault("trigger.breakerCooldown", 300)
	v.SetDefault("trigger.idempotencyTtl", 300)
	v.SetDefault("trigger.pollInterval", 60)
	v.SetDefault("trigger.emailInterval", 300)
	v.SetDefault("trigger.fetchTimeout", 30)

	// Transport defaults - credentials come from env
	v.SetDefault("transport.telegram.botToken", "")
	v.SetDefault("transport.telegram.apiBase", "https://api.telegram.org")
	v.SetDefault("transport.webhook.url", "")
	v.SetDefault("transport.webhook.authToken", "")
	v.SetDefault("transport.sendTimeout", 15)

	// Admin key and encryption key have no defaults; validated at use sites
	v.SetDefault("admin.apiKey", "")
	v.SetDefault("secrets.encryptionKey", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix TENDREL_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/tendrel/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TENDREL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Well-known unprefixed env vars take precedence where operators expect
	// them, falling back to the TENDREL_ prefixed form.
	_ = v.BindEnv("database.url", "DATABASE_URL", "TENDREL_DATABASE_URL")
	_ = v.BindEnv("admin.apiKey", "ADMIN_API_KEY", "TENDREL_ADMIN_API_KEY")
	_ = v.BindEnv("secrets.encryptionKey", "CREDENTIALS_ENCRYPTION_KEY", "TENDREL_SECRETS_ENCRYPTION_KEY")
	_ = v.BindEnv("server.publicUrl", "PUBLIC_URL", "TENDREL_SERVER_PUBLIC_URL")
	_ = v.BindEnv("transport.telegram.botToken", "TELEGRAM_BOT_TOKEN", "TENDREL_TRANSPORT_TELEGRAM_BOT_TOKEN")
	_ = v.BindEnv("transport.webhook.authToken", "WEBHOOK_AUTH_TOKEN", "TENDREL_TRANSPORT_WEBHOOK_AUTH_TOKEN")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/tendrel/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks configuration invariants that would otherwise surface as
// confusing runtime failures.
func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if len(cfg.Assistant.Command) == 0 {
		return fmt.Errorf("assistant.command must not be empty")
	}
	if cfg.Scheduler.TickInterval < 1 {
		return fmt.Errorf("scheduler.tickInterval must be at least 1 second")
	}
	if cfg.Scheduler.ClaimLimit < 1 {
		return fmt.Errorf("scheduler.claimLimit must be positive")
	}
	if cfg.Trigger.ConfirmWindow < 60 {
		return fmt.Errorf("trigger.confirmWindow must be at least 60 seconds")
	}
	return nil
}
