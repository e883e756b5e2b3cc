package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Import     ImportConfig     `yaml:"import" mapstructure:"import"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	VoiceAgent VoiceAgentConfig `yaml:"voiceagent" mapstructure:"voiceagent"`
	Workflow   WorkflowConfig   `yaml:"workflow" mapstructure:"workflow"`
	Email      EmailConfig      `yaml:"email" mapstructure:"email"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Scenarios  ScenariosConfig  `yaml:"scenarios" mapstructure:"scenarios"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ImportConfig configures lead file ingestion.
type ImportConfig struct {
	Source    string `yaml:"source" mapstructure:"source"`
	MaxErrors int    `yaml:"max_errors" mapstructure:"max_errors"`
}

// QueueConfig configures queue projection and dispatch pacing.
type QueueConfig struct {
	DefaultNumber   int `yaml:"default_number" mapstructure:"default_number"`
	CallDelayMS     int `yaml:"call_delay_ms" mapstructure:"call_delay_ms"`
	SyncBatchSize   int `yaml:"sync_batch_size" mapstructure:"sync_batch_size"`
	MaxEmailBatch   int `yaml:"max_email_batch" mapstructure:"max_email_batch"`
	RetrySweepLimit int `yaml:"retry_sweep_limit" mapstructure:"retry_sweep_limit"`
	MaxItemRetries  int `yaml:"max_item_retries" mapstructure:"max_item_retries"`
}

// VoiceAgentConfig holds telephony agent API settings.
type VoiceAgentConfig struct {
	Key           string  `yaml:"key" mapstructure:"key"`
	BaseURL       string  `yaml:"base_url" mapstructure:"base_url"`
	AgentID       string  `yaml:"agent_id" mapstructure:"agent_id"`
	PhoneNumberID string  `yaml:"phone_number_id" mapstructure:"phone_number_id"`
	RateLimit     float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	TimeoutSecs   int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// WorkflowConfig holds the outbound email workflow webhook settings.
type WorkflowConfig struct {
	WebhookURL  string `yaml:"webhook_url" mapstructure:"webhook_url"`
	Secret      string `yaml:"secret" mapstructure:"secret"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// EmailConfig holds the sender identity placed on outbound email batches.
type EmailConfig struct {
	SenderName    string `yaml:"sender_name" mapstructure:"sender_name"`
	SenderAddress string `yaml:"sender_address" mapstructure:"sender_address"`
}

// AnthropicConfig holds Anthropic API settings used for email drafting.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// ScenariosConfig points at the outreach scenario catalog.
type ScenariosConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// RetryConfig configures backoff for external calls and failed queue items.
type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoff     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier     float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures per-service circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	MaxUploadMB int      `yaml:"max_upload_mb" mapstructure:"max_upload_mb"`
}

// MonitoringConfig configures failure-rate alerting and scheduled jobs.
type MonitoringConfig struct {
	WebhookURL            string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold  float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	RetryBacklogThreshold int     `yaml:"retry_backlog_threshold" mapstructure:"retry_backlog_threshold"`
	LookbackHours         int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	CheckSchedule         string  `yaml:"check_schedule" mapstructure:"check_schedule"`
	SyncSchedule          string  `yaml:"sync_schedule" mapstructure:"sync_schedule"`
	RetrySchedule         string  `yaml:"retry_schedule" mapstructure:"retry_schedule"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, config file and environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("NOUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "nous.db")
	v.SetDefault("import.source", "csv")
	v.SetDefault("import.max_errors", 10)
	v.SetDefault("queue.default_number", 1)
	v.SetDefault("queue.call_delay_ms", 0)
	v.SetDefault("queue.sync_batch_size", 50)
	v.SetDefault("queue.max_email_batch", 500)
	v.SetDefault("queue.retry_sweep_limit", 100)
	v.SetDefault("queue.max_item_retries", 3)
	v.SetDefault("voiceagent.base_url", "https://api.elevenlabs.io")
	v.SetDefault("voiceagent.rate_limit", 2.0)
	v.SetDefault("voiceagent.timeout_secs", 30)
	v.SetDefault("workflow.timeout_secs", 30)
	v.SetDefault("email.sender_name", "HomeNest")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("scenarios.path", "scenarios.yaml")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.max_upload_mb", 20)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.retry_backlog_threshold", 200)
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.check_schedule", "@every 15m")
	v.SetDefault("monitoring.sync_schedule", "@every 1m")
	v.SetDefault("monitoring.retry_schedule", "@every 5m")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the keys a command mode needs. Modes: "import", "queue",
// "dispatch-email", "dispatch-call", "serve".
func (c *Config) Validate(mode string) error {
	var errs []string
	require := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, msg)
		}
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, "store.driver must be sqlite or postgres")
	}
	require(c.Store.DatabaseURL != "", "store.database_url is required")

	switch mode {
	case "import":
		require(c.Import.MaxErrors >= 0, "import.max_errors must be >= 0")
	case "queue":
		require(c.Queue.DefaultNumber > 0, "queue.default_number must be > 0")
	case "dispatch-email":
		require(c.Workflow.WebhookURL != "", "workflow.webhook_url is required")
		require(c.Email.SenderAddress != "", "email.sender_address is required")
		require(c.Scenarios.Path != "", "scenarios.path is required")
	case "dispatch-call":
		require(c.VoiceAgent.Key != "", "voiceagent.key is required")
		require(c.VoiceAgent.AgentID != "", "voiceagent.agent_id is required")
		require(c.VoiceAgent.PhoneNumberID != "", "voiceagent.phone_number_id is required")
		require(c.Scenarios.Path != "", "scenarios.path is required")
	case "serve":
		require(c.Server.Port > 0, "server.port must be > 0")
		require(c.Scenarios.Path != "", "scenarios.path is required")
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	require(c.Retry.MaxAttempts >= 1, "retry.max_attempts must be >= 1")
	require(c.Monitoring.FailureRateThreshold >= 0 && c.Monitoring.FailureRateThreshold <= 1,
		"monitoring.failure_rate_threshold must be between 0 and 1")

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
