package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

// AWSConfig selects the region and an optional endpoint override.
type AWSConfig struct {
	Region   string `envconfig:"AWS_REGION" default:"us-east-1"`
	Endpoint string `envconfig:"AWS_ENDPOINT_OVERRIDE"`
}

// TableConfig names the DynamoDB tables.
type TableConfig struct {
	Deduplication      string `envconfig:"DEDUP_TABLE" default:"EventDeduplication"`
	Credits            string `envconfig:"CREDITS_TABLE" default:"Credits"`
	CreditTransactions string `envconfig:"CREDIT_TRANSACTIONS_TABLE" default:"Transactions"`
	Users              string `envconfig:"USERS_TABLE" default:"Users"`
	UserKeys           string `envconfig:"USER_KEYS_TABLE" default:"UserKeys"`
	Tasks              string `envconfig:"TASKS_TABLE" default:"Tasks"`
	SagaExecutions     string `envconfig:"SAGA_EXECUTIONS_TABLE" default:"SagaExecutions"`
	Idempotency        string `envconfig:"IDEMPOTENCY_TABLE" default:"Idempotency"`
}

// RetryConfig bounds RetryExecutor call sites.
type RetryConfig struct {
	Attempts int           `envconfig:"RETRY_ATTEMPTS" default:"3"`
	Delay    time.Duration `envconfig:"RETRY_DELAY" default:"1s"`
}

// LLMConfig configures the generative model client.
type LLMConfig struct {
	GeminiAPIKey string `envconfig:"GEMINI_API_KEY"`
	ModelName    string `envconfig:"GEMINI_MODEL" default:"gemini-2.0-flash"`
}

// Config is the runtime configuration shared by all binaries.
type Config struct {
	AWS    AWSConfig
	Tables TableConfig
	Retry  RetryConfig
	LLM    LLMConfig

	QueueURL         string        `envconfig:"TASKS_QUEUE_URL"`
	EventSource      string        `envconfig:"EVENT_SOURCE" default:"taskflow.api"`
	DeduplicationTTL time.Duration `envconfig:"DEDUP_TTL" default:"1h"`
	MetricsNamespace string        `envconfig:"METRICS_NAMESPACE"`
	IdempotencyTTL   time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`
	RequireAPIKey    bool          `envconfig:"REQUIRE_API_KEY" default:"false"`

	RedisAddr           string        `envconfig:"REDIS_ADDR"`
	ProvisioningLockTTL time.Duration `envconfig:"PROVISIONING_LOCK_TTL" default:"30s"`
	SignupCredits       int64         `envconfig:"SIGNUP_CREDITS" default:"0"`
	TaskCost            int64         `envconfig:"TASK_COST" default:"1"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	RunLocal  bool   `envconfig:"RUN_LOCAL" default:"false"`
	HTTPAddr  string `envconfig:"HTTP_ADDR" default:":8080"`
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the reliability core cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.DeduplicationTTL <= 0 {
		errs = append(errs, errors.New("DEDUP_TTL must be positive"))
	}
	if c.IdempotencyTTL <= 0 {
		errs = append(errs, errors.New("IDEMPOTENCY_TTL must be positive"))
	}
	if c.Retry.Attempts < 0 {
		errs = append(errs, errors.New("RETRY_ATTEMPTS must not be negative"))
	}
	if c.Retry.Delay < 0 {
		errs = append(errs, errors.New("RETRY_DELAY must not be negative"))
	}
	if c.TaskCost < 0 || c.SignupCredits < 0 {
		errs = append(errs, errors.New("TASK_COST and SIGNUP_CREDITS must not be negative"))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	return errors.Join(errs...)
}

// Logger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c *Config) Logger() *logrus.Logger {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(c.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	if strings.EqualFold(c.LogFormat, "text") {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}
