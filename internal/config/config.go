package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/punchamoorthee/transferops/internal/outbox"
)

// Service names a binary; it selects which settings are mandatory.
type Service string

const (
	Accounts  Service = "accounts"
	Transfers Service = "transfers"
	Fees      Service = "fees"
)

type Config struct {
	DBSource string `mapstructure:"DB_SOURCE"`
	Port     string `mapstructure:"SERVER_PORT"`
	Env      string `mapstructure:"ENVIRONMENT"`

	KafkaBrokers  []string `mapstructure:"-"`
	ConsumerGroup string   `mapstructure:"CONSUMER_GROUP"`

	ServiceKey        string        `mapstructure:"SERVICE_KEY"`
	JWTSecret         string        `mapstructure:"JWT_SECRET"`
	TokenTTL          time.Duration `mapstructure:"TOKEN_TTL"`
	AccountServiceURL string        `mapstructure:"ACCOUNT_SERVICE_URL"`
	HTTPTimeout       time.Duration `mapstructure:"HTTP_TIMEOUT"`

	IdempotencyTTL time.Duration `mapstructure:"IDEMPOTENCY_TTL"`

	OutboxInterval      time.Duration `mapstructure:"OUTBOX_INTERVAL"`
	OutboxBatchSize     int           `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxMaxRetries    int           `mapstructure:"OUTBOX_MAX_RETRIES"`
	OutboxPurgeInterval time.Duration `mapstructure:"OUTBOX_PURGE_INTERVAL"`
	OutboxRetention     time.Duration `mapstructure:"OUTBOX_RETENTION"`

	CompensationAttempts   int           `mapstructure:"COMPENSATION_ATTEMPTS"`
	CompensationBackoff    time.Duration `mapstructure:"COMPENSATION_BACKOFF"`
	CompensationInterval   time.Duration `mapstructure:"COMPENSATION_INTERVAL"`
	CompensationClaimLease time.Duration `mapstructure:"COMPENSATION_CLAIM_LEASE"`
	DebitConfirmAttempts   int           `mapstructure:"DEBIT_CONFIRM_ATTEMPTS"`

	FeeAmount decimal.Decimal `mapstructure:"-"`
	FeeDBPath string          `mapstructure:"FEE_DB_PATH"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("CONSUMER_GROUP", "fees")
	v.SetDefault("SERVICE_KEY", "")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("TOKEN_TTL", time.Hour)
	v.SetDefault("ACCOUNT_SERVICE_URL", "http://localhost:8080")
	v.SetDefault("HTTP_TIMEOUT", 30*time.Second)
	v.SetDefault("IDEMPOTENCY_TTL", 24*time.Hour)
	v.SetDefault("OUTBOX_INTERVAL", 5*time.Second)
	v.SetDefault("OUTBOX_BATCH_SIZE", 100)
	v.SetDefault("OUTBOX_MAX_RETRIES", 5)
	v.SetDefault("OUTBOX_PURGE_INTERVAL", time.Hour)
	v.SetDefault("OUTBOX_RETENTION", 7*24*time.Hour)
	v.SetDefault("COMPENSATION_ATTEMPTS", 5)
	v.SetDefault("COMPENSATION_BACKOFF", time.Second)
	v.SetDefault("COMPENSATION_INTERVAL", time.Minute)
	v.SetDefault("COMPENSATION_CLAIM_LEASE", 5*time.Minute)
	v.SetDefault("DEBIT_CONFIRM_ATTEMPTS", 3)
	v.SetDefault("FEE_AMOUNT", "2.00")
	v.SetDefault("FEE_DB_PATH", "fees.db")
	v.SetDefault("DB_SOURCE", "")
}

// Load reads defaults, then the optional file named by CONFIG_FILE, then the
// environment.
func Load(svc Service) (*Config, error) {
	v := viper.New()
	defaults(v)
	v.AutomaticEnv()

	if path := v.GetString("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))

	fee, err := decimal.NewFromString(v.GetString("FEE_AMOUNT"))
	if err != nil {
		return nil, errors.Wrap(err, "FEE_AMOUNT")
	}
	cfg.FeeAmount = fee.Round(2)

	if err := cfg.validate(svc); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate(svc Service) error {
	if c.ServiceKey == "" {
		return errors.New("SERVICE_KEY environment variable is required")
	}
	switch svc {
	case Accounts, Transfers:
		if c.DBSource == "" {
			return errors.New("DB_SOURCE environment variable is required")
		}
		if c.JWTSecret == "" {
			return errors.New("JWT_SECRET environment variable is required")
		}
	}
	switch svc {
	case Transfers, Fees:
		if c.AccountServiceURL == "" {
			return errors.New("ACCOUNT_SERVICE_URL environment variable is required")
		}
	}
	if svc == Fees && len(c.KafkaBrokers) == 0 {
		return errors.New("KAFKA_BROKERS environment variable is required")
	}
	return nil
}

// Development reports whether verbose, human-oriented output is wanted.
func (c *Config) Development() bool {
	return c.Env == "development"
}

// Outbox returns the relay settings.
func (c *Config) Outbox() outbox.Config {
	return outbox.Config{
		Interval:      c.OutboxInterval,
		BatchSize:     c.OutboxBatchSize,
		MaxRetries:    c.OutboxMaxRetries,
		PurgeInterval: c.OutboxPurgeInterval,
		Retention:     c.OutboxRetention,
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// NewLogger builds the process logger for the configured environment.
func (c *Config) NewLogger(service Service) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if c.Development() {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, errors.Wrap(err, "build logger")
	}
	return logger.With(zap.String("service", string(service))), nil
}
