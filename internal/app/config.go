package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"github.com/vladislavdragonenkov/reconciler/internal/domain"
	"github.com/vladislavdragonenkov/reconciler/internal/provider"
	"github.com/vladislavdragonenkov/reconciler/internal/service/commission"
	"github.com/vladislavdragonenkov/reconciler/internal/service/reconcile"
)

// EnvPrefix — префикс переменных окружения.
const EnvPrefix = "RECON"

// Драйверы хранилища.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// Режимы склада.
const (
	InventoryModeMemory = "memory"
	InventoryModeOutbox = "outbox"
)

// Config — настройки процесса. Загружается один раз при старте;
// компоненты получают из него неизменяемые снимки.
type Config struct {
	HTTPAddr    string `envconfig:"HTTP_ADDR" default:":8080"`
	GRPCAddr    string `envconfig:"GRPC_ADDR" default:":50051"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	StorageDriver       string        `envconfig:"STORAGE_DRIVER" default:"memory"`
	PostgresDSN         string        `envconfig:"POSTGRES_DSN"`
	PostgresAutoMigrate bool          `envconfig:"POSTGRES_AUTO_MIGRATE" default:"true"`
	PostgresMaxConns    int           `envconfig:"POSTGRES_MAX_CONNS" default:"25"`
	PostgresConnMaxLife time.Duration `envconfig:"POSTGRES_CONN_MAX_LIFETIME" default:"30m"`

	RedisAddr     string        `envconfig:"REDIS_ADDR"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD"`
	RedisDB       int           `envconfig:"REDIS_DB" default:"0"`
	LockTTL       time.Duration `envconfig:"LOCK_TTL" default:"10s"`
	LockMaxWait   time.Duration `envconfig:"LOCK_MAX_WAIT" default:"5s"`

	KafkaBrokers         []string      `envconfig:"KAFKA_BROKERS"`
	KafkaClientID        string        `envconfig:"KAFKA_CLIENT_ID" default:"reconciler"`
	KafkaTopicOrders     string        `envconfig:"KAFKA_TOPIC_ORDERS" default:"reconciler.order.events"`
	KafkaTopicCommission string        `envconfig:"KAFKA_TOPIC_COMMISSION" default:"reconciler.commission.events"`
	KafkaTopicInventory  string        `envconfig:"KAFKA_TOPIC_INVENTORY" default:"reconciler.inventory.commands"`
	KafkaTopicDLQ        string        `envconfig:"KAFKA_TOPIC_DLQ" default:"reconciler.outbox.dlq"`
	OutboxPollInterval   time.Duration `envconfig:"OUTBOX_POLL_INTERVAL" default:"1s"`
	OutboxBatchSize      int           `envconfig:"OUTBOX_BATCH_SIZE" default:"100"`
	OutboxMaxAttempts    int           `envconfig:"OUTBOX_MAX_ATTEMPTS" default:"3"`
	OutboxRetryDelay     time.Duration `envconfig:"OUTBOX_RETRY_DELAY" default:"50ms"`
	OutboxRetention      time.Duration `envconfig:"OUTBOX_RETENTION" default:"168h"`
	OutboxCleanupEvery   time.Duration `envconfig:"OUTBOX_CLEANUP_INTERVAL" default:"10m"`
	OutboxBacklogMaxAge  time.Duration `envconfig:"OUTBOX_BACKLOG_MAX_AGE" default:"5m"`

	JWTSecret string        `envconfig:"JWT_SECRET"`
	JWTIssuer string        `envconfig:"JWT_ISSUER" default:"reconciler"`
	JWTTTL    time.Duration `envconfig:"JWT_TTL" default:"1h"`

	MismatchToleranceMinor   int64  `envconfig:"MISMATCH_TOLERANCE_MINOR" default:"0"`
	MismatchTolerancePercent string `envconfig:"MISMATCH_TOLERANCE_PERCENT" default:"0"`
	SaveAttempts             int    `envconfig:"SAVE_ATTEMPTS" default:"3"`
	WebhookMaxBytes          int64  `envconfig:"WEBHOOK_MAX_BYTES" default:"1048576"`

	// CommissionRates: "platform_operator:12,partner:5".
	CommissionRates map[string]string `envconfig:"COMMISSION_RATES" default:"platform_operator:12"`
	CommissionRole  string            `envconfig:"COMMISSION_ROLE" default:"platform_operator"`
	// Coupons: "WELCOME10:10%,FLAT5:500".
	Coupons map[string]string `envconfig:"COUPONS"`

	InventoryMode string `envconfig:"INVENTORY_MODE" default:"memory"`

	ProviderTimeout    time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"10s"`
	ProviderMaxRetries uint64        `envconfig:"PROVIDER_MAX_RETRIES" default:"3"`
	WebhookTolerance   time.Duration `envconfig:"WEBHOOK_TOLERANCE" default:"5m"`

	CardAPIKey        string `envconfig:"CARD_API_KEY"`
	CardWebhookSecret string `envconfig:"CARD_WEBHOOK_SECRET"`

	GatewayAAccessToken     string `envconfig:"GATEWAY_A_ACCESS_TOKEN"`
	GatewayALocationID      string `envconfig:"GATEWAY_A_LOCATION_ID"`
	GatewayAEnvironment     string `envconfig:"GATEWAY_A_ENVIRONMENT" default:"sandbox"`
	GatewayAWebhookSecret   string `envconfig:"GATEWAY_A_WEBHOOK_SECRET"`
	GatewayANotificationURL string `envconfig:"GATEWAY_A_NOTIFICATION_URL"`

	GatewayBBaseURL       string `envconfig:"GATEWAY_B_BASE_URL"`
	GatewayBAPIKey        string `envconfig:"GATEWAY_B_API_KEY"`
	GatewayBWebhookSecret string `envconfig:"GATEWAY_B_WEBHOOK_SECRET"`
}

// DefaultConfig повторяет значения по умолчанию из тегов envconfig.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:                 ":8080",
		GRPCAddr:                 ":50051",
		MetricsAddr:              ":9090",
		LogLevel:                 "info",
		StorageDriver:            StorageDriverMemory,
		PostgresAutoMigrate:      true,
		PostgresMaxConns:         25,
		PostgresConnMaxLife:      30 * time.Minute,
		LockTTL:                  10 * time.Second,
		LockMaxWait:              5 * time.Second,
		KafkaClientID:            "reconciler",
		KafkaTopicOrders:         "reconciler.order.events",
		KafkaTopicCommission:     "reconciler.commission.events",
		KafkaTopicInventory:      "reconciler.inventory.commands",
		KafkaTopicDLQ:            "reconciler.outbox.dlq",
		OutboxPollInterval:       time.Second,
		OutboxBatchSize:          100,
		OutboxMaxAttempts:        3,
		OutboxRetryDelay:         50 * time.Millisecond,
		OutboxRetention:          7 * 24 * time.Hour,
		OutboxCleanupEvery:       10 * time.Minute,
		OutboxBacklogMaxAge:      5 * time.Minute,
		JWTIssuer:                "reconciler",
		JWTTTL:                   time.Hour,
		MismatchTolerancePercent: "0",
		SaveAttempts:             3,
		WebhookMaxBytes:          1 << 20,
		CommissionRates:          map[string]string{"platform_operator": "12"},
		CommissionRole:           "platform_operator",
		InventoryMode:            InventoryModeMemory,
		ProviderTimeout:          10 * time.Second,
		ProviderMaxRetries:       3,
		WebhookTolerance:         5 * time.Minute,
		GatewayAEnvironment:      "sandbox",
	}
}

// LoadConfig читает конфигурацию из окружения и проверяет её.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate собирает все ошибки конфигурации сразу.
func (c Config) Validate() error {
	var errs error
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = multierr.Append(errs, errors.New("RECON_POSTGRES_DSN is required for postgres storage"))
		}
	default:
		errs = multierr.Append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}
	switch c.InventoryMode {
	case InventoryModeMemory, InventoryModeOutbox:
	default:
		errs = multierr.Append(errs, fmt.Errorf("unsupported inventory mode %q", c.InventoryMode))
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		errs = multierr.Append(errs, errors.New("RECON_JWT_SECRET is required"))
	}
	if c.MismatchToleranceMinor < 0 {
		errs = multierr.Append(errs, errors.New("mismatch tolerance must be non-negative"))
	}
	if _, err := c.mismatchPercent(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if _, err := c.RateTable(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if c.SaveAttempts <= 0 {
		errs = multierr.Append(errs, errors.New("save attempts must be positive"))
	}
	return errs
}

func (c Config) mismatchPercent() (decimal.Decimal, error) {
	raw := strings.TrimSpace(c.MismatchTolerancePercent)
	if raw == "" {
		return decimal.Zero, nil
	}
	pct, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse mismatch tolerance percent %q: %w", raw, err)
	}
	if pct.IsNegative() || pct.GreaterThan(decimal.NewFromInt(100)) {
		return decimal.Zero, fmt.Errorf("mismatch tolerance percent must be within [0, 100], got %s", raw)
	}
	return pct, nil
}

// ReconcileOptions — снимок настроек движка.
func (c Config) ReconcileOptions() reconcile.Options {
	opts := reconcile.DefaultOptions()
	pct, _ := c.mismatchPercent()
	opts.Tolerance = domain.MismatchTolerance{AbsoluteMinor: c.MismatchToleranceMinor, Percent: pct}
	if c.SaveAttempts > 0 {
		opts.SaveAttempts = c.SaveAttempts
	}
	return opts
}

// RateTable — ставки комиссии; пустая конфигурация даёт ставку по умолчанию.
func (c Config) RateTable() (commission.RateTable, error) {
	if len(c.CommissionRates) == 0 {
		return commission.NewRateTable(map[string]decimal.Decimal{c.CommissionRole: commission.DefaultPlatformRate})
	}
	return commission.ParseRateTable(c.CommissionRates)
}

// CallConfig — настройки исходящих вызовов к провайдерам.
func (c Config) CallConfig() provider.CallConfig {
	cfg := provider.DefaultCallConfig()
	if c.ProviderTimeout > 0 {
		cfg.Timeout = c.ProviderTimeout
	}
	cfg.MaxRetries = c.ProviderMaxRetries
	return cfg
}
