package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Every value comes from the environment and has a default, so the binary
// runs locally with in-memory storage and sandbox payments.
type ServerConfig struct {
	HTTPAddr        string        `envconfig:"HTTP_ADDR" default:":8080"`
	ReadTimeout     time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"5s"`
	WriteTimeout    time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"10s"`
	IdleTimeout     time.Duration `envconfig:"HTTP_IDLE_TIMEOUT" default:"120s"`
	ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"15s"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisGeoKey   string `envconfig:"REDIS_GEO_KEY" default:"pending_pickups"`

	KafkaBrokers     []string `envconfig:"KAFKA_BROKERS"`
	KafkaEventTopic  string   `envconfig:"KAFKA_EVENT_TOPIC" default:"relocation-events"`
	KafkaSampleTopic string   `envconfig:"KAFKA_SAMPLE_TOPIC" default:"trip-samples"`

	AMQPURL      string `envconfig:"AMQP_URL"`
	AMQPExchange string `envconfig:"AMQP_EXCHANGE" default:"relocation.events"`

	PGDSN         string `envconfig:"PG_DSN"`
	RunMigrations bool   `envconfig:"MIGRATE" default:"false"`

	OSRMEndpoint    string        `envconfig:"OSRM_ENDPOINT"`
	ETACacheTTL     time.Duration `envconfig:"ETA_CACHE_TTL" default:"5m"`
	DefaultSpeedMps float64       `envconfig:"DEFAULT_SPEED_MPS" default:"10"`

	NearbyRadiusM float64 `envconfig:"NEARBY_RADIUS_M" default:"5000"`
	NearbyLimit   int     `envconfig:"NEARBY_LIMIT" default:"20"`

	PlatformFeeBPS  int64  `envconfig:"PLATFORM_FEE_BPS" default:"500"`
	Currency        string `envconfig:"CURRENCY" default:"sek"`
	StripeAPIKey    string `envconfig:"STRIPE_API_KEY"`
	SwishEndpoint   string `envconfig:"SWISH_ENDPOINT"`
	SwishPayeeAlias string `envconfig:"SWISH_PAYEE_ALIAS"`

	WebhookURL string `envconfig:"WEBHOOK_URL"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// ConsumerConfig configures the trip position consumer.
type ConsumerConfig struct {
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":2112"`

	KafkaBrokers     []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	KafkaSampleTopic string   `envconfig:"KAFKA_SAMPLE_TOPIC" default:"trip-samples"`
	KafkaEventTopic  string   `envconfig:"KAFKA_EVENT_TOPIC" default:"relocation-events"`
	KafkaGroup       string   `envconfig:"KAFKA_GROUP" default:"car-relocation-consumer"`

	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisLiveKey  string `envconfig:"REDIS_LIVE_KEY" default:"trips_live"`

	// PruneInterval is how often live positions without metadata are swept.
	PruneInterval time.Duration `envconfig:"LIVE_PRUNE_INTERVAL" default:"5m"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

func LoadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, err
	}
	cfg.KafkaBrokers = trimAll(cfg.KafkaBrokers)
	cfg.Currency = strings.ToLower(strings.TrimSpace(cfg.Currency))
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	return cfg, cfg.validate()
}

func (c ServerConfig) validate() error {
	var errs []error
	if c.NearbyLimit <= 0 {
		errs = append(errs, fmt.Errorf("NEARBY_LIMIT must be > 0"))
	}
	if c.NearbyRadiusM <= 0 {
		errs = append(errs, fmt.Errorf("NEARBY_RADIUS_M must be > 0"))
	}
	if c.PlatformFeeBPS < 0 || c.PlatformFeeBPS > 10000 {
		errs = append(errs, fmt.Errorf("PLATFORM_FEE_BPS must be within 0..10000"))
	}
	if c.DefaultSpeedMps <= 0 {
		errs = append(errs, fmt.Errorf("DEFAULT_SPEED_MPS must be > 0"))
	}
	if c.Currency == "" {
		errs = append(errs, fmt.Errorf("CURRENCY must not be empty"))
	}
	if c.SwishEndpoint != "" && c.SwishPayeeAlias == "" {
		errs = append(errs, fmt.Errorf("SWISH_PAYEE_ALIAS is required with SWISH_ENDPOINT"))
	}
	if c.RunMigrations && c.PGDSN == "" {
		errs = append(errs, fmt.Errorf("MIGRATE requires PG_DSN"))
	}
	return errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	var cfg ConsumerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, err
	}
	cfg.KafkaBrokers = trimAll(cfg.KafkaBrokers)
	var errs []error
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.PruneInterval <= 0 {
		errs = append(errs, fmt.Errorf("LIVE_PRUNE_INTERVAL must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func trimAll(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
