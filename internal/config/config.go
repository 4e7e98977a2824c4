package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	App       App
	HTTP      HTTP
	Postgres  Postgres
	Redis     Redis
	Broker    Broker
	Publisher Publisher
	SMTP      SMTP
	Consul    Consul
	Gateway   Gateway
	Telemetry Telemetry
}

type App struct {
	Env      string `env:"APP_ENV" env-default:"dev"`
	LogLevel string `env:"LOG_LEVEL" env-default:"info"`
}

type HTTP struct {
	Port int `env:"HTTP_PORT" env-default:"8082"`
}

type Postgres struct {
	Host     string `env:"DB_HOST" env-default:"localhost"`
	Port     int    `env:"DB_PORT" env-default:"5432"`
	User     string `env:"DB_USER" env-default:"minisys"`
	Password string `env:"DB_PASSWORD" env-default:"minisys123"`
	Name     string `env:"DB_NAME" env-default:"minisys"`
	SSLMode  string `env:"DB_SSLMODE" env-default:"disable"`
	Migrate  bool   `env:"DB_MIGRATE" env-default:"true"`
}

func (p Postgres) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Name, p.SSLMode,
	)
}

type Redis struct {
	Host      string        `env:"REDIS_HOST" env-default:"localhost"`
	Port      int           `env:"REDIS_PORT" env-default:"6379"`
	CacheTTL  time.Duration `env:"REDIS_CACHE_TTL" env-default:"5m"`
	DedupeTTL time.Duration `env:"REDIS_DEDUPE_TTL" env-default:"168h"`
}

type Broker struct {
	// Kind selects the backend: "rabbitmq" or "kafka".
	Kind          string        `env:"BROKER_KIND" env-default:"rabbitmq"`
	Topic         string        `env:"ORDER_TOPIC" env-default:"order-events"`
	GroupID       string        `env:"CONSUMER_GROUP" env-default:"order-consumer-group"`
	PollTimeout   time.Duration `env:"CONSUMER_POLL_TIMEOUT" env-default:"1s"`
	HandleTimeout time.Duration `env:"CONSUMER_HANDLE_TIMEOUT" env-default:"30s"`
	RabbitHost    string        `env:"RABBITMQ_HOST" env-default:"localhost"`
	RabbitPort    int           `env:"RABBITMQ_PORT" env-default:"5672"`
	RabbitUser    string        `env:"RABBITMQ_USER" env-default:"guest"`
	RabbitPass    string        `env:"RABBITMQ_PASSWORD" env-default:"guest"`
	KafkaBrokers  string        `env:"KAFKA_BOOTSTRAP_SERVERS" env-default:"localhost:9092"`
}

func (b Broker) KafkaAddrs() []string {
	var addrs []string
	for _, a := range strings.Split(b.KafkaBrokers, ",") {
		if a = strings.TrimSpace(a); a != "" {
			addrs = append(addrs, a)
		}
	}
	return addrs
}

type Publisher struct {
	MaxRetries      uint64        `env:"PUBLISH_MAX_RETRIES" env-default:"0"`
	InitialInterval time.Duration `env:"PUBLISH_RETRY_INTERVAL" env-default:"200ms"`
	Timeout         time.Duration `env:"PUBLISH_TIMEOUT" env-default:"5s"`
}

type SMTP struct {
	Host     string `env:"SMTP_HOST" env-default:"smtp.gmail.com"`
	Port     int    `env:"SMTP_PORT" env-default:"587"`
	User     string `env:"SMTP_USER"`
	Password string `env:"SMTP_PASSWORD"`
	From     string `env:"SMTP_FROM"`
}

type Consul struct {
	Enabled bool   `env:"CONSUL_ENABLED" env-default:"false"`
	Host    string `env:"CONSUL_HOST" env-default:"localhost"`
	Port    int    `env:"CONSUL_PORT" env-default:"8500"`

	// Address registered for this instance; empty means the outbound IP.
	AdvertiseAddr string `env:"CONSUL_ADVERTISE_ADDR"`
}

// Gateway holds the upstreams used when Consul has no healthy instance
// and the secret access tokens are signed with.
type Gateway struct {
	ProductServiceURL string        `env:"PRODUCT_SERVICE_URL" env-default:"http://product-service:8081"`
	OrderServiceURL   string        `env:"ORDER_SERVICE_URL" env-default:"http://order-service:8082"`
	RefreshInterval   time.Duration `env:"GATEWAY_REFRESH_INTERVAL" env-default:"10s"`
	AccessSecret      string        `env:"ACCESS_SECRET"`
}

type Telemetry struct {
	// OTLP HTTP endpoint; empty disables export.
	Endpoint string `env:"OTEL_ENDPOINT"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	switch cfg.Broker.Kind {
	case "rabbitmq", "kafka":
	default:
		return nil, fmt.Errorf("unsupported BROKER_KIND %q", cfg.Broker.Kind)
	}

	if cfg.SMTP.From == "" {
		cfg.SMTP.From = cfg.SMTP.User
	}

	return &cfg, nil
}
