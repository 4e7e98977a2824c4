package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "rabbitmq", cfg.Broker.Kind)
	assert.Equal(t, "order-events", cfg.Broker.Topic)
	assert.Equal(t, time.Second, cfg.Broker.PollTimeout)
	assert.Equal(t, uint64(0), cfg.Publisher.MaxRetries)
	assert.Equal(t, 8082, cfg.HTTP.Port)
	assert.Equal(t, "http://product-service:8081", cfg.Gateway.ProductServiceURL)
	assert.Equal(t, 10*time.Second, cfg.Gateway.RefreshInterval)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BROKER_KIND", "kafka")
	t.Setenv("KAFKA_BOOTSTRAP_SERVERS", "k1:9092, k2:9092,")
	t.Setenv("PUBLISH_MAX_RETRIES", "3")
	t.Setenv("SMTP_USER", "shop@example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Broker.KafkaAddrs())
	assert.Equal(t, uint64(3), cfg.Publisher.MaxRetries)
	assert.Equal(t, "shop@example.com", cfg.SMTP.From)
}

func TestLoadRejectsUnknownBroker(t *testing.T) {
	t.Setenv("BROKER_KIND", "carrier-pigeon")

	_, err := Load()
	assert.Error(t, err)
}

func TestPostgresDSN(t *testing.T) {
	p := Postgres{Host: "db", Port: 5433, User: "u", Password: "p", Name: "shop", SSLMode: "disable"}

	assert.Equal(t, "host=db port=5433 user=u password=p dbname=shop sslmode=disable", p.DSN())
}
