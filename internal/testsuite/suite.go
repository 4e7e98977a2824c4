// Package testsuite starts the containers integration tests run against.
package testsuite

import (
	"context"
	"fmt"
	"log"
	"testing"
	"time"

	"github.com/prudhivi99/Distributed-Systems/orderflow/internal/db"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/kafka"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

type BaseSuite struct {
	suite.Suite
	PgContainer *postgres.PostgresContainer
	DB          *db.PostgresDB
	Ctx         context.Context
}

// SetupInfrastructure starts Postgres and applies the embedded migrations.
func (s *BaseSuite) SetupInfrastructure() {
	if testing.Short() {
		s.T().Skip("integration test skipped in -short mode")
	}

	s.Ctx = context.Background()

	var err error
	s.PgContainer, err = postgres.Run(
		s.Ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("test_db"),
		postgres.WithUsername("test_user"),
		postgres.WithPassword("test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	s.Require().NoError(err)

	connStr, err := s.PgContainer.ConnectionString(s.Ctx, "sslmode=disable")
	s.Require().NoError(err)

	s.DB, err = db.NewPostgresDB(s.Ctx, connStr, zap.NewNop())
	s.Require().NoError(err)
	s.Require().NoError(s.DB.Migrate())
}

func (s *BaseSuite) TearDownInfrastructure() {
	if s.DB != nil {
		s.DB.Close()
	}
	if s.PgContainer != nil {
		if err := s.PgContainer.Terminate(s.Ctx); err != nil {
			log.Printf("Failed to terminate postgres container: %v", err)
		}
	}
}

func (s *BaseSuite) TruncateTable(tableName string) {
	_, err := s.DB.Conn.ExecContext(s.Ctx, fmt.Sprintf("TRUNCATE %s RESTART IDENTITY CASCADE", tableName))
	s.Require().NoError(err)
}

// StartRedis runs a throwaway Redis and returns its redis:// URL. The
// container is terminated when the test ends.
func StartRedis(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in -short mode")
	}

	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			log.Printf("Failed to terminate redis container: %v", err)
		}
	})

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("failed to read redis address: %v", err)
	}
	return uri
}

// StartKafka runs a single-node Kafka and returns its bootstrap brokers.
func StartKafka(t *testing.T) []string {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in -short mode")
	}

	ctx := context.Background()
	container, err := kafka.Run(ctx,
		"confluentinc/confluent-local:7.5.0",
		kafka.WithClusterID("orderflow-test"),
	)
	if err != nil {
		t.Fatalf("failed to start kafka: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			log.Printf("Failed to terminate kafka container: %v", err)
		}
	})

	brokers, err := container.Brokers(ctx)
	if err != nil {
		t.Fatalf("failed to read kafka brokers: %v", err)
	}
	return brokers
}

// StartRabbitMQ runs a throwaway RabbitMQ and returns its amqp:// URL.
func StartRabbitMQ(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in -short mode")
	}

	ctx := context.Background()
	container, err := rabbitmq.Run(ctx, "rabbitmq:3.13-management-alpine")
	if err != nil {
		t.Fatalf("failed to start rabbitmq: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			log.Printf("Failed to terminate rabbitmq container: %v", err)
		}
	})

	url, err := container.AmqpURL(ctx)
	if err != nil {
		t.Fatalf("failed to read rabbitmq address: %v", err)
	}
	return url
}
