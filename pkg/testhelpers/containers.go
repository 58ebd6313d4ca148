package testhelpers

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/knowted/knowted-gateway/migrations"
	"github.com/knowted/knowted-gateway/pkg/database"
)

const (
	// PostgresImage is the PostgreSQL image used for integration tests.
	PostgresImage = "postgres:16-alpine"
	// RedisImage is the Redis image used for integration tests.
	RedisImage = "redis:7-alpine"
)

// GatewayDB holds the gateway database connection with migrations applied.
// Use this for testing repositories and services against a real database.
type GatewayDB struct {
	Container testcontainers.Container
	DB        *database.DB
	ConnStr   string
}

var (
	sharedGatewayDB     *GatewayDB
	sharedGatewayDBOnce sync.Once
	sharedGatewayDBErr  error
)

// GetGatewayDB returns a shared PostgreSQL container for integration tests.
// The container is created once, migrated, and reused across all tests in the run.
func GetGatewayDB(t *testing.T) *GatewayDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedGatewayDBOnce.Do(func() {
		sharedGatewayDB, sharedGatewayDBErr = setupGatewayDB()
	})

	if sharedGatewayDBErr != nil {
		t.Fatalf("Failed to setup test database: %v", sharedGatewayDBErr)
	}

	return sharedGatewayDB
}

func setupGatewayDB() (*GatewayDB, error) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        PostgresImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "knowted_test",
			"POSTGRES_USER":     "knowted",
			"POSTGRES_PASSWORD": "test_password",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start test container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	connStr := fmt.Sprintf("postgres://knowted:test_password@%s:%s/knowted_test?sslmode=disable",
		host, port.Port())

	db, err := database.Connect(ctx, &database.Config{
		URL:            connStr,
		MaxConnections: 5,
	}, nil, zap.NewNop())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to test database: %w", err)
	}

	sqlDB := db.StdDB()
	defer sqlDB.Close()

	if err := database.RunMigrations(sqlDB, migrations.FS, zap.NewNop()); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &GatewayDB{
		Container: container,
		DB:        db,
		ConnStr:   connStr,
	}, nil
}

var (
	sharedRedisAddr string
	sharedRedisOnce sync.Once
	sharedRedisErr  error
)

// GetRedisAddr returns the host:port of a shared Redis container.
func GetRedisAddr(t *testing.T) string {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedRedisOnce.Do(func() {
		sharedRedisAddr, sharedRedisErr = setupRedis()
	})

	if sharedRedisErr != nil {
		t.Fatalf("Failed to setup test redis: %v", sharedRedisErr)
	}

	return sharedRedisAddr
}

func setupRedis() (string, error) {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        RedisImage,
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to start redis container: %w", err)
	}

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		return "", fmt.Errorf("failed to get redis endpoint: %w", err)
	}
	return endpoint, nil
}
