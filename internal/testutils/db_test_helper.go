package testutils

import (
	"context"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// SetupTestDB starts a fresh PostgreSQL container and returns its DSN plus a
// cleanup function the caller should defer.
func SetupTestDB(t *testing.T) (string, func()) {
	t.Helper()

	ctx := context.Background()
	dbName := "testdb"
	dbUser := "testuser"
	dbPassword := "testpass"
	dbPort := "5432/tcp"

	waitStrategy := wait.ForAll(
		wait.ForLog("database system is ready to accept connections").
			WithOccurrence(1).
			WithStartupTimeout(1*time.Minute),
		wait.ForListeningPort(nat.Port(dbPort)).
			WithStartupTimeout(1*time.Minute),
	).WithDeadline(2 * time.Minute)

	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase(dbName),
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPassword),
		testcontainers.WithWaitStrategy(waitStrategy),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %s", err)
	}

	cleanup := func() {
		terminateCtx, terminateCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer terminateCancel()
		if err := postgresContainer.Terminate(terminateCtx); err != nil {
			t.Logf("WARN: Failed to terminate postgres container: %s", err)
		}
	}

	connStrCtx, connStrCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer connStrCancel()
	// SSL disabled for test connections.
	connStr, err := postgresContainer.ConnectionString(connStrCtx, "sslmode=disable")
	if err != nil {
		cleanup()
		t.Fatalf("Failed to get connection string: %s", err)
	}

	t.Logf("Postgres container started")

	return connStr, cleanup
}
