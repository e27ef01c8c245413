package testutils

import (
	"net/url"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap/zaptest"

	"github.com/certmill/certmill/internal/ca"
	"github.com/certmill/certmill/internal/config"
	"github.com/certmill/certmill/internal/server"
	"github.com/certmill/certmill/internal/storage"
	"github.com/certmill/certmill/internal/tasks"
)

// SetupTestServer wires storage, the CA service, the task runner, and the
// routers against the given test database. It returns the HTTPS Echo
// instance (which carries the ACME and management routes), the storage, and
// the config so callers can shorten challenge timings or inject ports.
func SetupTestServer(t *testing.T, dbConnStr string) (*echo.Echo, storage.Storage, *config.Config) {
	t.Helper()

	testLogger := zaptest.NewLogger(t)

	os.Setenv("CERTMILL_EXTERNAL_URL", "https://test-ca.example.com")
	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatalf("Failed to load base config for test: %v", err)
	}

	// Point the config at the test container.
	parsedURL, err := url.Parse(dbConnStr)
	if err != nil {
		t.Fatalf("Failed to parse test DB connection string '%s': %v", dbConnStr, err)
	}
	cfg.DBHost = parsedURL.Hostname()
	if portStr := parsedURL.Port(); portStr != "" {
		cfg.DBPort, _ = strconv.Atoi(portStr)
	} else {
		cfg.DBPort = 5432
	}
	if parsedURL.User != nil {
		cfg.DBUser = parsedURL.User.Username()
		cfg.DBPassword, _ = parsedURL.User.Password()
	}
	cfg.DBName = strings.TrimPrefix(parsedURL.Path, "/")
	cfg.DBSSLMode = parsedURL.Query().Get("sslmode")

	store, err := storage.NewStorage(
		cfg.StorageType, cfg.DBHost, cfg.DBUser, cfg.DBPassword,
		cfg.DBName, cfg.DBPort, cfg.DBSSLMode, cfg.DBCert, cfg.DBKey, cfg.DBRootCert,
	)
	if err != nil {
		t.Fatalf("Failed to initialize storage for test: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	// Fresh container per test, so this generates a new CA key and cert.
	caService, err := ca.New(cfg, store)
	if err != nil {
		t.Fatalf("Failed to initialize CA service for test: %v", err)
	}
	if !caService.IsInitialized() {
		t.Fatalf("CA service failed to initialize key/cert in test")
	}

	runner := tasks.NewRunner(cfg, store, caService)

	httpInstance := echo.New()
	httpsInstance := echo.New()
	server.ApplyCommonMiddleware(httpInstance, store, cfg, caService, runner, testLogger)
	server.ApplyCommonMiddleware(httpsInstance, store, cfg, caService, runner, testLogger)
	server.SetupRouter(httpInstance, httpsInstance, store, cfg, caService)

	return httpsInstance, store, cfg
}
