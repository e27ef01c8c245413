package auth

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/certmill/certmill/internal/storage"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("auth: failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "auth"))
}

// HeaderAPIKey carries the management API key on requests.
const HeaderAPIKey = "X-API-Key"

// APIKeyAuthMiddleware authenticates requests against stored API keys and
// requires the given role. The key lookup uses the store injected by the
// common middleware when present, falling back to the bound store, so test
// servers can swap storage per request.
func APIKeyAuthMiddleware(store storage.Storage, requiredRole string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			s := store
			if ctxStore, ok := c.Get("store").(storage.Storage); ok {
				s = ctxStore
			}

			apiKey := c.Request().Header.Get(HeaderAPIKey)
			if apiKey == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Missing API key")
			}

			roles, err := s.GetAPIKey(c.Request().Context(), apiKey)
			if err != nil {
				logger.Error("API key lookup failed", zap.Error(err))
				return echo.NewHTTPError(http.StatusInternalServerError, "Failed to verify API key")
			}
			if roles == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid API key")
			}

			if !hasRole(roles, requiredRole) {
				return echo.NewHTTPError(http.StatusForbidden, fmt.Sprintf("Role %q required", requiredRole))
			}

			c.Set("apiKeyRoles", roles)
			return next(c)
		}
	}
}

func hasRole(roles []string, want string) bool {
	for _, r := range roles {
		if r == want {
			return true
		}
	}
	return false
}
