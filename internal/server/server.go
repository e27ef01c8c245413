package server

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/certmill/certmill/internal/acme"
	"github.com/certmill/certmill/internal/auth"
	"github.com/certmill/certmill/internal/ca"
	"github.com/certmill/certmill/internal/config"
	"github.com/certmill/certmill/internal/management"
	"github.com/certmill/certmill/internal/storage"
	"github.com/certmill/certmill/internal/tasks"
)

// ApplyCommonMiddleware wires recovery, request IDs, and per-request
// dependency injection onto an Echo instance. Handlers pull the store, config,
// CA service, task runner, and a request-scoped logger back out of the
// context by key.
func ApplyCommonMiddleware(e *echo.Echo, store storage.Storage, cfg *config.Config, caService ca.CAService, runner *tasks.Runner, baseLogger *zap.Logger) {
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string { return uuid.NewString() },
	}))

	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqID := c.Response().Header().Get(echo.HeaderXRequestID)
			reqLogger := baseLogger.With(zap.String("request_id", reqID))

			c.Set("store", store)
			c.Set("cfg", cfg)
			c.Set("caService", caService)
			c.Set("tasks", runner)
			c.Set("logger", reqLogger)
			return next(c)
		}
	})
}

// SetupRouter defines all HTTP and HTTPS routes.
//
// The http-01 challenge endpoint lives on the plain HTTP instance; everything
// else is served over HTTPS.
func SetupRouter(httpInstance, httpsInstance *echo.Echo, store storage.Storage, cfg *config.Config, caService ca.CAService) {
	httpInstance.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "certmill is running")
	})
	httpInstance.GET("/.well-known/acme-challenge/:token", acme.HandleHTTP01Challenge)

	httpsInstance.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "certmill is running")
	})

	// ACME protocol endpoints
	acmeGroup := httpsInstance.Group("/acme")
	acmeGroup.GET("/directory", acme.HandleDirectory)
	acmeGroup.HEAD("/new-nonce", acme.HandleNewNonce)
	acmeGroup.GET("/new-nonce", acme.HandleNewNonce)
	acmeGroup.POST("/new-account", acme.HandleNewAccount)
	acmeGroup.POST("/account/:accountID", acme.HandleAccount)
	acmeGroup.POST("/account/:accountID/orders", acme.HandleAccountOrders)
	acmeGroup.POST("/new-order", acme.HandleNewOrder)
	acmeGroup.POST("/order/:orderID", acme.HandleGetOrder)
	acmeGroup.POST("/authz/:authzID", acme.HandleAuthorization)
	acmeGroup.POST("/chall/:challengeID", acme.HandleChallenge)
	acmeGroup.POST("/finalize/:orderID", acme.HandleFinalize)
	acmeGroup.POST("/cert/:serial", acme.HandleCertificate)
	acmeGroup.GET("/cert/:serial", acme.HandleCertificate)
	acmeGroup.POST("/revoke-cert", acme.HandleRevokeCertificate)

	// Revocation status endpoints
	httpsInstance.GET("/crl", HandleCRL)
	httpsInstance.POST("/ocsp", HandleOCSP)
	httpsInstance.GET("/ocsp/*", HandleOCSP)

	// Management API
	apiGroup := httpsInstance.Group("/api/v1")
	apiGroup.GET("/health", management.HandleHealth)

	const adminRole = "admin"
	adminOnly := auth.APIKeyAuthMiddleware(store, adminRole)

	policyGroup := apiGroup.Group("/policy", adminOnly)
	policyGroup.POST("/suffixes", management.HandleAddSuffix)
	policyGroup.GET("/suffixes", management.HandleListSuffixes)
	policyGroup.DELETE("/suffixes/:suffix", management.HandleDeleteSuffix)
	policyGroup.POST("/domains", management.HandleAddDomain)
	policyGroup.GET("/domains", management.HandleListDomains)
	policyGroup.DELETE("/domains/:domain", management.HandleDeleteDomain)

	apiGroup.POST("/tasks/:name", management.HandleTriggerTask, adminOnly)
}
