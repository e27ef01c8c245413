package management

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

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
		panic(fmt.Sprintf("management: failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "management"))
}

func storeFrom(c echo.Context) storage.Storage {
	return c.Get("store").(storage.Storage)
}

func handlerLogger(c echo.Context, handler string) *zap.Logger {
	if l, ok := c.Get("logger").(*zap.Logger); ok {
		return l.With(zap.String("handler", handler))
	}
	return logger.With(zap.String("handler", handler))
}

// pathValue URL-decodes and trims a path parameter, rejecting empty values.
func pathValue(c echo.Context, param string) (string, error) {
	raw := c.Param(param)
	value, err := url.PathUnescape(raw)
	if err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid %s parameter encoding: %v", param, err))
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("%s parameter cannot be empty", param))
	}
	return value, nil
}

// --- Suffix policy ---

type addSuffixRequest struct {
	Suffix string `json:"suffix"`
}

// HandleAddSuffix adds a domain suffix to the issuance allowlist.
func HandleAddSuffix(c echo.Context) error {
	store := storeFrom(c)
	reqLogger := handlerLogger(c, "HandleAddSuffix")
	ctx := c.Request().Context()

	var req addSuffixRequest
	if err := c.Bind(&req); err != nil {
		reqLogger.Warn("Failed to bind request body", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
	}

	suffix := strings.TrimSpace(req.Suffix)
	if suffix == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Suffix cannot be empty")
	}

	// Normalization (lowercase, leading dot) happens in the storage layer.
	if err := store.AddAllowedSuffix(ctx, suffix); err != nil {
		reqLogger.Error("Failed to add allowed suffix", zap.String("suffix", suffix), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to save suffix")
	}

	reqLogger.Info("Added allowed suffix", zap.String("suffix", suffix))
	return c.NoContent(http.StatusCreated)
}

// HandleListSuffixes returns all allowed suffixes as a JSON array.
func HandleListSuffixes(c echo.Context) error {
	store := storeFrom(c)
	reqLogger := handlerLogger(c, "HandleListSuffixes")

	suffixes, err := store.ListAllowedSuffixes(c.Request().Context())
	if err != nil {
		reqLogger.Error("Failed to list allowed suffixes", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to retrieve suffixes")
	}
	return c.JSON(http.StatusOK, suffixes)
}

// HandleDeleteSuffix removes a suffix from the allowlist.
func HandleDeleteSuffix(c echo.Context) error {
	store := storeFrom(c)
	reqLogger := handlerLogger(c, "HandleDeleteSuffix")

	suffix, err := pathValue(c, "suffix")
	if err != nil {
		return err
	}

	if err := store.DeleteAllowedSuffix(c.Request().Context(), suffix); err != nil {
		reqLogger.Error("Failed to delete allowed suffix", zap.String("suffix", suffix), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to delete suffix")
	}

	reqLogger.Info("Deleted allowed suffix", zap.String("suffix", suffix))
	return c.NoContent(http.StatusNoContent)
}

// --- Domain policy ---

type addDomainRequest struct {
	Domain string `json:"domain"`
}

// HandleAddDomain adds an exact domain to the issuance allowlist.
func HandleAddDomain(c echo.Context) error {
	store := storeFrom(c)
	reqLogger := handlerLogger(c, "HandleAddDomain")
	ctx := c.Request().Context()

	var req addDomainRequest
	if err := c.Bind(&req); err != nil {
		reqLogger.Warn("Failed to bind request body", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
	}

	domain := strings.TrimSpace(req.Domain)
	if domain == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Domain cannot be empty")
	}

	if err := store.AddAllowedDomain(ctx, domain); err != nil {
		reqLogger.Error("Failed to add allowed domain", zap.String("domain", domain), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to save domain")
	}

	reqLogger.Info("Added allowed domain", zap.String("domain", domain))
	return c.NoContent(http.StatusCreated)
}

// HandleListDomains returns all allowed domains as a JSON array.
func HandleListDomains(c echo.Context) error {
	store := storeFrom(c)
	reqLogger := handlerLogger(c, "HandleListDomains")

	domains, err := store.ListAllowedDomains(c.Request().Context())
	if err != nil {
		reqLogger.Error("Failed to list allowed domains", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to retrieve domains")
	}
	return c.JSON(http.StatusOK, domains)
}

// HandleDeleteDomain removes an exact domain from the allowlist.
func HandleDeleteDomain(c echo.Context) error {
	store := storeFrom(c)
	reqLogger := handlerLogger(c, "HandleDeleteDomain")

	domain, err := pathValue(c, "domain")
	if err != nil {
		return err
	}

	if err := store.DeleteAllowedDomain(c.Request().Context(), domain); err != nil {
		reqLogger.Error("Failed to delete allowed domain", zap.String("domain", domain), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to delete domain")
	}

	reqLogger.Info("Deleted allowed domain", zap.String("domain", domain))
	return c.NoContent(http.StatusNoContent)
}
