package server

import (
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/certmill/certmill/internal/ca"
	"github.com/certmill/certmill/internal/storage"
)

const (
	contentTypePKIXCRL      = "application/pkix-crl"
	contentTypeOCSPRequest  = "application/ocsp-request"
	contentTypeOCSPResponse = "application/ocsp-response"

	maxOCSPRequestBytes = 4096
)

// HandleCRL serves the latest cached CRL, generating one on first access.
func HandleCRL(c echo.Context) error {
	store := c.Get("store").(storage.Storage)
	caService := c.Get("caService").(ca.CAService)
	reqLogger := c.Get("logger").(*zap.Logger).With(zap.String("handler", "HandleCRL"))
	ctx := c.Request().Context()

	crlBytes, err := store.GetLatestCRL(ctx)
	if err != nil {
		reqLogger.Error("Failed to load CRL", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to load CRL")
	}
	if len(crlBytes) == 0 {
		crlBytes, err = caService.GenerateCRL(ctx)
		if err != nil {
			reqLogger.Error("Failed to generate CRL", zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError, "Failed to generate CRL")
		}
	}

	return c.Blob(http.StatusOK, contentTypePKIXCRL, crlBytes)
}

// HandleOCSP answers OCSP status queries. POST carries the DER request in the
// body; GET carries it URL-path-encoded base64 after /ocsp/ (RFC 6960 A.1).
func HandleOCSP(c echo.Context) error {
	caService := c.Get("caService").(ca.CAService)
	reqLogger := c.Get("logger").(*zap.Logger).With(zap.String("handler", "HandleOCSP"))

	var (
		requestDER []byte
		err        error
	)
	switch c.Request().Method {
	case http.MethodPost:
		requestDER, err = io.ReadAll(io.LimitReader(c.Request().Body, maxOCSPRequestBytes))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "Failed to read OCSP request body")
		}
	case http.MethodGet:
		encoded, unescapeErr := url.PathUnescape(c.Param("*"))
		if unescapeErr != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "Invalid OCSP request encoding")
		}
		requestDER, err = base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "Invalid OCSP request base64")
		}
	default:
		return echo.NewHTTPError(http.StatusMethodNotAllowed, "Unsupported method")
	}
	if len(requestDER) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "Empty OCSP request")
	}

	respBytes, err := caService.BuildOCSPResponse(c.Request().Context(), requestDER, time.Now())
	if err != nil {
		if strings.Contains(err.Error(), "parse OCSP request") {
			return echo.NewHTTPError(http.StatusBadRequest, "Malformed OCSP request")
		}
		reqLogger.Error("Failed to build OCSP response", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to build OCSP response")
	}

	return c.Blob(http.StatusOK, contentTypeOCSPResponse, respBytes)
}
