package acme

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// HandleNewNonce issues a fresh nonce (RFC 8555 section 7.2).
// HEAD returns 204, GET returns 200; both carry the nonce in a header only.
func HandleNewNonce(c echo.Context) error {
	store := storeFrom(c)
	cfg := cfgFrom(c)

	value, err := issueNonce(c.Request().Context(), store, cfg)
	if err != nil {
		loggerFrom(c).Error("Failed to issue nonce", zap.Error(err))
		return writeProblem(c, problemServerInternal("failed to issue nonce"))
	}

	c.Response().Header().Set("Replay-Nonce", value)
	c.Response().Header().Set("Cache-Control", "no-store")
	setIndexLink(c)

	if c.Request().Method == http.MethodHead {
		return c.NoContent(http.StatusNoContent)
	}
	return c.NoContent(http.StatusOK)
}
