package acme

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/certmill/certmill/internal/model"
)

// HandleChallenge serves a challenge via POST-as-GET and, for a non-empty
// payload, triggers its validation (RFC 8555 section 7.5.1). The response
// returns immediately with the processing challenge; the probe runs in the
// background.
func HandleChallenge(c echo.Context) error {
	l := loggerFrom(c).With(zap.String("handler", "HandleChallenge"))
	ctx := c.Request().Context()
	store := storeFrom(c)
	cfg := cfgFrom(c)
	challengeID := c.Param("challengeID")

	req, prob := verifyJWS(c, challengeURL(cfg, challengeID), false, true)
	if prob != nil {
		return writeProblem(c, prob)
	}

	chal, err := store.GetChallenge(ctx, challengeID)
	if err != nil {
		l.Error("Failed to load challenge", zap.String("challengeID", challengeID), zap.Error(err))
		return writeProblem(c, problemServerInternal("failed to load challenge"))
	}
	if chal == nil {
		return writeProblem(c, problemNotFound("no such challenge"))
	}
	authz, prob := loadOwnedAuthz(c, chal.AuthorizationID, req.account.ID)
	if prob != nil {
		return writeProblem(c, prob)
	}

	if !req.postAsGet() {
		// Only the pending-to-processing winner spawns a probe; a client
		// POSTing twice gets the current state both times.
		won, err := store.UpdateChallengeStatus(ctx, chal.ID, model.StatusPending, model.StatusProcessing)
		if err != nil {
			l.Error("Failed to transition challenge to processing", zap.String("challengeID", chal.ID), zap.Error(err))
			return writeProblem(c, problemServerInternal("failed to start validation"))
		}
		if won {
			chal.Status = model.StatusProcessing
			startValidation(store, cfg, loggerFrom(c), chal, authz, req.account.KeyThumbprint)
		} else {
			// Re-read for the current state.
			current, err := store.GetChallenge(ctx, chal.ID)
			if err != nil || current == nil {
				l.Error("Failed to reload challenge", zap.String("challengeID", chal.ID), zap.Error(err))
				return writeProblem(c, problemServerInternal("failed to load challenge"))
			}
			chal = current
		}
	}

	setReplyNonce(c)
	c.Response().Header().Set("Link", fmt.Sprintf("<%s>;rel=\"up\"", authzURL(cfg, authz.ID)))
	return c.JSON(http.StatusOK, challengeResponse(cfg, chal))
}

// HandleHTTP01Challenge answers http-01 probes on the HTTP listener: it
// serves the key authorization for a known token. This is the storage-backed
// publisher used when the server itself hosts the well-known path (e.g. in
// tests or single-host deployments).
func HandleHTTP01Challenge(c echo.Context) error {
	l := loggerFrom(c)
	ctx := c.Request().Context()
	store := storeFrom(c)
	token := c.Param("token")

	chal, err := store.GetChallengeByToken(ctx, token)
	if err != nil {
		l.Error("Failed to look up challenge token", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "lookup failed")
	}
	if chal == nil || chal.Type != model.ChallengeTypeHTTP01 {
		return echo.NewHTTPError(http.StatusNotFound, "unknown token")
	}

	authz, err := store.GetAuthorization(ctx, chal.AuthorizationID)
	if err != nil || authz == nil {
		l.Error("Failed to load authorization for token", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "lookup failed")
	}
	acc, err := store.GetAccount(ctx, authz.AccountID)
	if err != nil || acc == nil {
		l.Error("Failed to load account for token", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "lookup failed")
	}

	return c.String(http.StatusOK, keyAuthorization(chal.Token, acc.KeyThumbprint))
}
