package acme

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/certmill/certmill/internal/model"
)

// deactivateAuthzPayload is the only non-empty payload /authz accepts.
type deactivateAuthzPayload struct {
	Status string `json:"status"`
}

// loadOwnedAuthz fetches an authorization and checks ownership.
func loadOwnedAuthz(c echo.Context, authzID string, accountID string) (*model.Authorization, *model.ProblemDetails) {
	store := storeFrom(c)
	authz, err := store.GetAuthorization(c.Request().Context(), authzID)
	if err != nil {
		loggerFrom(c).Error("Failed to load authorization", zap.String("authzID", authzID), zap.Error(err))
		return nil, problemServerInternal("failed to load authorization")
	}
	if authz == nil {
		return nil, problemNotFound("no such authorization")
	}
	if authz.AccountID != accountID {
		return nil, problemUnauthorized("account does not own this authorization")
	}
	return authz, nil
}

// presentedAuthzStatus applies lazy expiry to a pending authorization.
func presentedAuthzStatus(authz *model.Authorization, now time.Time) string {
	if authz.Status == model.StatusPending && now.After(authz.Expires) {
		return model.StatusExpired
	}
	return authz.Status
}

// HandleAuthorization serves an authorization via POST-as-GET and accepts
// deactivation requests (RFC 8555 sections 7.5 and 7.5.2).
func HandleAuthorization(c echo.Context) error {
	l := loggerFrom(c).With(zap.String("handler", "HandleAuthorization"))
	ctx := c.Request().Context()
	store := storeFrom(c)
	cfg := cfgFrom(c)
	authzID := c.Param("authzID")

	req, prob := verifyJWS(c, authzURL(cfg, authzID), false, true)
	if prob != nil {
		return writeProblem(c, prob)
	}
	authz, prob := loadOwnedAuthz(c, authzID, req.account.ID)
	if prob != nil {
		return writeProblem(c, prob)
	}

	if !req.postAsGet() {
		var payload deactivateAuthzPayload
		if err := json.Unmarshal(req.payload, &payload); err != nil {
			return writeProblem(c, problemMalformed("authorization payload is not valid JSON"))
		}
		if payload.Status != model.StatusDeactivated {
			return writeProblem(c, problemMalformed("status may only be set to deactivated"))
		}
		// Deactivation applies from pending or valid; anything else is
		// already terminal and left alone.
		for _, from := range []string{model.StatusPending, model.StatusValid} {
			ok, err := store.UpdateAuthorizationStatus(ctx, authz.ID, from, model.StatusDeactivated)
			if err != nil {
				l.Error("Failed to deactivate authorization", zap.String("authzID", authz.ID), zap.Error(err))
				return writeProblem(c, problemServerInternal("failed to deactivate authorization"))
			}
			if ok {
				authz.Status = model.StatusDeactivated
				l.Info("Authorization deactivated", zap.String("authzID", authz.ID))
				break
			}
		}
	}

	challenges, err := store.GetChallengesByAuthorizationID(ctx, authz.ID)
	if err != nil {
		l.Error("Failed to load challenges", zap.String("authzID", authz.ID), zap.Error(err))
		return writeProblem(c, problemServerInternal("failed to load authorization"))
	}

	authz.Status = presentedAuthzStatus(authz, time.Now())
	setReplyNonce(c)
	setIndexLink(c)
	return c.JSON(http.StatusOK, authzResponse(cfg, authz, challenges))
}
