package acme

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/certmill/certmill/internal/model"
)

// NewAccountPayload is the payload of a new-account request (RFC 8555 section 7.3).
type NewAccountPayload struct {
	Contact              []string `json:"contact,omitempty"`
	TermsOfServiceAgreed bool     `json:"termsOfServiceAgreed,omitempty"`
	OnlyReturnExisting   bool     `json:"onlyReturnExisting,omitempty"`
}

// updateAccountPayload is the payload of an account update request.
type updateAccountPayload struct {
	Contact []string `json:"contact,omitempty"`
	Status  string   `json:"status,omitempty"`
}

// validateContacts checks that every contact URL uses a scheme we accept.
func validateContacts(contacts []string) *model.ProblemDetails {
	for _, contact := range contacts {
		if !strings.HasPrefix(contact, "mailto:") {
			return problemMalformed("unsupported contact URL scheme in " + contact)
		}
	}
	return nil
}

// HandleNewAccount creates an ACME account keyed by the request's embedded
// JWK, or returns the existing account for that key (RFC 8555 section 7.3).
// Account identity is the key: repeating the request with the same key yields
// the same account and a 200 instead of a 201.
func HandleNewAccount(c echo.Context) error {
	l := loggerFrom(c).With(zap.String("handler", "HandleNewAccount"))
	ctx := c.Request().Context()
	store := storeFrom(c)
	cfg := cfgFrom(c)

	req, prob := verifyJWS(c, newAccountURL(cfg), true, false)
	if prob != nil {
		return writeProblem(c, prob)
	}

	var payload NewAccountPayload
	if len(req.payload) > 0 {
		if err := json.Unmarshal(req.payload, &payload); err != nil {
			return writeProblem(c, problemMalformed("new-account payload is not valid JSON"))
		}
	}

	// Existing account for this key: return it.
	if req.account != nil {
		setReplyNonce(c)
		setIndexLink(c)
		c.Response().Header().Set("Location", accountURL(cfg, req.account.ID))
		return c.JSON(http.StatusOK, accountResponse(cfg, req.account))
	}

	if payload.OnlyReturnExisting {
		return writeProblem(c, problemAccountDoesNotExist("no account exists for this key"))
	}

	if prob := validateContacts(payload.Contact); prob != nil {
		return writeProblem(c, prob)
	}

	keyJSON, err := req.key.MarshalJSON()
	if err != nil {
		l.Error("Failed to marshal account key", zap.Error(err))
		return writeProblem(c, problemServerInternal("failed to store account key"))
	}

	acc := &model.Account{
		ID:             uuid.NewString(),
		PublicKeyJWK:   string(keyJSON),
		KeyThumbprint:  req.thumbprint,
		Contact:        payload.Contact,
		Status:         model.StatusValid,
		TermsOfService: payload.TermsOfServiceAgreed,
	}
	if err := store.SaveAccount(ctx, acc); err != nil {
		// A concurrent new-account with the same key can beat us to the
		// unique thumbprint. Re-read; if someone else won, hand out theirs.
		existing, lookupErr := store.GetAccountByKeyThumbprint(ctx, req.thumbprint)
		if lookupErr == nil && existing != nil {
			setReplyNonce(c)
			setIndexLink(c)
			c.Response().Header().Set("Location", accountURL(cfg, existing.ID))
			return c.JSON(http.StatusOK, accountResponse(cfg, existing))
		}
		l.Error("Failed to save new account", zap.Error(err))
		return writeProblem(c, problemServerInternal("failed to create account"))
	}

	l.Info("Created new account", zap.String("accountID", acc.ID))
	setReplyNonce(c)
	setIndexLink(c)
	c.Response().Header().Set("Location", accountURL(cfg, acc.ID))
	return c.JSON(http.StatusCreated, accountResponse(cfg, acc))
}

// HandleAccount serves and updates an existing account (RFC 8555 section
// 7.3.2). POST-as-GET returns the account; a payload updates contacts or
// deactivates the account. Deactivation is terminal.
func HandleAccount(c echo.Context) error {
	l := loggerFrom(c).With(zap.String("handler", "HandleAccount"))
	ctx := c.Request().Context()
	store := storeFrom(c)
	cfg := cfgFrom(c)
	accountID := c.Param("accountID")

	req, prob := verifyJWS(c, accountURL(cfg, accountID), false, true)
	if prob != nil {
		return writeProblem(c, prob)
	}
	if req.account.ID != accountID {
		return writeProblem(c, problemUnauthorized("account key does not own this account URL"))
	}

	if req.postAsGet() {
		setReplyNonce(c)
		setIndexLink(c)
		return c.JSON(http.StatusOK, accountResponse(cfg, req.account))
	}

	var payload updateAccountPayload
	if err := json.Unmarshal(req.payload, &payload); err != nil {
		return writeProblem(c, problemMalformed("account update payload is not valid JSON"))
	}

	acc := req.account
	switch {
	case payload.Status == model.StatusDeactivated:
		acc.Status = model.StatusDeactivated
		l.Info("Deactivating account", zap.String("accountID", acc.ID))
	case payload.Status != "":
		return writeProblem(c, problemMalformed("status may only be set to deactivated"))
	default:
		if prob := validateContacts(payload.Contact); prob != nil {
			return writeProblem(c, prob)
		}
		acc.Contact = payload.Contact
	}

	if err := store.SaveAccount(ctx, acc); err != nil {
		l.Error("Failed to update account", zap.String("accountID", acc.ID), zap.Error(err))
		return writeProblem(c, problemServerInternal("failed to update account"))
	}

	setReplyNonce(c)
	setIndexLink(c)
	return c.JSON(http.StatusOK, accountResponse(cfg, acc))
}

// HandleAccountOrders lists the URLs of an account's orders (RFC 8555
// section 7.1.2.1). POST-as-GET only.
func HandleAccountOrders(c echo.Context) error {
	l := loggerFrom(c).With(zap.String("handler", "HandleAccountOrders"))
	ctx := c.Request().Context()
	store := storeFrom(c)
	cfg := cfgFrom(c)
	accountID := c.Param("accountID")

	req, prob := verifyJWS(c, ordersURL(cfg, accountID), false, true)
	if prob != nil {
		return writeProblem(c, prob)
	}
	if req.account.ID != accountID {
		return writeProblem(c, problemUnauthorized("account key does not own this account URL"))
	}
	if !req.postAsGet() {
		return writeProblem(c, problemMalformed("orders list accepts only POST-as-GET"))
	}

	orders, err := store.GetOrdersByAccountID(ctx, accountID)
	if err != nil {
		l.Error("Failed to list orders", zap.String("accountID", accountID), zap.Error(err))
		return writeProblem(c, problemServerInternal("failed to list orders"))
	}
	orderURLs := make([]string, 0, len(orders))
	for _, order := range orders {
		orderURLs = append(orderURLs, orderURL(cfg, order.ID))
	}

	setReplyNonce(c)
	setIndexLink(c)
	return c.JSON(http.StatusOK, map[string][]string{"orders": orderURLs})
}
