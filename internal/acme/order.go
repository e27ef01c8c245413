package acme

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/certmill/certmill/internal/ca"
	"github.com/certmill/certmill/internal/model"
	"github.com/certmill/certmill/internal/storage"
)

// newOrderPayload is the payload of a new-order request (RFC 8555 section 7.4).
type newOrderPayload struct {
	Identifiers []model.Identifier `json:"identifiers"`
	NotBefore   string             `json:"notBefore,omitempty"`
	NotAfter    string             `json:"notAfter,omitempty"`
}

// finalizePayload carries the CSR for order finalization.
type finalizePayload struct {
	CSR string `json:"csr"`
}

// HandleNewOrder creates an order with one pending authorization per
// identifier, each carrying an http-01 and a dns-01 challenge.
func HandleNewOrder(c echo.Context) error {
	l := loggerFrom(c).With(zap.String("handler", "HandleNewOrder"))
	ctx := c.Request().Context()
	store := storeFrom(c)
	cfg := cfgFrom(c)

	req, prob := verifyJWS(c, newOrderURL(cfg), false, true)
	if prob != nil {
		return writeProblem(c, prob)
	}

	var payload newOrderPayload
	if err := json.Unmarshal(req.payload, &payload); err != nil {
		return writeProblem(c, problemMalformed("new-order payload is not valid JSON"))
	}
	if len(payload.Identifiers) == 0 {
		return writeProblem(c, problemMalformed("order must name at least one identifier"))
	}

	// Validate identifiers against type support and issuance policy.
	identifiers := make([]model.Identifier, len(payload.Identifiers))
	for i, ident := range payload.Identifiers {
		if ident.Type != "dns" {
			return writeProblem(c, problemRejectedIdentifier("identifier type "+ident.Type+" is not supported"))
		}
		value := strings.ToLower(strings.TrimSpace(ident.Value))
		if value == "" {
			return writeProblem(c, problemRejectedIdentifier("identifier value must not be empty"))
		}
		if strings.HasPrefix(value, "*.") {
			return writeProblem(c, problemRejectedIdentifier("wildcard identifiers are not supported"))
		}
		allowed, err := store.IsDomainAllowed(ctx, value)
		if err != nil {
			l.Error("Policy check failed", zap.String("identifier", value), zap.Error(err))
			return writeProblem(c, problemServerInternal("identifier policy check failed"))
		}
		if !allowed {
			return writeProblem(c, problemRejectedIdentifier(value+" is not allowed by issuance policy"))
		}
		identifiers[i] = model.Identifier{Type: "dns", Value: value}
	}

	now := time.Now()
	order := &model.Order{
		ID:          uuid.NewString(),
		AccountID:   req.account.ID,
		Status:      model.StatusPending,
		Expires:     now.Add(cfg.OrderLifetime),
		Identifiers: identifiers,
	}

	authzs := make([]*model.Authorization, 0, len(identifiers))
	challenges := make([]*model.Challenge, 0, 2*len(identifiers))
	for _, ident := range identifiers {
		authz := &model.Authorization{
			ID:         uuid.NewString(),
			AccountID:  req.account.ID,
			OrderID:    order.ID,
			Identifier: ident,
			Status:     model.StatusPending,
			Expires:    now.Add(cfg.AuthzLifetime),
		}
		authzs = append(authzs, authz)
		for _, chalType := range []string{model.ChallengeTypeHTTP01, model.ChallengeTypeDNS01} {
			token, err := randomToken(32)
			if err != nil {
				l.Error("Failed to generate challenge token", zap.Error(err))
				return writeProblem(c, problemServerInternal("failed to create order"))
			}
			challenges = append(challenges, &model.Challenge{
				ID:              uuid.NewString(),
				AuthorizationID: authz.ID,
				Type:            chalType,
				Status:          model.StatusPending,
				Token:           token,
			})
		}
	}

	// The order and its authorization tree appear atomically or not at all.
	err := store.WithinTransaction(ctx, func(ctx context.Context, tx storage.Storage) error {
		if err := tx.SaveOrder(ctx, order); err != nil {
			return err
		}
		for _, authz := range authzs {
			if err := tx.SaveAuthorization(ctx, authz); err != nil {
				return err
			}
		}
		for _, chal := range challenges {
			if err := tx.SaveChallenge(ctx, chal); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		l.Error("Failed to persist new order", zap.Error(err))
		return writeProblem(c, problemServerInternal("failed to create order"))
	}

	authzIDs := make([]string, len(authzs))
	for i, authz := range authzs {
		authzIDs[i] = authz.ID
	}

	l.Info("Created new order", zap.String("orderID", order.ID), zap.Int("identifiers", len(identifiers)))
	setReplyNonce(c)
	setIndexLink(c)
	c.Response().Header().Set("Location", orderURL(cfg, order.ID))
	return c.JSON(http.StatusCreated, orderResponse(cfg, order, authzIDs))
}

// loadOwnedOrder fetches an order and checks the requesting account owns it.
func loadOwnedOrder(c echo.Context, orderID string, accountID string) (*model.Order, *model.ProblemDetails) {
	store := storeFrom(c)
	order, err := store.GetOrder(c.Request().Context(), orderID)
	if err != nil {
		loggerFrom(c).Error("Failed to load order", zap.String("orderID", orderID), zap.Error(err))
		return nil, problemServerInternal("failed to load order")
	}
	if order == nil {
		return nil, problemNotFound("no such order")
	}
	if order.AccountID != accountID {
		return nil, problemUnauthorized("account does not own this order")
	}
	return order, nil
}

// presentedOrderStatus applies lazy expiry: orders past their expiry that
// never issued are presented as invalid without a write; the cleanup job
// deletes them later.
func presentedOrderStatus(order *model.Order, now time.Time) string {
	if order.Status == model.StatusPending || order.Status == model.StatusReady {
		if now.After(order.Expires) {
			return model.StatusInvalid
		}
	}
	return order.Status
}

// orderAuthzIDs loads the IDs of an order's authorizations.
func orderAuthzIDs(c echo.Context, orderID string) ([]string, error) {
	authzs, err := storeFrom(c).GetAuthorizationsByOrderID(c.Request().Context(), orderID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(authzs))
	for i, authz := range authzs {
		ids[i] = authz.ID
	}
	return ids, nil
}

// HandleGetOrder serves an order via POST-as-GET.
func HandleGetOrder(c echo.Context) error {
	cfg := cfgFrom(c)
	orderID := c.Param("orderID")

	req, prob := verifyJWS(c, orderURL(cfg, orderID), false, true)
	if prob != nil {
		return writeProblem(c, prob)
	}
	order, prob := loadOwnedOrder(c, orderID, req.account.ID)
	if prob != nil {
		return writeProblem(c, prob)
	}

	authzIDs, err := orderAuthzIDs(c, order.ID)
	if err != nil {
		loggerFrom(c).Error("Failed to load order authorizations", zap.Error(err))
		return writeProblem(c, problemServerInternal("failed to load order"))
	}

	order.Status = presentedOrderStatus(order, time.Now())
	setReplyNonce(c)
	setIndexLink(c)
	c.Response().Header().Set("Location", orderURL(cfg, order.ID))
	return c.JSON(http.StatusOK, orderResponse(cfg, order, authzIDs))
}

// HandleFinalize accepts a CSR for a ready order and issues the certificate
// synchronously (RFC 8555 section 7.4). Exactly one caller wins the
// ready-to-processing transition; losers and repeats see the current order
// state instead of a duplicate issuance.
func HandleFinalize(c echo.Context) error {
	l := loggerFrom(c).With(zap.String("handler", "HandleFinalize"))
	ctx := c.Request().Context()
	store := storeFrom(c)
	cfg := cfgFrom(c)
	caService := caFrom(c)
	orderID := c.Param("orderID")

	req, prob := verifyJWS(c, finalizeURL(cfg, orderID), false, true)
	if prob != nil {
		return writeProblem(c, prob)
	}
	order, prob := loadOwnedOrder(c, orderID, req.account.ID)
	if prob != nil {
		return writeProblem(c, prob)
	}

	respondWithOrder := func(ord *model.Order, status int) error {
		authzIDs, err := orderAuthzIDs(c, ord.ID)
		if err != nil {
			l.Error("Failed to load order authorizations", zap.Error(err))
			return writeProblem(c, problemServerInternal("failed to load order"))
		}
		setReplyNonce(c)
		setIndexLink(c)
		c.Response().Header().Set("Location", orderURL(cfg, ord.ID))
		return c.JSON(status, orderResponse(cfg, ord, authzIDs))
	}

	// Re-finalizing an already valid order is answered idempotently with the
	// order and its certificate URL.
	if order.Status == model.StatusValid {
		return respondWithOrder(order, http.StatusOK)
	}
	if presentedOrderStatus(order, time.Now()) != model.StatusReady {
		return writeProblem(c, problemOrderNotReady("order is "+presentedOrderStatus(order, time.Now())+", not ready"))
	}

	var payload finalizePayload
	if err := json.Unmarshal(req.payload, &payload); err != nil {
		return writeProblem(c, problemMalformed("finalize payload is not valid JSON"))
	}
	csrDER, err := base64.RawURLEncoding.DecodeString(payload.CSR)
	if err != nil {
		return writeProblem(c, problemBadCSR("csr is not valid base64url"))
	}
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return writeProblem(c, problemBadCSR("csr is not a valid DER certificate request"))
	}
	if err := csr.CheckSignature(); err != nil {
		return writeProblem(c, problemBadCSR("csr signature is invalid"))
	}

	// The CSR must ask for exactly the ordered names (CN and DNS SANs).
	orderedNames := make([]string, len(order.Identifiers))
	for i, ident := range order.Identifiers {
		orderedNames[i] = ident.Value
	}
	if !ca.NameSetsEqual(ca.CSRNames(csr), orderedNames) {
		return writeProblem(c, problemBadCSR("csr names do not match the order identifiers"))
	}

	// One winner per order: the conditional update arbitrates races.
	won, err := store.UpdateOrderStatus(ctx, order.ID, model.StatusReady, model.StatusProcessing)
	if err != nil {
		l.Error("Failed to transition order to processing", zap.Error(err))
		return writeProblem(c, problemServerInternal("failed to finalize order"))
	}
	if !won {
		current, prob := loadOwnedOrder(c, orderID, req.account.ID)
		if prob != nil {
			return writeProblem(c, prob)
		}
		return respondWithOrder(current, http.StatusOK)
	}

	lifetime := time.Duration(cfg.DefaultCertValidityDays) * 24 * time.Hour
	cert, err := caService.SignCSR(ctx, csr, lifetime)
	if err != nil {
		l.Warn("Issuance failed", zap.String("orderID", order.ID), zap.Error(err))
		prob := problemBadCSR("issuance failed: " + err.Error())
		probJSON, _ := json.Marshal(prob)
		if _, failErr := store.FailOrder(ctx, order.ID, string(probJSON)); failErr != nil {
			l.Error("Failed to mark order invalid after issuance failure", zap.Error(failErr))
		}
		return writeProblem(c, prob)
	}

	serialHex := cert.SerialNumber.Text(16)
	chainPEM := ""
	if caCert := caService.GetCACertificate(); caCert != nil {
		chainPEM = string(ca.EncodeCertificate(caCert))
	}
	certData := &model.CertificateData{
		SerialNumber:   serialHex,
		CertificatePEM: string(ca.EncodeCertificate(cert)),
		ChainPEM:       chainPEM,
		IssuedAt:       cert.NotBefore,
		ExpiresAt:      cert.NotAfter,
		AccountID:      req.account.ID,
		OrderID:        order.ID,
	}
	if err := store.SaveCertificateData(ctx, certData); err != nil {
		l.Error("Failed to save issued certificate", zap.String("serial", serialHex), zap.Error(err))
		probJSON, _ := json.Marshal(problemServerInternal("failed to store issued certificate"))
		if _, failErr := store.FailOrder(ctx, order.ID, string(probJSON)); failErr != nil {
			l.Error("Failed to mark order invalid after storage failure", zap.Error(failErr))
		}
		return writeProblem(c, problemServerInternal("failed to store issued certificate"))
	}

	issued, err := store.SetOrderIssued(ctx, order.ID, serialHex)
	if err != nil || !issued {
		l.Error("Failed to mark order valid", zap.String("orderID", order.ID), zap.Error(err))
		return writeProblem(c, problemServerInternal("failed to complete order"))
	}

	order.Status = model.StatusValid
	order.CertificateSerial = serialHex
	l.Info("Order finalized", zap.String("orderID", order.ID), zap.String("serial", serialHex))
	return respondWithOrder(order, http.StatusOK)
}

// HandleCertificate serves an issued certificate chain via POST-as-GET as
// application/pem-certificate-chain.
func HandleCertificate(c echo.Context) error {
	store := storeFrom(c)
	cfg := cfgFrom(c)
	serial := c.Param("serial")

	// Plain GET skips the ownership check; certificates are public once
	// issued and the serial is unguessable.
	var req *jwsRequest
	if c.Request().Method != http.MethodGet {
		var prob *model.ProblemDetails
		req, prob = verifyJWS(c, certificateURL(cfg, serial), false, true)
		if prob != nil {
			return writeProblem(c, prob)
		}
	}

	certData, err := store.GetCertificateData(c.Request().Context(), serial)
	if err != nil {
		loggerFrom(c).Error("Failed to load certificate", zap.String("serial", serial), zap.Error(err))
		return writeProblem(c, problemServerInternal("failed to load certificate"))
	}
	if certData == nil {
		return writeProblem(c, problemNotFound("no such certificate"))
	}
	if req != nil && certData.AccountID != req.account.ID {
		return writeProblem(c, problemUnauthorized("account does not own this certificate"))
	}

	pemChain := certData.CertificatePEM
	if certData.ChainPEM != "" {
		pemChain += certData.ChainPEM
	}

	setReplyNonce(c)
	setIndexLink(c)
	return c.Blob(http.StatusOK, "application/pem-certificate-chain", []byte(pemChain))
}
