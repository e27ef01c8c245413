package acme

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/certmill/certmill/internal/ca"
	"github.com/certmill/certmill/internal/config"
	"github.com/certmill/certmill/internal/model"
	"github.com/certmill/certmill/internal/storage"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "acme"))
}

// --- Context accessors ---
// Dependencies are injected into the echo context by the server middleware.

func storeFrom(c echo.Context) storage.Storage {
	return c.Get("store").(storage.Storage)
}

func cfgFrom(c echo.Context) *config.Config {
	return c.Get("cfg").(*config.Config)
}

func caFrom(c echo.Context) ca.CAService {
	return c.Get("caService").(ca.CAService)
}

func loggerFrom(c echo.Context) *zap.Logger {
	if l, ok := c.Get("logger").(*zap.Logger); ok {
		return l
	}
	return logger
}

// --- Identifier and token generation ---

// randomToken returns n random bytes as unpadded base64url, suitable for
// nonces and challenge tokens.
func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("acme: failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// --- URL construction ---
// All externally visible URLs derive from the configured external URL, never
// from the incoming request's Host header.

func directoryURL(cfg *config.Config) string {
	return cfg.ACMEBaseURL() + "/directory"
}

func newNonceURL(cfg *config.Config) string {
	return cfg.ACMEBaseURL() + "/new-nonce"
}

func newAccountURL(cfg *config.Config) string {
	return cfg.ACMEBaseURL() + "/new-account"
}

func newOrderURL(cfg *config.Config) string {
	return cfg.ACMEBaseURL() + "/new-order"
}

func revokeCertURL(cfg *config.Config) string {
	return cfg.ACMEBaseURL() + "/revoke-cert"
}

func accountURL(cfg *config.Config, accountID string) string {
	return cfg.ACMEBaseURL() + "/account/" + accountID
}

func ordersURL(cfg *config.Config, accountID string) string {
	return cfg.ACMEBaseURL() + "/account/" + accountID + "/orders"
}

func orderURL(cfg *config.Config, orderID string) string {
	return cfg.ACMEBaseURL() + "/order/" + orderID
}

func finalizeURL(cfg *config.Config, orderID string) string {
	return cfg.ACMEBaseURL() + "/finalize/" + orderID
}

func authzURL(cfg *config.Config, authzID string) string {
	return cfg.ACMEBaseURL() + "/authz/" + authzID
}

func challengeURL(cfg *config.Config, challengeID string) string {
	return cfg.ACMEBaseURL() + "/chall/" + challengeID
}

func certificateURL(cfg *config.Config, serialNumber string) string {
	return cfg.ACMEBaseURL() + "/cert/" + serialNumber
}

// --- Common response headers ---

// issueNonce creates and stores a fresh nonce and returns its value.
func issueNonce(ctx context.Context, store storage.Storage, cfg *config.Config) (string, error) {
	value, err := randomToken(16)
	if err != nil {
		return "", err
	}
	now := time.Now()
	nonce := &model.Nonce{
		Value:     value,
		IssuedAt:  now,
		ExpiresAt: now.Add(cfg.NonceLifetime),
	}
	if err := store.SaveNonce(ctx, nonce); err != nil {
		return "", err
	}
	return value, nil
}

// setReplyNonce issues a fresh nonce and writes it to the Replay-Nonce
// response header. Every ACME response carries one (RFC 8555 section 6.5).
func setReplyNonce(c echo.Context) {
	store := storeFrom(c)
	cfg := cfgFrom(c)
	value, err := issueNonce(c.Request().Context(), store, cfg)
	if err != nil {
		// A response without a fresh nonce costs the client a new-nonce round
		// trip but is otherwise harmless.
		loggerFrom(c).Error("Failed to issue reply nonce", zap.Error(err))
		return
	}
	c.Response().Header().Set("Replay-Nonce", value)
}

// setIndexLink writes the RFC 8555 index link header pointing at the directory.
func setIndexLink(c echo.Context) {
	cfg := cfgFrom(c)
	c.Response().Header().Set("Link", fmt.Sprintf("<%s>;rel=\"index\"", directoryURL(cfg)))
}

// --- Response shaping ---

// accountResponse fills the dynamic fields of an account for serialization.
func accountResponse(cfg *config.Config, acc *model.Account) *model.Account {
	out := *acc
	out.Orders = ordersURL(cfg, acc.ID)
	return &out
}

// orderResponse fills the dynamic fields of an order for serialization.
// authzIDs are the order's authorization IDs, already loaded by the caller.
func orderResponse(cfg *config.Config, order *model.Order, authzIDs []string) *model.Order {
	out := *order
	out.Authorizations = make([]string, len(authzIDs))
	for i, id := range authzIDs {
		out.Authorizations[i] = authzURL(cfg, id)
	}
	out.FinalizeURL = finalizeURL(cfg, order.ID)
	if order.Status == model.StatusValid && order.CertificateSerial != "" {
		out.CertificateURL = certificateURL(cfg, order.CertificateSerial)
	}
	return &out
}

// challengeResponse fills the dynamic fields of a challenge for serialization.
func challengeResponse(cfg *config.Config, chal *model.Challenge) *model.Challenge {
	out := *chal
	out.URL = challengeURL(cfg, chal.ID)
	return &out
}

// authzResponse fills the dynamic fields of an authorization, including its
// challenges, for serialization.
func authzResponse(cfg *config.Config, authz *model.Authorization, challenges []*model.Challenge) *model.Authorization {
	out := *authz
	out.Challenges = make([]*model.Challenge, len(challenges))
	for i, chal := range challenges {
		out.Challenges[i] = challengeResponse(cfg, chal)
	}
	return &out
}
