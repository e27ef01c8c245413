package acme

import (
	"crypto"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/certmill/certmill/internal/model"
)

// allowedSignatureAlgorithms is the closed set of JWS algorithms this server
// accepts (RFC 8555 section 6.2 forbids "none" and MAC-based algorithms).
var allowedSignatureAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.ES256, jose.ES384, jose.ES512,
}

// jwsRequest is the result of successful JWS verification.
type jwsRequest struct {
	payload    []byte
	key        *jose.JSONWebKey // The key the signature verified against
	thumbprint string           // RFC 7638 thumbprint of that key, base64url
	account    *model.Account   // Resolved account; nil only for jwk-signed requests with no matching account
}

// postAsGet reports whether the request carries the empty payload that marks
// a POST-as-GET (RFC 8555 section 6.3).
func (r *jwsRequest) postAsGet() bool {
	return len(r.payload) == 0
}

// keyThumbprint computes the RFC 7638 SHA-256 thumbprint of a JWK, base64url
// encoded without padding.
func keyThumbprint(key *jose.JSONWebKey) (string, error) {
	tp, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("acme: failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(tp), nil
}

// verifyJWS authenticates an ACME POST request: it parses the flattened JWS
// body, checks the protected header (algorithm, url, exactly one of jwk/kid),
// verifies the signature, and consumes the nonce. allowJWK permits requests
// self-signed with an embedded key (new-account, revoke-cert by certificate
// key); allowKID permits account-key requests. On failure it returns the
// problem document to send.
func verifyJWS(c echo.Context, expectedURL string, allowJWK, allowKID bool) (*jwsRequest, *model.ProblemDetails) {
	l := loggerFrom(c)
	ctx := c.Request().Context()
	store := storeFrom(c)
	cfg := cfgFrom(c)

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, problemMalformed("unable to read request body")
	}

	jws, err := jose.ParseSigned(string(body), allowedSignatureAlgorithms)
	if err != nil {
		if strings.Contains(err.Error(), "algorithm") {
			l.Warn("JWS uses disallowed signature algorithm", zap.Error(err))
			return nil, problemBadSignatureAlgorithm("signature algorithm not supported; use RS256, ES256, ES384 or ES512")
		}
		l.Warn("Failed to parse JWS", zap.Error(err))
		return nil, problemMalformed("request body is not a valid JWS")
	}
	if len(jws.Signatures) != 1 {
		return nil, problemMalformed("JWS must carry exactly one signature")
	}
	hdr := jws.Signatures[0].Protected

	// The url protected header must match the URL the request arrived at
	// (RFC 8555 section 6.4).
	urlHeader, _ := hdr.ExtraHeaders["url"].(string)
	if urlHeader != expectedURL {
		l.Warn("JWS url header mismatch", zap.String("header", urlHeader), zap.String("expected", expectedURL))
		return nil, problemMalformed("JWS url header does not match request URL")
	}

	if hdr.Nonce == "" {
		return nil, problemBadNonce("JWS protected header is missing the nonce field")
	}

	embeddedKey := hdr.JSONWebKey
	kid := hdr.KeyID
	if embeddedKey != nil && kid != "" {
		return nil, problemMalformed("JWS protected header must not carry both jwk and kid")
	}
	if embeddedKey == nil && kid == "" {
		return nil, problemMalformed("JWS protected header must carry either jwk or kid")
	}

	var req jwsRequest
	switch {
	case embeddedKey != nil:
		if !allowJWK {
			return nil, problemMalformed("this request must be signed with an existing account key (kid)")
		}
		if !embeddedKey.Valid() || !embeddedKey.IsPublic() {
			return nil, problemMalformed("embedded jwk is not a valid public key")
		}
		payload, err := jws.Verify(embeddedKey)
		if err != nil {
			l.Warn("JWS signature verification failed against embedded jwk", zap.Error(err))
			return nil, problemMalformed("JWS signature verification failed")
		}
		thumbprint, err := keyThumbprint(embeddedKey)
		if err != nil {
			l.Error("Failed to compute thumbprint", zap.Error(err))
			return nil, problemServerInternal("failed to process account key")
		}
		acc, err := store.GetAccountByKeyThumbprint(ctx, thumbprint)
		if err != nil {
			l.Error("Account lookup by thumbprint failed", zap.Error(err))
			return nil, problemServerInternal("account lookup failed")
		}
		req = jwsRequest{payload: payload, key: embeddedKey, thumbprint: thumbprint, account: acc}

	default: // kid
		if !allowKID {
			return nil, problemMalformed("this request must be self-signed with an embedded jwk")
		}
		prefix := cfg.ACMEBaseURL() + "/account/"
		if !strings.HasPrefix(kid, prefix) {
			return nil, problemMalformed("kid is not an account URL of this server")
		}
		accountID := strings.TrimPrefix(kid, prefix)
		acc, err := store.GetAccount(ctx, accountID)
		if err != nil {
			l.Error("Account lookup by kid failed", zap.Error(err))
			return nil, problemServerInternal("account lookup failed")
		}
		if acc == nil {
			return nil, problemAccountDoesNotExist("no account matches the kid")
		}
		if acc.Status != model.StatusValid {
			return nil, problemUnauthorized("account is " + acc.Status)
		}
		var accountKey jose.JSONWebKey
		if err := accountKey.UnmarshalJSON([]byte(acc.PublicKeyJWK)); err != nil {
			l.Error("Stored account key is unparsable", zap.String("accountID", acc.ID), zap.Error(err))
			return nil, problemServerInternal("stored account key is unusable")
		}
		payload, err := jws.Verify(&accountKey)
		if err != nil {
			l.Warn("JWS signature verification failed against account key", zap.String("accountID", acc.ID), zap.Error(err))
			return nil, problemMalformed("JWS signature verification failed")
		}
		req = jwsRequest{payload: payload, key: &accountKey, thumbprint: acc.KeyThumbprint, account: acc}
	}

	// Consume the nonce last so unauthenticated garbage cannot burn nonces.
	// ConsumeNonce is atomic: replayed values fail here exactly once each.
	nonce, err := store.ConsumeNonce(ctx, hdr.Nonce)
	if err != nil {
		l.Error("Nonce consumption failed", zap.Error(err))
		return nil, problemServerInternal("nonce check failed")
	}
	if nonce == nil {
		return nil, problemBadNonce("nonce is invalid, expired, or already used")
	}

	return &req, nil
}
