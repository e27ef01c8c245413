package acme

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/certmill/certmill/internal/ca"
)

// revokeCertPayload is the payload of a revoke-cert request (RFC 8555
// section 7.6).
type revokeCertPayload struct {
	Certificate string `json:"certificate"`
	Reason      *int   `json:"reason,omitempty"`
}

// validRevocationReason reports whether a CRLReason code is one RFC 5280
// defines (0-10, excluding the unused value 7).
func validRevocationReason(reason int) bool {
	return reason >= 0 && reason <= 10 && reason != 7
}

// HandleRevokeCertificate revokes an issued certificate. The request may be
// signed by the account that ordered the certificate (kid) or by the
// certificate's own key (embedded jwk). Revocation is monotonic: repeating it
// yields alreadyRevoked, never a state change.
func HandleRevokeCertificate(c echo.Context) error {
	l := loggerFrom(c).With(zap.String("handler", "HandleRevokeCertificate"))
	ctx := c.Request().Context()
	store := storeFrom(c)
	cfg := cfgFrom(c)
	caService := caFrom(c)

	req, prob := verifyJWS(c, revokeCertURL(cfg), true, true)
	if prob != nil {
		return writeProblem(c, prob)
	}

	var payload revokeCertPayload
	if err := json.Unmarshal(req.payload, &payload); err != nil {
		return writeProblem(c, problemMalformed("revoke-cert payload is not valid JSON"))
	}
	certDER, err := base64.RawURLEncoding.DecodeString(payload.Certificate)
	if err != nil {
		return writeProblem(c, problemMalformed("certificate is not valid base64url"))
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return writeProblem(c, problemMalformed("certificate is not valid DER"))
	}

	reason := 0
	if payload.Reason != nil {
		if !validRevocationReason(*payload.Reason) {
			return writeProblem(c, problemBadRevocationReason("revocation reason code is not allowed"))
		}
		reason = *payload.Reason
	}

	serialHex := cert.SerialNumber.Text(16)
	certData, err := store.GetCertificateData(ctx, serialHex)
	if err != nil {
		l.Error("Failed to load certificate for revocation", zap.String("serial", serialHex), zap.Error(err))
		return writeProblem(c, problemServerInternal("failed to load certificate"))
	}
	if certData == nil {
		return writeProblem(c, problemNotFound("certificate was not issued by this server"))
	}

	// Authorization: the ordering account, or proof of possession of the
	// certificate key itself.
	switch {
	case req.account != nil && req.account.ID == certData.AccountID:
		// Account that ordered the certificate.
	default:
		certKey := jose.JSONWebKey{Key: cert.PublicKey}
		certThumbprint, err := keyThumbprint(&certKey)
		if err != nil {
			l.Error("Failed to compute certificate key thumbprint", zap.Error(err))
			return writeProblem(c, problemServerInternal("failed to process certificate key"))
		}
		if req.thumbprint != certThumbprint {
			return writeProblem(c, problemUnauthorized("signer is neither the owning account nor the certificate key"))
		}
	}

	if err := caService.RevokeCertificate(ctx, serialHex, reason); err != nil {
		switch {
		case errors.Is(err, ca.ErrAlreadyRevoked):
			return writeProblem(c, problemAlreadyRevoked("certificate is already revoked"))
		case errors.Is(err, ca.ErrCertificateNotFound):
			return writeProblem(c, problemNotFound("certificate was not issued by this server"))
		default:
			l.Error("Revocation failed", zap.String("serial", serialHex), zap.Error(err))
			return writeProblem(c, problemServerInternal("revocation failed"))
		}
	}

	l.Info("Certificate revoked", zap.String("serial", serialHex), zap.Int("reason", reason))
	setReplyNonce(c)
	setIndexLink(c)
	return c.NoContent(http.StatusOK)
}
