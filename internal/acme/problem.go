package acme

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/certmill/certmill/internal/model"
)

// ACME error type URNs (RFC 8555 section 6.7).
const (
	errAccountDoesNotExist = "urn:ietf:params:acme:error:accountDoesNotExist"
	errAlreadyRevoked      = "urn:ietf:params:acme:error:alreadyRevoked"
	errBadCSR              = "urn:ietf:params:acme:error:badCSR"
	errBadNonce            = "urn:ietf:params:acme:error:badNonce"
	errBadRevocationReason = "urn:ietf:params:acme:error:badRevocationReason"
	errBadSignatureAlg     = "urn:ietf:params:acme:error:badSignatureAlgorithm"
	errConnection          = "urn:ietf:params:acme:error:connection"
	errDNS                 = "urn:ietf:params:acme:error:dns"
	errIncorrectResponse   = "urn:ietf:params:acme:error:incorrectResponse"
	errMalformed           = "urn:ietf:params:acme:error:malformed"
	errOrderNotReady       = "urn:ietf:params:acme:error:orderNotReady"
	errRateLimited         = "urn:ietf:params:acme:error:rateLimited"
	errRejectedIdentifier  = "urn:ietf:params:acme:error:rejectedIdentifier"
	errServerInternal      = "urn:ietf:params:acme:error:serverInternal"
	errUnauthorized        = "urn:ietf:params:acme:error:unauthorized"
)

func problem(errType string, status int, detail string) *model.ProblemDetails {
	return &model.ProblemDetails{
		Type:   errType,
		Status: status,
		Detail: detail,
	}
}

func problemMalformed(detail string) *model.ProblemDetails {
	return problem(errMalformed, http.StatusBadRequest, detail)
}

func problemNotFound(detail string) *model.ProblemDetails {
	return problem(errMalformed, http.StatusNotFound, detail)
}

func problemBadNonce(detail string) *model.ProblemDetails {
	return problem(errBadNonce, http.StatusBadRequest, detail)
}

func problemBadSignatureAlgorithm(detail string) *model.ProblemDetails {
	return problem(errBadSignatureAlg, http.StatusBadRequest, detail)
}

func problemUnauthorized(detail string) *model.ProblemDetails {
	return problem(errUnauthorized, http.StatusForbidden, detail)
}

func problemAccountDoesNotExist(detail string) *model.ProblemDetails {
	return problem(errAccountDoesNotExist, http.StatusBadRequest, detail)
}

func problemOrderNotReady(detail string) *model.ProblemDetails {
	return problem(errOrderNotReady, http.StatusForbidden, detail)
}

func problemRejectedIdentifier(detail string) *model.ProblemDetails {
	return problem(errRejectedIdentifier, http.StatusBadRequest, detail)
}

func problemBadCSR(detail string) *model.ProblemDetails {
	return problem(errBadCSR, http.StatusBadRequest, detail)
}

func problemAlreadyRevoked(detail string) *model.ProblemDetails {
	return problem(errAlreadyRevoked, http.StatusBadRequest, detail)
}

func problemBadRevocationReason(detail string) *model.ProblemDetails {
	return problem(errBadRevocationReason, http.StatusBadRequest, detail)
}

func problemServerInternal(detail string) *model.ProblemDetails {
	return problem(errServerInternal, http.StatusInternalServerError, detail)
}

func problemConnection(detail string) *model.ProblemDetails {
	return problem(errConnection, http.StatusBadRequest, detail)
}

func problemDNS(detail string) *model.ProblemDetails {
	return problem(errDNS, http.StatusBadRequest, detail)
}

func problemIncorrectResponse(detail string) *model.ProblemDetails {
	return problem(errIncorrectResponse, http.StatusForbidden, detail)
}

// writeProblem sends an ACME problem document. Problem responses carry a
// fresh Replay-Nonce like every other ACME response.
func writeProblem(c echo.Context, prob *model.ProblemDetails) error {
	setReplyNonce(c)
	setIndexLink(c)
	status := prob.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	return c.JSON(status, prob)
}
