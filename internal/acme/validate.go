package acme

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/certmill/certmill/internal/config"
	"github.com/certmill/certmill/internal/model"
	"github.com/certmill/certmill/internal/storage"
)

// maxValidationBody caps how much of a validation response is read.
const maxValidationBody = 1024

// keyAuthorization builds the RFC 8555 key authorization string for a
// challenge token and account key thumbprint.
func keyAuthorization(token, thumbprint string) string {
	return token + "." + thumbprint
}

// dns01TXTValue is the TXT record content expected for a dns-01 challenge:
// base64url(SHA-256(key authorization)).
func dns01TXTValue(keyAuth string) string {
	digest := sha256.Sum256([]byte(keyAuth))
	return base64.RawURLEncoding.EncodeToString(digest[:])
}

// startValidation launches the background probe for a challenge that just
// moved to processing. The caller has already won the pending-to-processing
// transition, so exactly one probe runs per trigger.
func startValidation(store storage.Storage, cfg *config.Config, l *zap.Logger, chal *model.Challenge, authz *model.Authorization, thumbprint string) {
	go runValidation(context.Background(), store, cfg, l, chal, authz, thumbprint)
}

// runValidation probes the identifier with bounded retries. It owns the
// cascade: success marks the challenge and authorization valid and, once all
// sibling authorizations are valid, the order ready; exhausted retries mark
// challenge, authorization, and order invalid. All writes are conditional, so
// a stale probe cannot clobber state that moved on without it.
func runValidation(ctx context.Context, store storage.Storage, cfg *config.Config, l *zap.Logger, chal *model.Challenge, authz *model.Authorization, thumbprint string) {
	l = l.With(
		zap.String("challengeID", chal.ID),
		zap.String("type", chal.Type),
		zap.String("identifier", authz.Identifier.Value),
	)
	keyAuth := keyAuthorization(chal.Token, thumbprint)

	var lastProb *model.ProblemDetails
	for {
		attempt, err := store.IncrementChallengeAttempts(ctx, chal.ID)
		if err != nil {
			l.Error("Failed to record validation attempt", zap.Error(err))
			return
		}

		probeCtx, cancel := context.WithTimeout(ctx, cfg.ChallengeTimeout)
		switch chal.Type {
		case model.ChallengeTypeHTTP01:
			lastProb = probeHTTP01(probeCtx, cfg, authz.Identifier.Value, chal.Token, keyAuth)
		case model.ChallengeTypeDNS01:
			lastProb = probeDNS01(probeCtx, authz.Identifier.Value, keyAuth)
		default:
			lastProb = problemServerInternal("unsupported challenge type " + chal.Type)
		}
		cancel()

		if lastProb == nil {
			l.Info("Challenge validation succeeded", zap.Int("attempt", attempt))
			completeValidation(ctx, store, l, chal, authz)
			return
		}

		l.Warn("Challenge validation attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", cfg.ChallengeMaxAttempts),
			zap.String("problem", lastProb.Detail),
		)
		if attempt >= cfg.ChallengeMaxAttempts {
			failValidation(ctx, store, l, chal, authz, lastProb)
			return
		}
		select {
		case <-time.After(cfg.ChallengeRetryInterval):
		case <-ctx.Done():
			return
		}
	}
}

// completeValidation records a successful probe: challenge valid,
// authorization valid, and the order ready once every sibling authorization
// is valid.
func completeValidation(ctx context.Context, store storage.Storage, l *zap.Logger, chal *model.Challenge, authz *model.Authorization) {
	ok, err := store.MarkChallengeValid(ctx, chal.ID, time.Now())
	if err != nil {
		l.Error("Failed to mark challenge valid", zap.Error(err))
		return
	}
	if !ok {
		// The challenge left processing while we probed (e.g. deactivated).
		l.Warn("Challenge no longer processing, dropping validation result")
		return
	}

	ok, err = store.UpdateAuthorizationStatus(ctx, authz.ID, model.StatusPending, model.StatusValid)
	if err != nil {
		l.Error("Failed to mark authorization valid", zap.Error(err))
		return
	}
	if !ok {
		// The authorization left pending without us: deactivated, expired,
		// or already settled. Its order must not move on this result.
		l.Warn("Authorization no longer pending, dropping validation result")
		return
	}

	siblings, err := store.GetAuthorizationsByOrderID(ctx, authz.OrderID)
	if err != nil {
		l.Error("Failed to load sibling authorizations", zap.Error(err))
		return
	}
	for _, sibling := range siblings {
		if sibling.Status != model.StatusValid && sibling.ID != authz.ID {
			return // Order stays pending until every authorization is valid.
		}
	}
	if _, err := store.UpdateOrderStatus(ctx, authz.OrderID, model.StatusPending, model.StatusReady); err != nil {
		l.Error("Failed to mark order ready", zap.Error(err))
		return
	}
	l.Info("All authorizations valid, order ready", zap.String("orderID", authz.OrderID))
}

// failValidation records an exhausted probe: the challenge goes invalid and,
// when this authorization was still pending, the authorization and its live
// order follow with the problem attached.
func failValidation(ctx context.Context, store storage.Storage, l *zap.Logger, chal *model.Challenge, authz *model.Authorization, prob *model.ProblemDetails) {
	probJSON, err := json.Marshal(prob)
	if err != nil {
		probJSON = []byte(`{"type":"` + errServerInternal + `"}`)
	}

	ok, err := store.MarkChallengeInvalid(ctx, chal.ID, string(probJSON))
	if err != nil {
		l.Error("Failed to mark challenge invalid", zap.Error(err))
		return
	}
	if !ok {
		l.Warn("Challenge no longer processing, dropping validation failure")
		return
	}
	ok, err = store.UpdateAuthorizationStatus(ctx, authz.ID, model.StatusPending, model.StatusInvalid)
	if err != nil {
		l.Error("Failed to mark authorization invalid", zap.Error(err))
		return
	}
	if !ok {
		// A sibling challenge already settled this authorization, so its
		// order outcome stands. Only a failure that loses the pending
		// authorization may take the order down with it.
		l.Warn("Authorization no longer pending, dropping validation failure")
		return
	}
	failed, err := store.FailOrder(ctx, authz.OrderID, string(probJSON))
	if err != nil {
		l.Error("Failed to mark order invalid", zap.Error(err))
		return
	}
	if failed {
		l.Info("Challenge validation exhausted retries, order invalid", zap.String("orderID", authz.OrderID))
	}
}

// probeHTTP01 fetches the well-known challenge path over plain HTTP and
// compares the body to the key authorization. A nil return means success.
func probeHTTP01(ctx context.Context, cfg *config.Config, host, token, keyAuth string) *model.ProblemDetails {
	hostPort := host
	if cfg.HTTP01Port != 80 {
		hostPort = net.JoinHostPort(host, fmt.Sprintf("%d", cfg.HTTP01Port))
	}
	url := fmt.Sprintf("http://%s/.well-known/acme-challenge/%s", hostPort, token)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return problemConnection("failed to build validation request: " + err.Error())
	}
	// Redirects are followed; clients commonly bounce port 80 to their
	// canonical host.
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return problemConnection("failed to fetch " + url + ": " + err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return problemIncorrectResponse(fmt.Sprintf("expected 200 from %s, got %d", url, resp.StatusCode))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxValidationBody))
	if err != nil {
		return problemConnection("failed to read validation response: " + err.Error())
	}
	// Tolerate at most one trailing newline, which common server tooling
	// appends; anything else must match byte for byte.
	got := strings.TrimSuffix(string(body), "\n")
	got = strings.TrimSuffix(got, "\r")
	if got != keyAuth {
		return problemIncorrectResponse("key authorization mismatch at " + url)
	}
	return nil
}

// probeDNS01 looks up the _acme-challenge TXT record and checks one entry
// matches the expected digest. A nil return means success.
func probeDNS01(ctx context.Context, host, keyAuth string) *model.ProblemDetails {
	expected := dns01TXTValue(keyAuth)
	name := "_acme-challenge." + host

	records, err := net.DefaultResolver.LookupTXT(ctx, name)
	if err != nil {
		return problemDNS("TXT lookup for " + name + " failed: " + err.Error())
	}
	for _, record := range records {
		if record == expected {
			return nil
		}
	}
	return problemIncorrectResponse("no TXT record at " + name + " matches the expected digest")
}
