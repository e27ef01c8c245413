package acme

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/certmill/certmill/internal/config"
	"github.com/certmill/certmill/internal/model"
	"github.com/certmill/certmill/internal/storage"
)

func TestKeyAuthorization(t *testing.T) {
	keyAuth := keyAuthorization("tok-123", "thumb-456")
	assert.Equal(t, "tok-123.thumb-456", keyAuth)
}

func TestDNS01TXTValue(t *testing.T) {
	// SHA-256 digests are 32 bytes, so the unpadded base64url form is
	// always 43 characters.
	value := dns01TXTValue("token.thumbprint")
	assert.Len(t, value, 43)
	assert.NotContains(t, value, "=")
	// Same input, same record.
	assert.Equal(t, value, dns01TXTValue("token.thumbprint"))
	assert.NotEqual(t, value, dns01TXTValue("token.otherthumb"))
}

func probePort(t *testing.T, server *httptest.Server) int {
	t.Helper()
	addr, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(addr.Port())
	require.NoError(t, err)
	return port
}

func TestProbeHTTP01(t *testing.T) {
	const token = "probe-token"
	const keyAuth = "probe-token.some-thumbprint"

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/acme-challenge/"+token, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, keyAuth+"\n") // A single trailing newline is tolerated
	})
	mux.HandleFunc("/.well-known/acme-challenge/wrong-body", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "not-the-key-authorization")
	})
	mux.HandleFunc("/.well-known/acme-challenge/padded", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, " "+keyAuth+"\n\n")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	cfg := &config.Config{HTTP01Port: probePort(t, server), ChallengeTimeout: 2 * time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ChallengeTimeout)
	defer cancel()

	t.Run("success", func(t *testing.T) {
		prob := probeHTTP01(ctx, cfg, "localhost", token, keyAuth)
		assert.Nil(t, prob)
	})

	t.Run("wrong body", func(t *testing.T) {
		prob := probeHTTP01(ctx, cfg, "localhost", "wrong-body", keyAuth)
		require.NotNil(t, prob)
		assert.Equal(t, errIncorrectResponse, prob.Type)
	})

	t.Run("whitespace beyond one trailing newline", func(t *testing.T) {
		prob := probeHTTP01(ctx, cfg, "localhost", "padded", keyAuth)
		require.NotNil(t, prob)
		assert.Equal(t, errIncorrectResponse, prob.Type)
	})

	t.Run("missing token", func(t *testing.T) {
		prob := probeHTTP01(ctx, cfg, "localhost", "no-such-token", keyAuth)
		require.NotNil(t, prob)
		assert.Equal(t, errIncorrectResponse, prob.Type)
	})

	t.Run("connection refused", func(t *testing.T) {
		deadCfg := &config.Config{HTTP01Port: 1, ChallengeTimeout: time.Second}
		deadCtx, deadCancel := context.WithTimeout(context.Background(), time.Second)
		defer deadCancel()
		prob := probeHTTP01(deadCtx, deadCfg, "localhost", token, keyAuth)
		require.NotNil(t, prob)
		assert.Equal(t, errConnection, prob.Type)
	})
}

// validationRecorder fakes the storage writes the validation cascade issues.
// authzPending controls whether the conditional authorization transition
// reports a win, mimicking an authorization a sibling challenge already
// settled.
type validationRecorder struct {
	storage.Storage
	authzPending bool

	orderFailed  bool
	orderReadied bool
}

func (s *validationRecorder) MarkChallengeValid(ctx context.Context, challengeID string, validatedAt time.Time) (bool, error) {
	return true, nil
}

func (s *validationRecorder) MarkChallengeInvalid(ctx context.Context, challengeID string, errorJSON string) (bool, error) {
	return true, nil
}

func (s *validationRecorder) UpdateAuthorizationStatus(ctx context.Context, authzID, fromStatus, toStatus string) (bool, error) {
	return s.authzPending, nil
}

func (s *validationRecorder) GetAuthorizationsByOrderID(ctx context.Context, orderID string) ([]*model.Authorization, error) {
	return nil, nil
}

func (s *validationRecorder) UpdateOrderStatus(ctx context.Context, orderID, fromStatus, toStatus string) (bool, error) {
	s.orderReadied = true
	return true, nil
}

func (s *validationRecorder) FailOrder(ctx context.Context, orderID string, errorJSON string) (bool, error) {
	s.orderFailed = true
	return true, nil
}

func TestFailValidation_SettledAuthorizationKeepsOrder(t *testing.T) {
	store := &validationRecorder{authzPending: false}
	chal := &model.Challenge{ID: "chal-1", Type: model.ChallengeTypeHTTP01}
	authz := &model.Authorization{ID: "authz-1", OrderID: "order-1"}

	failValidation(context.Background(), store, zaptest.NewLogger(t), chal, authz,
		problemConnection("host unreachable"))

	assert.False(t, store.orderFailed,
		"an authorization settled by a sibling challenge must not take its order down")
}

func TestFailValidation_PendingAuthorizationFailsOrder(t *testing.T) {
	store := &validationRecorder{authzPending: true}
	chal := &model.Challenge{ID: "chal-1", Type: model.ChallengeTypeHTTP01}
	authz := &model.Authorization{ID: "authz-1", OrderID: "order-1"}

	failValidation(context.Background(), store, zaptest.NewLogger(t), chal, authz,
		problemConnection("host unreachable"))

	assert.True(t, store.orderFailed)
}

func TestCompleteValidation_SettledAuthorizationLeavesOrder(t *testing.T) {
	store := &validationRecorder{authzPending: false}
	chal := &model.Challenge{ID: "chal-1", Type: model.ChallengeTypeHTTP01}
	authz := &model.Authorization{ID: "authz-1", OrderID: "order-1"}

	completeValidation(context.Background(), store, zaptest.NewLogger(t), chal, authz)

	assert.False(t, store.orderReadied,
		"a deactivated or expired authorization must not count as valid for its order")
}
