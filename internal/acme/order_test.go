package acme_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certmill/certmill/internal/model"
	"github.com/certmill/certmill/internal/testutils"
)

type orderJSON struct {
	Status         string             `json:"status"`
	Identifiers    []model.Identifier `json:"identifiers"`
	Authorizations []string           `json:"authorizations"`
	Finalize       string             `json:"finalize"`
	Certificate    string             `json:"certificate"`
}

type authzJSON struct {
	Identifier model.Identifier `json:"identifier"`
	Status     string           `json:"status"`
	Challenges []struct {
		Type   string `json:"type"`
		URL    string `json:"url"`
		Status string `json:"status"`
		Token  string `json:"token"`
	} `json:"challenges"`
}

// acmePath strips the external URL prefix so a URL from a response body can
// be POSTed against the test server.
func acmePath(t *testing.T, externalURL, fullURL string) string {
	t.Helper()
	require.True(t, strings.HasPrefix(fullURL, externalURL), "URL %s does not start with %s", fullURL, externalURL)
	return strings.TrimPrefix(fullURL, externalURL)
}

func decodeOrder(t *testing.T, resp *http.Response) orderJSON {
	t.Helper()
	var order orderJSON
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&order))
	return order
}

func TestNewOrder_RejectsDisallowedIdentifiers(t *testing.T) {
	dbConnStr, dbCleanup := testutils.SetupTestDB(t)
	defer dbCleanup()

	serverInstance, store, cfg := testutils.SetupTestServer(t, dbConnStr)
	testServer := httptest.NewServer(serverInstance)
	defer testServer.Close()

	require.NoError(t, store.AddAllowedDomain(context.Background(), "allowed.example.com"))

	tc := newTestACMEClient(t, testServer, cfg.ExternalURL)
	tc.register("mailto:orders@example.org")

	cases := []struct {
		name        string
		identifiers []model.Identifier
	}{
		{"unsupported type", []model.Identifier{{Type: "ip", Value: "10.0.0.1"}}},
		{"wildcard", []model.Identifier{{Type: "dns", Value: "*.allowed.example.com"}}},
		{"not allowed by policy", []model.Identifier{{Type: "dns", Value: "forbidden.example.net"}}},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := json.Marshal(map[string]interface{}{"identifiers": tt.identifiers})
			require.NoError(t, err)

			resp := tc.post("/acme/new-order", payload, false)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			prob := decodeProblem(t, resp)
			assert.Equal(t, "urn:ietf:params:acme:error:rejectedIdentifier", prob.Type)
		})
	}
}

func TestOrderFlow_HTTP01(t *testing.T) {
	dbConnStr, dbCleanup := testutils.SetupTestDB(t)
	defer dbCleanup()

	serverInstance, store, cfg := testutils.SetupTestServer(t, dbConnStr)
	testServer := httptest.NewServer(serverInstance)
	defer testServer.Close()

	// Shorten validation timing so the background probe settles fast.
	cfg.ChallengeRetryInterval = 100 * time.Millisecond
	cfg.ChallengeTimeout = 2 * time.Second

	require.NoError(t, store.AddAllowedDomain(context.Background(), "localhost"))

	tc := newTestACMEClient(t, testServer, cfg.ExternalURL)
	tc.register("mailto:flow@example.org")

	// 1. Create the order.
	newOrderPayload, err := json.Marshal(map[string]interface{}{
		"identifiers": []model.Identifier{{Type: "dns", Value: "localhost"}},
	})
	require.NoError(t, err)

	resp := tc.post("/acme/new-order", newOrderPayload, false)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	orderLocation := resp.Header.Get("Location")
	require.NotEmpty(t, orderLocation)
	order := decodeOrder(t, resp)
	resp.Body.Close()

	assert.Equal(t, "pending", order.Status)
	require.Len(t, order.Authorizations, 1)
	orderPath := acmePath(t, cfg.ExternalURL, orderLocation)
	authzPath := acmePath(t, cfg.ExternalURL, order.Authorizations[0])

	// 2. Fetch the authorization and pick its http-01 challenge.
	resp = tc.postAsGet(authzPath)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var authz authzJSON
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&authz))
	resp.Body.Close()

	assert.Equal(t, "localhost", authz.Identifier.Value)
	assert.Equal(t, "pending", authz.Status)
	require.Len(t, authz.Challenges, 2)

	var challengeURL, token string
	for _, chal := range authz.Challenges {
		if chal.Type == "http-01" {
			challengeURL, token = chal.URL, chal.Token
		}
	}
	require.NotEmpty(t, challengeURL, "authorization has no http-01 challenge")

	// 3. Publish the key authorization on the port the prober will hit.
	keyAuth := token + "." + tc.thumbprint()
	challengeServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/.well-known/acme-challenge/"+token {
			fmt.Fprint(w, keyAuth)
			return
		}
		http.NotFound(w, r)
	}))
	defer challengeServer.Close()

	challengeAddr, err := url.Parse(challengeServer.URL)
	require.NoError(t, err)
	cfg.HTTP01Port, err = strconv.Atoi(challengeAddr.Port())
	require.NoError(t, err)

	// 4. Trigger validation.
	resp = tc.post(acmePath(t, cfg.ExternalURL, challengeURL), []byte("{}"), false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var triggered struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&triggered))
	resp.Body.Close()
	assert.Equal(t, "processing", triggered.Status)

	// 5. Poll until the background probe makes the order ready.
	deadline := time.Now().Add(10 * time.Second)
	for {
		resp = tc.postAsGet(orderPath)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		order = decodeOrder(t, resp)
		resp.Body.Close()
		if order.Status == "ready" {
			break
		}
		require.NotEqual(t, "invalid", order.Status, "order failed validation")
		require.True(t, time.Now().Before(deadline), "order never became ready, last status %s", order.Status)
		time.Sleep(100 * time.Millisecond)
	}

	// 6. Finalize with a CSR for exactly the ordered name.
	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: "localhost"},
		DNSNames: []string{"localhost"},
	}, certKey)
	require.NoError(t, err)

	finalizePayload, err := json.Marshal(map[string]string{
		"csr": base64.RawURLEncoding.EncodeToString(csrDER),
	})
	require.NoError(t, err)

	resp = tc.post(acmePath(t, cfg.ExternalURL, order.Finalize), finalizePayload, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	order = decodeOrder(t, resp)
	resp.Body.Close()

	assert.Equal(t, "valid", order.Status)
	require.NotEmpty(t, order.Certificate, "valid order must carry a certificate URL")

	// 7. Download the chain with a plain GET.
	certResp, err := testServer.Client().Get(testServer.URL + acmePath(t, cfg.ExternalURL, order.Certificate))
	require.NoError(t, err)
	defer certResp.Body.Close()
	assert.Equal(t, http.StatusOK, certResp.StatusCode)
	assert.Equal(t, "application/pem-certificate-chain", certResp.Header.Get("Content-Type"))
	chain, err := io.ReadAll(certResp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Count(string(chain), "BEGIN CERTIFICATE") >= 2, "chain should carry leaf and CA certificates")

	// 8. Re-finalizing a valid order is idempotent.
	resp = tc.post(acmePath(t, cfg.ExternalURL, order.Finalize), finalizePayload, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	again := decodeOrder(t, resp)
	resp.Body.Close()
	assert.Equal(t, "valid", again.Status)
	assert.Equal(t, order.Certificate, again.Certificate)
}

// makeReadyOrder creates an order and forces it to ready through storage, so
// finalize paths can be tested without running a real validation probe.
func makeReadyOrder(t *testing.T, tc *testACMEClient, store interface {
	UpdateAuthorizationStatus(ctx context.Context, authzID, fromStatus, toStatus string) (bool, error)
	UpdateOrderStatus(ctx context.Context, orderID, fromStatus, toStatus string) (bool, error)
}, externalURL, domain string) (orderJSON, string) {
	t.Helper()
	ctx := context.Background()

	payload, err := json.Marshal(map[string]interface{}{
		"identifiers": []model.Identifier{{Type: "dns", Value: domain}},
	})
	require.NoError(t, err)

	resp := tc.post("/acme/new-order", payload, false)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	orderLocation := resp.Header.Get("Location")
	order := decodeOrder(t, resp)
	resp.Body.Close()

	orderID := orderLocation[strings.LastIndex(orderLocation, "/")+1:]
	for _, authzURL := range order.Authorizations {
		authzID := authzURL[strings.LastIndex(authzURL, "/")+1:]
		ok, err := store.UpdateAuthorizationStatus(ctx, authzID, model.StatusPending, model.StatusValid)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := store.UpdateOrderStatus(ctx, orderID, model.StatusPending, model.StatusReady)
	require.NoError(t, err)
	require.True(t, ok)

	order.Status = model.StatusReady
	return order, acmePath(t, externalURL, orderLocation)
}

func TestFinalize_PendingOrderNotReady(t *testing.T) {
	dbConnStr, dbCleanup := testutils.SetupTestDB(t)
	defer dbCleanup()

	serverInstance, store, cfg := testutils.SetupTestServer(t, dbConnStr)
	testServer := httptest.NewServer(serverInstance)
	defer testServer.Close()

	require.NoError(t, store.AddAllowedDomain(context.Background(), "pending.example.com"))

	tc := newTestACMEClient(t, testServer, cfg.ExternalURL)
	tc.register("mailto:pending@example.org")

	payload, err := json.Marshal(map[string]interface{}{
		"identifiers": []model.Identifier{{Type: "dns", Value: "pending.example.com"}},
	})
	require.NoError(t, err)
	resp := tc.post("/acme/new-order", payload, false)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	order := decodeOrder(t, resp)
	resp.Body.Close()

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: "pending.example.com"},
		DNSNames: []string{"pending.example.com"},
	}, certKey)
	require.NoError(t, err)
	finalizePayload, err := json.Marshal(map[string]string{
		"csr": base64.RawURLEncoding.EncodeToString(csrDER),
	})
	require.NoError(t, err)

	resp = tc.post(acmePath(t, cfg.ExternalURL, order.Finalize), finalizePayload, false)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	prob := decodeProblem(t, resp)
	assert.Equal(t, "urn:ietf:params:acme:error:orderNotReady", prob.Type)
}

func TestFinalize_CSRNameMismatch(t *testing.T) {
	dbConnStr, dbCleanup := testutils.SetupTestDB(t)
	defer dbCleanup()

	serverInstance, store, cfg := testutils.SetupTestServer(t, dbConnStr)
	testServer := httptest.NewServer(serverInstance)
	defer testServer.Close()

	ctx := context.Background()
	require.NoError(t, store.AddAllowedDomain(ctx, "match.example.com"))

	tc := newTestACMEClient(t, testServer, cfg.ExternalURL)
	tc.register("mailto:mismatch@example.org")

	order, _ := makeReadyOrder(t, tc, store, cfg.ExternalURL, "match.example.com")

	// CSR asks for a name the order never authorized.
	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: "match.example.com"},
		DNSNames: []string{"match.example.com", "sneaky.example.net"},
	}, certKey)
	require.NoError(t, err)
	finalizePayload, err := json.Marshal(map[string]string{
		"csr": base64.RawURLEncoding.EncodeToString(csrDER),
	})
	require.NoError(t, err)

	resp := tc.post(acmePath(t, cfg.ExternalURL, order.Finalize), finalizePayload, false)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	prob := decodeProblem(t, resp)
	assert.Equal(t, "urn:ietf:params:acme:error:badCSR", prob.Type)
}

func TestRevocation_IsMonotonic(t *testing.T) {
	dbConnStr, dbCleanup := testutils.SetupTestDB(t)
	defer dbCleanup()

	serverInstance, store, cfg := testutils.SetupTestServer(t, dbConnStr)
	testServer := httptest.NewServer(serverInstance)
	defer testServer.Close()

	ctx := context.Background()
	require.NoError(t, store.AddAllowedDomain(ctx, "revoke.example.com"))

	tc := newTestACMEClient(t, testServer, cfg.ExternalURL)
	tc.register("mailto:revoke@example.org")

	order, _ := makeReadyOrder(t, tc, store, cfg.ExternalURL, "revoke.example.com")

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: "revoke.example.com"},
		DNSNames: []string{"revoke.example.com"},
	}, certKey)
	require.NoError(t, err)
	finalizePayload, err := json.Marshal(map[string]string{
		"csr": base64.RawURLEncoding.EncodeToString(csrDER),
	})
	require.NoError(t, err)

	resp := tc.post(acmePath(t, cfg.ExternalURL, order.Finalize), finalizePayload, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	order = decodeOrder(t, resp)
	resp.Body.Close()
	require.Equal(t, "valid", order.Status)

	// Fetch the issued certificate DER for the revocation payload.
	serial := order.Certificate[strings.LastIndex(order.Certificate, "/")+1:]
	certData, err := store.GetCertificateData(ctx, serial)
	require.NoError(t, err)
	require.NotNil(t, certData)
	block := pemDecodeFirst(t, certData.CertificatePEM)

	reason := 1
	revokePayload, err := json.Marshal(map[string]interface{}{
		"certificate": base64.RawURLEncoding.EncodeToString(block),
		"reason":      reason,
	})
	require.NoError(t, err)

	resp = tc.post("/acme/revoke-cert", revokePayload, false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	revoked, err := store.GetCertificateData(ctx, serial)
	require.NoError(t, err)
	assert.True(t, revoked.Revoked)
	assert.Equal(t, reason, revoked.RevocationReason)

	// Revoking again changes nothing and reports alreadyRevoked.
	resp = tc.post("/acme/revoke-cert", revokePayload, false)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	prob := decodeProblem(t, resp)
	assert.Equal(t, "urn:ietf:params:acme:error:alreadyRevoked", prob.Type)
}

func TestAccountOrdersList(t *testing.T) {
	dbConnStr, dbCleanup := testutils.SetupTestDB(t)
	defer dbCleanup()

	serverInstance, store, cfg := testutils.SetupTestServer(t, dbConnStr)
	testServer := httptest.NewServer(serverInstance)
	defer testServer.Close()

	require.NoError(t, store.AddAllowedDomain(context.Background(), "listed.example.com"))

	tc := newTestACMEClient(t, testServer, cfg.ExternalURL)
	tc.register("mailto:list@example.org")

	// The account response advertises the orders URL.
	resp := tc.postAsGet("/acme/account/" + tc.accountID())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var acct struct {
		Orders string `json:"orders"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&acct))
	resp.Body.Close()
	require.Equal(t, cfg.ACMEBaseURL()+"/account/"+tc.accountID()+"/orders", acct.Orders)

	// Create two orders, then follow the advertised URL.
	locations := make([]string, 0, 2)
	for i := 0; i < 2; i++ {
		payload, err := json.Marshal(map[string]interface{}{
			"identifiers": []model.Identifier{{Type: "dns", Value: "listed.example.com"}},
		})
		require.NoError(t, err)
		resp := tc.post("/acme/new-order", payload, false)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		locations = append(locations, resp.Header.Get("Location"))
		resp.Body.Close()
	}

	resp = tc.postAsGet(acmePath(t, cfg.ExternalURL, acct.Orders))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Orders []string `json:"orders"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	require.Len(t, list.Orders, 2)
	for _, location := range locations {
		assert.Contains(t, list.Orders, location)
	}

	// Another account's key cannot read the list.
	other := newTestACMEClient(t, testServer, cfg.ExternalURL)
	other.register("mailto:other@example.org")

	resp = other.postAsGet(acmePath(t, cfg.ExternalURL, acct.Orders))
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	prob := decodeProblem(t, resp)
	assert.Equal(t, "urn:ietf:params:acme:error:unauthorized", prob.Type)
}
