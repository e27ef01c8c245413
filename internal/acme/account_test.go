package acme_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certmill/certmill/internal/acme"
	"github.com/certmill/certmill/internal/testutils"
)

func TestHandleNewAccount_Success(t *testing.T) {
	dbConnStr, dbCleanup := testutils.SetupTestDB(t)
	defer dbCleanup()

	serverInstance, store, cfg := testutils.SetupTestServer(t, dbConnStr)
	testServer := httptest.NewServer(serverInstance)
	defer testServer.Close()

	tc := newTestACMEClient(t, testServer, cfg.ExternalURL)

	contactEmail := "test-acct@example.org"
	payload, err := json.Marshal(acme.NewAccountPayload{
		Contact:              []string{"mailto:" + contactEmail},
		TermsOfServiceAgreed: true,
	})
	require.NoError(t, err)

	resp := tc.post("/acme/new-account", payload, true)
	defer resp.Body.Close()

	respBodyBytes, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusCreated, resp.StatusCode, "Expected 201 Created, body: %s", string(respBodyBytes))

	assert.NotEmpty(t, resp.Header.Get("Replay-Nonce"))
	location := resp.Header.Get("Location")
	expectedLocationPrefix := cfg.ACMEBaseURL() + "/account/"
	require.True(t, strings.HasPrefix(location, expectedLocationPrefix), "Location header has wrong prefix: %s", location)

	var accountResp struct {
		Status               string   `json:"status"`
		Contact              []string `json:"contact"`
		TermsOfServiceAgreed bool     `json:"termsOfServiceAgreed"`
		Orders               string   `json:"orders"`
	}
	require.NoError(t, json.Unmarshal(respBodyBytes, &accountResp))
	assert.Equal(t, "valid", accountResp.Status)
	require.Len(t, accountResp.Contact, 1)
	assert.Equal(t, "mailto:"+contactEmail, accountResp.Contact[0])
	assert.True(t, accountResp.TermsOfServiceAgreed)
	assert.NotEmpty(t, accountResp.Orders)

	// The account exists in the database under the ID from Location.
	accountID := strings.TrimPrefix(location, expectedLocationPrefix)
	dbAccount, err := store.GetAccount(context.Background(), accountID)
	require.NoError(t, err)
	require.NotNil(t, dbAccount)

	assert.Equal(t, accountID, dbAccount.ID)
	assert.Equal(t, "valid", dbAccount.Status)
	assert.Equal(t, []string{"mailto:" + contactEmail}, dbAccount.Contact)

	// The stored JWK matches the registration key.
	pubJWK := jose.JSONWebKey{Key: tc.key.Public()}
	pubJWKBytes, err := pubJWK.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, string(pubJWKBytes), dbAccount.PublicKeyJWK)
}

func TestHandleNewAccount_SameKeyReturnsExisting(t *testing.T) {
	dbConnStr, dbCleanup := testutils.SetupTestDB(t)
	defer dbCleanup()

	serverInstance, _, cfg := testutils.SetupTestServer(t, dbConnStr)
	testServer := httptest.NewServer(serverInstance)
	defer testServer.Close()

	tc := newTestACMEClient(t, testServer, cfg.ExternalURL)
	payload, err := json.Marshal(acme.NewAccountPayload{TermsOfServiceAgreed: true})
	require.NoError(t, err)

	first := tc.post("/acme/new-account", payload, true)
	firstLocation := first.Header.Get("Location")
	assert.Equal(t, http.StatusCreated, first.StatusCode)
	first.Body.Close()

	// Same key again: 200 and the same account URL.
	second := tc.post("/acme/new-account", payload, true)
	assert.Equal(t, http.StatusOK, second.StatusCode)
	assert.Equal(t, firstLocation, second.Header.Get("Location"))
	second.Body.Close()
}

func TestHandleNewAccount_OnlyReturnExistingMiss(t *testing.T) {
	dbConnStr, dbCleanup := testutils.SetupTestDB(t)
	defer dbCleanup()

	serverInstance, _, cfg := testutils.SetupTestServer(t, dbConnStr)
	testServer := httptest.NewServer(serverInstance)
	defer testServer.Close()

	tc := newTestACMEClient(t, testServer, cfg.ExternalURL)
	payload, err := json.Marshal(acme.NewAccountPayload{OnlyReturnExisting: true})
	require.NoError(t, err)

	resp := tc.post("/acme/new-account", payload, true)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	prob := decodeProblem(t, resp)
	assert.Equal(t, "urn:ietf:params:acme:error:accountDoesNotExist", prob.Type)
}

func TestHandleNewAccount_RejectsNonMailtoContact(t *testing.T) {
	dbConnStr, dbCleanup := testutils.SetupTestDB(t)
	defer dbCleanup()

	serverInstance, _, cfg := testutils.SetupTestServer(t, dbConnStr)
	testServer := httptest.NewServer(serverInstance)
	defer testServer.Close()

	tc := newTestACMEClient(t, testServer, cfg.ExternalURL)
	payload, err := json.Marshal(acme.NewAccountPayload{
		Contact:              []string{"tel:+15551234567"},
		TermsOfServiceAgreed: true,
	})
	require.NoError(t, err)

	resp := tc.post("/acme/new-account", payload, true)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	prob := decodeProblem(t, resp)
	assert.Equal(t, "urn:ietf:params:acme:error:malformed", prob.Type)
}

func TestHandleAccount_DeactivateIsTerminal(t *testing.T) {
	dbConnStr, dbCleanup := testutils.SetupTestDB(t)
	defer dbCleanup()

	serverInstance, _, cfg := testutils.SetupTestServer(t, dbConnStr)
	testServer := httptest.NewServer(serverInstance)
	defer testServer.Close()

	tc := newTestACMEClient(t, testServer, cfg.ExternalURL)
	tc.register("mailto:deact@example.org")
	accountPath := "/acme/account/" + tc.accountID()

	deactivate, err := json.Marshal(map[string]string{"status": "deactivated"})
	require.NoError(t, err)

	resp := tc.post(accountPath, deactivate, false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var accountResp struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accountResp))
	assert.Equal(t, "deactivated", accountResp.Status)
	resp.Body.Close()

	// Further requests from a deactivated account are rejected.
	resp = tc.postAsGet(accountPath)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	prob := decodeProblem(t, resp)
	assert.Equal(t, "urn:ietf:params:acme:error:unauthorized", prob.Type)
}
