package acme_test

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certmill/certmill/internal/testutils"
)

func TestHandleNewNonce_Success(t *testing.T) {
	dbConnStr, dbCleanup := testutils.SetupTestDB(t)
	defer dbCleanup()

	serverInstance, _, cfg := testutils.SetupTestServer(t, dbConnStr)
	testServer := httptest.NewServer(serverInstance)
	defer testServer.Close()

	nonceURL := testServer.URL + "/acme/new-nonce"
	expectedLink := fmt.Sprintf("<%s>;rel=\"index\"", cfg.ACMEBaseURL()+"/directory")
	client := testServer.Client()

	var firstNonce string

	t.Run("HEAD request", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodHead, nonceURL, nil)
		require.NoError(t, err)

		resp, err := client.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusNoContent, resp.StatusCode, "HEAD: Expected 204 No Content")
		firstNonce = resp.Header.Get("Replay-Nonce")
		assert.NotEmpty(t, firstNonce, "HEAD: Replay-Nonce header should not be empty")
		assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
		assert.Equal(t, expectedLink, resp.Header.Get("Link"))
	})

	t.Run("GET request", func(t *testing.T) {
		resp, err := client.Get(nonceURL)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode, "GET: Expected 200 OK")
		secondNonce := resp.Header.Get("Replay-Nonce")
		assert.NotEmpty(t, secondNonce, "GET: Replay-Nonce header should not be empty")
		assert.NotEqual(t, firstNonce, secondNonce, "GET: nonce should differ from the HEAD request's")
		assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
		assert.Equal(t, expectedLink, resp.Header.Get("Link"))

		bodyBytes, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Empty(t, bodyBytes, "GET: body should be empty")
	})
}

func TestNonce_SingleUse(t *testing.T) {
	dbConnStr, dbCleanup := testutils.SetupTestDB(t)
	defer dbCleanup()

	serverInstance, _, cfg := testutils.SetupTestServer(t, dbConnStr)
	testServer := httptest.NewServer(serverInstance)
	defer testServer.Close()

	tc := newTestACMEClient(t, testServer, cfg.ExternalURL)

	// Register once so the client has a kid to replay with.
	tc.register("mailto:replay@example.org")

	// Sign two requests over the same nonce; the second must be rejected
	// with badNonce.
	nonce := tc.getNonce()
	for i, wantStatus := range []int{http.StatusOK, http.StatusBadRequest} {
		body := tc.signJWS("/acme/account/"+tc.accountID(), nonce, []byte{}, false)
		req, err := http.NewRequest(http.MethodPost, testServer.URL+"/acme/account/"+tc.accountID(), strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/jose+json")

		resp, err := testServer.Client().Do(req)
		require.NoError(t, err)

		assert.Equal(t, wantStatus, resp.StatusCode, "request %d", i)
		if i == 1 {
			prob := decodeProblem(t, resp)
			assert.Equal(t, "urn:ietf:params:acme:error:badNonce", prob.Type)
		}
		resp.Body.Close()
	}
}
