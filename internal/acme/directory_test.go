package acme_test

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certmill/certmill/internal/acme"
	"github.com/certmill/certmill/internal/testutils"
)

func TestHandleDirectory_Success(t *testing.T) {
	dbConnStr, dbCleanup := testutils.SetupTestDB(t)
	defer dbCleanup()

	serverInstance, _, cfg := testutils.SetupTestServer(t, dbConnStr)
	testServer := httptest.NewServer(serverInstance)
	defer testServer.Close()

	// Directory URLs derive from the configured external URL, not from the
	// Host header the request arrived with.
	expectedBaseURL := cfg.ACMEBaseURL()
	expectedIndexURL := expectedBaseURL + "/directory"

	resp, err := testServer.Client().Get(testServer.URL + "/acme/directory")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")
	expectedLink := fmt.Sprintf("<%s>;rel=\"index\"", expectedIndexURL)
	assert.Equal(t, expectedLink, resp.Header.Get("Link"))

	bodyBytes, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var dirResp acme.Directory
	require.NoError(t, json.Unmarshal(bodyBytes, &dirResp), "body: %s", string(bodyBytes))

	assert.Equal(t, expectedBaseURL+"/new-nonce", dirResp.NewNonce)
	assert.Equal(t, expectedBaseURL+"/new-account", dirResp.NewAccount)
	assert.Equal(t, expectedBaseURL+"/new-order", dirResp.NewOrder)
	assert.Equal(t, expectedBaseURL+"/revoke-cert", dirResp.RevokeCert)
	require.NotNil(t, dirResp.Meta)
}
