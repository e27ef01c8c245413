package acme_test

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/require"

	"github.com/certmill/certmill/internal/acme"
	"github.com/certmill/certmill/internal/model"
)

// testACMEClient drives the ACME endpoints the way a real client would:
// fresh nonce per request, flattened JWS JSON bodies, jwk before
// registration and kid after.
type testACMEClient struct {
	t           *testing.T
	server      *httptest.Server
	externalURL string
	key         *ecdsa.PrivateKey
	kid         string // Account URL, set by register
}

func newTestACMEClient(t *testing.T, server *httptest.Server, externalURL string) *testACMEClient {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return &testACMEClient{t: t, server: server, externalURL: externalURL, key: key}
}

func (tc *testACMEClient) getNonce() string {
	tc.t.Helper()
	req, err := http.NewRequest(http.MethodHead, tc.server.URL+"/acme/new-nonce", nil)
	require.NoError(tc.t, err)
	resp, err := tc.server.Client().Do(req)
	require.NoError(tc.t, err)
	resp.Body.Close()
	nonce := resp.Header.Get("Replay-Nonce")
	require.NotEmpty(tc.t, nonce, "new-nonce did not return a Replay-Nonce")
	return nonce
}

// signJWS builds a flattened JWS JSON body. The url protected header uses the
// configured external URL, which is what the server verifies against.
func (tc *testACMEClient) signJWS(path string, nonce string, payload []byte, useJWK bool) string {
	tc.t.Helper()

	signerOpts := jose.SignerOptions{}
	signerOpts.WithHeader("nonce", nonce)
	signerOpts.WithHeader("url", tc.externalURL+path)

	var signingKey jose.SigningKey
	if useJWK {
		signerOpts.EmbedJWK = true
		signingKey = jose.SigningKey{Algorithm: jose.ES256, Key: tc.key}
	} else {
		require.NotEmpty(tc.t, tc.kid, "client has no kid; call register first")
		signingKey = jose.SigningKey{
			Algorithm: jose.ES256,
			Key:       jose.JSONWebKey{Key: tc.key, KeyID: tc.kid},
		}
	}

	signer, err := jose.NewSigner(signingKey, &signerOpts)
	require.NoError(tc.t, err, "Failed to create JWS signer")
	jwsObject, err := signer.Sign(payload)
	require.NoError(tc.t, err, "Failed to sign JWS payload")
	return jwsObject.FullSerialize()
}

// post sends a signed POST to path and returns the response.
func (tc *testACMEClient) post(path string, payload []byte, useJWK bool) *http.Response {
	tc.t.Helper()
	body := tc.signJWS(path, tc.getNonce(), payload, useJWK)
	req, err := http.NewRequest(http.MethodPost, tc.server.URL+path, strings.NewReader(body))
	require.NoError(tc.t, err)
	req.Header.Set("Content-Type", "application/jose+json")
	resp, err := tc.server.Client().Do(req)
	require.NoError(tc.t, err)
	return resp
}

// postAsGet sends a signed POST with an empty payload.
func (tc *testACMEClient) postAsGet(path string) *http.Response {
	tc.t.Helper()
	return tc.post(path, []byte{}, false)
}

// register creates an account for the client's key and records its kid.
// Returns the account URL.
func (tc *testACMEClient) register(contact ...string) string {
	tc.t.Helper()
	payload, err := json.Marshal(acme.NewAccountPayload{
		Contact:              contact,
		TermsOfServiceAgreed: true,
	})
	require.NoError(tc.t, err)

	resp := tc.post("/acme/new-account", payload, true)
	defer resp.Body.Close()
	require.Contains(tc.t, []int{http.StatusCreated, http.StatusOK}, resp.StatusCode, "new-account failed")

	location := resp.Header.Get("Location")
	require.NotEmpty(tc.t, location, "new-account response has no Location header")
	tc.kid = location
	return location
}

// accountID extracts the account ID from the client's kid.
func (tc *testACMEClient) accountID() string {
	tc.t.Helper()
	require.NotEmpty(tc.t, tc.kid)
	parts := strings.Split(tc.kid, "/")
	return parts[len(parts)-1]
}

// thumbprint returns the RFC 7638 thumbprint of the client's key.
func (tc *testACMEClient) thumbprint() string {
	tc.t.Helper()
	jwk := jose.JSONWebKey{Key: tc.key.Public()}
	tp, err := jwk.Thumbprint(crypto.SHA256)
	require.NoError(tc.t, err)
	return base64.RawURLEncoding.EncodeToString(tp)
}

// pemDecodeFirst returns the DER bytes of the first PEM block in s.
func pemDecodeFirst(t *testing.T, s string) []byte {
	t.Helper()
	block, _ := pem.Decode([]byte(s))
	require.NotNil(t, block, "no PEM block found")
	return block.Bytes
}

// decodeProblem parses an application/problem+json response body.
func decodeProblem(t *testing.T, resp *http.Response) *model.ProblemDetails {
	t.Helper()
	var prob model.ProblemDetails
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&prob))
	return &prob
}
