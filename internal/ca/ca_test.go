package ca_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"

	"github.com/certmill/certmill/internal/ca"
	"github.com/certmill/certmill/internal/model"
	"github.com/certmill/certmill/internal/storage"
	"github.com/certmill/certmill/internal/testutils"
)

func newTestCA(t *testing.T) (ca.CAService, *caTestEnv) {
	t.Helper()
	dbConnStr, dbCleanup := testutils.SetupTestDB(t)
	t.Cleanup(dbCleanup)

	// SetupTestServer initializes the CA keypair in the database; a second
	// ca.New loads the same keypair back.
	_, store, cfg := testutils.SetupTestServer(t, dbConnStr)
	svc, err := ca.New(cfg, store)
	require.NoError(t, err)
	require.True(t, svc.IsInitialized())
	return svc, &caTestEnv{store: store}
}

type caTestEnv struct {
	store storage.Storage
}

func signTestCert(t *testing.T, svc ca.CAService, env *caTestEnv, domain string) *x509.Certificate {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, env.store.AddAllowedDomain(ctx, domain))

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: domain},
		DNSNames: []string{domain},
	}, key)
	require.NoError(t, err)
	csr, err := x509.ParseCertificateRequest(csrDER)
	require.NoError(t, err)

	cert, err := svc.SignCSR(ctx, csr, 0)
	require.NoError(t, err)
	return cert
}

func saveCertData(t *testing.T, env *caTestEnv, cert *x509.Certificate) {
	t.Helper()
	accountID := testutils.CreateTestAccount(t, env.store)
	require.NoError(t, env.store.SaveCertificateData(context.Background(), &model.CertificateData{
		SerialNumber:   cert.SerialNumber.Text(16),
		CertificatePEM: string(ca.EncodeCertificate(cert)),
		IssuedAt:       cert.NotBefore,
		ExpiresAt:      cert.NotAfter,
		AccountID:      accountID,
		OrderID:        "order-" + accountID,
	}))
}

func TestSignCSR_PolicyEnforcement(t *testing.T) {
	svc, env := newTestCA(t)
	ctx := context.Background()

	t.Run("rejects undersized RSA keys", func(t *testing.T) {
		require.NoError(t, env.store.AddAllowedDomain(ctx, "rsa.example.com"))
		smallKey, err := rsa.GenerateKey(rand.Reader, 1024)
		require.NoError(t, err)
		csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
			Subject:  pkix.Name{CommonName: "rsa.example.com"},
			DNSNames: []string{"rsa.example.com"},
		}, smallKey)
		require.NoError(t, err)
		csr, err := x509.ParseCertificateRequest(csrDER)
		require.NoError(t, err)

		_, err = svc.SignCSR(ctx, csr, 0)
		assert.ErrorContains(t, err, "RSA key size")
	})

	t.Run("rejects SANs outside the issuance policy", func(t *testing.T) {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
			Subject:  pkix.Name{CommonName: "unlisted.example.net"},
			DNSNames: []string{"unlisted.example.net"},
		}, key)
		require.NoError(t, err)
		csr, err := x509.ParseCertificateRequest(csrDER)
		require.NoError(t, err)

		_, err = svc.SignCSR(ctx, csr, 0)
		assert.ErrorContains(t, err, "not allowed")
	})

	t.Run("issues leaf with revocation pointers", func(t *testing.T) {
		cert := signTestCert(t, svc, env, "leaf.example.com")

		assert.Equal(t, []string{"leaf.example.com"}, cert.DNSNames)
		assert.False(t, cert.IsCA)
		require.Len(t, cert.OCSPServer, 1)
		assert.Contains(t, cert.OCSPServer[0], "/ocsp")
		require.Len(t, cert.CRLDistributionPoints, 1)
		assert.Contains(t, cert.CRLDistributionPoints[0], "/crl")

		// Lifetime is clamped to the configured default.
		assert.WithinDuration(t, cert.NotBefore.AddDate(0, 0, 90), cert.NotAfter, time.Hour)
	})
}

func TestGenerateCRLAt_Deterministic(t *testing.T) {
	svc, env := newTestCA(t)
	ctx := context.Background()

	cert := signTestCert(t, svc, env, "crl.example.com")
	saveCertData(t, env, cert)
	require.NoError(t, svc.RevokeCertificate(ctx, cert.SerialNumber.Text(16), 1))

	// Same generation time and same revocation set yields identical bytes.
	at := time.Now().UTC().Truncate(time.Second)
	first, err := svc.GenerateCRLAt(ctx, at)
	require.NoError(t, err)
	second, err := svc.GenerateCRLAt(ctx, at)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	crl, err := x509.ParseRevocationList(first)
	require.NoError(t, err)
	require.Len(t, crl.RevokedCertificateEntries, 1)
	assert.Zero(t, crl.RevokedCertificateEntries[0].SerialNumber.Cmp(cert.SerialNumber))

	// A different generation time moves the CRL number.
	later, err := svc.GenerateCRLAt(ctx, at.Add(time.Second))
	require.NoError(t, err)
	assert.NotEqual(t, first, later)
}

func TestEnsureOCSPKey_RotationOverlap(t *testing.T) {
	svc, env := newTestCA(t)
	ctx := context.Background()
	now := time.Now()

	first, created, err := svc.EnsureOCSPKey(ctx, now)
	require.NoError(t, err)
	require.True(t, created)

	// Still inside its lifetime: the same key comes back.
	same, created, err := svc.EnsureOCSPKey(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, same.ID)

	// Remaining lifetime below the renew window forces a rotation.
	nearExpiry := first.NotAfter.Add(-time.Hour)
	rotated, created, err := svc.EnsureOCSPKey(ctx, nearExpiry)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, rotated.ID)

	// The old key stays until it actually expires.
	deleted, err := env.store.DeleteExpiredOCSPKeys(ctx, nearExpiry)
	require.NoError(t, err)
	assert.Zero(t, deleted)
	deleted, err = env.store.DeleteExpiredOCSPKeys(ctx, first.NotAfter.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestBuildOCSPResponse_Statuses(t *testing.T) {
	svc, env := newTestCA(t)
	ctx := context.Background()
	now := time.Now()

	cert := signTestCert(t, svc, env, "ocsp.example.com")
	saveCertData(t, env, cert)
	caCert := svc.GetCACertificate()
	require.NotNil(t, caCert)

	ocspReq, err := ocsp.CreateRequest(cert, caCert, nil)
	require.NoError(t, err)

	respDER, err := svc.BuildOCSPResponse(ctx, ocspReq, now)
	require.NoError(t, err)
	parsed, err := ocsp.ParseResponseForCert(respDER, cert, caCert)
	require.NoError(t, err)
	assert.Equal(t, ocsp.Good, parsed.Status)

	require.NoError(t, svc.RevokeCertificate(ctx, cert.SerialNumber.Text(16), 4))

	respDER, err = svc.BuildOCSPResponse(ctx, ocspReq, now)
	require.NoError(t, err)
	parsed, err = ocsp.ParseResponseForCert(respDER, cert, caCert)
	require.NoError(t, err)
	assert.Equal(t, ocsp.Revoked, parsed.Status)
	assert.Equal(t, 4, parsed.RevocationReason)

	// Serials this CA never issued come back unknown.
	stranger := *cert
	stranger.SerialNumber = new(big.Int).Add(cert.SerialNumber, big.NewInt(1))
	unknownReq, err := ocsp.CreateRequest(&stranger, caCert, nil)
	require.NoError(t, err)
	respDER, err = svc.BuildOCSPResponse(ctx, unknownReq, now)
	require.NoError(t, err)
	parsed, err = ocsp.ParseResponse(respDER, nil)
	require.NoError(t, err)
	assert.Equal(t, ocsp.Unknown, parsed.Status)
}
