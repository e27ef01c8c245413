package ca

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/crypto/ocsp"

	"github.com/certmill/certmill/internal/config"
	"github.com/certmill/certmill/internal/model"
	"github.com/certmill/certmill/internal/storage"
)

const (
	caKeySize         = 4096 // RSA key size for the CA keypair
	ocspKeySize       = 2048 // RSA key size for delegated OCSP responder keys
	defaultSerialBits = 128  // Bit size for serial number randomness
	serialRetries     = 3    // Attempts before giving up on a colliding serial

	httpsKeySize      = 2048                 // RSA key size for HTTPS cert
	httpsCertLifetime = 365 * 24 * time.Hour // 1 year validity for self-signed HTTPS
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("ca: failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "ca"))
}

// ErrCANotInitialized indicates the CA keypair could not be loaded or generated.
var ErrCANotInitialized = errors.New("ca: CA certificate or private key is not initialized")

// ErrCertificateNotFound indicates the serial does not belong to a certificate
// this CA issued.
var ErrCertificateNotFound = errors.New("ca: certificate not found")

// ErrAlreadyRevoked indicates a revocation request for a certificate whose
// revocation is already recorded. Revocation state never moves back.
var ErrAlreadyRevoked = errors.New("ca: certificate already revoked")

// CAService defines the interface for CA operations.
type CAService interface {
	SignCSR(ctx context.Context, csr *x509.CertificateRequest, lifetime time.Duration) (*x509.Certificate, error)
	RevokeCertificate(ctx context.Context, serialNumber string, reasonCode int) error
	GenerateCRL(ctx context.Context) ([]byte, error)
	GenerateCRLAt(ctx context.Context, now time.Time) ([]byte, error)
	EnsureOCSPKey(ctx context.Context, now time.Time) (*model.OCSPKeyData, bool, error)
	BuildOCSPResponse(ctx context.Context, requestDER []byte, now time.Time) ([]byte, error)
	GetCACertificate() *x509.Certificate
	IsInitialized() bool
}

// Service implements the CA logic.
type Service struct {
	cfg      *config.Config
	store    storage.Storage
	caCert   *x509.Certificate
	caKey    crypto.Signer
	crlMutex sync.Mutex // Serializes CRL generation
	initErr  error
}

var _ CAService = (*Service)(nil)

// New creates and initializes the CA Service.
// It attempts to load the CA key/cert from storage, generating them if not found.
func New(cfg *config.Config, store storage.Storage) (*Service, error) {
	s := &Service{
		cfg:   cfg,
		store: store,
	}

	logger.Info("Initializing CA service...")
	ctx := context.Background()

	pemKeyBytes, err := store.GetCAPrivateKey(ctx)
	if err != nil {
		s.initErr = fmt.Errorf("failed to get CA private key from storage: %w", err)
		logger.Error("CA init failed", zap.Error(s.initErr))
		return s, s.initErr
	}

	pemCertBytes, err := store.GetCACertificate(ctx)
	if err != nil {
		s.initErr = fmt.Errorf("failed to get CA certificate from storage: %w", err)
		logger.Error("CA init failed", zap.Error(s.initErr))
		return s, s.initErr
	}

	if pemKeyBytes == nil || pemCertBytes == nil {
		logger.Info("CA key or certificate not found in storage, generating new ones...")
		newKey, newCert, err := generateCAKeyAndCert(cfg)
		if err != nil {
			s.initErr = fmt.Errorf("failed to generate CA key/cert: %w", err)
			logger.Error("CA init failed", zap.Error(s.initErr))
			return s, s.initErr
		}

		s.caKey = newKey
		s.caCert = newCert

		pemKeyBytes, err = encodePrivateKey(newKey)
		if err != nil {
			s.initErr = fmt.Errorf("failed to encode generated CA private key: %w", err)
			logger.Error("CA init failed", zap.Error(s.initErr))
			return s, s.initErr
		}
		if err := store.SaveCAPrivateKey(ctx, pemKeyBytes); err != nil {
			s.initErr = fmt.Errorf("failed to save generated CA private key: %w", err)
			logger.Error("CA init failed", zap.Error(s.initErr))
			return s, s.initErr
		}

		pemCertBytes = EncodeCertificate(newCert)
		if err := store.SaveCACertificate(ctx, pemCertBytes); err != nil {
			s.initErr = fmt.Errorf("failed to save generated CA certificate: %w", err)
			logger.Error("CA init failed", zap.Error(s.initErr))
			return s, s.initErr
		}
		logger.Info("New CA key and certificate generated and saved.")
	} else {
		logger.Info("Loading CA key and certificate from storage...")
		s.caKey, err = parsePrivateKey(pemKeyBytes)
		if err != nil {
			s.initErr = fmt.Errorf("failed to parse stored CA private key: %w", err)
			logger.Error("CA init failed", zap.Error(s.initErr))
			return s, s.initErr
		}
		s.caCert, err = parseCertificate(pemCertBytes)
		if err != nil {
			s.initErr = fmt.Errorf("failed to parse stored CA certificate: %w", err)
			logger.Error("CA init failed", zap.Error(s.initErr))
			return s, s.initErr
		}
		logger.Info("CA key and certificate loaded successfully.")
	}

	if s.caKey != nil && s.caCert != nil {
		logger.Info("Generating initial CRL...")
		if _, err := s.GenerateCRL(ctx); err != nil {
			logger.Warn("Failed to generate initial CRL", zap.Error(err))
		}
	}

	return s, nil
}

// IsInitialized returns true if the CA key and certificate were loaded/generated successfully.
func (s *Service) IsInitialized() bool {
	return s.initErr == nil && s.caKey != nil && s.caCert != nil
}

// GetCACertificate returns the loaded CA certificate.
func (s *Service) GetCACertificate() *x509.Certificate {
	return s.caCert
}

// computeSubjectKeyID calculates the SKI according to RFC 5280 section 4.2.1.2 Method (1)
// (SHA-1 hash of the BIT STRING SubjectPublicKey, excluding tag, length, and unused bits).
func computeSubjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	derBytes, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}

	var spki struct {
		Algorithm        pkix.AlgorithmIdentifier
		SubjectPublicKey asn1.BitString
	}
	_, err = asn1.Unmarshal(derBytes, &spki)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal SubjectPublicKeyInfo: %w", err)
	}

	hash := sha1.Sum(spki.SubjectPublicKey.Bytes)
	return hash[:], nil
}

// SignCSR validates a CSR against policy and signs it using the CA key.
func (s *Service) SignCSR(ctx context.Context, csr *x509.CertificateRequest, lifetime time.Duration) (*x509.Certificate, error) {
	if !s.IsInitialized() {
		return nil, ErrCANotInitialized
	}
	l := logger.With(zap.Strings("dns_names", csr.DNSNames))
	l.Info("Received CSR for signing")

	// 1. Validate CSR Signature
	if err := csr.CheckSignature(); err != nil {
		l.Warn("CSR signature validation failed", zap.Error(err))
		return nil, fmt.Errorf("invalid CSR signature: %w", err)
	}

	// 2. Validate Public Key (Policy)
	if err := s.validateCSRKey(csr.PublicKey); err != nil {
		l.Warn("CSR public key rejected by policy", zap.Error(err))
		return nil, err
	}

	// 3. Validate SANs against DB Policy
	hasCheckedSANs := false
	for _, dnsName := range csr.DNSNames {
		hasCheckedSANs = true
		normName := strings.ToLower(strings.TrimSpace(dnsName))
		allowed, err := s.store.IsDomainAllowed(ctx, normName)
		if err != nil {
			return nil, fmt.Errorf("policy check failed for %s: %w", normName, err)
		}
		if !allowed {
			return nil, fmt.Errorf("domain name %s is not allowed by CA policy", normName)
		}
	}
	for _, ipAddr := range csr.IPAddresses {
		hasCheckedSANs = true
		ipStr := ipAddr.String()
		allowed, err := s.store.IsDomainAllowed(ctx, ipStr)
		if err != nil {
			return nil, fmt.Errorf("policy check failed for %s: %w", ipStr, err)
		}
		if !allowed {
			return nil, fmt.Errorf("IP address %s is not allowed by CA policy", ipStr)
		}
	}
	if !hasCheckedSANs {
		return nil, errors.New("CSR must contain at least one DNSName or IPAddress SAN allowed by policy")
	}

	// 4. Validate & Calculate Lifetime (Policy)
	maxLifetime := time.Duration(s.cfg.DefaultCertValidityDays) * 24 * time.Hour
	if lifetime <= 0 || lifetime > maxLifetime {
		lifetime = maxLifetime
	}
	notBefore := time.Now().Add(-2 * time.Minute)
	notAfter := notBefore.Add(lifetime)
	if notAfter.After(s.caCert.NotAfter) {
		l.Warn("Calculated lifetime exceeds CA certificate validity, adjusting", zap.Time("ca_notAfter", s.caCert.NotAfter))
		notAfter = s.caCert.NotAfter
	}

	// 5. Construct Certificate Template
	serialNumber, err := s.generateUnusedSerial(ctx)
	if err != nil {
		return nil, err
	}
	ski, err := computeSubjectKeyID(csr.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to compute subject key identifier: %w", err)
	}

	subject := pkix.Name{Organization: []string{s.cfg.Organization}}
	if len(csr.DNSNames) > 0 {
		subject.CommonName = csr.DNSNames[0]
	}

	var combinedKeyUsage x509.KeyUsage
	for _, ku := range s.cfg.CertificatePolicies.AllowedKeyUsages {
		combinedKeyUsage |= ku
	}

	template := x509.Certificate{
		SerialNumber:   serialNumber,
		Subject:        subject,
		DNSNames:       csr.DNSNames,
		IPAddresses:    csr.IPAddresses,
		URIs:           csr.URIs,
		EmailAddresses: csr.EmailAddresses,

		NotBefore: notBefore,
		NotAfter:  notAfter,

		KeyUsage:    combinedKeyUsage,
		ExtKeyUsage: s.cfg.CertificatePolicies.AllowedExtKeyUsages,

		BasicConstraintsValid: true,
		IsCA:                  false,

		SubjectKeyId:          ski,
		AuthorityKeyId:        s.caCert.SubjectKeyId,
		OCSPServer:            []string{s.cfg.ExternalURL + "/ocsp"},
		CRLDistributionPoints: []string{s.cfg.ExternalURL + "/crl"},
	}

	// 6. Sign the certificate using CA key
	derBytes, err := x509.CreateCertificate(rand.Reader, &template, s.caCert, csr.PublicKey, s.caKey)
	if err != nil {
		l.Error("Failed to create/sign certificate", zap.Error(err))
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(derBytes)
	if err != nil {
		l.Error("Failed to parse newly created certificate DER bytes", zap.Error(err))
		return nil, fmt.Errorf("failed to parse created certificate: %w", err)
	}

	l.Info("Successfully signed certificate", zap.String("serial", cert.SerialNumber.Text(16)), zap.Time("expiry", cert.NotAfter))
	return cert, nil
}

// validateCSRKey applies the configured key policy to a CSR public key.
func (s *Service) validateCSRKey(pubKey crypto.PublicKey) error {
	switch pub := pubKey.(type) {
	case *rsa.PublicKey:
		if !isTypeAllowed("RSA", s.cfg.CertificatePolicies.AllowedKeyTypes) {
			return errors.New("key type RSA is not allowed by CA policy")
		}
		keySize := pub.N.BitLen()
		minSize := s.cfg.CertificatePolicies.MinRSASize
		if keySize < minSize {
			return fmt.Errorf("RSA key size (%d bits) is less than the minimum allowed (%d bits)", keySize, minSize)
		}
	case *ecdsa.PublicKey:
		if !isTypeAllowed("ECDSA", s.cfg.CertificatePolicies.AllowedKeyTypes) {
			return errors.New("key type ECDSA is not allowed by CA policy")
		}
		curveName := pub.Curve.Params().Name
		allowed := false
		for _, allowedCurve := range s.cfg.CertificatePolicies.AllowedECDSACurves {
			if strings.EqualFold(curveName, allowedCurve) {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("ECDSA curve '%s' is not allowed by CA policy", curveName)
		}
	case ed25519.PublicKey:
		if !isTypeAllowed("Ed25519", s.cfg.CertificatePolicies.AllowedKeyTypes) {
			return errors.New("key type Ed25519 is not allowed by CA policy")
		}
	default:
		return errors.New("unsupported public key type in CSR")
	}
	return nil
}

// isTypeAllowed is a case-insensitive check if a key type is allowed.
func isTypeAllowed(keyType string, allowedTypes []string) bool {
	for _, allowed := range allowedTypes {
		if strings.EqualFold(keyType, allowed) {
			return true
		}
	}
	return false
}

// generateUnusedSerial draws random serials until one is not already recorded
// in storage. Collisions on 128 random bits are vanishingly unlikely, so any
// repeated hit indicates a storage problem rather than bad luck.
func (s *Service) generateUnusedSerial(ctx context.Context) (*big.Int, error) {
	for i := 0; i < serialRetries; i++ {
		serialNumber, err := generateSerialNumber()
		if err != nil {
			return nil, err
		}
		exists, err := s.store.CertificateSerialExists(ctx, serialNumber.Text(16))
		if err != nil {
			return nil, fmt.Errorf("failed to check serial uniqueness: %w", err)
		}
		if !exists {
			return serialNumber, nil
		}
		logger.Warn("Serial number collision, regenerating", zap.String("serial", serialNumber.Text(16)))
	}
	return nil, errors.New("failed to generate an unused serial number")
}

// RevokeCertificate marks a certificate as revoked in storage. It returns
// ErrCertificateNotFound for unknown serials and ErrAlreadyRevoked when the
// certificate's revocation is already recorded.
func (s *Service) RevokeCertificate(ctx context.Context, serialNumber string, reasonCode int) error {
	if !s.IsInitialized() {
		return ErrCANotInitialized
	}

	l := logger.With(zap.String("serial", serialNumber), zap.Int("reasonCode", reasonCode))
	l.Info("Revoking certificate")

	revoked, err := s.store.MarkCertificateRevoked(ctx, serialNumber, time.Now(), reasonCode)
	if err != nil {
		l.Error("Failed to update certificate revocation status in storage", zap.Error(err))
		return fmt.Errorf("failed to update storage for revocation: %w", err)
	}
	if !revoked {
		// Zero rows touched: either the serial is unknown or the guard on
		// revoked = false held it back.
		certData, err := s.store.GetCertificateData(ctx, serialNumber)
		if err != nil {
			return fmt.Errorf("failed to look up certificate after revocation attempt: %w", err)
		}
		if certData == nil {
			return ErrCertificateNotFound
		}
		return ErrAlreadyRevoked
	}

	// Refresh the cached CRL so the revocation shows up without waiting for
	// the periodic job.
	go func() {
		crlCtx := context.Background()
		if _, err := s.GenerateCRL(crlCtx); err != nil {
			l.Error("Failed to regenerate CRL after revocation", zap.Error(err))
		}
	}()

	l.Info("Certificate marked as revoked")
	return nil
}

// GenerateCRL creates, signs, and saves a new CRL for the current time.
func (s *Service) GenerateCRL(ctx context.Context) ([]byte, error) {
	return s.GenerateCRLAt(ctx, time.Now())
}

// GenerateCRLAt creates, signs, and saves a CRL as of the given generation
// time. For a fixed time and unchanged revocation set, the output bytes are
// identical across calls (RSA PKCS#1 v1.5 signatures carry no randomness), so
// regenerating is always safe.
func (s *Service) GenerateCRLAt(ctx context.Context, now time.Time) ([]byte, error) {
	if !s.IsInitialized() {
		return nil, ErrCANotInitialized
	}

	s.crlMutex.Lock()
	defer s.crlMutex.Unlock()

	l := logger.With(zap.Time("generation_time", now))
	l.Info("Generating new CRL")

	// Certificates past their own expiry no longer need a CRL entry.
	revokedList, err := s.store.ListRevokedCertificates(ctx, now)
	if err != nil {
		l.Error("Failed to list revoked certificates for CRL generation", zap.Error(err))
		return nil, fmt.Errorf("failed to list revoked certificates: %w", err)
	}

	crlEntries := make([]x509.RevocationListEntry, 0, len(revokedList))
	for _, certData := range revokedList {
		serialInt, ok := new(big.Int).SetString(certData.SerialNumber, 16)
		if !ok {
			l.Warn("Skipping revoked certificate with unparseable serial", zap.String("serial", certData.SerialNumber))
			continue
		}
		crlEntries = append(crlEntries, x509.RevocationListEntry{
			SerialNumber:   serialInt,
			RevocationTime: certData.RevokedAt.UTC(),
			ReasonCode:     certData.RevocationReason,
		})
	}
	l.Info("Fetched revoked certificates for CRL", zap.Int("count", len(crlEntries)))

	template := x509.RevocationList{
		RevokedCertificateEntries: crlEntries,
		// Derive the CRL number from the generation time so a regenerated
		// CRL for the same instant is byte-identical.
		Number:     big.NewInt(now.Unix()),
		ThisUpdate: now.UTC(),
		NextUpdate: now.UTC().Add(time.Duration(s.cfg.CRLValidityHours) * time.Hour),
	}
	crlBytes, err := x509.CreateRevocationList(rand.Reader, &template, s.caCert, s.caKey)
	if err != nil {
		l.Error("Failed to create CRL", zap.Error(err))
		return nil, fmt.Errorf("failed to create CRL: %w", err)
	}

	if err := s.store.SaveCRL(ctx, crlBytes); err != nil {
		l.Error("Failed to save generated CRL to storage", zap.Error(err))
		return nil, fmt.Errorf("failed to save CRL: %w", err)
	}

	l.Info("Successfully generated and saved new CRL")
	return crlBytes, nil
}

// EnsureOCSPKey returns a currently valid delegated OCSP responder key,
// generating and storing a fresh one when none exists or the newest key's
// remaining lifetime has dropped below the configured renew window. The old
// key stays in storage until it expires, so responses signed with it keep
// verifying during the overlap. The returned bool reports whether a new key
// was created.
func (s *Service) EnsureOCSPKey(ctx context.Context, now time.Time) (*model.OCSPKeyData, bool, error) {
	if !s.IsInitialized() {
		return nil, false, ErrCANotInitialized
	}

	latest, err := s.store.GetLatestOCSPKey(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load latest OCSP key: %w", err)
	}
	if latest != nil && now.Before(latest.NotAfter.Add(-s.cfg.OCSPKeyRenewBefore)) {
		return latest, false, nil
	}

	logger.Info("Generating new delegated OCSP responder key")
	privKey, err := rsa.GenerateKey(rand.Reader, ocspKeySize)
	if err != nil {
		return nil, false, fmt.Errorf("failed to generate OCSP responder key: %w", err)
	}

	serialNumber, err := generateSerialNumber()
	if err != nil {
		return nil, false, err
	}
	ski, err := computeSubjectKeyID(&privKey.PublicKey)
	if err != nil {
		return nil, false, fmt.Errorf("failed to compute OCSP responder SKI: %w", err)
	}

	notBefore := now.Add(-5 * time.Minute)
	notAfter := now.AddDate(0, 0, s.cfg.OCSPKeyValidityDays)

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{s.cfg.Organization},
			CommonName:   s.cfg.CommonName + " OCSP Responder",
		},
		NotBefore: notBefore,
		NotAfter:  notAfter,

		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageOCSPSigning},

		BasicConstraintsValid: true,
		IsCA:                  false,

		SubjectKeyId:   ski,
		AuthorityKeyId: s.caCert.SubjectKeyId,
	}
	derBytes, err := x509.CreateCertificate(rand.Reader, &template, s.caCert, &privKey.PublicKey, s.caKey)
	if err != nil {
		return nil, false, fmt.Errorf("failed to sign OCSP responder certificate: %w", err)
	}
	responderCert, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return nil, false, fmt.Errorf("failed to parse OCSP responder certificate: %w", err)
	}

	keyPEM, err := encodePrivateKey(privKey)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode OCSP responder key: %w", err)
	}

	keyData := &model.OCSPKeyData{
		ID:             uuid.NewString(),
		CertificatePEM: string(EncodeCertificate(responderCert)),
		PrivateKeyPEM:  string(keyPEM),
		NotBefore:      responderCert.NotBefore,
		NotAfter:       responderCert.NotAfter,
		CreatedAt:      now,
	}
	if err := s.store.SaveOCSPKey(ctx, keyData); err != nil {
		return nil, false, fmt.Errorf("failed to save OCSP responder key: %w", err)
	}

	logger.Info("New OCSP responder key saved", zap.String("keyID", keyData.ID), zap.Time("notAfter", keyData.NotAfter))
	return keyData, true, nil
}

// BuildOCSPResponse answers a DER-encoded OCSP request against stored
// revocation state, signed by the current delegated responder key.
func (s *Service) BuildOCSPResponse(ctx context.Context, requestDER []byte, now time.Time) ([]byte, error) {
	if !s.IsInitialized() {
		return nil, ErrCANotInitialized
	}

	req, err := ocsp.ParseRequest(requestDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse OCSP request: %w", err)
	}
	serialHex := req.SerialNumber.Text(16)
	l := logger.With(zap.String("serial", serialHex))

	keyData, _, err := s.EnsureOCSPKey(ctx, now)
	if err != nil {
		return nil, err
	}
	responderCert, err := parseCertificate([]byte(keyData.CertificatePEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse stored OCSP responder certificate: %w", err)
	}
	responderKey, err := parsePrivateKey([]byte(keyData.PrivateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse stored OCSP responder key: %w", err)
	}

	certData, err := s.store.GetCertificateData(ctx, serialHex)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate data for OCSP response: %w", err)
	}

	template := ocsp.Response{
		SerialNumber: req.SerialNumber,
		ThisUpdate:   now.UTC(),
		NextUpdate:   now.UTC().Add(time.Duration(s.cfg.CRLValidityHours) * time.Hour),
		Certificate:  responderCert,
	}
	switch {
	case certData == nil:
		template.Status = ocsp.Unknown
	case certData.Revoked:
		template.Status = ocsp.Revoked
		template.RevokedAt = certData.RevokedAt.UTC()
		template.RevocationReason = certData.RevocationReason
	default:
		template.Status = ocsp.Good
	}

	respBytes, err := ocsp.CreateResponse(s.caCert, responderCert, template, responderKey)
	if err != nil {
		l.Error("Failed to create OCSP response", zap.Error(err))
		return nil, fmt.Errorf("failed to create OCSP response: %w", err)
	}
	l.Debug("OCSP response created", zap.Int("status", template.Status))
	return respBytes, nil
}

// --- Helper Functions ---

// generateSerialNumber creates a secure random serial number.
func generateSerialNumber() (*big.Int, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), defaultSerialBits)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	// RFC 5280 requires positive serials.
	if serialNumber.Sign() != 1 {
		return nil, errors.New("generated non-positive serial number")
	}
	return serialNumber, nil
}

// generateCAKeyAndCert creates a new RSA private key and self-signed CA certificate.
func generateCAKeyAndCert(cfg *config.Config) (crypto.Signer, *x509.Certificate, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, caKeySize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate CA private key: %w", err)
	}
	publicKey := &privateKey.PublicKey

	serialNumber, err := generateSerialNumber()
	if err != nil {
		return nil, nil, err
	}
	ski, err := computeSubjectKeyID(publicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute CA subject key identifier: %w", err)
	}

	subject := pkix.Name{
		Organization: []string{cfg.Organization},
		Country:      []string{cfg.Country},
		Province:     []string{cfg.Province},
		Locality:     []string{cfg.Locality},
		CommonName:   cfg.CommonName,
	}

	notBefore := time.Now().Add(-5 * time.Minute)
	notAfter := notBefore.AddDate(cfg.CACertValidityYears, 0, 0)

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      subject,
		NotBefore:    notBefore,
		NotAfter:     notAfter,

		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,

		SubjectKeyId: ski,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, publicKey, privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create self-signed CA certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse generated CA certificate: %w", err)
	}

	return privateKey, cert, nil
}

// encodePrivateKey encodes a crypto.Signer (RSA or ECDSA) into PEM format.
func encodePrivateKey(key crypto.Signer) ([]byte, error) {
	var pemType string
	var keyBytes []byte
	var err error

	switch k := key.(type) {
	case *rsa.PrivateKey:
		pemType = "RSA PRIVATE KEY"
		keyBytes = x509.MarshalPKCS1PrivateKey(k)
	case *ecdsa.PrivateKey:
		pemType = "EC PRIVATE KEY"
		keyBytes, err = x509.MarshalECPrivateKey(k)
		if err != nil {
			return nil, fmt.Errorf("unable to marshal ECDSA private key: %w", err)
		}
	default:
		return nil, errors.New("unsupported private key type")
	}

	pemBlock := &pem.Block{
		Type:  pemType,
		Bytes: keyBytes,
	}
	return pem.EncodeToMemory(pemBlock), nil
}

// parsePrivateKey parses a PEM-encoded private key (RSA or ECDSA).
func parsePrivateKey(pemBytes []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("failed to decode PEM block containing private key")
	}

	var privKey crypto.Signer
	var err error

	switch block.Type {
	case "RSA PRIVATE KEY":
		privKey, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		privKey, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported private key type: %s", block.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return privKey, nil
}

// EncodeCertificate encodes an x509 certificate into PEM format.
func EncodeCertificate(cert *x509.Certificate) []byte {
	pemBlock := &pem.Block{
		Type:  "CERTIFICATE",
		Bytes: cert.Raw,
	}
	return pem.EncodeToMemory(pemBlock)
}

// parseCertificate parses a PEM-encoded x509 certificate.
func parseCertificate(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("failed to decode PEM block containing certificate")
	}
	if block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("unexpected PEM block type: %s", block.Type)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}
