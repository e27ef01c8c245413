package config

import (
	"crypto/x509"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DataDir     string // Directory for local artifacts (self-signed HTTPS certs)
	ExternalURL string // Externally visible base URL; the reverse proxy terminates TLS and forwards here

	// CA certificate subject
	Organization        string
	Country             string
	Province            string
	Locality            string
	CommonName          string
	CACertValidityYears int

	// Issuance / revocation policy
	DefaultCertValidityDays int
	CRLValidityHours        int
	OCSPKeyValidityDays     int           // Lifetime of delegated OCSP signing keys
	OCSPKeyRenewBefore      time.Duration // Rotate when remaining lifetime drops below this (overlap window)
	CertificatePolicies     CertificatePolicies

	// ACME protocol behavior
	NonceLifetime          time.Duration // How long an issued nonce stays consumable
	OrderLifetime          time.Duration // Order expiry after creation
	AuthzLifetime          time.Duration // Authorization expiry after creation
	ChallengeMaxAttempts   int           // Bounded validation retries before a challenge turns invalid
	ChallengeRetryInterval time.Duration // Fixed backoff between validation attempts
	ChallengeTimeout       time.Duration // Per-probe HTTP/DNS timeout
	HTTP01Port             int           // Port probed for http-01 validation (80 outside tests)

	// Housekeeping intervals (in-process ticker runner; an external scheduler
	// may also trigger the named jobs on demand)
	CRLRefreshInterval  time.Duration
	OCSPRotateInterval  time.Duration
	ACMECleanupInterval time.Duration

	// Storage
	StorageType string
	DBHost      string
	DBUser      string
	DBPassword  string
	DBName      string
	DBPort      int
	DBSSLMode   string
	DBCert      string
	DBKey       string
	DBRootCert  string

	// Management API
	BootstrapAPIKey string // When set, saved with the admin role at startup

	// Serving
	HTTPAddress   string // HTTP listener (acme-challenge well-known path)
	HTTPSAddress  string
	HTTPSCertFile string
	HTTPSKeyFile  string
}

// CertificatePolicies defines certificate issuance policies.
type CertificatePolicies struct {
	AllowedKeyTypes     []string // "RSA", "ECDSA", "Ed25519"
	MinRSASize          int
	AllowedECDSACurves  []string
	AllowedKeyUsages    []x509.KeyUsage
	AllowedExtKeyUsages []x509.ExtKeyUsage
}

const (
	defaultDataDir             = "./data"
	defaultExternalURL         = "https://localhost:8443"
	defaultOrganization        = "Certmill Authority"
	defaultCountry             = "US"
	defaultProvince            = "NC"
	defaultLocality            = "Raleigh"
	defaultCommonName          = "Certmill Root CA"
	defaultCACertValidityYears = 10
	defaultCertValidityDays    = 90
	defaultCRLValidityHours    = 24
	defaultOCSPKeyValidityDays = 3
	defaultOCSPRenewBeforeHrs  = 24
	defaultNonceLifetimeMin    = 60
	defaultOrderLifetimeHrs    = 24
	defaultAuthzLifetimeHrs    = 24
	defaultChallengeAttempts   = 3
	defaultChallengeRetrySecs  = 5
	defaultChallengeTimeoutSec = 10
	defaultHTTP01Port          = 80
	defaultCRLRefreshHrs       = 6
	defaultOCSPRotateHrs       = 1
	defaultCleanupHrs          = 1
	defaultStorageType         = "postgres"
	defaultDBHost              = "localhost"
	defaultDBUser              = "certmill"
	defaultDBPassword          = "password"
	defaultDBName              = "certmill"
	defaultDBPort              = 5432
	defaultDBSSLMode           = "disable"
	defaultHTTPAddress         = ":8080"
	defaultHTTPSAddress        = ":8443"
	defaultHTTPSCertFile       = "./data/https.crt"
	defaultHTTPSKeyFile        = "./data/https.key"
)

var defaultCertificatePolicies = CertificatePolicies{
	AllowedKeyTypes:     []string{"RSA", "ECDSA", "Ed25519"},
	MinRSASize:          2048,
	AllowedECDSACurves:  []string{"P-256", "P-384", "P-521"},
	AllowedKeyUsages:    []x509.KeyUsage{x509.KeyUsageDigitalSignature, x509.KeyUsageKeyEncipherment},
	AllowedExtKeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
}

// LoadConfig loads the server configuration from environment variables or defaults.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DataDir:                 getEnv("CERTMILL_DATA_DIR", defaultDataDir),
		ExternalURL:             strings.TrimRight(getEnv("CERTMILL_EXTERNAL_URL", defaultExternalURL), "/"),
		Organization:            getEnv("CERTMILL_ORGANIZATION", defaultOrganization),
		Country:                 getEnv("CERTMILL_COUNTRY", defaultCountry),
		Province:                getEnv("CERTMILL_PROVINCE", defaultProvince),
		Locality:                getEnv("CERTMILL_LOCALITY", defaultLocality),
		CommonName:              getEnv("CERTMILL_COMMON_NAME", defaultCommonName),
		CACertValidityYears:     getEnvAsInt("CERTMILL_CA_VALIDITY_YEARS", defaultCACertValidityYears),
		DefaultCertValidityDays: getEnvAsInt("CERTMILL_DEFAULT_CERT_VALIDITY_DAYS", defaultCertValidityDays),
		CRLValidityHours:        getEnvAsInt("CERTMILL_CRL_VALIDITY_HOURS", defaultCRLValidityHours),
		OCSPKeyValidityDays:     getEnvAsInt("CERTMILL_OCSP_KEY_VALIDITY_DAYS", defaultOCSPKeyValidityDays),
		OCSPKeyRenewBefore:      getEnvAsDuration("CERTMILL_OCSP_KEY_RENEW_BEFORE", defaultOCSPRenewBeforeHrs*time.Hour),
		CertificatePolicies:     defaultCertificatePolicies,
		NonceLifetime:           getEnvAsDuration("CERTMILL_NONCE_LIFETIME", defaultNonceLifetimeMin*time.Minute),
		OrderLifetime:           getEnvAsDuration("CERTMILL_ORDER_LIFETIME", defaultOrderLifetimeHrs*time.Hour),
		AuthzLifetime:           getEnvAsDuration("CERTMILL_AUTHZ_LIFETIME", defaultAuthzLifetimeHrs*time.Hour),
		ChallengeMaxAttempts:    getEnvAsInt("CERTMILL_CHALLENGE_MAX_ATTEMPTS", defaultChallengeAttempts),
		ChallengeRetryInterval:  getEnvAsDuration("CERTMILL_CHALLENGE_RETRY_INTERVAL", defaultChallengeRetrySecs*time.Second),
		ChallengeTimeout:        getEnvAsDuration("CERTMILL_CHALLENGE_TIMEOUT", defaultChallengeTimeoutSec*time.Second),
		HTTP01Port:              getEnvAsInt("CERTMILL_HTTP01_PORT", defaultHTTP01Port),
		CRLRefreshInterval:      getEnvAsDuration("CERTMILL_CRL_REFRESH_INTERVAL", defaultCRLRefreshHrs*time.Hour),
		OCSPRotateInterval:      getEnvAsDuration("CERTMILL_OCSP_ROTATE_INTERVAL", defaultOCSPRotateHrs*time.Hour),
		ACMECleanupInterval:     getEnvAsDuration("CERTMILL_ACME_CLEANUP_INTERVAL", defaultCleanupHrs*time.Hour),
		StorageType:             getEnv("CERTMILL_STORAGE_TYPE", defaultStorageType),
		DBHost:                  getEnv("CERTMILL_DB_HOST", defaultDBHost),
		DBUser:                  getEnv("CERTMILL_DB_USER", defaultDBUser),
		DBPassword:              getEnv("CERTMILL_DB_PASSWORD", defaultDBPassword),
		DBName:                  getEnv("CERTMILL_DB_NAME", defaultDBName),
		DBPort:                  getEnvAsInt("CERTMILL_DB_PORT", defaultDBPort),
		DBSSLMode:               getEnv("CERTMILL_DB_SSLMODE", defaultDBSSLMode),
		DBCert:                  getEnv("CERTMILL_DB_CERT", ""),
		DBKey:                   getEnv("CERTMILL_DB_KEY", ""),
		DBRootCert:              getEnv("CERTMILL_DB_ROOTCERT", ""),
		BootstrapAPIKey:         getEnv("CERTMILL_BOOTSTRAP_API_KEY", ""),
		HTTPAddress:             getEnv("CERTMILL_HTTP_ADDRESS", defaultHTTPAddress),
		HTTPSAddress:            getEnv("CERTMILL_HTTPS_ADDRESS", defaultHTTPSAddress),
		HTTPSCertFile:           getEnv("CERTMILL_HTTPS_CERT_FILE", defaultHTTPSCertFile),
		HTTPSKeyFile:            getEnv("CERTMILL_HTTPS_KEY_FILE", defaultHTTPSKeyFile),
	}
	return cfg, nil
}

// ACMEBaseURL returns the externally visible base URL of the ACME endpoint group.
func (c *Config) ACMEBaseURL() string {
	return c.ExternalURL + "/acme"
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Warning: Invalid integer value for %s (%s), using default: %d", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		log.Printf("Warning: Invalid duration value for %s (%s), using default: %s", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}
