package model

import (
	"encoding/json"
	"time"
)

// ACME object status values (RFC 8555 section 7.1.6).
const (
	StatusPending     = "pending"
	StatusReady       = "ready"
	StatusProcessing  = "processing"
	StatusValid       = "valid"
	StatusInvalid     = "invalid"
	StatusDeactivated = "deactivated"
	StatusExpired     = "expired"
	StatusRevoked     = "revoked"
)

// Challenge types supported by the server.
const (
	ChallengeTypeHTTP01 = "http-01"
	ChallengeTypeDNS01  = "dns-01"
)

// Account represents an ACME account on the server.
type Account struct {
	ID             string    `json:"-" db:"id"`                            // Unique account identifier (UUID)
	PublicKeyJWK   string    `json:"-" db:"public_key_jwk"`                // Public key in JWK format (JSON string), not exposed in account responses
	KeyThumbprint  string    `json:"-" db:"key_thumbprint"`                // RFC 7638 thumbprint of the account key, unique per account
	Contact        []string  `json:"contact,omitempty" db:"contact"`       // Contact URLs (e.g. "mailto:...")
	Status         string    `json:"status" db:"status"`                   // "valid", "deactivated", "revoked"
	TermsOfService bool      `json:"termsOfServiceAgreed" db:"tos_agreed"` // Client agreed to terms
	Orders         string    `json:"orders,omitempty" db:"-"`              // URL of the account's orders list (constructed dynamically)
	CreatedAt      time.Time `json:"-" db:"created_at"`
	LastModifiedAt time.Time `json:"-" db:"last_modified_at"`
}

// Order represents a certificate order.
type Order struct {
	ID                string          `json:"-" db:"id"`
	AccountID         string          `json:"-" db:"account_id"`
	Status            string          `json:"status" db:"status"`
	Expires           time.Time       `json:"expires" db:"expires_at"`
	Identifiers       []Identifier    `json:"identifiers" db:"-"`
	Error             *ProblemDetails `json:"error,omitempty" db:"-"`
	Authorizations    []string        `json:"authorizations" db:"-"`        // Authorization URLs (constructed dynamically)
	FinalizeURL       string          `json:"finalize" db:"-"`              // Finalize URL (constructed dynamically)
	CertificateURL    string          `json:"certificate,omitempty" db:"-"` // Certificate URL, present once status is "valid"
	CertificateSerial string          `json:"-" db:"certificate_serial"`
	CreatedAt         time.Time       `json:"-" db:"created_at"`
	LastModifiedAt    time.Time       `json:"-" db:"last_modified_at"`

	// Storage helpers - denormalized JSON for DB columns
	IdentifiersJSON string `json:"-" db:"identifiers_json"`
	ErrorJSON       string `json:"-" db:"error_json"`
}

// Identifier represents a domain identifier in an order.
type Identifier struct {
	Type  string `json:"type"`  // "dns"
	Value string `json:"value"` // e.g. "example.com"
}

// Authorization represents the state of an identifier authorization.
type Authorization struct {
	ID         string       `json:"-" db:"id"`
	AccountID  string       `json:"-" db:"account_id"`
	OrderID    string       `json:"-" db:"order_id"`
	Identifier Identifier   `json:"identifier" db:"-"`
	Status     string       `json:"status" db:"status"`
	Expires    time.Time    `json:"expires,omitempty" db:"expires_at"`
	Challenges []*Challenge `json:"challenges" db:"-"` // Fetched separately
	Wildcard   bool         `json:"wildcard,omitempty" db:"wildcard"`
	CreatedAt  time.Time    `json:"-" db:"created_at"`

	// Storage helper - denormalized identifier JSON
	IdentifierJSON string `json:"-" db:"identifier_json"`
}

// Challenge represents an ACME challenge to prove control over an identifier.
type Challenge struct {
	ID              string          `json:"-" db:"id"`
	AuthorizationID string          `json:"-" db:"authorization_id"`
	Type            string          `json:"type" db:"type"`
	URL             string          `json:"url" db:"-"` // Challenge URL (constructed dynamically)
	Status          string          `json:"status" db:"status"`
	Token           string          `json:"token" db:"token"`
	Validated       *time.Time      `json:"validated,omitempty" db:"validated_at"`
	Error           *ProblemDetails `json:"error,omitempty" db:"-"`
	Attempts        int             `json:"-" db:"attempts"` // Validation attempts so far (retry bookkeeping)
	CreatedAt       time.Time       `json:"-" db:"created_at"`

	// Storage helper - denormalized error JSON
	ErrorJSON string `json:"-" db:"error_json"`
}

// Nonce represents an ACME replay nonce (storage model). A nonce is usable
// exactly once; consumption deletes the row atomically.
type Nonce struct {
	Value     string    `db:"value"`
	ExpiresAt time.Time `db:"expires_at"`
	IssuedAt  time.Time `db:"issued_at"`
}

// CertificateData represents stored information about an issued certificate
// (storage model). Revocation fields are write-once: once Revoked is true the
// storage layer refuses to clear it.
type CertificateData struct {
	SerialNumber     string    `db:"serial_number"` // Hex serial (Primary Key, globally unique)
	CertificatePEM   string    `db:"certificate_pem"`
	ChainPEM         string    `db:"chain_pem"`
	IssuedAt         time.Time `db:"issued_at"`
	ExpiresAt        time.Time `db:"expires_at"`
	AccountID        string    `db:"account_id"`
	OrderID          string    `db:"order_id"`
	Revoked          bool      `db:"revoked"`
	RevokedAt        time.Time `db:"revoked_at"`
	RevocationReason int       `db:"revocation_reason"`
}

// OCSPKeyData represents a short-lived delegated OCSP responder keypair
// (storage model). Keys are rotated before expiry with an overlap window so a
// valid signer always exists.
type OCSPKeyData struct {
	ID             string    `db:"id"`
	CertificatePEM string    `db:"certificate_pem"`
	PrivateKeyPEM  string    `db:"private_key_pem"`
	NotBefore      time.Time `db:"not_before"`
	NotAfter       time.Time `db:"not_after"`
	CreatedAt      time.Time `db:"created_at"`
}

// ProblemDetails represents an ACME error object (RFC 7807 / RFC 8555 Section 6.7).
type ProblemDetails struct {
	Type        string          `json:"type"`
	Detail      string          `json:"detail"`
	Status      int             `json:"status,omitempty"`
	Instance    string          `json:"instance,omitempty"`
	Subproblems json.RawMessage `json:"subproblems,omitempty"`
}

// Error implements the error interface so problems can travel through
// ordinary error returns.
func (p *ProblemDetails) Error() string {
	return p.Type + ": " + p.Detail
}
