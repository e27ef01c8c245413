package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/certmill/certmill/internal/model"
)

var logger *zap.Logger

// init initializes the package logger.
func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize zap logger: %v", err))
	}
	logger = l.With(zap.String("package", "storage"))
}

// --- Interfaces ---

// Querier defines common methods implemented by *sql.DB and *sql.Tx.
// This allows storage methods to work with either a pool or a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Storage defines the interface for storing and retrieving CA and ACME data.
//
// State transitions on ACME objects are exposed as conditional updates: the
// caller names the expected current status and the update applies only if the
// row still holds it. Losing a race is reported via the returned bool, not an
// error, so handlers can re-read and answer with the already-applied state.
type Storage interface {
	// CA Data Methods
	SaveCRL(ctx context.Context, crlBytes []byte) error
	GetLatestCRL(ctx context.Context) ([]byte, error)
	SaveCAPrivateKey(ctx context.Context, keyBytes []byte) error
	GetCAPrivateKey(ctx context.Context) ([]byte, error)
	SaveCACertificate(ctx context.Context, certBytes []byte) error
	GetCACertificate(ctx context.Context) ([]byte, error)

	// OCSP Responder Key Methods
	SaveOCSPKey(ctx context.Context, key *model.OCSPKeyData) error
	GetLatestOCSPKey(ctx context.Context) (*model.OCSPKeyData, error)
	DeleteExpiredOCSPKeys(ctx context.Context, now time.Time) (int64, error)

	// Certificate Data Methods
	SaveCertificateData(ctx context.Context, certData *model.CertificateData) error
	GetCertificateData(ctx context.Context, serialNumber string) (*model.CertificateData, error)
	CertificateSerialExists(ctx context.Context, serialNumber string) (bool, error)
	// MarkCertificateRevoked sets revocation fields only if the certificate is
	// not already revoked. Revocation is monotonic; there is no way back.
	MarkCertificateRevoked(ctx context.Context, serialNumber string, revokedAt time.Time, reasonCode int) (bool, error)
	ListRevokedCertificates(ctx context.Context, notExpiredAt time.Time) ([]*model.CertificateData, error)

	// API Key Methods (management API auth)
	SaveAPIKey(ctx context.Context, apiKey string, roles []string) error
	GetAPIKey(ctx context.Context, apiKey string) ([]string, error)

	// ACME Nonce Methods
	SaveNonce(ctx context.Context, nonce *model.Nonce) error
	// ConsumeNonce atomically checks and invalidates a nonce. It returns nil
	// (no error) when the nonce is unknown, already used, or expired:
	// concurrent consumers of the same value get exactly one non-nil result.
	ConsumeNonce(ctx context.Context, nonceValue string) (*model.Nonce, error)
	DeleteExpiredNonces(ctx context.Context, now time.Time) (int64, error)

	// ACME Account Methods
	SaveAccount(ctx context.Context, acc *model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	GetAccountByKeyThumbprint(ctx context.Context, thumbprint string) (*model.Account, error)

	// ACME Order Methods
	SaveOrder(ctx context.Context, order *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	GetOrdersByAccountID(ctx context.Context, accountID string) ([]*model.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID, fromStatus, toStatus string) (bool, error)
	// SetOrderIssued moves a processing order to valid with its certificate
	// serial in a single conditional write.
	SetOrderIssued(ctx context.Context, orderID, serialNumber string) (bool, error)
	// FailOrder moves a still-live order (pending, ready, or processing) to
	// invalid and records the problem document. Returns false when the order
	// already settled as valid or invalid.
	FailOrder(ctx context.Context, orderID string, errorJSON string) (bool, error)
	DeleteExpiredOrders(ctx context.Context, now time.Time) (int64, error)

	// ACME Authorization Methods
	SaveAuthorization(ctx context.Context, authz *model.Authorization) error
	GetAuthorization(ctx context.Context, id string) (*model.Authorization, error)
	GetAuthorizationsByOrderID(ctx context.Context, orderID string) ([]*model.Authorization, error)
	UpdateAuthorizationStatus(ctx context.Context, authzID, fromStatus, toStatus string) (bool, error)

	// ACME Challenge Methods
	SaveChallenge(ctx context.Context, chal *model.Challenge) error
	GetChallenge(ctx context.Context, id string) (*model.Challenge, error)
	GetChallengeByToken(ctx context.Context, token string) (*model.Challenge, error)
	GetChallengesByAuthorizationID(ctx context.Context, authzID string) ([]*model.Challenge, error)
	UpdateChallengeStatus(ctx context.Context, challengeID, fromStatus, toStatus string) (bool, error)
	MarkChallengeValid(ctx context.Context, challengeID string, validatedAt time.Time) (bool, error)
	MarkChallengeInvalid(ctx context.Context, challengeID string, errorJSON string) (bool, error)
	IncrementChallengeAttempts(ctx context.Context, challengeID string) (int, error)

	// --- Policy Methods ---
	AddAllowedDomain(ctx context.Context, domain string) error
	DeleteAllowedDomain(ctx context.Context, domain string) error
	ListAllowedDomains(ctx context.Context) ([]string, error)
	IsDomainAllowed(ctx context.Context, domain string) (bool, error) // Exact match OR suffix match

	AddAllowedSuffix(ctx context.Context, suffix string) error
	DeleteAllowedSuffix(ctx context.Context, suffix string) error
	ListAllowedSuffixes(ctx context.Context) ([]string, error)

	// Transaction Helper (only implemented on PostgreSQLStorage)
	WithinTransaction(ctx context.Context, fn func(ctx context.Context, txStorage Storage) error) error

	Ping(ctx context.Context) error
	Close() error
}

// --- PostgreSQL Implementation ---

// PostgreSQLStorage holds the connection pool.
type PostgreSQLStorage struct {
	db *sql.DB
}

// postgresTxStore holds a transaction and implements the Storage interface.
type postgresTxStore struct {
	tx *sql.Tx
}

var _ Storage = (*PostgreSQLStorage)(nil)
var _ Storage = (*postgresTxStore)(nil)

// NewStorage is the factory function.
func NewStorage(storageType string, dbHost string, dbUser string, dbPassword string, dbName string, dbPort int, dbSSLMode string, dbCert string, dbKey string, dbRootCert string) (Storage, error) {
	switch strings.ToLower(storageType) {
	case "postgres":
		return NewPostgreSQLStorage(dbHost, dbUser, dbPassword, dbName, dbPort, dbSSLMode, dbCert, dbKey, dbRootCert)
	default:
		logger.Error("Invalid storage type specified", zap.String("storage_type", storageType))
		return nil, fmt.Errorf("storage: invalid storage type: %s", storageType)
	}
}

// NewPostgreSQLStorage creates a new PostgreSQLStorage instance and ensures schema exists.
func NewPostgreSQLStorage(dbHost string, dbUser string, dbPassword string, dbName string, dbPort int, dbSSLMode string, dbCert string, dbKey string, dbRootCert string) (*PostgreSQLStorage, error) {
	connStr := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		dbHost, dbUser, dbPassword, dbName, dbPort, dbSSLMode,
	)
	if dbCert != "" {
		connStr += " sslcert=" + dbCert
	}
	if dbKey != "" {
		connStr += " sslkey=" + dbKey
	}
	if dbRootCert != "" {
		connStr += " sslrootcert=" + dbRootCert
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		logger.Error("Failed to open PostgreSQL connection", zap.Error(err))
		return nil, fmt.Errorf("storage: failed to open PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = db.PingContext(pingCtx)
	if err != nil {
		db.Close()
		logger.Error("Failed to ping PostgreSQL database", zap.Error(err), zap.String("host", dbHost), zap.Int("port", dbPort), zap.String("dbname", dbName))
		return nil, fmt.Errorf("storage: failed to connect to PostgreSQL database: %w", err)
	}
	logger.Info("Successfully connected to PostgreSQL database", zap.String("host", dbHost), zap.Int("port", dbPort), zap.String("dbname", dbName))

	schemaCtx, schemaCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer schemaCancel()
	if err := ensureSchema(schemaCtx, db); err != nil {
		db.Close()
		return nil, err
	}

	s := &PostgreSQLStorage{db: db}
	logger.Info("PostgreSQLStorage initialized")
	return s, nil
}

// ensureSchema creates tables and indexes if they don't exist.
func ensureSchema(ctx context.Context, db *sql.DB) error {
	tableAndIndexStmts := []string{
		// CA Data Tables
		`CREATE TABLE IF NOT EXISTS crls ( id SERIAL PRIMARY KEY, crl_data BYTEA NOT NULL, created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW() );`,
		`CREATE TABLE IF NOT EXISTS ca_data ( id INTEGER PRIMARY KEY DEFAULT 1, key_data BYTEA, cert_data BYTEA, CONSTRAINT ca_data_single_row CHECK (id = 1) );`,
		`CREATE TABLE IF NOT EXISTS ocsp_keys ( id TEXT PRIMARY KEY, certificate_pem TEXT NOT NULL, private_key_pem TEXT NOT NULL, not_before TIMESTAMP WITH TIME ZONE NOT NULL, not_after TIMESTAMP WITH TIME ZONE NOT NULL, created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW() );`,
		`CREATE INDEX IF NOT EXISTS idx_ocsp_keys_not_after ON ocsp_keys (not_after);`,
		// Management API Keys
		`CREATE TABLE IF NOT EXISTS api_keys ( api_key TEXT PRIMARY KEY, roles TEXT[] NOT NULL );`,
		// ACME Tables
		`CREATE TABLE IF NOT EXISTS acme_nonces ( value TEXT PRIMARY KEY, expires_at TIMESTAMP WITH TIME ZONE NOT NULL, issued_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_acme_nonces_expires_at ON acme_nonces (expires_at);`,
		`CREATE TABLE IF NOT EXISTS acme_accounts ( id TEXT PRIMARY KEY, public_key_jwk TEXT NOT NULL, key_thumbprint TEXT NOT NULL UNIQUE, contact TEXT[], status TEXT NOT NULL, tos_agreed BOOLEAN NOT NULL DEFAULT false, created_at TIMESTAMP WITH TIME ZONE NOT NULL, last_modified_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE TABLE IF NOT EXISTS certificates_data ( serial_number TEXT PRIMARY KEY, certificate_pem TEXT NOT NULL, chain_pem TEXT, issued_at TIMESTAMP WITH TIME ZONE NOT NULL, expires_at TIMESTAMP WITH TIME ZONE NOT NULL, account_id TEXT NOT NULL, order_id TEXT NOT NULL, revoked BOOLEAN NOT NULL DEFAULT false, revoked_at TIMESTAMP WITH TIME ZONE, revocation_reason INTEGER );`,
		`CREATE INDEX IF NOT EXISTS idx_certificates_data_account_id ON certificates_data (account_id);`,
		`CREATE INDEX IF NOT EXISTS idx_certificates_data_order_id ON certificates_data (order_id);`,
		`CREATE INDEX IF NOT EXISTS idx_certificates_data_revoked ON certificates_data (revoked);`,
		`CREATE TABLE IF NOT EXISTS acme_orders ( id TEXT PRIMARY KEY, account_id TEXT NOT NULL, status TEXT NOT NULL, expires_at TIMESTAMP WITH TIME ZONE NOT NULL, identifiers_json JSONB NOT NULL, error_json JSONB, certificate_serial TEXT, created_at TIMESTAMP WITH TIME ZONE NOT NULL, last_modified_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_acme_orders_account_id ON acme_orders (account_id);`,
		`CREATE INDEX IF NOT EXISTS idx_acme_orders_certificate_serial ON acme_orders (certificate_serial);`,
		`CREATE INDEX IF NOT EXISTS idx_acme_orders_expires_at ON acme_orders (expires_at);`,
		`CREATE TABLE IF NOT EXISTS acme_authorizations ( id TEXT PRIMARY KEY, account_id TEXT NOT NULL, order_id TEXT NOT NULL, identifier_json JSONB NOT NULL, status TEXT NOT NULL, expires_at TIMESTAMP WITH TIME ZONE NOT NULL, wildcard BOOLEAN NOT NULL DEFAULT false, created_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_acme_authorizations_account_id ON acme_authorizations (account_id);`,
		`CREATE INDEX IF NOT EXISTS idx_acme_authorizations_order_id ON acme_authorizations (order_id);`,
		`CREATE TABLE IF NOT EXISTS acme_challenges ( id TEXT PRIMARY KEY, authorization_id TEXT NOT NULL, type TEXT NOT NULL, status TEXT NOT NULL, token TEXT NOT NULL UNIQUE, validated_at TIMESTAMP WITH TIME ZONE, error_json JSONB, attempts INTEGER NOT NULL DEFAULT 0, created_at TIMESTAMP WITH TIME ZONE NOT NULL );`,
		`CREATE INDEX IF NOT EXISTS idx_acme_challenges_authorization_id ON acme_challenges (authorization_id);`,
		// Issuance policy
		`CREATE TABLE IF NOT EXISTS policy_allowed_domains (domain TEXT PRIMARY KEY, added_at TIMESTAMP WITH TIME ZONE DEFAULT NOW());`,
		`CREATE TABLE IF NOT EXISTS policy_allowed_suffixes (suffix TEXT PRIMARY KEY, added_at TIMESTAMP WITH TIME ZONE DEFAULT NOW());`,
	}

	logger.Info("Executing CREATE TABLE IF NOT EXISTS and CREATE INDEX IF NOT EXISTS statements...")
	for i, stmt := range tableAndIndexStmts {
		_, err := db.ExecContext(ctx, stmt)
		if err != nil {
			logger.Error("Failed to execute schema statement (Table/Index Phase)", zap.Error(err), zap.Int("statement_index", i), zap.String("statement", stmt))
			return fmt.Errorf("storage: failed to initialize database schema (Table/Index Phase): %w", err)
		}
	}
	logger.Info("Table and index creation phase complete.")

	fkStmt := `DO $$ BEGIN
            IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'fk_certificates_data_account_id') THEN
                ALTER TABLE certificates_data ADD CONSTRAINT fk_certificates_data_account_id FOREIGN KEY (account_id) REFERENCES acme_accounts(id) ON DELETE RESTRICT;
            END IF;
            IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'fk_acme_orders_account_id') THEN
                 ALTER TABLE acme_orders ADD CONSTRAINT fk_acme_orders_account_id FOREIGN KEY (account_id) REFERENCES acme_accounts(id) ON DELETE CASCADE;
             END IF;
             IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'fk_acme_authorizations_account_id') THEN
                 ALTER TABLE acme_authorizations ADD CONSTRAINT fk_acme_authorizations_account_id FOREIGN KEY (account_id) REFERENCES acme_accounts(id) ON DELETE CASCADE;
             END IF;
             IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'fk_acme_authorizations_order_id') THEN
                 ALTER TABLE acme_authorizations ADD CONSTRAINT fk_acme_authorizations_order_id FOREIGN KEY (order_id) REFERENCES acme_orders(id) ON DELETE CASCADE;
             END IF;
             IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'fk_acme_challenges_authorization_id') THEN
                 ALTER TABLE acme_challenges ADD CONSTRAINT fk_acme_challenges_authorization_id FOREIGN KEY (authorization_id) REFERENCES acme_authorizations(id) ON DELETE CASCADE;
             END IF;
        END $$;`

	logger.Info("Executing ALTER TABLE ADD CONSTRAINT statements...")
	_, err := db.ExecContext(ctx, fkStmt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok {
			logger.Error("Failed to add foreign key constraints", zap.Error(err),
				zap.String("severity", pqErr.Severity),
				zap.String("code", string(pqErr.Code)),
				zap.String("message", pqErr.Message),
				zap.String("detail", pqErr.Detail),
				zap.String("hint", pqErr.Hint),
				zap.String("constraint", pqErr.Constraint),
			)
		} else {
			logger.Error("Failed to execute schema statement (Foreign Key Phase)", zap.Error(err), zap.String("statement", "DO $$ ... $$"))
		}
		return fmt.Errorf("storage: failed to initialize database schema (Foreign Key Phase): %w", err)
	}

	logger.Info("Database schema initialization check complete.")
	return nil
}

// =============================================
// PostgreSQLStorage Method Implementations
// =============================================

// Close shuts down the database connection pool.
// Ping reports whether the database is reachable.
func (s *PostgreSQLStorage) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("storage: database unreachable: %w", err)
	}
	return nil
}

func (s *PostgreSQLStorage) Close() error {
	logger.Info("Closing database connection pool")
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// WithinTransaction executes the given function within a database transaction.
func (s *PostgreSQLStorage) WithinTransaction(ctx context.Context, fn func(ctx context.Context, txStorage Storage) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: failed to begin transaction: %w", err)
	}
	txStore := &postgresTxStore{tx: tx}
	err = fn(ctx, txStore)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Error("Transaction function failed and rollback failed", zap.Error(err), zap.NamedError("rollback_error", rbErr))
			return fmt.Errorf("storage: transaction function failed (%w) and rollback failed (%v)", err, rbErr)
		}
		logger.Warn("Transaction rolled back due to error", zap.Error(err))
		return err
	}
	if err := tx.Commit(); err != nil {
		logger.Error("Failed to commit transaction", zap.Error(err))
		return fmt.Errorf("storage: failed to commit transaction: %w", err)
	}
	return nil
}

// --- CA Data ---
func (s *PostgreSQLStorage) SaveCRL(ctx context.Context, crlBytes []byte) error {
	return saveCRL(ctx, s.db, crlBytes)
}
func (s *PostgreSQLStorage) GetLatestCRL(ctx context.Context) ([]byte, error) {
	return getLatestCRL(ctx, s.db)
}
func (s *PostgreSQLStorage) SaveCAPrivateKey(ctx context.Context, keyBytes []byte) error {
	return saveCAPrivateKey(ctx, s.db, keyBytes)
}
func (s *PostgreSQLStorage) GetCAPrivateKey(ctx context.Context) ([]byte, error) {
	return getCAPrivateKey(ctx, s.db)
}
func (s *PostgreSQLStorage) SaveCACertificate(ctx context.Context, certBytes []byte) error {
	return saveCACertificate(ctx, s.db, certBytes)
}
func (s *PostgreSQLStorage) GetCACertificate(ctx context.Context) ([]byte, error) {
	return getCACertificate(ctx, s.db)
}

// --- OCSP Keys ---
func (s *PostgreSQLStorage) SaveOCSPKey(ctx context.Context, key *model.OCSPKeyData) error {
	return saveOCSPKey(ctx, s.db, key)
}
func (s *PostgreSQLStorage) GetLatestOCSPKey(ctx context.Context) (*model.OCSPKeyData, error) {
	return getLatestOCSPKey(ctx, s.db)
}
func (s *PostgreSQLStorage) DeleteExpiredOCSPKeys(ctx context.Context, now time.Time) (int64, error) {
	return deleteExpiredOCSPKeys(ctx, s.db, now)
}

// --- Certificate Data ---
func (s *PostgreSQLStorage) SaveCertificateData(ctx context.Context, certData *model.CertificateData) error {
	return saveCertificateData(ctx, s.db, certData)
}
func (s *PostgreSQLStorage) GetCertificateData(ctx context.Context, serialNumber string) (*model.CertificateData, error) {
	return getCertificateData(ctx, s.db, serialNumber)
}
func (s *PostgreSQLStorage) CertificateSerialExists(ctx context.Context, serialNumber string) (bool, error) {
	return certificateSerialExists(ctx, s.db, serialNumber)
}
func (s *PostgreSQLStorage) MarkCertificateRevoked(ctx context.Context, serialNumber string, revokedAt time.Time, reasonCode int) (bool, error) {
	return markCertificateRevoked(ctx, s.db, serialNumber, revokedAt, reasonCode)
}
func (s *PostgreSQLStorage) ListRevokedCertificates(ctx context.Context, notExpiredAt time.Time) ([]*model.CertificateData, error) {
	return listRevokedCertificates(ctx, s.db, notExpiredAt)
}

// --- API Key ---
func (s *PostgreSQLStorage) SaveAPIKey(ctx context.Context, apiKey string, roles []string) error {
	return saveAPIKey(ctx, s.db, apiKey, roles)
}
func (s *PostgreSQLStorage) GetAPIKey(ctx context.Context, apiKey string) ([]string, error) {
	return getAPIKey(ctx, s.db, apiKey)
}

// --- ACME Nonce ---
func (s *PostgreSQLStorage) SaveNonce(ctx context.Context, nonce *model.Nonce) error {
	return saveNonce(ctx, s.db, nonce)
}
func (s *PostgreSQLStorage) ConsumeNonce(ctx context.Context, nonceValue string) (*model.Nonce, error) {
	return consumeNonce(ctx, s.db, nonceValue)
}
func (s *PostgreSQLStorage) DeleteExpiredNonces(ctx context.Context, now time.Time) (int64, error) {
	return deleteExpiredNonces(ctx, s.db, now)
}

// --- ACME Account ---
func (s *PostgreSQLStorage) SaveAccount(ctx context.Context, acc *model.Account) error {
	return saveAccount(ctx, s.db, acc)
}
func (s *PostgreSQLStorage) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return getAccount(ctx, s.db, id)
}
func (s *PostgreSQLStorage) GetAccountByKeyThumbprint(ctx context.Context, thumbprint string) (*model.Account, error) {
	return getAccountByKeyThumbprint(ctx, s.db, thumbprint)
}

// --- ACME Order ---
func (s *PostgreSQLStorage) SaveOrder(ctx context.Context, order *model.Order) error {
	return saveOrder(ctx, s.db, order)
}
func (s *PostgreSQLStorage) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return getOrder(ctx, s.db, id)
}
func (s *PostgreSQLStorage) GetOrdersByAccountID(ctx context.Context, accountID string) ([]*model.Order, error) {
	return getOrdersByAccountID(ctx, s.db, accountID)
}
func (s *PostgreSQLStorage) UpdateOrderStatus(ctx context.Context, orderID, fromStatus, toStatus string) (bool, error) {
	return updateOrderStatus(ctx, s.db, orderID, fromStatus, toStatus)
}
func (s *PostgreSQLStorage) SetOrderIssued(ctx context.Context, orderID, serialNumber string) (bool, error) {
	return setOrderIssued(ctx, s.db, orderID, serialNumber)
}
func (s *PostgreSQLStorage) FailOrder(ctx context.Context, orderID string, errorJSON string) (bool, error) {
	return failOrder(ctx, s.db, orderID, errorJSON)
}
func (s *PostgreSQLStorage) DeleteExpiredOrders(ctx context.Context, now time.Time) (int64, error) {
	return deleteExpiredOrders(ctx, s.db, now)
}

// --- ACME Authorization ---
func (s *PostgreSQLStorage) SaveAuthorization(ctx context.Context, authz *model.Authorization) error {
	return saveAuthorization(ctx, s.db, authz)
}
func (s *PostgreSQLStorage) GetAuthorization(ctx context.Context, id string) (*model.Authorization, error) {
	return getAuthorization(ctx, s.db, id)
}
func (s *PostgreSQLStorage) GetAuthorizationsByOrderID(ctx context.Context, orderID string) ([]*model.Authorization, error) {
	return getAuthorizationsByOrderID(ctx, s.db, orderID)
}
func (s *PostgreSQLStorage) UpdateAuthorizationStatus(ctx context.Context, authzID, fromStatus, toStatus string) (bool, error) {
	return updateAuthorizationStatus(ctx, s.db, authzID, fromStatus, toStatus)
}

// --- ACME Challenge ---
func (s *PostgreSQLStorage) SaveChallenge(ctx context.Context, chal *model.Challenge) error {
	return saveChallenge(ctx, s.db, chal)
}
func (s *PostgreSQLStorage) GetChallenge(ctx context.Context, id string) (*model.Challenge, error) {
	return getChallenge(ctx, s.db, id)
}
func (s *PostgreSQLStorage) GetChallengeByToken(ctx context.Context, token string) (*model.Challenge, error) {
	return getChallengeByToken(ctx, s.db, token)
}
func (s *PostgreSQLStorage) GetChallengesByAuthorizationID(ctx context.Context, authzID string) ([]*model.Challenge, error) {
	return getChallengesByAuthorizationID(ctx, s.db, authzID)
}
func (s *PostgreSQLStorage) UpdateChallengeStatus(ctx context.Context, challengeID, fromStatus, toStatus string) (bool, error) {
	return updateChallengeStatus(ctx, s.db, challengeID, fromStatus, toStatus)
}
func (s *PostgreSQLStorage) MarkChallengeValid(ctx context.Context, challengeID string, validatedAt time.Time) (bool, error) {
	return markChallengeValid(ctx, s.db, challengeID, validatedAt)
}
func (s *PostgreSQLStorage) MarkChallengeInvalid(ctx context.Context, challengeID string, errorJSON string) (bool, error) {
	return markChallengeInvalid(ctx, s.db, challengeID, errorJSON)
}
func (s *PostgreSQLStorage) IncrementChallengeAttempts(ctx context.Context, challengeID string) (int, error) {
	return incrementChallengeAttempts(ctx, s.db, challengeID)
}

// --- Policy Methods ---
func (s *PostgreSQLStorage) AddAllowedDomain(ctx context.Context, domain string) error {
	return addAllowedDomain(ctx, s.db, domain)
}
func (s *PostgreSQLStorage) DeleteAllowedDomain(ctx context.Context, domain string) error {
	return deleteAllowedDomain(ctx, s.db, domain)
}
func (s *PostgreSQLStorage) ListAllowedDomains(ctx context.Context) ([]string, error) {
	return listAllowedDomains(ctx, s.db)
}
func (s *PostgreSQLStorage) IsDomainAllowed(ctx context.Context, domain string) (bool, error) {
	return isDomainAllowed(ctx, s.db, domain)
}
func (s *PostgreSQLStorage) AddAllowedSuffix(ctx context.Context, suffix string) error {
	return addAllowedSuffix(ctx, s.db, suffix)
}
func (s *PostgreSQLStorage) DeleteAllowedSuffix(ctx context.Context, suffix string) error {
	return deleteAllowedSuffix(ctx, s.db, suffix)
}
func (s *PostgreSQLStorage) ListAllowedSuffixes(ctx context.Context) ([]string, error) {
	return listAllowedSuffixes(ctx, s.db)
}

// =============================================
// postgresTxStore Method Implementations
// =============================================

// Close is a no-op for a transaction store.
// Ping inside a transaction runs a trivial query on the same connection.
func (s *postgresTxStore) Ping(ctx context.Context) error {
	var one int
	if err := s.tx.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("storage: transaction connection unreachable: %w", err)
	}
	return nil
}

func (s *postgresTxStore) Close() error { return nil }

// WithinTransaction cannot be called on an already active transaction store.
func (s *postgresTxStore) WithinTransaction(ctx context.Context, fn func(ctx context.Context, txStorage Storage) error) error {
	return errors.New("storage: cannot start a transaction within an existing transaction")
}

// --- CA Data ---
func (s *postgresTxStore) SaveCRL(ctx context.Context, crlBytes []byte) error {
	return saveCRL(ctx, s.tx, crlBytes)
}
func (s *postgresTxStore) GetLatestCRL(ctx context.Context) ([]byte, error) {
	return getLatestCRL(ctx, s.tx)
}
func (s *postgresTxStore) SaveCAPrivateKey(ctx context.Context, keyBytes []byte) error {
	return saveCAPrivateKey(ctx, s.tx, keyBytes)
}
func (s *postgresTxStore) GetCAPrivateKey(ctx context.Context) ([]byte, error) {
	return getCAPrivateKey(ctx, s.tx)
}
func (s *postgresTxStore) SaveCACertificate(ctx context.Context, certBytes []byte) error {
	return saveCACertificate(ctx, s.tx, certBytes)
}
func (s *postgresTxStore) GetCACertificate(ctx context.Context) ([]byte, error) {
	return getCACertificate(ctx, s.tx)
}

// --- OCSP Keys ---
func (s *postgresTxStore) SaveOCSPKey(ctx context.Context, key *model.OCSPKeyData) error {
	return saveOCSPKey(ctx, s.tx, key)
}
func (s *postgresTxStore) GetLatestOCSPKey(ctx context.Context) (*model.OCSPKeyData, error) {
	return getLatestOCSPKey(ctx, s.tx)
}
func (s *postgresTxStore) DeleteExpiredOCSPKeys(ctx context.Context, now time.Time) (int64, error) {
	return deleteExpiredOCSPKeys(ctx, s.tx, now)
}

// --- Certificate Data ---
func (s *postgresTxStore) SaveCertificateData(ctx context.Context, certData *model.CertificateData) error {
	return saveCertificateData(ctx, s.tx, certData)
}
func (s *postgresTxStore) GetCertificateData(ctx context.Context, serialNumber string) (*model.CertificateData, error) {
	return getCertificateData(ctx, s.tx, serialNumber)
}
func (s *postgresTxStore) CertificateSerialExists(ctx context.Context, serialNumber string) (bool, error) {
	return certificateSerialExists(ctx, s.tx, serialNumber)
}
func (s *postgresTxStore) MarkCertificateRevoked(ctx context.Context, serialNumber string, revokedAt time.Time, reasonCode int) (bool, error) {
	return markCertificateRevoked(ctx, s.tx, serialNumber, revokedAt, reasonCode)
}
func (s *postgresTxStore) ListRevokedCertificates(ctx context.Context, notExpiredAt time.Time) ([]*model.CertificateData, error) {
	return listRevokedCertificates(ctx, s.tx, notExpiredAt)
}

// --- API Key ---
func (s *postgresTxStore) SaveAPIKey(ctx context.Context, apiKey string, roles []string) error {
	return saveAPIKey(ctx, s.tx, apiKey, roles)
}
func (s *postgresTxStore) GetAPIKey(ctx context.Context, apiKey string) ([]string, error) {
	return getAPIKey(ctx, s.tx, apiKey)
}

// --- ACME Nonce ---
func (s *postgresTxStore) SaveNonce(ctx context.Context, nonce *model.Nonce) error {
	return saveNonce(ctx, s.tx, nonce)
}
func (s *postgresTxStore) ConsumeNonce(ctx context.Context, nonceValue string) (*model.Nonce, error) {
	return consumeNonce(ctx, s.tx, nonceValue)
}
func (s *postgresTxStore) DeleteExpiredNonces(ctx context.Context, now time.Time) (int64, error) {
	return deleteExpiredNonces(ctx, s.tx, now)
}

// --- ACME Account ---
func (s *postgresTxStore) SaveAccount(ctx context.Context, acc *model.Account) error {
	return saveAccount(ctx, s.tx, acc)
}
func (s *postgresTxStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return getAccount(ctx, s.tx, id)
}
func (s *postgresTxStore) GetAccountByKeyThumbprint(ctx context.Context, thumbprint string) (*model.Account, error) {
	return getAccountByKeyThumbprint(ctx, s.tx, thumbprint)
}

// --- ACME Order ---
func (s *postgresTxStore) SaveOrder(ctx context.Context, order *model.Order) error {
	return saveOrder(ctx, s.tx, order)
}
func (s *postgresTxStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return getOrder(ctx, s.tx, id)
}
func (s *postgresTxStore) GetOrdersByAccountID(ctx context.Context, accountID string) ([]*model.Order, error) {
	return getOrdersByAccountID(ctx, s.tx, accountID)
}
func (s *postgresTxStore) UpdateOrderStatus(ctx context.Context, orderID, fromStatus, toStatus string) (bool, error) {
	return updateOrderStatus(ctx, s.tx, orderID, fromStatus, toStatus)
}
func (s *postgresTxStore) SetOrderIssued(ctx context.Context, orderID, serialNumber string) (bool, error) {
	return setOrderIssued(ctx, s.tx, orderID, serialNumber)
}
func (s *postgresTxStore) FailOrder(ctx context.Context, orderID string, errorJSON string) (bool, error) {
	return failOrder(ctx, s.tx, orderID, errorJSON)
}
func (s *postgresTxStore) DeleteExpiredOrders(ctx context.Context, now time.Time) (int64, error) {
	return deleteExpiredOrders(ctx, s.tx, now)
}

// --- ACME Authorization ---
func (s *postgresTxStore) SaveAuthorization(ctx context.Context, authz *model.Authorization) error {
	return saveAuthorization(ctx, s.tx, authz)
}
func (s *postgresTxStore) GetAuthorization(ctx context.Context, id string) (*model.Authorization, error) {
	return getAuthorization(ctx, s.tx, id)
}
func (s *postgresTxStore) GetAuthorizationsByOrderID(ctx context.Context, orderID string) ([]*model.Authorization, error) {
	return getAuthorizationsByOrderID(ctx, s.tx, orderID)
}
func (s *postgresTxStore) UpdateAuthorizationStatus(ctx context.Context, authzID, fromStatus, toStatus string) (bool, error) {
	return updateAuthorizationStatus(ctx, s.tx, authzID, fromStatus, toStatus)
}

// --- ACME Challenge ---
func (s *postgresTxStore) SaveChallenge(ctx context.Context, chal *model.Challenge) error {
	return saveChallenge(ctx, s.tx, chal)
}
func (s *postgresTxStore) GetChallenge(ctx context.Context, id string) (*model.Challenge, error) {
	return getChallenge(ctx, s.tx, id)
}
func (s *postgresTxStore) GetChallengeByToken(ctx context.Context, token string) (*model.Challenge, error) {
	return getChallengeByToken(ctx, s.tx, token)
}
func (s *postgresTxStore) GetChallengesByAuthorizationID(ctx context.Context, authzID string) ([]*model.Challenge, error) {
	return getChallengesByAuthorizationID(ctx, s.tx, authzID)
}
func (s *postgresTxStore) UpdateChallengeStatus(ctx context.Context, challengeID, fromStatus, toStatus string) (bool, error) {
	return updateChallengeStatus(ctx, s.tx, challengeID, fromStatus, toStatus)
}
func (s *postgresTxStore) MarkChallengeValid(ctx context.Context, challengeID string, validatedAt time.Time) (bool, error) {
	return markChallengeValid(ctx, s.tx, challengeID, validatedAt)
}
func (s *postgresTxStore) MarkChallengeInvalid(ctx context.Context, challengeID string, errorJSON string) (bool, error) {
	return markChallengeInvalid(ctx, s.tx, challengeID, errorJSON)
}
func (s *postgresTxStore) IncrementChallengeAttempts(ctx context.Context, challengeID string) (int, error) {
	return incrementChallengeAttempts(ctx, s.tx, challengeID)
}

// --- Policy Methods ---
func (s *postgresTxStore) AddAllowedDomain(ctx context.Context, domain string) error {
	return addAllowedDomain(ctx, s.tx, domain)
}
func (s *postgresTxStore) DeleteAllowedDomain(ctx context.Context, domain string) error {
	return deleteAllowedDomain(ctx, s.tx, domain)
}
func (s *postgresTxStore) ListAllowedDomains(ctx context.Context) ([]string, error) {
	return listAllowedDomains(ctx, s.tx)
}
func (s *postgresTxStore) IsDomainAllowed(ctx context.Context, domain string) (bool, error) {
	return isDomainAllowed(ctx, s.tx, domain)
}
func (s *postgresTxStore) AddAllowedSuffix(ctx context.Context, suffix string) error {
	return addAllowedSuffix(ctx, s.tx, suffix)
}
func (s *postgresTxStore) DeleteAllowedSuffix(ctx context.Context, suffix string) error {
	return deleteAllowedSuffix(ctx, s.tx, suffix)
}
func (s *postgresTxStore) ListAllowedSuffixes(ctx context.Context) ([]string, error) {
	return listAllowedSuffixes(ctx, s.tx)
}
