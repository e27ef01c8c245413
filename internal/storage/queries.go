package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/certmill/certmill/internal/model"
)

// =============================================
// Unexported Helper Implementations
// =============================================

// --- CA Data Helpers ---

func saveCRL(ctx context.Context, q Querier, crlBytes []byte) error {
	query := `INSERT INTO crls (crl_data, created_at) VALUES ($1, NOW())`
	_, err := q.ExecContext(ctx, query, crlBytes)
	if err != nil {
		return fmt.Errorf("storage: failed to save CRL: %w", err)
	}
	logger.Debug("CRL saved")
	return nil
}

func getLatestCRL(ctx context.Context, q Querier) ([]byte, error) {
	query := `SELECT crl_data FROM crls ORDER BY created_at DESC, id DESC LIMIT 1`
	var crlBytes []byte
	err := q.QueryRowContext(ctx, query).Scan(&crlBytes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get latest CRL: %w", err)
	}
	return crlBytes, nil
}

func saveCAPrivateKey(ctx context.Context, q Querier, keyBytes []byte) error {
	query := `INSERT INTO ca_data (id, key_data) VALUES (1, $1) ON CONFLICT (id) DO UPDATE SET key_data = EXCLUDED.key_data`
	_, err := q.ExecContext(ctx, query, keyBytes)
	if err != nil {
		return fmt.Errorf("storage: failed to save CA private key: %w", err)
	}
	logger.Debug("CA private key saved")
	return nil
}

func getCAPrivateKey(ctx context.Context, q Querier) ([]byte, error) {
	query := `SELECT key_data FROM ca_data WHERE id = 1`
	var keyBytes []byte
	err := q.QueryRowContext(ctx, query).Scan(&keyBytes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get CA private key: %w", err)
	}
	return keyBytes, nil
}

func saveCACertificate(ctx context.Context, q Querier, certBytes []byte) error {
	query := `INSERT INTO ca_data (id, cert_data) VALUES (1, $1) ON CONFLICT (id) DO UPDATE SET cert_data = EXCLUDED.cert_data`
	_, err := q.ExecContext(ctx, query, certBytes)
	if err != nil {
		return fmt.Errorf("storage: failed to save CA certificate: %w", err)
	}
	logger.Debug("CA certificate saved")
	return nil
}

func getCACertificate(ctx context.Context, q Querier) ([]byte, error) {
	query := `SELECT cert_data FROM ca_data WHERE id = 1`
	var certBytes []byte
	err := q.QueryRowContext(ctx, query).Scan(&certBytes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get CA certificate: %w", err)
	}
	return certBytes, nil
}

// --- OCSP Key Helpers ---

func saveOCSPKey(ctx context.Context, q Querier, key *model.OCSPKeyData) error {
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now()
	}
	query := `INSERT INTO ocsp_keys (id, certificate_pem, private_key_pem, not_before, not_after, created_at)
        VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (id) DO NOTHING`
	_, err := q.ExecContext(ctx, query, key.ID, key.CertificatePEM, key.PrivateKeyPEM, key.NotBefore, key.NotAfter, key.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save OCSP key '%s': %w", key.ID, err)
	}
	logger.Debug("OCSP responder key saved", zap.String("keyID", key.ID), zap.Time("notAfter", key.NotAfter))
	return nil
}

func getLatestOCSPKey(ctx context.Context, q Querier) (*model.OCSPKeyData, error) {
	query := `SELECT id, certificate_pem, private_key_pem, not_before, not_after, created_at
        FROM ocsp_keys ORDER BY not_after DESC LIMIT 1`
	var key model.OCSPKeyData
	err := q.QueryRowContext(ctx, query).Scan(&key.ID, &key.CertificatePEM, &key.PrivateKeyPEM, &key.NotBefore, &key.NotAfter, &key.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get latest OCSP key: %w", err)
	}
	return &key, nil
}

func deleteExpiredOCSPKeys(ctx context.Context, q Querier, now time.Time) (int64, error) {
	query := `DELETE FROM ocsp_keys WHERE not_after <= $1`
	res, err := q.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("storage: failed to delete expired OCSP keys: %w", err)
	}
	rowsAffected, _ := res.RowsAffected()
	if rowsAffected > 0 {
		logger.Info("Deleted expired OCSP keys", zap.Int64("count", rowsAffected))
	}
	return rowsAffected, nil
}

// --- Certificate Data Helpers ---

func saveCertificateData(ctx context.Context, q Querier, certData *model.CertificateData) error {
	// Insert-only: certificates are immutable once issued. Revocation goes
	// through markCertificateRevoked.
	query := `
        INSERT INTO certificates_data
            (serial_number, certificate_pem, chain_pem, issued_at, expires_at, account_id, order_id, revoked, revoked_at, revocation_reason)
        VALUES ($1, $2, $3, $4, $5, $6, $7, false, NULL, NULL)`
	var sqlChainPEM sql.NullString
	if certData.ChainPEM != "" {
		sqlChainPEM = sql.NullString{String: certData.ChainPEM, Valid: true}
	}
	_, err := q.ExecContext(ctx, query, certData.SerialNumber, certData.CertificatePEM, sqlChainPEM,
		certData.IssuedAt, certData.ExpiresAt, certData.AccountID, certData.OrderID)
	if err != nil {
		return fmt.Errorf("storage: failed to save certificate data for serial '%s': %w", certData.SerialNumber, err)
	}
	logger.Debug("Certificate data saved", zap.String("serialNumber", certData.SerialNumber))
	return nil
}

func scanCertificateData(scan func(dest ...interface{}) error) (*model.CertificateData, error) {
	var certData model.CertificateData
	var sqlChainPEM sql.NullString
	var sqlRevokedAt sql.NullTime
	var sqlRevocationReason sql.NullInt32
	err := scan(&certData.SerialNumber, &certData.CertificatePEM, &sqlChainPEM, &certData.IssuedAt, &certData.ExpiresAt,
		&certData.AccountID, &certData.OrderID, &certData.Revoked, &sqlRevokedAt, &sqlRevocationReason)
	if err != nil {
		return nil, err
	}
	if sqlChainPEM.Valid {
		certData.ChainPEM = sqlChainPEM.String
	}
	if sqlRevokedAt.Valid {
		certData.RevokedAt = sqlRevokedAt.Time
	}
	if sqlRevocationReason.Valid {
		certData.RevocationReason = int(sqlRevocationReason.Int32)
	}
	return &certData, nil
}

const certificateColumns = `serial_number, certificate_pem, chain_pem, issued_at, expires_at, account_id, order_id, revoked, revoked_at, revocation_reason`

func getCertificateData(ctx context.Context, q Querier, serialNumber string) (*model.CertificateData, error) {
	query := `SELECT ` + certificateColumns + ` FROM certificates_data WHERE serial_number = $1`
	row := q.QueryRowContext(ctx, query, serialNumber)
	certData, err := scanCertificateData(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get certificate data for serial '%s': %w", serialNumber, err)
	}
	return certData, nil
}

func certificateSerialExists(ctx context.Context, q Querier, serialNumber string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM certificates_data WHERE serial_number = $1)`
	var exists bool
	if err := q.QueryRowContext(ctx, query, serialNumber).Scan(&exists); err != nil {
		return false, fmt.Errorf("storage: failed to check serial '%s': %w", serialNumber, err)
	}
	return exists, nil
}

func markCertificateRevoked(ctx context.Context, q Querier, serialNumber string, revokedAt time.Time, reasonCode int) (bool, error) {
	// The revoked = false guard makes revocation write-once.
	query := `UPDATE certificates_data SET revoked = true, revoked_at = $2, revocation_reason = $3
        WHERE serial_number = $1 AND revoked = false`
	if revokedAt.IsZero() {
		revokedAt = time.Now()
	}
	result, err := q.ExecContext(ctx, query, serialNumber, revokedAt, reasonCode)
	if err != nil {
		return false, fmt.Errorf("storage: failed to revoke certificate serial '%s': %w", serialNumber, err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		logger.Debug("Revocation update affected 0 rows (missing or already revoked)", zap.String("serialNumber", serialNumber))
		return false, nil
	}
	logger.Info("Certificate marked revoked", zap.String("serialNumber", serialNumber), zap.Int("reasonCode", reasonCode))
	return true, nil
}

func listRevokedCertificates(ctx context.Context, q Querier, notExpiredAt time.Time) ([]*model.CertificateData, error) {
	query := `SELECT ` + certificateColumns + ` FROM certificates_data
        WHERE revoked = true AND expires_at > $1 ORDER BY serial_number`
	rows, err := q.QueryContext(ctx, query, notExpiredAt)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to query revoked certificates: %w", err)
	}
	defer rows.Close()
	revokedCerts := make([]*model.CertificateData, 0)
	for rows.Next() {
		certData, err := scanCertificateData(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("storage: failed to scan revoked certificate row: %w", err)
		}
		revokedCerts = append(revokedCerts, certData)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating revoked certificate rows: %w", err)
	}
	return revokedCerts, nil
}

// --- API Key Helpers ---

func saveAPIKey(ctx context.Context, q Querier, apiKey string, roles []string) error {
	query := `INSERT INTO api_keys (api_key, roles) VALUES ($1, $2) ON CONFLICT (api_key) DO UPDATE SET roles = EXCLUDED.roles`
	_, err := q.ExecContext(ctx, query, apiKey, pq.Array(roles))
	if err != nil {
		apiKeyPrefix := apiKey[:min(8, len(apiKey))] + "..."
		return fmt.Errorf("storage: failed to save API key '%s': %w", apiKeyPrefix, err)
	}
	logger.Debug("API key saved/updated")
	return nil
}

func getAPIKey(ctx context.Context, q Querier, apiKey string) ([]string, error) {
	query := `SELECT roles FROM api_keys WHERE api_key = $1`
	var roles pq.StringArray
	err := q.QueryRowContext(ctx, query, apiKey).Scan(&roles)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		apiKeyPrefix := apiKey[:min(8, len(apiKey))] + "..."
		return nil, fmt.Errorf("storage: failed to get API key '%s': %w", apiKeyPrefix, err)
	}
	return []string(roles), nil
}

// --- ACME Nonce Helpers ---

func saveNonce(ctx context.Context, q Querier, nonce *model.Nonce) error {
	query := `INSERT INTO acme_nonces (value, expires_at, issued_at) VALUES ($1, $2, $3)`
	_, err := q.ExecContext(ctx, query, nonce.Value, nonce.ExpiresAt, nonce.IssuedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save nonce '%s': %w", nonce.Value, err)
	}
	logger.Debug("Nonce saved", zap.String("nonce", nonce.Value))
	return nil
}

func consumeNonce(ctx context.Context, q Querier, nonceValue string) (*model.Nonce, error) {
	// DELETE ... RETURNING is the atomic check-and-invalidate: for N
	// concurrent consumers of the same value, exactly one row comes back.
	query := `DELETE FROM acme_nonces WHERE value = $1 AND expires_at > NOW() RETURNING value, expires_at, issued_at`
	var nonce model.Nonce
	err := q.QueryRowContext(ctx, query, nonceValue).Scan(&nonce.Value, &nonce.ExpiresAt, &nonce.IssuedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Invalid/Used/Expired
		}
		return nil, fmt.Errorf("storage: failed to consume nonce '%s': %w", nonceValue, err)
	}
	logger.Debug("Nonce consumed", zap.String("nonce", nonce.Value))
	return &nonce, nil
}

func deleteExpiredNonces(ctx context.Context, q Querier, now time.Time) (int64, error) {
	query := `DELETE FROM acme_nonces WHERE expires_at <= $1`
	res, err := q.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("storage: failed to delete expired nonces: %w", err)
	}
	rowsAffected, _ := res.RowsAffected()
	if rowsAffected > 0 {
		logger.Info("Deleted expired nonces", zap.Int64("count", rowsAffected))
	}
	return rowsAffected, nil
}

// --- ACME Account Helpers ---

func saveAccount(ctx context.Context, q Querier, acc *model.Account) error {
	now := time.Now()
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now
	}
	acc.LastModifiedAt = now
	// key_thumbprint is immutable; the conflict clause does not touch it or
	// the stored key.
	query := `
        INSERT INTO acme_accounts (id, public_key_jwk, key_thumbprint, contact, status, tos_agreed, created_at, last_modified_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (id) DO UPDATE SET
            contact = EXCLUDED.contact, status = EXCLUDED.status,
            tos_agreed = EXCLUDED.tos_agreed, last_modified_at = EXCLUDED.last_modified_at`
	_, err := q.ExecContext(ctx, query,
		acc.ID,
		acc.PublicKeyJWK,
		acc.KeyThumbprint,
		pq.Array(acc.Contact),
		acc.Status,
		acc.TermsOfService,
		acc.CreatedAt,
		acc.LastModifiedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: failed to save account '%s': %w", acc.ID, err)
	}
	logger.Debug("Account saved", zap.String("accountID", acc.ID))
	return nil
}

func scanAccount(scan func(dest ...interface{}) error) (*model.Account, error) {
	var acc model.Account
	var contacts pq.StringArray
	err := scan(&acc.ID, &acc.PublicKeyJWK, &acc.KeyThumbprint, &contacts, &acc.Status, &acc.TermsOfService, &acc.CreatedAt, &acc.LastModifiedAt)
	if err != nil {
		return nil, err
	}
	acc.Contact = []string(contacts)
	return &acc, nil
}

const accountColumns = `id, public_key_jwk, key_thumbprint, contact, status, tos_agreed, created_at, last_modified_at`

func getAccount(ctx context.Context, q Querier, id string) (*model.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM acme_accounts WHERE id = $1`
	row := q.QueryRowContext(ctx, query, id)
	acc, err := scanAccount(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get account '%s': %w", id, err)
	}
	return acc, nil
}

func getAccountByKeyThumbprint(ctx context.Context, q Querier, thumbprint string) (*model.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM acme_accounts WHERE key_thumbprint = $1`
	row := q.QueryRowContext(ctx, query, thumbprint)
	acc, err := scanAccount(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get account by thumbprint: %w", err)
	}
	return acc, nil
}

// --- ACME Order Helpers ---

func saveOrder(ctx context.Context, q Querier, order *model.Order) error {
	now := time.Now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.LastModifiedAt = now
	if order.IdentifiersJSON == "" && len(order.Identifiers) > 0 {
		idBytes, err := json.Marshal(order.Identifiers)
		if err != nil {
			return fmt.Errorf("storage: failed to marshal order identifiers: %w", err)
		}
		order.IdentifiersJSON = string(idBytes)
	}
	var sqlErrorJSON sql.NullString
	if order.ErrorJSON != "" {
		sqlErrorJSON = sql.NullString{String: order.ErrorJSON, Valid: true}
	}
	var sqlSerial sql.NullString
	if order.CertificateSerial != "" {
		sqlSerial = sql.NullString{String: order.CertificateSerial, Valid: true}
	}
	query := `
        INSERT INTO acme_orders (id, account_id, status, expires_at, identifiers_json, error_json, certificate_serial, created_at, last_modified_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (id) DO UPDATE SET
            status = EXCLUDED.status, error_json = EXCLUDED.error_json,
            certificate_serial = EXCLUDED.certificate_serial, last_modified_at = EXCLUDED.last_modified_at`
	_, err := q.ExecContext(ctx, query, order.ID, order.AccountID, order.Status, order.Expires,
		order.IdentifiersJSON, sqlErrorJSON, sqlSerial, order.CreatedAt, order.LastModifiedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save order '%s': %w", order.ID, err)
	}
	logger.Debug("Order saved", zap.String("orderID", order.ID), zap.String("status", order.Status))
	return nil
}

func scanOrder(scan func(dest ...interface{}) error) (*model.Order, error) {
	var order model.Order
	var sqlErrorJSON, sqlSerial sql.NullString
	err := scan(&order.ID, &order.AccountID, &order.Status, &order.Expires, &order.IdentifiersJSON,
		&sqlErrorJSON, &sqlSerial, &order.CreatedAt, &order.LastModifiedAt)
	if err != nil {
		return nil, err
	}
	if sqlErrorJSON.Valid {
		order.ErrorJSON = sqlErrorJSON.String
		var prob model.ProblemDetails
		if err := json.Unmarshal([]byte(order.ErrorJSON), &prob); err == nil {
			order.Error = &prob
		}
	}
	if sqlSerial.Valid {
		order.CertificateSerial = sqlSerial.String
	}
	if order.IdentifiersJSON != "" {
		if err := json.Unmarshal([]byte(order.IdentifiersJSON), &order.Identifiers); err != nil {
			return nil, fmt.Errorf("storage: failed to unmarshal order identifiers: %w", err)
		}
	}
	return &order, nil
}

const orderColumns = `id, account_id, status, expires_at, identifiers_json, error_json, certificate_serial, created_at, last_modified_at`

func getOrder(ctx context.Context, q Querier, id string) (*model.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM acme_orders WHERE id = $1`
	row := q.QueryRowContext(ctx, query, id)
	order, err := scanOrder(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get order '%s': %w", id, err)
	}
	return order, nil
}

func getOrdersByAccountID(ctx context.Context, q Querier, accountID string) ([]*model.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM acme_orders WHERE account_id = $1 ORDER BY created_at DESC`
	rows, err := q.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to query orders for account '%s': %w", accountID, err)
	}
	defer rows.Close()
	orders := make([]*model.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("storage: failed to scan order row: %w", err)
		}
		orders = append(orders, order)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating order rows: %w", err)
	}
	return orders, nil
}

func updateOrderStatus(ctx context.Context, q Querier, orderID, fromStatus, toStatus string) (bool, error) {
	query := `UPDATE acme_orders SET status = $3, last_modified_at = NOW() WHERE id = $1 AND status = $2`
	result, err := q.ExecContext(ctx, query, orderID, fromStatus, toStatus)
	if err != nil {
		return false, fmt.Errorf("storage: failed to update order '%s' status: %w", orderID, err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		logger.Debug("Conditional order status update lost the race",
			zap.String("orderID", orderID), zap.String("from", fromStatus), zap.String("to", toStatus))
		return false, nil
	}
	logger.Debug("Order status updated", zap.String("orderID", orderID), zap.String("from", fromStatus), zap.String("to", toStatus))
	return true, nil
}

func setOrderIssued(ctx context.Context, q Querier, orderID, serialNumber string) (bool, error) {
	query := `UPDATE acme_orders SET status = $3, certificate_serial = $2, error_json = NULL, last_modified_at = NOW()
        WHERE id = $1 AND status = $4`
	result, err := q.ExecContext(ctx, query, orderID, serialNumber, model.StatusValid, model.StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("storage: failed to set order '%s' issued: %w", orderID, err)
	}
	rowsAffected, _ := result.RowsAffected()
	return rowsAffected == 1, nil
}

func failOrder(ctx context.Context, q Querier, orderID string, errorJSON string) (bool, error) {
	var sqlErrorJSON sql.NullString
	if errorJSON != "" {
		sqlErrorJSON = sql.NullString{String: errorJSON, Valid: true}
	}
	// Only live orders can fail; valid and invalid are terminal.
	query := `UPDATE acme_orders SET status = $3, error_json = $2, last_modified_at = NOW()
        WHERE id = $1 AND status IN ($4, $5, $6)`
	result, err := q.ExecContext(ctx, query, orderID, sqlErrorJSON, model.StatusInvalid,
		model.StatusPending, model.StatusReady, model.StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("storage: failed to fail order '%s': %w", orderID, err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		logger.Debug("Order already settled, not marking invalid", zap.String("orderID", orderID))
		return false, nil
	}
	logger.Debug("Order marked invalid", zap.String("orderID", orderID))
	return true, nil
}

func deleteExpiredOrders(ctx context.Context, q Querier, now time.Time) (int64, error) {
	// Orders that produced a certificate are kept for the certificate's audit
	// trail; their authorizations and challenges cascade when they go.
	query := `DELETE FROM acme_orders WHERE expires_at <= $1 AND certificate_serial IS NULL`
	res, err := q.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("storage: failed to delete expired orders: %w", err)
	}
	rowsAffected, _ := res.RowsAffected()
	if rowsAffected > 0 {
		logger.Info("Deleted expired orders", zap.Int64("count", rowsAffected))
	}
	return rowsAffected, nil
}

// --- ACME Authorization Helpers ---

func saveAuthorization(ctx context.Context, q Querier, authz *model.Authorization) error {
	if authz.CreatedAt.IsZero() {
		authz.CreatedAt = time.Now()
	}
	if authz.IdentifierJSON == "" {
		idBytes, err := json.Marshal(authz.Identifier)
		if err != nil {
			return fmt.Errorf("storage: failed to marshal authorization identifier: %w", err)
		}
		authz.IdentifierJSON = string(idBytes)
	}
	query := `
        INSERT INTO acme_authorizations (id, account_id, order_id, identifier_json, status, expires_at, wildcard, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status`
	_, err := q.ExecContext(ctx, query, authz.ID, authz.AccountID, authz.OrderID, authz.IdentifierJSON,
		authz.Status, authz.Expires, authz.Wildcard, authz.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save authorization '%s': %w", authz.ID, err)
	}
	logger.Debug("Authorization saved", zap.String("authzID", authz.ID), zap.String("status", authz.Status))
	return nil
}

func scanAuthorization(scan func(dest ...interface{}) error) (*model.Authorization, error) {
	var authz model.Authorization
	err := scan(&authz.ID, &authz.AccountID, &authz.OrderID, &authz.IdentifierJSON,
		&authz.Status, &authz.Expires, &authz.Wildcard, &authz.CreatedAt)
	if err != nil {
		return nil, err
	}
	if authz.IdentifierJSON != "" {
		if err := json.Unmarshal([]byte(authz.IdentifierJSON), &authz.Identifier); err != nil {
			return nil, fmt.Errorf("storage: failed to unmarshal authorization identifier: %w", err)
		}
	}
	return &authz, nil
}

const authorizationColumns = `id, account_id, order_id, identifier_json, status, expires_at, wildcard, created_at`

func getAuthorization(ctx context.Context, q Querier, id string) (*model.Authorization, error) {
	query := `SELECT ` + authorizationColumns + ` FROM acme_authorizations WHERE id = $1`
	row := q.QueryRowContext(ctx, query, id)
	authz, err := scanAuthorization(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get authorization '%s': %w", id, err)
	}
	return authz, nil
}

func getAuthorizationsByOrderID(ctx context.Context, q Querier, orderID string) ([]*model.Authorization, error) {
	query := `SELECT ` + authorizationColumns + ` FROM acme_authorizations WHERE order_id = $1 ORDER BY created_at`
	rows, err := q.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to query authorizations for order '%s': %w", orderID, err)
	}
	defer rows.Close()
	authzs := make([]*model.Authorization, 0)
	for rows.Next() {
		authz, err := scanAuthorization(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("storage: failed to scan authorization row: %w", err)
		}
		authzs = append(authzs, authz)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating authorization rows: %w", err)
	}
	return authzs, nil
}

func updateAuthorizationStatus(ctx context.Context, q Querier, authzID, fromStatus, toStatus string) (bool, error) {
	query := `UPDATE acme_authorizations SET status = $3 WHERE id = $1 AND status = $2`
	if toStatus == model.StatusValid {
		// An authorization cannot become valid after its expiry, even if the
		// probe that proved control only finished late.
		query += ` AND expires_at > NOW()`
	}
	result, err := q.ExecContext(ctx, query, authzID, fromStatus, toStatus)
	if err != nil {
		return false, fmt.Errorf("storage: failed to update authorization '%s' status: %w", authzID, err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		logger.Debug("Conditional authorization status update lost the race",
			zap.String("authzID", authzID), zap.String("from", fromStatus), zap.String("to", toStatus))
		return false, nil
	}
	logger.Debug("Authorization status updated", zap.String("authzID", authzID), zap.String("from", fromStatus), zap.String("to", toStatus))
	return true, nil
}

// --- ACME Challenge Helpers ---

func saveChallenge(ctx context.Context, q Querier, chal *model.Challenge) error {
	if chal.CreatedAt.IsZero() {
		chal.CreatedAt = time.Now()
	}
	var sqlValidated sql.NullTime
	if chal.Validated != nil {
		sqlValidated = sql.NullTime{Time: *chal.Validated, Valid: true}
	}
	var sqlErrorJSON sql.NullString
	if chal.ErrorJSON != "" {
		sqlErrorJSON = sql.NullString{String: chal.ErrorJSON, Valid: true}
	}
	query := `
        INSERT INTO acme_challenges (id, authorization_id, type, status, token, validated_at, error_json, attempts, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (id) DO UPDATE SET
            status = EXCLUDED.status, validated_at = EXCLUDED.validated_at,
            error_json = EXCLUDED.error_json, attempts = EXCLUDED.attempts`
	_, err := q.ExecContext(ctx, query, chal.ID, chal.AuthorizationID, chal.Type, chal.Status,
		chal.Token, sqlValidated, sqlErrorJSON, chal.Attempts, chal.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: failed to save challenge '%s': %w", chal.ID, err)
	}
	logger.Debug("Challenge saved", zap.String("challengeID", chal.ID), zap.String("status", chal.Status))
	return nil
}

func scanChallenge(scan func(dest ...interface{}) error) (*model.Challenge, error) {
	var chal model.Challenge
	var sqlValidated sql.NullTime
	var sqlErrorJSON sql.NullString
	err := scan(&chal.ID, &chal.AuthorizationID, &chal.Type, &chal.Status, &chal.Token,
		&sqlValidated, &sqlErrorJSON, &chal.Attempts, &chal.CreatedAt)
	if err != nil {
		return nil, err
	}
	if sqlValidated.Valid {
		t := sqlValidated.Time
		chal.Validated = &t
	}
	if sqlErrorJSON.Valid {
		chal.ErrorJSON = sqlErrorJSON.String
		var prob model.ProblemDetails
		if err := json.Unmarshal([]byte(chal.ErrorJSON), &prob); err == nil {
			chal.Error = &prob
		}
	}
	return &chal, nil
}

const challengeColumns = `id, authorization_id, type, status, token, validated_at, error_json, attempts, created_at`

func getChallenge(ctx context.Context, q Querier, id string) (*model.Challenge, error) {
	query := `SELECT ` + challengeColumns + ` FROM acme_challenges WHERE id = $1`
	row := q.QueryRowContext(ctx, query, id)
	chal, err := scanChallenge(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get challenge '%s': %w", id, err)
	}
	return chal, nil
}

func getChallengeByToken(ctx context.Context, q Querier, token string) (*model.Challenge, error) {
	query := `SELECT ` + challengeColumns + ` FROM acme_challenges WHERE token = $1`
	row := q.QueryRowContext(ctx, query, token)
	chal, err := scanChallenge(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: failed to get challenge by token: %w", err)
	}
	return chal, nil
}

func getChallengesByAuthorizationID(ctx context.Context, q Querier, authzID string) ([]*model.Challenge, error) {
	query := `SELECT ` + challengeColumns + ` FROM acme_challenges WHERE authorization_id = $1 ORDER BY created_at`
	rows, err := q.QueryContext(ctx, query, authzID)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to query challenges for authorization '%s': %w", authzID, err)
	}
	defer rows.Close()
	chals := make([]*model.Challenge, 0)
	for rows.Next() {
		chal, err := scanChallenge(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("storage: failed to scan challenge row: %w", err)
		}
		chals = append(chals, chal)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating challenge rows: %w", err)
	}
	return chals, nil
}

func updateChallengeStatus(ctx context.Context, q Querier, challengeID, fromStatus, toStatus string) (bool, error) {
	query := `UPDATE acme_challenges SET status = $3 WHERE id = $1 AND status = $2`
	result, err := q.ExecContext(ctx, query, challengeID, fromStatus, toStatus)
	if err != nil {
		return false, fmt.Errorf("storage: failed to update challenge '%s' status: %w", challengeID, err)
	}
	rowsAffected, _ := result.RowsAffected()
	return rowsAffected == 1, nil
}

func markChallengeValid(ctx context.Context, q Querier, challengeID string, validatedAt time.Time) (bool, error) {
	query := `UPDATE acme_challenges SET status = $3, validated_at = $2, error_json = NULL
        WHERE id = $1 AND status = $4`
	result, err := q.ExecContext(ctx, query, challengeID, validatedAt, model.StatusValid, model.StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("storage: failed to mark challenge '%s' valid: %w", challengeID, err)
	}
	rowsAffected, _ := result.RowsAffected()
	return rowsAffected == 1, nil
}

func markChallengeInvalid(ctx context.Context, q Querier, challengeID string, errorJSON string) (bool, error) {
	var sqlErrorJSON sql.NullString
	if errorJSON != "" {
		sqlErrorJSON = sql.NullString{String: errorJSON, Valid: true}
	}
	query := `UPDATE acme_challenges SET status = $3, error_json = $2 WHERE id = $1 AND status = $4`
	result, err := q.ExecContext(ctx, query, challengeID, sqlErrorJSON, model.StatusInvalid, model.StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("storage: failed to mark challenge '%s' invalid: %w", challengeID, err)
	}
	rowsAffected, _ := result.RowsAffected()
	return rowsAffected == 1, nil
}

func incrementChallengeAttempts(ctx context.Context, q Querier, challengeID string) (int, error) {
	query := `UPDATE acme_challenges SET attempts = attempts + 1 WHERE id = $1 RETURNING attempts`
	var attempts int
	err := q.QueryRowContext(ctx, query, challengeID).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("storage: failed to increment attempts for challenge '%s': %w", challengeID, err)
	}
	return attempts, nil
}

// --- Policy Helpers ---

func normalizeDomain(domain string) string {
	return strings.ToLower(strings.TrimSpace(domain))
}

func normalizeSuffix(suffix string) string {
	return strings.TrimPrefix(normalizeDomain(suffix), ".")
}

func addAllowedDomain(ctx context.Context, q Querier, domain string) error {
	query := `INSERT INTO policy_allowed_domains (domain) VALUES ($1) ON CONFLICT (domain) DO NOTHING`
	_, err := q.ExecContext(ctx, query, normalizeDomain(domain))
	if err != nil {
		return fmt.Errorf("storage: failed to add allowed domain '%s': %w", domain, err)
	}
	return nil
}

func deleteAllowedDomain(ctx context.Context, q Querier, domain string) error {
	query := `DELETE FROM policy_allowed_domains WHERE domain = $1`
	_, err := q.ExecContext(ctx, query, normalizeDomain(domain))
	if err != nil {
		return fmt.Errorf("storage: failed to delete allowed domain '%s': %w", domain, err)
	}
	return nil
}

func listAllowedDomains(ctx context.Context, q Querier) ([]string, error) {
	query := `SELECT domain FROM policy_allowed_domains ORDER BY domain`
	return listStrings(ctx, q, query, "allowed domains")
}

func addAllowedSuffix(ctx context.Context, q Querier, suffix string) error {
	query := `INSERT INTO policy_allowed_suffixes (suffix) VALUES ($1) ON CONFLICT (suffix) DO NOTHING`
	_, err := q.ExecContext(ctx, query, normalizeSuffix(suffix))
	if err != nil {
		return fmt.Errorf("storage: failed to add allowed suffix '%s': %w", suffix, err)
	}
	return nil
}

func deleteAllowedSuffix(ctx context.Context, q Querier, suffix string) error {
	query := `DELETE FROM policy_allowed_suffixes WHERE suffix = $1`
	_, err := q.ExecContext(ctx, query, normalizeSuffix(suffix))
	if err != nil {
		return fmt.Errorf("storage: failed to delete allowed suffix '%s': %w", suffix, err)
	}
	return nil
}

func listAllowedSuffixes(ctx context.Context, q Querier) ([]string, error) {
	query := `SELECT suffix FROM policy_allowed_suffixes ORDER BY suffix`
	return listStrings(ctx, q, query, "allowed suffixes")
}

func isDomainAllowed(ctx context.Context, q Querier, domain string) (bool, error) {
	domain = normalizeDomain(domain)

	// Exact match first.
	var exists bool
	err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM policy_allowed_domains WHERE domain = $1)`, domain).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: failed to check allowed domain '%s': %w", domain, err)
	}
	if exists {
		return true, nil
	}

	// Suffix match: "example.com" allows "www.example.com" and "example.com" itself.
	err = q.QueryRowContext(ctx, `SELECT EXISTS (
            SELECT 1 FROM policy_allowed_suffixes
            WHERE $1 = suffix OR $1 LIKE '%.' || suffix
        )`, domain).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: failed to check allowed suffix for '%s': %w", domain, err)
	}
	return exists, nil
}

func listStrings(ctx context.Context, q Querier, query string, what string) ([]string, error) {
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to list %s: %w", what, err)
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("storage: failed to scan %s row: %w", what, err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: error iterating %s rows: %w", what, err)
	}
	return out, nil
}
