package storage_test

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certmill/certmill/internal/model"
	"github.com/certmill/certmill/internal/storage"
	"github.com/certmill/certmill/internal/testutils"
)

func newTestStore(t *testing.T) storage.Storage {
	t.Helper()
	dbConnStr, dbCleanup := testutils.SetupTestDB(t)
	t.Cleanup(dbCleanup)

	parsedURL, err := url.Parse(dbConnStr)
	require.NoError(t, err)
	port, err := strconv.Atoi(parsedURL.Port())
	require.NoError(t, err)
	user := parsedURL.User.Username()
	password, _ := parsedURL.User.Password()

	store, err := storage.NewPostgreSQLStorage(
		parsedURL.Hostname(), user, password,
		strings.TrimPrefix(parsedURL.Path, "/"), port,
		"disable", "", "", "",
	)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestConsumeNonce_ExactlyOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	value := uuid.NewString()
	require.NoError(t, store.SaveNonce(ctx, &model.Nonce{
		Value:     value,
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	// Many goroutines race for the same nonce; exactly one wins.
	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			nonce, err := store.ConsumeNonce(ctx, value)
			assert.NoError(t, err)
			if nonce != nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count, "exactly one consumer should win the nonce")
}

func TestConsumeNonce_Expired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	value := uuid.NewString()
	require.NoError(t, store.SaveNonce(ctx, &model.Nonce{
		Value:     value,
		IssuedAt:  time.Now().Add(-2 * time.Hour),
		ExpiresAt: time.Now().Add(-time.Hour),
	}))

	nonce, err := store.ConsumeNonce(ctx, value)
	require.NoError(t, err)
	assert.Nil(t, nonce, "expired nonce must not be consumable")
}

func saveTestOrder(t *testing.T, store storage.Storage, status string, expires time.Time) *model.Order {
	t.Helper()
	order := &model.Order{
		ID:          uuid.NewString(),
		AccountID:   testutils.CreateTestAccount(t, store),
		Status:      status,
		Expires:     expires,
		Identifiers: []model.Identifier{{Type: "dns", Value: "example.com"}},
	}
	require.NoError(t, store.SaveOrder(context.Background(), order))
	return order
}

func TestUpdateOrderStatus_Conditional(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	order := saveTestOrder(t, store, model.StatusReady, time.Now().Add(time.Hour))

	won, err := store.UpdateOrderStatus(ctx, order.ID, model.StatusReady, model.StatusProcessing)
	require.NoError(t, err)
	assert.True(t, won)

	// The transition is spent; a second identical update loses.
	won, err = store.UpdateOrderStatus(ctx, order.ID, model.StatusReady, model.StatusProcessing)
	require.NoError(t, err)
	assert.False(t, won)

	reloaded, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, reloaded.Status)
}

func TestFailOrder_OnlyLiveOrders(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	probJSON := `{"type":"urn:ietf:params:acme:error:connection"}`

	live := saveTestOrder(t, store, model.StatusReady, time.Now().Add(time.Hour))
	failed, err := store.FailOrder(ctx, live.ID, probJSON)
	require.NoError(t, err)
	assert.True(t, failed)

	// A valid order keeps its status and certificate.
	issued := saveTestOrder(t, store, model.StatusProcessing, time.Now().Add(time.Hour))
	ok, err := store.SetOrderIssued(ctx, issued.ID, "beef77")
	require.NoError(t, err)
	require.True(t, ok)

	failed, err = store.FailOrder(ctx, issued.ID, probJSON)
	require.NoError(t, err)
	assert.False(t, failed)

	reloaded, err := store.GetOrder(ctx, issued.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusValid, reloaded.Status)
	assert.Equal(t, "beef77", reloaded.CertificateSerial)
	assert.Nil(t, reloaded.Error)
}

func TestUpdateAuthorizationStatus_ExpiredCannotBecomeValid(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	order := saveTestOrder(t, store, model.StatusPending, time.Now().Add(time.Hour))
	authz := &model.Authorization{
		ID:         uuid.NewString(),
		AccountID:  order.AccountID,
		OrderID:    order.ID,
		Identifier: model.Identifier{Type: "dns", Value: "late.example.com"},
		Status:     model.StatusPending,
		Expires:    time.Now().Add(-time.Minute),
	}
	require.NoError(t, store.SaveAuthorization(ctx, authz))

	ok, err := store.UpdateAuthorizationStatus(ctx, authz.ID, model.StatusPending, model.StatusValid)
	require.NoError(t, err)
	assert.False(t, ok, "a probe finishing after expiry must not validate the authorization")

	// Invalidation is still possible after expiry.
	ok, err = store.UpdateAuthorizationStatus(ctx, authz.ID, model.StatusPending, model.StatusInvalid)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSetOrderIssued_ClearsError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	order := saveTestOrder(t, store, model.StatusProcessing, time.Now().Add(time.Hour))

	ok, err := store.SetOrderIssued(ctx, order.ID, "abc123")
	require.NoError(t, err)
	require.True(t, ok)

	reloaded, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusValid, reloaded.Status)
	assert.Equal(t, "abc123", reloaded.CertificateSerial)
	assert.Nil(t, reloaded.Error)

	// Only processing orders can be issued.
	ok, err = store.SetOrderIssued(ctx, order.ID, "def456")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteExpiredOrders_KeepsIssued(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)

	expired := saveTestOrder(t, store, model.StatusPending, past)
	issued := saveTestOrder(t, store, model.StatusProcessing, past)
	live := saveTestOrder(t, store, model.StatusPending, time.Now().Add(time.Hour))

	ok, err := store.SetOrderIssued(ctx, issued.ID, "feed01")
	require.NoError(t, err)
	require.True(t, ok)

	deleted, err := store.DeleteExpiredOrders(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	// Running it again is a no-op.
	deleted, err = store.DeleteExpiredOrders(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, deleted)

	gone, err := store.GetOrder(ctx, expired.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
	kept, err := store.GetOrder(ctx, issued.ID)
	require.NoError(t, err)
	require.NotNil(t, kept, "orders with an issued certificate survive cleanup")
	stillLive, err := store.GetOrder(ctx, live.ID)
	require.NoError(t, err)
	require.NotNil(t, stillLive)
}

func TestMarkCertificateRevoked_Monotonic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	serial := "cafe42"
	require.NoError(t, store.SaveCertificateData(ctx, &model.CertificateData{
		SerialNumber:   serial,
		CertificatePEM: "-----BEGIN CERTIFICATE-----\nMIIB\n-----END CERTIFICATE-----\n",
		IssuedAt:       time.Now(),
		ExpiresAt:      time.Now().Add(24 * time.Hour),
		AccountID:      testutils.CreateTestAccount(t, store),
		OrderID:        uuid.NewString(),
	}))

	firstRevokedAt := time.Now().Truncate(time.Millisecond)
	ok, err := store.MarkCertificateRevoked(ctx, serial, firstRevokedAt, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second revocation touches nothing.
	ok, err = store.MarkCertificateRevoked(ctx, serial, time.Now().Add(time.Hour), 5)
	require.NoError(t, err)
	assert.False(t, ok)

	certData, err := store.GetCertificateData(ctx, serial)
	require.NoError(t, err)
	require.True(t, certData.Revoked)
	assert.Equal(t, 1, certData.RevocationReason)
	assert.WithinDuration(t, firstRevokedAt, certData.RevokedAt, time.Second)

	// Unknown serials report no rows, not an error.
	ok, err = store.MarkCertificateRevoked(ctx, "doesnotexist", time.Now(), 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIsDomainAllowed_ExactAndSuffix(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddAllowedDomain(ctx, "Exact.Example.COM"))
	require.NoError(t, store.AddAllowedSuffix(ctx, ".corp.example.org"))

	cases := []struct {
		domain  string
		allowed bool
	}{
		{"exact.example.com", true},
		{"EXACT.example.com", true},
		{"sub.exact.example.com", false},
		{"corp.example.org", true},
		{"a.corp.example.org", true},
		{"deep.a.corp.example.org", true},
		{"notcorp.example.org", false},
		{"other.example.net", false},
	}
	for _, tt := range cases {
		allowed, err := store.IsDomainAllowed(ctx, tt.domain)
		require.NoError(t, err)
		assert.Equal(t, tt.allowed, allowed, "domain %s", tt.domain)
	}
}

func TestWithinTransaction_RollsBackOnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	orderID := uuid.NewString()
	accountID := testutils.CreateTestAccount(t, store)
	err := store.WithinTransaction(ctx, func(ctx context.Context, tx storage.Storage) error {
		if err := tx.SaveOrder(ctx, &model.Order{
			ID:          orderID,
			AccountID:   accountID,
			Status:      model.StatusPending,
			Expires:     time.Now().Add(time.Hour),
			Identifiers: []model.Identifier{{Type: "dns", Value: "rollback.example.com"}},
		}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	order, err := store.GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Nil(t, order, "rolled back order must not exist")
}
