package testutils

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/certmill/certmill/internal/model"
	"github.com/certmill/certmill/internal/storage"
)

// CreateTestAccount inserts a minimal valid account row and returns its ID.
// Certificate and order rows carry account foreign keys, so fixtures that
// write those directly need an account to hang them on.
func CreateTestAccount(t *testing.T, store storage.Storage) string {
	t.Helper()

	id := uuid.NewString()
	err := store.SaveAccount(context.Background(), &model.Account{
		ID:             id,
		PublicKeyJWK:   `{"kty":"EC","crv":"P-256","x":"test-x-` + id + `","y":"test-y"}`,
		KeyThumbprint:  "test-thumbprint-" + id,
		Status:         "valid",
		TermsOfService: true,
	})
	require.NoError(t, err)
	return id
}
