package oauth2

import (
	"context"
	"testing"
	"time"

	"github.com/orbitmail/core/internal/account"
	"github.com/orbitmail/core/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAccountStore(t *testing.T) *account.Store {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())
	return account.NewStore(db)
}

// These cover the branches of Bootstrap that resolve without reaching the
// network: no account configured, an account with a still-valid token, and
// an expired token with no refresh token to exchange. Exercising the
// refresh_token grant itself would require making the token endpoint
// injectable, which the production code does not currently expose.

func TestBootstrapNoAccountNeedsRefresh(t *testing.T) {
	b := NewBootstrapper(ClientCredentials{}, newTestAccountStore(t))

	result, err := b.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.Nil(t, result.Account)
	assert.True(t, result.NeedsRefresh)
}

func TestBootstrapValidTokenNeedsNoRefresh(t *testing.T) {
	store := newTestAccountStore(t)
	require.NoError(t, store.Upsert(&account.Account{
		ID: "acct-1", Email: "user@example.com",
		AccessToken: "still-good", RefreshToken: "rt1",
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	}))

	b := NewBootstrapper(ClientCredentials{}, store)
	result, err := b.Bootstrap(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result.Account)
	assert.False(t, result.NeedsRefresh)
	assert.Equal(t, "still-good", result.Account.AccessToken)
}

func TestBootstrapExpiredTokenWithNoRefreshTokenReportsNeedsRefresh(t *testing.T) {
	store := newTestAccountStore(t)
	require.NoError(t, store.Upsert(&account.Account{
		ID: "acct-1", Email: "user@example.com",
		AccessToken: "stale", RefreshToken: "",
		ExpiresAt: time.Now().Add(-time.Hour).Unix(),
	}))

	b := NewBootstrapper(ClientCredentials{}, store)
	result, err := b.Bootstrap(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result.Account)
	assert.True(t, result.NeedsRefresh)
}

func TestLoadClientCredentialsReadsEnv(t *testing.T) {
	t.Setenv("GOOGLE_CLIENT_ID", "cid")
	t.Setenv("GOOGLE_CLIENT_SECRET", "secret")

	creds := LoadClientCredentials()
	assert.Equal(t, "cid", creds.ClientID)
	assert.Equal(t, "secret", creds.ClientSecret)
}
