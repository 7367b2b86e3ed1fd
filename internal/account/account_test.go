package account

import (
	"testing"
	"time"

	"github.com/orbitmail/core/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())
	return NewStore(db)
}

func TestUpsertAndGetActive(t *testing.T) {
	s := newTestStore(t)

	a := &Account{
		ID: "acct-1", Email: "user@example.com",
		IMAPHost: "imap.gmail.com", IMAPPort: 993,
		AccessToken: "at1", RefreshToken: "rt1", ExpiresAt: 1000,
	}
	require.NoError(t, s.Upsert(a))

	got, err := s.GetActive()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "user@example.com", got.Email)
	assert.Equal(t, "at1", got.AccessToken)
}

func TestUpsertOnConflictUpdatesExistingRow(t *testing.T) {
	s := newTestStore(t)

	a := &Account{ID: "acct-1", Email: "user@example.com", IMAPHost: "imap.gmail.com", IMAPPort: 993, AccessToken: "at1", RefreshToken: "rt1", ExpiresAt: 1000}
	require.NoError(t, s.Upsert(a))

	a2 := &Account{ID: "acct-2", Email: "user@example.com", IMAPHost: "imap.gmail.com", IMAPPort: 993, AccessToken: "at2", RefreshToken: "rt2", ExpiresAt: 2000}
	require.NoError(t, s.Upsert(a2))

	all, err := s.List()
	require.NoError(t, err)
	require.Len(t, all, 1, "upsert keyed on email should update, not duplicate")
	assert.Equal(t, "at2", all[0].AccessToken)
}

func TestGetActiveWithNoAccountsReturnsNilNoError(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetActive()
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpdateTokens(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Upsert(&Account{ID: "acct-1", Email: "user@example.com", ExpiresAt: 1000}))

	require.NoError(t, s.UpdateTokens("user@example.com", "new-token", 2000))

	got, err := s.GetActive()
	require.NoError(t, err)
	assert.Equal(t, "new-token", got.AccessToken)
	assert.EqualValues(t, 2000, got.ExpiresAt)
}

func TestDeleteRemovesAccount(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Upsert(&Account{ID: "acct-1", Email: "user@example.com"}))

	require.NoError(t, s.Delete("acct-1"))

	all, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestExpiringSoon(t *testing.T) {
	a := &Account{ExpiresAt: time.Now().Add(30 * time.Second).Unix()}
	assert.True(t, a.ExpiringSoon(time.Minute), "expiry within the skew window counts as expiring soon")
	assert.False(t, a.ExpiringSoon(time.Second), "expiry well outside the skew window is not expiring soon")
}
