package message

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

	s := NewStore(db)
	require.NoError(t, s.Init())
	return s
}

func TestMailboxValidityRoundTrip(t *testing.T) {
	s := newTestStore(t)

	_, ok, err := s.GetMailboxValidity("INBOX")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.UpdateMailboxValidity("INBOX", 42))
	v, ok, err := s.GetMailboxValidity("INBOX")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 42, v)

	require.NoError(t, s.UpdateMailboxValidity("INBOX", 43))
	v, _, err = s.GetMailboxValidity("INBOX")
	require.NoError(t, err)
	assert.EqualValues(t, 43, v)
}

func TestInsertOrUpdateMessagesCountsOnlyNewRows(t *testing.T) {
	s := newTestStore(t)

	headers := []*Header{
		{Folder: "INBOX", UID: 1, UIDValidity: 1, Subject: "one", Date: time.Unix(100, 0)},
		{Folder: "INBOX", UID: 2, UIDValidity: 1, Subject: "two", Date: time.Unix(200, 0)},
	}
	n, err := s.InsertOrUpdateMessages("INBOX", headers)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	highest, err := s.GetHighestUID("INBOX")
	require.NoError(t, err)
	assert.EqualValues(t, 2, highest)

	// Re-upserting an existing UID plus one new UID only counts the new one.
	headers = []*Header{
		{Folder: "INBOX", UID: 2, UIDValidity: 1, Subject: "two-updated", Date: time.Unix(200, 0)},
		{Folder: "INBOX", UID: 3, UIDValidity: 1, Subject: "three", Date: time.Unix(300, 0)},
	}
	n, err = s.InsertOrUpdateMessages("INBOX", headers)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	page, err := s.LoadMessagesPage("INBOX", nil, 0)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "two-updated", page[1].Subject) // ordered uid DESC: 3,2,1
}

func TestInsertOrUpdateMessagesNeverClearsBody(t *testing.T) {
	s := newTestStore(t)

	_, err := s.InsertOrUpdateMessages("INBOX", []*Header{
		{Folder: "INBOX", UID: 1, UIDValidity: 1, Subject: "one", Date: time.Unix(100, 0)},
	})
	require.NoError(t, err)
	require.NoError(t, s.UpdateMessageBody("INBOX", 1, "<p>hi</p>", "hi"))

	_, err = s.InsertOrUpdateMessages("INBOX", []*Header{
		{Folder: "INBOX", UID: 1, UIDValidity: 1, Subject: "one-updated", Date: time.Unix(100, 0)},
	})
	require.NoError(t, err)

	body, ok, err := s.GetMessageBody("INBOX", 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "<p>hi</p>", body)
}

func TestLoadMessagesPageBeforeUIDAndLimit(t *testing.T) {
	s := newTestStore(t)

	var headers []*Header
	for uid := uint32(1); uid <= 5; uid++ {
		headers = append(headers, &Header{Folder: "INBOX", UID: uid, UIDValidity: 1, Date: time.Unix(int64(uid), 0)})
	}
	_, err := s.InsertOrUpdateMessages("INBOX", headers)
	require.NoError(t, err)

	page, err := s.LoadMessagesPage("INBOX", nil, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.EqualValues(t, 5, page[0].UID)
	assert.EqualValues(t, 4, page[1].UID)

	before := uint32(4)
	page, err = s.LoadMessagesPage("INBOX", &before, 0)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.EqualValues(t, 3, page[0].UID)
	assert.EqualValues(t, 1, page[2].UID)
}

func TestGetUnfetchedRecentUIDs(t *testing.T) {
	s := newTestStore(t)

	var headers []*Header
	for uid := uint32(1); uid <= 5; uid++ {
		headers = append(headers, &Header{Folder: "INBOX", UID: uid, UIDValidity: 1, Date: time.Unix(int64(uid), 0)})
	}
	_, err := s.InsertOrUpdateMessages("INBOX", headers)
	require.NoError(t, err)
	require.NoError(t, s.UpdateMessageBody("INBOX", 5, "<p>five</p>", "five"))

	recent, err := s.GetUnfetchedRecentUIDs("INBOX", 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint32{1, 2, 3, 4}, recent)
}

func TestSeenFlaggedDeleteLifecycle(t *testing.T) {
	s := newTestStore(t)

	_, err := s.InsertOrUpdateMessages("INBOX", []*Header{
		{Folder: "INBOX", UID: 1, UIDValidity: 1, Date: time.Unix(1, 0)},
	})
	require.NoError(t, err)

	seen, err := s.IsMessageSeen("INBOX", 1)
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, s.SetMessageSeen("INBOX", 1, true))
	seen, err = s.IsMessageSeen("INBOX", 1)
	require.NoError(t, err)
	assert.True(t, seen)

	require.NoError(t, s.SetMessageFlagged("INBOX", 1, true))
	page, err := s.LoadMessagesPage("INBOX", nil, 0)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.True(t, page[0].Flagged)

	require.NoError(t, s.DeleteMessageLocal("INBOX", 1))
	page, err = s.LoadMessagesPage("INBOX", nil, 0)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestClearMessagesOnUIDValidityRollover(t *testing.T) {
	s := newTestStore(t)

	_, err := s.InsertOrUpdateMessages("INBOX", []*Header{
		{Folder: "INBOX", UID: 1, UIDValidity: 1, Date: time.Unix(1, 0)},
		{Folder: "INBOX", UID: 2, UIDValidity: 1, Date: time.Unix(2, 0)},
	})
	require.NoError(t, err)

	require.NoError(t, s.ClearMessages("INBOX"))

	page, err := s.LoadMessagesPage("INBOX", nil, 0)
	require.NoError(t, err)
	assert.Empty(t, page)

	highest, err := s.GetHighestUID("INBOX")
	require.NoError(t, err)
	assert.Zero(t, highest)
}
