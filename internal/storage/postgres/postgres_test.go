package postgres

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/JB-SelfCompany/mailhub/internal/logging"
	"github.com/JB-SelfCompany/mailhub/internal/mailerr"
	"github.com/JB-SelfCompany/mailhub/internal/storage/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStorage connects to MAILHUB_TEST_POSTGRES_DSN and empties every
// table. The tests are skipped when it is not set.
func newTestStorage(t *testing.T) *Storage {
	dsn := os.Getenv("MAILHUB_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MAILHUB_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := NewStorage(ctx, dsn, logging.Discard())
	require.NoError(t, err)
	_, err = s.pool.Exec(ctx, `TRUNCATE queue, attachments, emails, folders, aliases, domains, users RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPostgresCommitAndCounters(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	u := &types.User{Username: "alice", Email: "alice@example.com", PasswordHash: "x", Status: types.UserActive, StorageQuota: 1000}
	_, err := s.UserCreate(ctx, u)
	require.NoError(t, err)

	inbox, err := s.FolderSelectByType(ctx, u.ID, types.FolderInbox)
	require.NoError(t, err)
	trash, err := s.FolderSelectByType(ctx, u.ID, types.FolderTrash)
	require.NoError(t, err)

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e := &types.Email{
				Subject: "Hello", Text: "Hi there", Raw: []byte("raw"),
				Type: types.EmailReceived, Size: 50, UserID: u.ID, FolderID: inbox.ID,
			}
			_, err := s.EmailCommit(ctx, e, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	inbox, err = s.FolderSelect(ctx, inbox.ID)
	require.NoError(t, err)
	assert.Equal(t, n, inbox.TotalCount)
	assert.Equal(t, n, inbox.UnreadCount)

	over := &types.Email{Raw: []byte("raw"), Size: 600, UserID: u.ID, FolderID: inbox.ID}
	_, err = s.EmailCommit(ctx, over, nil)
	assert.True(t, mailerr.IsQuota(err))

	ids, err := s.EmailIDs(ctx, inbox.ID)
	require.NoError(t, err)
	require.Len(t, ids, n)
	require.NoError(t, s.EmailMove(ctx, ids[0], trash.ID, types.StatusDeleted))

	inbox, _ = s.FolderSelect(ctx, inbox.ID)
	trash, _ = s.FolderSelect(ctx, trash.ID)
	assert.Equal(t, n, inbox.TotalCount+trash.TotalCount)

	count, freed, _, err := s.EmailPurge(ctx, trash.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.EqualValues(t, 50, freed)

	user, err := s.UserSelect(ctx, u.ID)
	require.NoError(t, err)
	assert.EqualValues(t, (n-1)*50, user.StorageUsed)
}

func TestPostgresConcurrentMovesOfOneEmail(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	u := &types.User{Username: "bob", Email: "bob@example.com", PasswordHash: "x", Status: types.UserActive}
	_, err := s.UserCreate(ctx, u)
	require.NoError(t, err)
	inbox, err := s.FolderSelectByType(ctx, u.ID, types.FolderInbox)
	require.NoError(t, err)
	archive, err := s.FolderSelectByType(ctx, u.ID, types.FolderArchive)
	require.NoError(t, err)

	e := &types.Email{Raw: []byte("raw"), Type: types.EmailReceived, Size: 10, UserID: u.ID, FolderID: inbox.ID}
	_, err = s.EmailCommit(ctx, e, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		dest := inbox.ID
		if i%2 == 0 {
			dest = archive.ID
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.EmailMove(ctx, e.ID, dest, "")
			if err != nil {
				assert.True(t, mailerr.Is(err, mailerr.Conflict), "unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := s.EmailSelect(ctx, e.ID)
	require.NoError(t, err)
	inbox, _ = s.FolderSelect(ctx, inbox.ID)
	archive, _ = s.FolderSelect(ctx, archive.ID)
	assert.Equal(t, 1, inbox.TotalCount+archive.TotalCount)
	if got.FolderID == inbox.ID {
		assert.Equal(t, 1, inbox.TotalCount)
		assert.Equal(t, 1, inbox.UnreadCount)
	} else {
		assert.Equal(t, 1, archive.TotalCount)
		assert.Equal(t, 0, inbox.UnreadCount)
	}
}

func TestPostgresQueueDedup(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	q := &types.QueuedMail{From: "a@example.com", Rcpt: "b@remote.test", Content: []byte("x"), DedupKey: "k"}
	_, err := s.QueueInsert(ctx, q)
	require.NoError(t, err)
	_, err = s.QueueInsert(ctx, &types.QueuedMail{From: "a@example.com", Rcpt: "b@remote.test", Content: []byte("x"), DedupKey: "k"})
	assert.True(t, mailerr.Is(err, mailerr.Conflict))
}
