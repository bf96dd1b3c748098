package mailservice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/JB-SelfCompany/mailhub/internal/config"
	"github.com/JB-SelfCompany/mailhub/internal/decoder"
	"github.com/JB-SelfCompany/mailhub/internal/logging"
	"github.com/JB-SelfCompany/mailhub/internal/mailerr"
	"github.com/JB-SelfCompany/mailhub/internal/smtpsender"
	"github.com/JB-SelfCompany/mailhub/internal/storage/filestore"
	"github.com/JB-SelfCompany/mailhub/internal/storage/sqlite3"
	"github.com/JB-SelfCompany/mailhub/internal/storage/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu   sync.Mutex
	err  error
	sent []*smtpsender.Outbound
}

func (f *fakeTransport) Send(ctx context.Context, o *smtpsender.Outbound) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, o)
	return nil
}

type fakeQueue struct {
	mu      sync.Mutex
	entries []*types.QueuedMail
	keys    map[string]bool
}

func (q *fakeQueue) Enqueue(ctx context.Context, m *types.QueuedMail) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if m.DedupKey != "" {
		if q.keys[m.DedupKey] {
			return mailerr.Errorf(mailerr.Conflict, "fakeQueue", "duplicate")
		}
		q.keys[m.DedupKey] = true
	}
	q.entries = append(q.entries, m)
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	emails []int64
}

func (n *fakeNotifier) NotifyNew(userID, folderID, emailID int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.emails = append(n.emails, emailID)
	return nil
}

type fixture struct {
	svc       *Service
	store     *sqlite3.Storage
	transport *fakeTransport
	queue     *fakeQueue
	notify    *fakeNotifier
	user      *types.User
	alias     *types.Alias
	domain    *types.Domain
}

func newFixture(t *testing.T) *fixture {
	dir := t.TempDir()
	store, err := sqlite3.NewStorage(dir+"/test.db", logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fs, err := filestore.NewFileStore(dir + "/attachments")
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Storage.MaxAttachmentSizeBytes = 1024

	f := &fixture{
		store:     store,
		transport: &fakeTransport{},
		queue:     &fakeQueue{keys: map[string]bool{}},
		notify:    &fakeNotifier{},
	}
	f.svc = NewService(cfg, logging.Discard(), store, fs, f.transport, f.queue)
	f.svc.Notify = f.notify

	ctx := context.Background()
	f.domain = &types.Domain{Name: "example.com", Status: types.DomainActive}
	_, err = store.DomainCreate(ctx, f.domain)
	require.NoError(t, err)
	f.user, f.alias = f.addUser(t, "alice")
	return f
}

func (f *fixture) addUser(t *testing.T, name string) (*types.User, *types.Alias) {
	ctx := context.Background()
	u := &types.User{
		Username: name, Email: name + "@example.com", PasswordHash: "x",
		Role: types.RoleUser, Status: types.UserActive,
	}
	_, err := f.store.UserCreate(ctx, u)
	require.NoError(t, err)
	a := &types.Alias{
		Address: name + "@example.com", Status: types.AliasActive, Type: types.AliasStandard,
		IsPrimary: true, UserID: u.ID, DomainID: f.domain.ID,
	}
	_, err = f.store.AliasCreate(ctx, a)
	require.NoError(t, err)
	return u, a
}

func (f *fixture) folder(t *testing.T, ft types.FolderType) *types.Folder {
	folder, err := f.store.FolderSelectByType(context.Background(), f.user.ID, ft)
	require.NoError(t, err)
	return folder
}

func (f *fixture) storageUsed(t *testing.T) int64 {
	u, err := f.store.UserSelect(context.Background(), f.user.ID)
	require.NoError(t, err)
	return u.StorageUsed
}

func (f *fixture) deliver(t *testing.T, subject string) *types.Email {
	msg := decode(t, fmt.Sprintf("From: bob@remote.test\r\nTo: alice@example.com\r\nSubject: %s\r\nMessage-ID: <%s@remote.test>\r\n\r\nbody of %s\r\n", subject, strings.ReplaceAll(subject, " ", "-"), subject))
	e, err := f.svc.SaveReceivedEmail(context.Background(), "alice@example.com", msg)
	require.NoError(t, err)
	return e
}

func decode(t *testing.T, raw string) *decoder.Message {
	msg, err := decoder.DecodeBytes([]byte(raw))
	require.NoError(t, err)
	return msg
}

func TestHelloHiThere(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	raw := "From: Bob <bob@remote.test>\r\nTo: alice@example.com\r\nSubject: Hello\r\n\r\nHi there\r\n"
	e, err := f.svc.SaveReceivedEmail(ctx, "Alice@Example.com", decode(t, raw))
	require.NoError(t, err)

	got, err := f.svc.GetEmail(ctx, f.user.ID, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hello", got.Subject)
	assert.Equal(t, "Hi there", strings.TrimSpace(got.Text))
	assert.Equal(t, types.StatusUnread, got.Status)
	assert.Equal(t, types.EmailReceived, got.Type)
	assert.Equal(t, "bob@remote.test", got.FromAddress)
	assert.EqualValues(t, len(raw), got.Size)

	inbox := f.folder(t, types.FolderInbox)
	assert.Equal(t, 1, inbox.TotalCount)
	assert.Equal(t, 1, inbox.UnreadCount)
	assert.EqualValues(t, len(raw), f.storageUsed(t))
	assert.Equal(t, []int64{e.ID}, f.notify.emails)
}

func TestUnknownRecipients(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	msg := decode(t, "From: bob@remote.test\r\nSubject: x\r\n\r\nx\r\n")

	_, err := f.svc.SaveReceivedEmail(ctx, "nobody@example.com", msg)
	assert.True(t, mailerr.Is(err, mailerr.NotFound), "got %v", err)

	f.alias.Status = types.AliasInactive
	require.NoError(t, f.store.AliasUpdate(ctx, f.alias))
	_, err = f.svc.ResolveRecipient(ctx, "alice@example.com")
	assert.True(t, mailerr.Is(err, mailerr.NotFound), "got %v", err)

	assert.Equal(t, 0, f.folder(t, types.FolderInbox).TotalCount)
	assert.Zero(t, f.storageUsed(t))
}

func TestCatchAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other := &types.Domain{Name: "catch.test", Status: types.DomainActive, CatchAllEnabled: true, CatchAllAddress: "alice@example.com"}
	_, err := f.store.DomainCreate(ctx, other)
	require.NoError(t, err)

	alias, err := f.svc.ResolveRecipient(ctx, "anything@catch.test")
	require.NoError(t, err)
	assert.Equal(t, f.alias.ID, alias.ID)
}

func TestConcurrentDeliveries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	raw := "From: bob@remote.test\r\nSubject: burst\r\n\r\nHi\r\n"

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg, err := decoder.DecodeBytes([]byte(raw))
			if !assert.NoError(t, err) {
				return
			}
			_, err = f.svc.SaveReceivedEmail(ctx, "alice@example.com", msg)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	inbox := f.folder(t, types.FolderInbox)
	assert.Equal(t, n, inbox.TotalCount)
	assert.Equal(t, n, inbox.UnreadCount)
	assert.EqualValues(t, n*len(raw), f.storageUsed(t))
}

func TestMovesKeepTotals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.deliver(t, "one")
	b := f.deliver(t, "two")
	c := f.deliver(t, "three")
	archive := f.folder(t, types.FolderArchive)

	require.NoError(t, f.svc.MarkAsRead(ctx, f.user.ID, a.ID))
	require.NoError(t, f.svc.MoveToFolder(ctx, f.user.ID, a.ID, archive.ID))
	require.NoError(t, f.svc.Delete(ctx, f.user.ID, b.ID))
	require.NoError(t, f.svc.MarkSpam(ctx, f.user.ID, c.ID))

	total := func() int {
		folders, err := f.svc.ListFolders(ctx, f.user.ID)
		require.NoError(t, err)
		sum := 0
		for _, folder := range folders {
			sum += folder.TotalCount
		}
		return sum
	}
	assert.Equal(t, 3, total())
	assert.Equal(t, 0, f.folder(t, types.FolderInbox).TotalCount)
	assert.Equal(t, 1, f.folder(t, types.FolderTrash).TotalCount)
	assert.Equal(t, 1, f.folder(t, types.FolderSpam).UnreadCount)

	deleted, err := f.svc.GetEmail(ctx, f.user.ID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDeleted, deleted.Status)

	require.NoError(t, f.svc.Restore(ctx, f.user.ID, b.ID))
	restored, err := f.svc.GetEmail(ctx, f.user.ID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRead, restored.Status)
	assert.Equal(t, f.folder(t, types.FolderInbox).ID, restored.FolderID)
	assert.Equal(t, 3, total())

	// Another user's folder is not a valid destination.
	bobUser, _ := f.addUser(t, "bob")
	bobInbox, err := f.store.FolderSelectByType(ctx, bobUser.ID, types.FolderInbox)
	require.NoError(t, err)
	err = f.svc.MoveToFolder(ctx, f.user.ID, a.ID, bobInbox.ID)
	assert.True(t, mailerr.Is(err, mailerr.NotFound), "got %v", err)
	_, err = f.svc.GetEmail(ctx, bobUser.ID, a.ID)
	assert.True(t, mailerr.Is(err, mailerr.NotFound), "got %v", err)
}

func TestStatusOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.deliver(t, "status")

	require.NoError(t, f.svc.MarkReplied(ctx, f.user.ID, e.ID))
	got, _ := f.svc.GetEmail(ctx, f.user.ID, e.ID)
	assert.Equal(t, types.StatusReplied, got.Status)
	assert.Equal(t, 0, f.folder(t, types.FolderInbox).UnreadCount)

	require.NoError(t, f.svc.MarkForwarded(ctx, f.user.ID, e.ID))
	require.NoError(t, f.svc.MarkAsUnread(ctx, f.user.ID, e.ID))
	assert.Equal(t, 1, f.folder(t, types.FolderInbox).UnreadCount)

	require.NoError(t, f.svc.Delete(ctx, f.user.ID, e.ID))
	err := f.svc.MarkAsUnread(ctx, f.user.ID, e.ID)
	assert.True(t, mailerr.Is(err, mailerr.Conflict), "got %v", err)

	starred, err := f.svc.ToggleStar(ctx, f.user.ID, e.ID)
	require.NoError(t, err)
	assert.True(t, starred)
	important, err := f.svc.ToggleImportant(ctx, f.user.ID, e.ID)
	require.NoError(t, err)
	assert.True(t, important)
	starred, err = f.svc.ToggleStar(ctx, f.user.ID, e.ID)
	require.NoError(t, err)
	assert.False(t, starred)
}

func TestEmptyTrashReleasesStorage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.deliver(t, "first")
	b := f.deliver(t, "second")
	before := f.storageUsed(t)
	require.NoError(t, f.svc.Delete(ctx, f.user.ID, a.ID))

	count, freed, err := f.svc.EmptyTrash(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, a.Size, freed)
	assert.Equal(t, before-a.Size, f.storageUsed(t))
	assert.Equal(t, b.Size, f.storageUsed(t))
	assert.Equal(t, 0, f.folder(t, types.FolderTrash).TotalCount)

	_, err = f.svc.GetEmail(ctx, f.user.ID, a.ID)
	assert.True(t, mailerr.Is(err, mailerr.NotFound))
}

func TestSendRecordsSentAndMarksReplied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	orig := f.deliver(t, "question")

	e, err := f.svc.Send(ctx, f.user.ID, &Compose{
		AliasID:   f.alias.ID,
		To:        []string{"Bob@Remote.test"},
		Subject:   "Re: question",
		Text:      "answer",
		ReplyToID: orig.ID,
	})
	require.NoError(t, err)

	require.Len(t, f.transport.sent, 1)
	out := f.transport.sent[0]
	assert.Equal(t, []string{"bob@remote.test"}, out.Recipients())
	assert.Equal(t, "<question@remote.test>", out.InReplyTo)
	assert.NotEmpty(t, out.Raw)

	sent := f.folder(t, types.FolderSent)
	assert.Equal(t, 1, sent.TotalCount)
	assert.Equal(t, 0, sent.UnreadCount)
	assert.Equal(t, types.EmailSent, e.Type)
	assert.Equal(t, types.StatusRead, e.Status)
	assert.Equal(t, out.MessageID, e.MessageID)

	replied, err := f.svc.GetEmail(ctx, f.user.ID, orig.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusReplied, replied.Status)
	assert.Equal(t, orig.Size+e.Size, f.storageUsed(t))
}

func TestSendTransportFailureRecordsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.transport.err = mailerr.TransportError("test", errors.New("connection refused"))

	_, err := f.svc.Send(ctx, f.user.ID, &Compose{AliasID: f.alias.ID, To: []string{"bob@remote.test"}, Subject: "x", Text: "x"})
	assert.True(t, mailerr.Is(err, mailerr.Transport), "got %v", err)

	assert.Equal(t, 0, f.folder(t, types.FolderSent).TotalCount)
	assert.Zero(t, f.storageUsed(t))
}

func TestFailedSendKeepsDailyCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.alias.MaxSendPerDay = 1
	require.NoError(t, f.store.AliasUpdate(ctx, f.alias))
	c := &Compose{AliasID: f.alias.ID, To: []string{"bob@remote.test"}, Subject: "x", Text: "x"}

	f.transport.err = mailerr.TransportError("test", errors.New("refused"))
	_, err := f.svc.Send(ctx, f.user.ID, c)
	assert.True(t, mailerr.Is(err, mailerr.Transport), "got %v", err)
	raw := []byte("From: alice@example.com\r\nTo: bob@remote.test\r\nSubject: x\r\n\r\nx\r\n")
	_, err = f.svc.Submit(ctx, f.user.ID, f.alias, []string{"bob@remote.test"}, raw)
	assert.True(t, mailerr.Is(err, mailerr.Transport), "got %v", err)

	alias, err := f.store.AliasSelect(ctx, f.alias.ID)
	require.NoError(t, err)
	assert.Zero(t, alias.SentToday)

	f.transport.err = nil
	_, err = f.svc.Send(ctx, f.user.ID, c)
	require.NoError(t, err)
	_, err = f.svc.Send(ctx, f.user.ID, c)
	assert.True(t, mailerr.Is(err, mailerr.Limit), "got %v", err)
}

func TestSendChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.alias.MaxSendPerDay = 1
	require.NoError(t, f.store.AliasUpdate(ctx, f.alias))

	c := &Compose{AliasID: f.alias.ID, To: []string{"bob@remote.test"}, Subject: "x", Text: "x"}
	_, err := f.svc.Send(ctx, f.user.ID, c)
	require.NoError(t, err)
	_, err = f.svc.Send(ctx, f.user.ID, c)
	assert.True(t, mailerr.Is(err, mailerr.Limit), "got %v", err)

	bobUser, _ := f.addUser(t, "bob")
	_, err = f.svc.Send(ctx, bobUser.ID, c)
	assert.True(t, mailerr.Is(err, mailerr.NotFound), "sending as someone else's alias: %v", err)

	_, err = f.svc.Send(ctx, f.user.ID, &Compose{AliasID: f.alias.ID, To: []string{"not an address"}})
	assert.True(t, mailerr.Is(err, mailerr.Invalid), "got %v", err)
	_, err = f.svc.Send(ctx, f.user.ID, &Compose{AliasID: f.alias.ID})
	assert.True(t, mailerr.Is(err, mailerr.Invalid), "got %v", err)
}

func TestDraftsAndAttachments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	draft, err := f.svc.SaveDraft(ctx, f.user.ID, &Compose{AliasID: f.alias.ID, To: []string{"bob@remote.test"}, Subject: "plan", Text: "v1"})
	require.NoError(t, err)
	assert.True(t, draft.Flags.Draft)
	assert.Equal(t, f.folder(t, types.FolderDrafts).ID, draft.FolderID)

	att, err := f.svc.SaveAttachment(ctx, f.user.ID, draft.ID, "../notes.txt", "text/plain", strings.NewReader("hello notes"))
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", att.OriginalName)
	assert.Equal(t, draft.Size+att.Size, f.storageUsed(t))

	_, err = f.svc.SaveAttachment(ctx, f.user.ID, draft.ID, "big.bin", "", bytes.NewReader(make([]byte, 2048)))
	assert.True(t, mailerr.Is(err, mailerr.Invalid), "got %v", err)

	a, rc, err := f.svc.OpenAttachment(ctx, f.user.ID, att.ID)
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "hello notes", string(data))
	assert.Equal(t, "text/plain", a.ContentType)

	// Saving again replaces the draft and keeps the attachment.
	v2, err := f.svc.SaveDraft(ctx, f.user.ID, &Compose{AliasID: f.alias.ID, To: []string{"bob@remote.test"}, Subject: "plan", Text: "v2", DraftID: draft.ID})
	require.NoError(t, err)
	atts, err := f.svc.ListAttachments(ctx, f.user.ID, v2.ID)
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, 1, f.folder(t, types.FolderDrafts).TotalCount)
	_, err = f.svc.GetEmail(ctx, f.user.ID, draft.ID)
	assert.True(t, mailerr.Is(err, mailerr.NotFound))

	// Sending the draft carries the attachment and removes the draft.
	_, err = f.svc.Send(ctx, f.user.ID, &Compose{AliasID: f.alias.ID, To: []string{"bob@remote.test"}, Subject: "plan", Text: "final", DraftID: v2.ID})
	require.NoError(t, err)
	require.Len(t, f.transport.sent, 1)
	require.Len(t, f.transport.sent[0].Attachments, 1)
	assert.Equal(t, "notes.txt", f.transport.sent[0].Attachments[0].Filename)
	assert.Equal(t, 0, f.folder(t, types.FolderDrafts).TotalCount)

	// Attachments of received mail are read-only.
	received := f.deliver(t, "inbound")
	_, err = f.svc.SaveAttachment(ctx, f.user.ID, received.ID, "x.txt", "", strings.NewReader("x"))
	assert.True(t, mailerr.Is(err, mailerr.Conflict), "got %v", err)
}

func TestDraftAttachmentsAreStoredAndSent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	draft, err := f.svc.SaveDraft(ctx, f.user.ID, &Compose{
		AliasID: f.alias.ID, To: []string{"bob@remote.test"}, Subject: "report", Text: "see attached",
		Attachments: []smtpsender.Attachment{{Filename: "a.txt", ContentType: "text/plain", Data: []byte("numbers")}},
	})
	require.NoError(t, err)
	assert.True(t, draft.HasAttachments)
	atts, err := f.svc.ListAttachments(ctx, f.user.ID, draft.ID)
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, "a.txt", atts[0].OriginalName)

	_, err = f.svc.SaveDraft(ctx, f.user.ID, &Compose{
		AliasID: f.alias.ID, Subject: "too big",
		Attachments: []smtpsender.Attachment{{Filename: "big.bin", Data: make([]byte, 2048)}},
	})
	assert.True(t, mailerr.Is(err, mailerr.Invalid), "got %v", err)
	assert.Equal(t, 1, f.folder(t, types.FolderDrafts).TotalCount)

	_, err = f.svc.Send(ctx, f.user.ID, &Compose{AliasID: f.alias.ID, To: []string{"bob@remote.test"}, Subject: "report", Text: "see attached", DraftID: draft.ID})
	require.NoError(t, err)
	require.Len(t, f.transport.sent, 1)
	require.Len(t, f.transport.sent[0].Attachments, 1)
	assert.Equal(t, "numbers", string(f.transport.sent[0].Attachments[0].Data))
	assert.Equal(t, 0, f.folder(t, types.FolderDrafts).TotalCount)
}

func TestBlobRemovalWaitsForPendingCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	blob, err := f.svc.FileStore.Store(f.user.ID, strings.NewReader("shared bytes"), 0)
	require.NoError(t, err)

	// Hold the lock as a commit does between writing a blob and
	// committing the row that references it.
	f.svc.blobs.RLock()
	done := make(chan struct{})
	go func() {
		f.svc.removeUnreferenced([]string{blob.Path})
		close(done)
	}()
	select {
	case <-done:
		f.svc.blobs.RUnlock()
		t.Fatal("blob removal did not wait for the pending commit")
	case <-time.After(50 * time.Millisecond):
	}

	e := &types.Email{Raw: []byte("raw"), Type: types.EmailDraft, Status: types.StatusRead, UserID: f.user.ID, FolderID: f.folder(t, types.FolderDrafts).ID}
	_, err = f.store.EmailCommit(ctx, e, []*types.Attachment{{
		UserID: f.user.ID, FileName: blob.Checksum, OriginalName: "shared.txt",
		ContentType: "text/plain", Size: blob.Size, StoragePath: blob.Path, Checksum: blob.Checksum,
	}})
	f.svc.blobs.RUnlock()
	require.NoError(t, err)
	<-done

	assert.True(t, f.svc.FileStore.Exists(blob.Path))
}

func TestForwardAndAutoReplyQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.alias.ForwardEnabled = true
	f.alias.ForwardTo = []string{"copy@remote.test"}
	f.alias.AutoReplyEnabled = true
	f.alias.AutoReplyMessage = "away"
	require.NoError(t, f.store.AliasUpdate(ctx, f.alias))

	f.deliver(t, "first")
	f.deliver(t, "second")

	var forwards, replies int
	for _, entry := range f.queue.entries {
		switch entry.Kind {
		case smtpsender.KindForward:
			forwards++
			assert.Equal(t, "copy@remote.test", entry.Rcpt)
		case smtpsender.KindAutoReply:
			replies++
			assert.Equal(t, "bob@remote.test", entry.Rcpt)
		}
	}
	assert.Equal(t, 2, forwards)
	assert.Equal(t, 1, replies, "one auto-reply per sender per day")
}

func TestImportAndCopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	archive := f.folder(t, types.FolderArchive)

	raw := []byte("From: carol@remote.test\r\nSubject: imported\r\n\r\nold mail\r\n")
	e, err := f.svc.Import(ctx, f.user.ID, archive.ID, raw, true, types.Flags{Starred: true}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, types.StatusRead, e.Status)
	assert.True(t, e.Flags.Starred)

	cp, err := f.svc.Copy(ctx, f.user.ID, e.ID, f.folder(t, types.FolderInbox).ID)
	require.NoError(t, err)
	assert.NotEqual(t, e.ID, cp.ID)
	assert.Equal(t, 1, f.folder(t, types.FolderInbox).TotalCount)
	assert.Equal(t, 1, f.folder(t, types.FolderArchive).TotalCount)
	assert.Equal(t, 2*e.Size, f.storageUsed(t))

	got, err := f.svc.GetEmail(ctx, f.user.ID, cp.ID)
	require.NoError(t, err)
	stored, err := f.svc.RawMessage(got)
	require.NoError(t, err)
	assert.Equal(t, raw, stored)
}
