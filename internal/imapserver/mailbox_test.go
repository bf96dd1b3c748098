package imapserver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/textproto"
	"testing"
	"time"

	"github.com/JB-SelfCompany/mailhub/internal/accounts"
	"github.com/JB-SelfCompany/mailhub/internal/config"
	"github.com/JB-SelfCompany/mailhub/internal/logging"
	"github.com/JB-SelfCompany/mailhub/internal/mailservice"
	"github.com/JB-SelfCompany/mailhub/internal/storage/filestore"
	"github.com/JB-SelfCompany/mailhub/internal/storage/sqlite3"
	"github.com/JB-SelfCompany/mailhub/internal/storage/types"
	"github.com/emersion/go-imap"
	"golang.org/x/crypto/bcrypt"
)

// setupTestMailbox creates a user with an empty INBOX
func setupTestMailbox(t *testing.T) (*Mailbox, func()) {
	tempDir := t.TempDir()

	store, err := sqlite3.NewStorage(tempDir+"/test.db", logging.Discard())
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	fs, err := filestore.NewFileStore(tempDir + "/maildata")
	if err != nil {
		store.Close()
		t.Fatalf("Failed to create FileStore: %v", err)
	}

	cfg := config.Default()
	cfg.Domain.Default = "example.com"
	cfg.Storage.DefaultQuotaBytes = 0

	log := logging.Discard()
	mail := mailservice.NewService(cfg, log, store, fs, nil, nil)
	accts := accounts.NewService(cfg, log, store, nil, nil)
	accts.BcryptCost = bcrypt.MinCost

	ctx := context.Background()
	if _, err := accts.CreateDomain(ctx, "example.com", ""); err != nil {
		store.Close()
		t.Fatalf("Failed to create domain: %v", err)
	}
	if _, err := accts.RegisterUser(ctx, accounts.Registration{
		Username: "alice",
		Email:    "alice@example.com",
		Password: "correct horse",
	}); err != nil {
		store.Close()
		t.Fatalf("Failed to register user: %v", err)
	}

	b := &Backend{Log: log, Accounts: accts, Mail: mail}
	u, err := b.Login(nil, "alice", "correct horse")
	if err != nil {
		store.Close()
		t.Fatalf("Failed to log in: %v", err)
	}
	mbox, err := u.GetMailbox("INBOX")
	if err != nil {
		store.Close()
		t.Fatalf("Failed to get INBOX: %v", err)
	}

	cleanup := func() {
		store.Close()
	}
	return mbox.(*Mailbox), cleanup
}

// generateTestMessage creates a test email message of specified size
func generateTestMessage(size int, subject string) []byte {
	header := "From: test@remote.test\r\n" +
		"To: alice@example.com\r\n" +
		"Subject: " + subject + "\r\n" +
		"Date: Mon, 01 Jan 2024 12:00:00 +0000\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n"
	bodySize := size - len(header)
	if bodySize < 0 {
		bodySize = 0
	}
	return append([]byte(header), bytes.Repeat([]byte("A"), bodySize)...)
}

func appendMessage(t *testing.T, mbox *Mailbox, data []byte, flags ...string) *types.Email {
	if err := mbox.CreateMessage(flags, time.Now(), bytes.NewReader(data)); err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}
	ids, err := mbox.backend.Mail.Storage.EmailIDs(context.Background(), mbox.folder.ID)
	if err != nil {
		t.Fatalf("EmailIDs failed: %v", err)
	}
	return selectEmail(t, mbox, ids[len(ids)-1])
}

func selectEmail(t *testing.T, mbox *Mailbox, id int64) *types.Email {
	e, err := mbox.backend.Mail.Storage.EmailSelect(context.Background(), id)
	if err != nil {
		t.Fatalf("EmailSelect(%d) failed: %v", id, err)
	}
	return e
}

func fetch(t *testing.T, mbox *Mailbox, uid bool, set string, items ...imap.FetchItem) []*imap.Message {
	seqSet, err := imap.ParseSeqSet(set)
	if err != nil {
		t.Fatalf("ParseSeqSet(%q) failed: %v", set, err)
	}
	ch := make(chan *imap.Message, 64)
	if err := mbox.ListMessages(uid, seqSet, items, ch); err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	var msgs []*imap.Message
	for msg := range ch {
		msgs = append(msgs, msg)
	}
	return msgs
}

func TestListMessages_SmallMessage(t *testing.T) {
	mbox, cleanup := setupTestMailbox(t)
	defer cleanup()

	messageSize := 1 * 1024 * 1024
	e := appendMessage(t, mbox, generateTestMessage(messageSize, "Small"))
	if e.RawFile != "" {
		t.Fatal("Expected small message to be stored inline")
	}

	msgs := fetch(t, mbox, true, fmt.Sprint(e.ID), imap.FetchRFC822Size, imap.FetchEnvelope, imap.FetchFlags)
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(msgs))
	}
	msg := msgs[0]
	if msg.Size != uint32(messageSize) {
		t.Errorf("Expected size %d, got %d", messageSize, msg.Size)
	}
	if msg.Envelope == nil || msg.Envelope.Subject != "Small" {
		t.Errorf("Envelope not fetched: %+v", msg.Envelope)
	}
	if len(msg.Flags) != 0 {
		t.Errorf("Expected no flags, got %v", msg.Flags)
	}
}

func TestListMessages_LargeMessage(t *testing.T) {
	mbox, cleanup := setupTestMailbox(t)
	defer cleanup()

	// Above SmallMessageThreshold, so the raw message goes to the file store
	messageSize := 15 * 1024 * 1024
	e := appendMessage(t, mbox, generateTestMessage(messageSize, "Large"))
	if e.RawFile == "" {
		t.Fatal("Expected message to be stored in file, but RawFile is empty")
	}
	if e.Raw != nil {
		t.Error("Expected Raw to be nil for large messages")
	}

	msgs := fetch(t, mbox, true, fmt.Sprint(e.ID), imap.FetchRFC822Size, imap.FetchEnvelope)
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Size != uint32(messageSize) {
		t.Errorf("Expected size %d, got %d", messageSize, msgs[0].Size)
	}
	if msgs[0].Envelope == nil {
		t.Error("Envelope not fetched for large message")
	}
}

func TestListMessages_PeekHeaders(t *testing.T) {
	mbox, cleanup := setupTestMailbox(t)
	defer cleanup()

	e := appendMessage(t, mbox, generateTestMessage(12*1024*1024, "Peek"))

	msgs := fetch(t, mbox, true, fmt.Sprint(e.ID), imap.FetchEnvelope)
	if len(msgs) != 1 || msgs[0].Envelope == nil {
		t.Fatal("Envelope should be fetched from peek buffer")
	}
	env := msgs[0].Envelope
	if env.Subject != "Peek" {
		t.Errorf("Expected subject Peek, got %q", env.Subject)
	}
	if len(env.From) != 1 || env.From[0].Address() != "test@remote.test" {
		t.Errorf("Unexpected From: %+v", env.From)
	}
}

func TestListMessages_BodyMarksSeen(t *testing.T) {
	mbox, cleanup := setupTestMailbox(t)
	defer cleanup()

	e := appendMessage(t, mbox, generateTestMessage(512, "Body"))

	peek := imap.FetchItem("BODY.PEEK[]")
	msgs := fetch(t, mbox, true, fmt.Sprint(e.ID), peek)
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(msgs))
	}
	if selectEmail(t, mbox, e.ID).Status != types.StatusUnread {
		t.Fatal("BODY.PEEK should not mark the message read")
	}

	fetch(t, mbox, true, fmt.Sprint(e.ID), imap.FetchItem("BODY[]"))
	if got := selectEmail(t, mbox, e.ID).Status; got != types.StatusRead {
		t.Fatalf("Expected READ after BODY[], got %s", got)
	}
}

func TestSequenceNumbers(t *testing.T) {
	mbox, cleanup := setupTestMailbox(t)
	defer cleanup()

	var ids []int64
	for i := 0; i < 3; i++ {
		ids = append(ids, appendMessage(t, mbox, generateTestMessage(256, fmt.Sprintf("Message %d", i))).ID)
	}

	msgs := fetch(t, mbox, false, "2:*", imap.FetchUid)
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(msgs))
	}
	for i, msg := range msgs {
		if msg.SeqNum != uint32(i+2) {
			t.Errorf("Expected sequence number %d, got %d", i+2, msg.SeqNum)
		}
		if msg.Uid != uint32(ids[i+1]) {
			t.Errorf("Expected UID %d, got %d", ids[i+1], msg.Uid)
		}
	}

	msgs = fetch(t, mbox, true, "*", imap.FetchUid)
	if len(msgs) != 1 || msgs[0].Uid != uint32(ids[2]) {
		t.Fatalf("Expected only the highest UID, got %+v", msgs)
	}
}

func TestCreateMessage_LargeMessage(t *testing.T) {
	mbox, cleanup := setupTestMailbox(t)
	defer cleanup()

	e := appendMessage(t, mbox, generateTestMessage(20*1024*1024, "Append"), imap.FlaggedFlag, imap.SeenFlag)
	if e.RawFile == "" {
		t.Error("Expected large message to be in file storage")
	}
	if !e.Flags.Starred {
		t.Error("Expected \\Flagged to set Starred")
	}
	if e.Status != types.StatusRead {
		t.Errorf("Expected \\Seen to store READ, got %s", e.Status)
	}
	if e.Size < int64(types.SmallMessageThreshold) {
		t.Errorf("Expected size >= threshold for large message, got %d", e.Size)
	}
}

func TestStatus(t *testing.T) {
	mbox, cleanup := setupTestMailbox(t)
	defer cleanup()

	appendMessage(t, mbox, generateTestMessage(256, "One"), imap.SeenFlag)
	last := appendMessage(t, mbox, generateTestMessage(256, "Two"))

	status, err := mbox.Status([]imap.StatusItem{
		imap.StatusMessages, imap.StatusUnseen, imap.StatusUidNext, imap.StatusUidValidity,
	})
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Messages != 2 {
		t.Errorf("Expected 2 messages, got %d", status.Messages)
	}
	if status.Unseen != 1 {
		t.Errorf("Expected 1 unseen, got %d", status.Unseen)
	}
	if status.UidNext != uint32(last.ID)+1 {
		t.Errorf("Expected UIDNEXT %d, got %d", last.ID+1, status.UidNext)
	}
	if status.UidValidity != 1 {
		t.Errorf("Expected UIDVALIDITY 1, got %d", status.UidValidity)
	}
}

func TestInfoSpecialUse(t *testing.T) {
	mbox, cleanup := setupTestMailbox(t)
	defer cleanup()

	boxes, err := mbox.user.ListMailboxes(false)
	if err != nil {
		t.Fatalf("ListMailboxes failed: %v", err)
	}
	attrs := map[string][]string{}
	for _, b := range boxes {
		info, err := b.Info()
		if err != nil {
			t.Fatalf("Info failed: %v", err)
		}
		attrs[info.Name] = info.Attributes
	}
	if _, ok := attrs["INBOX"]; !ok {
		t.Fatalf("INBOX missing from %v", attrs)
	}
	if got := attrs["Sent"]; len(got) != 1 || got[0] != "\\Sent" {
		t.Errorf("Expected \\Sent on Sent, got %v", got)
	}
	if got := attrs["Trash"]; len(got) != 1 || got[0] != "\\Trash" {
		t.Errorf("Expected \\Trash on Trash, got %v", got)
	}
}

func TestUpdateMessagesFlags(t *testing.T) {
	mbox, cleanup := setupTestMailbox(t)
	defer cleanup()

	e := appendMessage(t, mbox, generateTestMessage(256, "Flags"))
	set := new(imap.SeqSet)
	set.AddNum(uint32(e.ID))

	if err := mbox.UpdateMessagesFlags(true, set, imap.AddFlags, []string{imap.SeenFlag, imap.FlaggedFlag}); err != nil {
		t.Fatalf("UpdateMessagesFlags failed: %v", err)
	}
	got := selectEmail(t, mbox, e.ID)
	if got.Status != types.StatusRead || !got.Flags.Starred {
		t.Fatalf("Expected READ and starred, got %s %+v", got.Status, got.Flags)
	}

	if err := mbox.UpdateMessagesFlags(true, set, imap.AddFlags, []string{imap.AnsweredFlag}); err != nil {
		t.Fatalf("UpdateMessagesFlags failed: %v", err)
	}
	if got := selectEmail(t, mbox, e.ID); got.Status != types.StatusReplied {
		t.Fatalf("Expected REPLIED, got %s", got.Status)
	}

	if err := mbox.UpdateMessagesFlags(true, set, imap.SetFlags, []string{}); err != nil {
		t.Fatalf("UpdateMessagesFlags failed: %v", err)
	}
	got = selectEmail(t, mbox, e.ID)
	if got.Status != types.StatusUnread || got.Flags.Starred {
		t.Fatalf("Expected UNREAD and unstarred, got %s %+v", got.Status, got.Flags)
	}

	if err := mbox.UpdateMessagesFlags(true, set, imap.AddFlags, []string{imap.DeletedFlag}); err != nil {
		t.Fatalf("UpdateMessagesFlags failed: %v", err)
	}
	got = selectEmail(t, mbox, e.ID)
	if got.Status != types.StatusDeleted || got.FolderID == mbox.folder.ID {
		t.Fatalf("Expected the message in Trash, got %s in folder %d", got.Status, got.FolderID)
	}
	if msgs := fetch(t, mbox, false, "1:*", imap.FetchUid); len(msgs) != 0 {
		t.Fatalf("Expected an empty INBOX, got %d messages", len(msgs))
	}
}

func TestSearchMessages(t *testing.T) {
	mbox, cleanup := setupTestMailbox(t)
	defer cleanup()

	appendMessage(t, mbox, generateTestMessage(256, "Quarterly report"))
	want := appendMessage(t, mbox, generateTestMessage(256, "Holiday plans"))
	appendMessage(t, mbox, generateTestMessage(256, "Lunch"), imap.SeenFlag)

	criteria := &imap.SearchCriteria{Header: textproto.MIMEHeader{"Subject": {"holiday"}}}
	uids, err := mbox.SearchMessages(true, criteria)
	if err != nil {
		t.Fatalf("SearchMessages failed: %v", err)
	}
	if len(uids) != 1 || uids[0] != uint32(want.ID) {
		t.Fatalf("Expected UID %d, got %v", want.ID, uids)
	}

	seqs, err := mbox.SearchMessages(false, &imap.SearchCriteria{WithoutFlags: []string{imap.SeenFlag}})
	if err != nil {
		t.Fatalf("SearchMessages failed: %v", err)
	}
	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 2 {
		t.Fatalf("Expected sequence numbers [1 2], got %v", seqs)
	}
}

func TestCopyMessages_LargeMessage(t *testing.T) {
	mbox, cleanup := setupTestMailbox(t)
	defer cleanup()

	orig := appendMessage(t, mbox, generateTestMessage(25*1024*1024, "Copy"))
	if orig.RawFile == "" {
		t.Fatal("Expected message to be in file storage")
	}

	set := new(imap.SeqSet)
	set.AddNum(uint32(orig.ID))
	if err := mbox.CopyMessages(true, set, "Archive"); err != nil {
		t.Fatalf("CopyMessages failed: %v", err)
	}

	archive, err := mbox.user.GetMailbox("Archive")
	if err != nil {
		t.Fatalf("GetMailbox failed: %v", err)
	}
	copies := fetch(t, archive.(*Mailbox), false, "1:*", imap.FetchUid, imap.FetchRFC822Size)
	if len(copies) != 1 {
		t.Fatalf("Expected 1 message in Archive, got %d", len(copies))
	}
	copied := selectEmail(t, mbox, int64(copies[0].Uid))
	if copied.ID == orig.ID {
		t.Fatal("Expected the copy to have its own UID")
	}
	// The copy shares the stored file with the original
	if copied.RawFile != orig.RawFile {
		t.Errorf("Expected shared file %q, got %q", orig.RawFile, copied.RawFile)
	}
	if copies[0].Size != uint32(orig.Size) {
		t.Errorf("Expected copied size %d, got %d", orig.Size, copies[0].Size)
	}
	if msgs := fetch(t, mbox, false, "1:*", imap.FetchUid); len(msgs) != 1 {
		t.Errorf("Expected the original to stay in INBOX")
	}
}

func TestMoveMessages(t *testing.T) {
	mbox, cleanup := setupTestMailbox(t)
	defer cleanup()

	e := appendMessage(t, mbox, generateTestMessage(256, "Move"))
	set := new(imap.SeqSet)
	set.AddNum(uint32(e.ID))

	if err := mbox.MoveMessages(true, set, "Nowhere"); err == nil {
		t.Fatal("Expected an error moving to an unknown mailbox")
	}
	if err := mbox.MoveMessages(true, set, "Archive"); err != nil {
		t.Fatalf("MoveMessages failed: %v", err)
	}
	moved := selectEmail(t, mbox, e.ID)
	if moved.FolderID == mbox.folder.ID {
		t.Fatal("Expected the message to leave INBOX")
	}

	status, err := mbox.Status([]imap.StatusItem{imap.StatusMessages})
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Messages != 0 {
		t.Errorf("Expected 0 messages in INBOX, got %d", status.Messages)
	}
}

func TestReaderWithCloser(t *testing.T) {
	data := []byte("Hello, World!")
	closeCalled := false

	reader := &readerWithCloser{
		reader: bytes.NewReader(data),
		closeFn: func() error {
			closeCalled = true
			return nil
		},
	}

	result, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if !bytes.Equal(result, data) {
		t.Errorf("Expected %q, got %q", data, result)
	}
	if !closeCalled {
		t.Error("Close function should be called on EOF")
	}

	closeCalled = false
	if err := reader.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if closeCalled {
		t.Error("Close function should not be called twice")
	}
}
