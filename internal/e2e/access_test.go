package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/JB-SelfCompany/mailhub/internal/storage/types"
	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// TestE2E_IMAPFetchLargeMessage reads a file-backed message back through an
// IMAP client. BODY.PEEK must leave it unread.
func TestE2E_IMAPFetchLargeMessage(t *testing.T) {
	node := setupTestNode(t, "imap")
	defer node.Cleanup()

	data := generateTestMail(15*1024*1024, "Fetch Me")
	if err := node.sendMail(data); err != nil {
		t.Fatalf("SMTP delivery failed: %v", err)
	}

	c, err := client.Dial(node.IMAPAddr().String())
	if err != nil {
		t.Fatalf("IMAP dial failed: %v", err)
	}
	defer c.Logout()
	if err := c.Login(testUser, testPassword); err != nil {
		t.Fatalf("IMAP login failed: %v", err)
	}

	mbox, err := c.Select("INBOX", false)
	if err != nil {
		t.Fatalf("SELECT failed: %v", err)
	}
	if mbox.Messages != 1 {
		t.Fatalf("INBOX has %d messages, want 1", mbox.Messages)
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(1)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchRFC822Size, imap.FetchFlags, imap.FetchUid}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqset, items, messages)
	}()

	var body []byte
	var size uint32
	for msg := range messages {
		size = msg.Size
		for _, flag := range msg.Flags {
			if flag == imap.SeenFlag {
				t.Error("Message should not be \\Seen before it is read")
			}
		}
		r := msg.GetBody(section)
		if r == nil {
			t.Fatal("Server did not return the message body")
		}
		if body, err = io.ReadAll(r); err != nil {
			t.Fatalf("Failed to read body: %v", err)
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("FETCH failed: %v", err)
	}

	if !bytes.HasSuffix(unfold(body), unfold(data)) {
		t.Errorf("Fetched %d bytes that do not match the %d sent", len(body), len(data))
	}
	if int(size) != len(body) {
		t.Errorf("RFC822.SIZE = %d, body is %d bytes", size, len(body))
	}

	_, emails := node.inbox(t)
	if emails[0].Status != types.StatusUnread {
		t.Errorf("Status after peek = %s, want %s", emails[0].Status, types.StatusUnread)
	}
}

// TestE2E_HTTPListsDeliveredMail logs in over the JSON API and finds a
// message delivered over SMTP.
func TestE2E_HTTPListsDeliveredMail(t *testing.T) {
	node := setupTestNode(t, "http")
	defer node.Cleanup()

	if err := node.sendMail(generateTestMail(4096, "Over HTTP")); err != nil {
		t.Fatalf("SMTP delivery failed: %v", err)
	}

	base := "http://" + node.HTTPAddr().String()
	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("Health check failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Health check returned %d", resp.StatusCode)
	}

	creds, _ := json.Marshal(map[string]string{"login": testUser, "password": testPassword})
	resp, err = http.Post(base+"/api/auth/login", "application/json", bytes.NewReader(creds))
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	var login struct {
		Token string `json:"token"`
	}
	err = json.NewDecoder(resp.Body).Decode(&login)
	resp.Body.Close()
	if err != nil || resp.StatusCode != http.StatusOK || login.Token == "" {
		t.Fatalf("Login returned %d: %v", resp.StatusCode, err)
	}

	folder, _ := node.inbox(t)
	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/api/folders/%d/emails", base, folder.ID), nil)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+login.Token)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Listing failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Listing returned %d", resp.StatusCode)
	}
	var page struct {
		Emails []struct {
			ID      int64  `json:"id"`
			Subject string `json:"subject"`
		} `json:"emails"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatalf("Failed to decode listing: %v", err)
	}
	if len(page.Emails) != 1 || page.Emails[0].Subject != "Over HTTP" {
		t.Errorf("Listing = %+v", page.Emails)
	}
}
