package smtpsender

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/JB-SelfCompany/mailhub/internal/config"
	"github.com/JB-SelfCompany/mailhub/internal/logging"
	"github.com/JB-SelfCompany/mailhub/internal/mailerr"
	"github.com/JB-SelfCompany/mailhub/internal/storage/sqlite3"
	"github.com/JB-SelfCompany/mailhub/internal/storage/types"
	"github.com/emersion/go-smtp"
)

// fakeTransport fails with the queued errors in order, then succeeds.
type fakeTransport struct {
	mu   sync.Mutex
	errs []error
	sent []*Outbound
}

func (f *fakeTransport) Send(ctx context.Context, o *Outbound) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	f.sent = append(f.sent, o)
	return nil
}

func setupTestQueue(t *testing.T, tr Transport) (*Queue, *sqlite3.Storage, func()) {
	s, err := sqlite3.NewStorage(":memory:", logging.Discard())
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	cfg := config.Default()
	cfg.Queue.MaxAge = 72 * time.Hour
	q := NewQueue(cfg, logging.Discard(), tr, s)
	return q, s, func() { s.Close() }
}

func TestQueueDelivers(t *testing.T) {
	tr := &fakeTransport{}
	q, _, cleanup := setupTestQueue(t, tr)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(ctx, &types.QueuedMail{
			From: "alias@example.com", Rcpt: fmt.Sprintf("r%d@remote.test", i), Content: []byte("raw"), Kind: KindForward,
		}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	n, err := q.Process(ctx)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if n != 3 || len(tr.sent) != 3 {
		t.Fatalf("Expected 3 deliveries, got %d (%d sent)", n, len(tr.sent))
	}
	if string(tr.sent[0].Raw) != "raw" || tr.sent[0].To[0] != "r0@remote.test" {
		t.Errorf("Unexpected outbound %+v", tr.sent[0])
	}

	// Delivered entries are not picked up again.
	if n, _ := q.Process(ctx); n != 0 {
		t.Errorf("Expected nothing due, delivered %d", n)
	}
}

func TestQueueRetryAndPermanentFailure(t *testing.T) {
	temporary := mailerr.TransportError("test", errors.New("connection refused"))
	permanent := mailerr.TransportError("test", &smtp.SMTPError{Code: 550, Message: "no such user"})
	tr := &fakeTransport{errs: []error{temporary, permanent}}
	q, s, cleanup := setupTestQueue(t, tr)
	defer cleanup()
	ctx := context.Background()

	// A second ahead so the entry inserted below is already due.
	now := time.Now().Add(time.Second)
	q.now = func() time.Time { return now }

	if err := q.Enqueue(ctx, &types.QueuedMail{From: "a@example.com", Rcpt: "b@remote.test", Content: []byte("x"), Kind: KindForward}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if n, err := q.Process(ctx); err != nil || n != 0 {
		t.Fatalf("Expected a failed attempt, got n=%d err=%v", n, err)
	}

	due, err := s.QueueSelectDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("QueueSelectDue failed: %v", err)
	}
	if len(due) != 0 {
		t.Fatal("Failed entry should be rescheduled into the future")
	}
	later, err := s.QueueSelectDue(ctx, now.Add(2*time.Hour), 10)
	if err != nil || len(later) != 1 {
		t.Fatalf("Expected one rescheduled entry, got %d (%v)", len(later), err)
	}
	if later[0].Attempts != 1 || later[0].LastError == "" {
		t.Errorf("Expected attempt to be recorded, got %+v", later[0])
	}

	// The permanent failure drops the entry.
	q.now = func() time.Time { return now.Add(2 * time.Hour) }
	if _, err := q.Process(ctx); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	left, _ := s.QueueSelectDue(ctx, now.Add(24*time.Hour), 10)
	if len(left) != 0 {
		t.Errorf("Expected entry to be dropped, %d left", len(left))
	}
}

func TestQueueDropsExpired(t *testing.T) {
	tr := &fakeTransport{}
	q, s, cleanup := setupTestQueue(t, tr)
	defer cleanup()
	ctx := context.Background()

	if err := q.Enqueue(ctx, &types.QueuedMail{From: "a@example.com", Rcpt: "b@remote.test", Content: []byte("x")}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	q.now = func() time.Time { return time.Now().Add(73 * time.Hour) }
	if n, err := q.Process(ctx); err != nil || n != 0 {
		t.Fatalf("Expected no delivery, got n=%d err=%v", n, err)
	}
	if len(tr.sent) != 0 {
		t.Error("Expired entry was sent")
	}
	if left, _ := s.QueueSelectDue(ctx, time.Now().Add(100*time.Hour), 10); len(left) != 0 {
		t.Error("Expired entry was not removed")
	}
}

func TestAutoReplyOncePerDay(t *testing.T) {
	tr := &fakeTransport{}
	q, _, cleanup := setupTestQueue(t, tr)
	defer cleanup()
	ctx := context.Background()

	alias := &types.Alias{
		Address: "support@example.com", AutoReplyEnabled: true,
		AutoReplySubject: "Away", AutoReplyMessage: "Back Monday",
	}
	alias.ID = 7
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		entry, err := AutoReplyEntry(alias, "sender@remote.test", "Question", "<q@remote.test>", now)
		if err != nil || entry == nil {
			t.Fatalf("Expected an auto-reply, got %v %v", entry, err)
		}
		err = q.Enqueue(ctx, entry)
		if i == 0 && err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		if i == 1 && !mailerr.Is(err, mailerr.Conflict) {
			t.Fatalf("Expected second auto-reply to be a duplicate, got %v", err)
		}
	}

	next, _ := AutoReplyEntry(alias, "sender@remote.test", "Question", "", now.Add(24*time.Hour))
	if err := q.Enqueue(ctx, next); err != nil {
		t.Fatalf("Next day auto-reply rejected: %v", err)
	}

	for _, sender := range []string{"", "noreply@remote.test", "MAILER-DAEMON@remote.test", "support@example.com"} {
		if entry, _ := AutoReplyEntry(alias, sender, "x", "", now); entry != nil {
			t.Errorf("Expected no auto-reply to %q", sender)
		}
	}
}

func TestForwardEntries(t *testing.T) {
	alias := &types.Alias{Address: "a@example.com", ForwardEnabled: true, ForwardTo: []string{"x@remote.test", " ", "a@example.com", "Y@remote.test"}}
	entries := ForwardEntries(alias, []byte("raw"))
	if len(entries) != 2 {
		t.Fatalf("Expected 2 forward entries, got %d", len(entries))
	}
	if entries[1].Rcpt != "y@remote.test" || entries[1].Kind != KindForward {
		t.Errorf("Unexpected entry %+v", entries[1])
	}
	alias.ForwardEnabled = false
	if len(ForwardEntries(alias, []byte("raw"))) != 0 {
		t.Error("Disabled forwarding produced entries")
	}
}

func TestCalculateBackoff(t *testing.T) {
	for retry := 1; retry <= 10; retry++ {
		base := float64(MIN_BACKOFF_SECONDS) * float64(int(1)<<(retry-1))
		if base > MAX_BACKOFF_SECONDS {
			base = MAX_BACKOFF_SECONDS
		}
		got := float64(calculateBackoff(retry))
		if got < base*0.8-1 || got > base*1.2+1 {
			t.Errorf("retry %d: backoff %v outside %v±20%%", retry, got, base)
		}
	}
}
