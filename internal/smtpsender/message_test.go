package smtpsender

import (
	"bytes"
	"strings"
	"testing"

	"github.com/JB-SelfCompany/mailhub/internal/decoder"
)

func TestComposeVariants(t *testing.T) {
	tests := []struct {
		name        string
		o           Outbound
		text, html  string
		attachments int
	}{
		{
			name: "text only",
			o:    Outbound{Text: "plain body"},
			text: "plain body",
		},
		{
			name: "html only",
			o:    Outbound{HTML: "<p>rich</p>"},
			html: "<p>rich</p>",
		},
		{
			name: "alternative",
			o:    Outbound{Text: "plain body", HTML: "<p>rich</p>"},
			text: "plain body",
			html: "<p>rich</p>",
		},
		{
			name: "with attachments",
			o: Outbound{
				Text: "see attached",
				HTML: "<p>see attached</p>",
				Attachments: []Attachment{
					{Filename: "report.pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.4")},
					{Filename: "notes.txt", Data: []byte("notes")},
				},
			},
			text:        "see attached",
			html:        "<p>see attached</p>",
			attachments: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := tt.o
			o.From = "alice@example.com"
			o.To = []string{"bob@remote.test"}
			o.Subject = "Café menu"
			if err := Compose(&o); err != nil {
				t.Fatalf("Compose failed: %v", err)
			}
			if !strings.HasSuffix(o.MessageID, "@example.com>") {
				t.Errorf("Unexpected Message-ID %q", o.MessageID)
			}

			m, err := decoder.DecodeBytes(o.Raw)
			if err != nil {
				t.Fatalf("Composed message does not decode: %v", err)
			}
			if m.Subject != "Café menu" {
				t.Errorf("Expected subject to survive encoding, got %q", m.Subject)
			}
			if strings.TrimSpace(m.Text) != tt.text {
				t.Errorf("Expected text %q, got %q", tt.text, m.Text)
			}
			if strings.TrimSpace(m.HTML) != tt.html {
				t.Errorf("Expected html %q, got %q", tt.html, m.HTML)
			}
			if len(m.Attachments) != tt.attachments {
				t.Fatalf("Expected %d attachments, got %d", tt.attachments, len(m.Attachments))
			}
			if tt.attachments > 0 {
				if m.Attachments[0].Filename != "report.pdf" || !bytes.Equal(m.Attachments[0].Data, []byte("%PDF-1.4")) {
					t.Errorf("Unexpected attachment %+v", m.Attachments[0])
				}
				if m.Attachments[1].ContentType != "application/octet-stream" {
					t.Errorf("Expected default content type, got %q", m.Attachments[1].ContentType)
				}
			}
		})
	}
}

func TestComposeThreadingHeaders(t *testing.T) {
	o := &Outbound{
		From:       "alice@example.com",
		To:         []string{"bob@remote.test"},
		Subject:    "Re: plan",
		Text:       "ok",
		InReplyTo:  "<parent@remote.test>",
		References: []string{"<root@remote.test>", "<parent@remote.test>"},
		Headers:    map[string]string{"Auto-Submitted": "auto-replied"},
	}
	if err := Compose(o); err != nil {
		t.Fatalf("Compose failed: %v", err)
	}
	m, err := decoder.DecodeBytes(o.Raw)
	if err != nil {
		t.Fatalf("DecodeBytes failed: %v", err)
	}
	if m.InReplyTo != "<parent@remote.test>" {
		t.Errorf("Unexpected In-Reply-To %q", m.InReplyTo)
	}
	if len(m.References) != 2 || m.References[0] != "<root@remote.test>" {
		t.Errorf("Unexpected References %v", m.References)
	}
	if !bytes.Contains(o.Raw, []byte("Auto-Submitted: auto-replied")) {
		t.Error("Extra header missing")
	}
}
