package decoder

import (
	"strings"
	"testing"

	"github.com/JB-SelfCompany/mailhub/internal/mailerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func crlf(s string) string {
	return strings.ReplaceAll(s, "\n", "\r\n")
}

func TestDecodeSinglePartText(t *testing.T) {
	raw := crlf(`From: Alice <Alice@Example.com>
To: bob@example.com, carol@example.com
Subject: Hello
Message-ID: <abc@example.com>
Date: Mon, 01 Jan 2024 12:00:00 +0000

Hi there
`)
	m, err := Decode(strings.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "Hello", m.Subject)
	assert.Equal(t, "alice@example.com", m.From)
	assert.Equal(t, "Alice", m.FromName)
	assert.Equal(t, []string{"bob@example.com", "carol@example.com"}, m.To)
	assert.Equal(t, "<abc@example.com>", m.MessageID)
	assert.Equal(t, "Hi there\r\n", m.Text)
	assert.Empty(t, m.HTML)
	assert.False(t, m.HasAttachments)
	assert.EqualValues(t, len(raw), m.Size)
	assert.Equal(t, 2024, m.Date.Year())
}

func TestDecodeSinglePartHTML(t *testing.T) {
	raw := crlf(`From: a@example.com
Subject: html
Content-Type: text/html; charset=utf-8

<p>Hi</p>
`)
	m, err := Decode(strings.NewReader(raw))
	require.NoError(t, err)
	assert.Empty(t, m.Text)
	assert.Contains(t, m.HTML, "<p>Hi</p>")
}

func TestDecodeNestedMultipart(t *testing.T) {
	// HTML comes before text to show ordering does not matter.
	raw := crlf(`From: a@example.com
Subject: nested
In-Reply-To: <parent@example.com>
References: <root@example.com> <parent@example.com>
Content-Type: multipart/mixed; boundary=outer

--outer
Content-Type: multipart/alternative; boundary=inner

--inner
Content-Type: text/html; charset=utf-8

<b>rich</b>
--inner
Content-Type: text/plain; charset=utf-8

plain
--inner--
--outer
Content-Type: text/plain
Content-Disposition: attachment; filename="notes.txt"

attached text
--outer
Content-Type: image/png
Content-Disposition: inline; filename="logo.png"
Content-ID: <logo@example.com>
Content-Transfer-Encoding: base64

iVBORw0KGgo=
--outer--
`)
	m, err := Decode(strings.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "plain", strings.TrimSpace(m.Text))
	assert.Equal(t, "<b>rich</b>", strings.TrimSpace(m.HTML))
	assert.Equal(t, "<parent@example.com>", m.InReplyTo)
	assert.Equal(t, []string{"<root@example.com>", "<parent@example.com>"}, m.References)

	require.True(t, m.HasAttachments)
	require.Len(t, m.Attachments, 2)
	assert.Equal(t, "notes.txt", m.Attachments[0].Filename)
	assert.False(t, m.Attachments[0].Inline)
	assert.Equal(t, "attached text", strings.TrimSpace(string(m.Attachments[0].Data)))
	assert.Equal(t, "logo.png", m.Attachments[1].Filename)
	assert.Equal(t, "image/png", m.Attachments[1].ContentType)
	assert.Equal(t, "logo@example.com", m.Attachments[1].ContentID)
	assert.True(t, m.Attachments[1].Inline)
	assert.Equal(t, []byte("\x89PNG\r\n\x1a\n"), m.Attachments[1].Data)
}

func TestDecodeCharset(t *testing.T) {
	raw := crlf(`From: a@example.com
Subject: =?ISO-8859-1?Q?Caf=E9?=
Content-Type: text/plain; charset=iso-8859-1
Content-Transfer-Encoding: quoted-printable

Caf=E9
`)
	m, err := Decode(strings.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "Café", m.Subject)
	assert.Equal(t, "Café", strings.TrimSpace(m.Text))
}

func TestDecodeUnknownCharsetIsTolerated(t *testing.T) {
	raw := crlf(`From: a@example.com
Subject: odd
Content-Type: text/plain; charset=x-unknown-charset

body
`)
	m, err := Decode(strings.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "body", strings.TrimSpace(m.Text))
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"whitespace", "\r\n\r\n"},
		{"malformed header", "this is not a header\r\n\r\nbody\r\n"},
		{"missing boundary", crlf("From: a@example.com\nContent-Type: multipart/mixed\n\nbody\n")},
		{"truncated multipart", crlf("From: a@example.com\nContent-Type: multipart/mixed; boundary=b\n\n--b\nContent-Type: text/plain\n\npartial")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.raw))
			require.Error(t, err)
			assert.True(t, mailerr.Is(err, mailerr.Parse), "got %v", err)
		})
	}
}

func TestSanitizer(t *testing.T) {
	s := NewSanitizer()
	out := s.HTML(`<p onclick="x()">Hi <script>alert(1)</script><a href="javascript:evil()">x</a></p>`)
	assert.NotContains(t, out, "script")
	assert.NotContains(t, out, "onclick")
	assert.NotContains(t, out, "javascript")
	assert.Contains(t, out, "<p>Hi")
	assert.Equal(t, "Hi", s.Text("<b>Hi</b>"))
}

func TestThreadID(t *testing.T) {
	assert.Equal(t, "meeting", NormalizeSubject("Re: FWD: Meeting"))
	a := &Message{Subject: "Re: Meeting"}
	b := &Message{Subject: "meeting"}
	assert.Equal(t, a.ThreadID(), b.ThreadID())
	assert.Len(t, a.ThreadID(), 32)
}
