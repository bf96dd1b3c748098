/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package smtpsender

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/JB-SelfCompany/mailhub/internal/utils"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
)

type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Outbound is a message on its way to the relay. Compose fills MessageID,
// Date and Raw from the other fields. When Raw is already set it is sent
// verbatim and only the envelope fields are used.
type Outbound struct {
	From        string
	FromName    string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	Text        string
	HTML        string
	InReplyTo   string
	References  []string
	Attachments []Attachment

	// Extra headers such as Auto-Submitted.
	Headers map[string]string

	MessageID string
	Date      time.Time
	Raw       []byte
}

// Recipients returns the envelope recipients: To, Cc and Bcc with duplicates
// removed.
func (o *Outbound) Recipients() []string {
	seen := make(map[string]bool)
	var rcpts []string
	for _, list := range [][]string{o.To, o.Cc, o.Bcc} {
		for _, addr := range list {
			addr = strings.ToLower(strings.TrimSpace(addr))
			if addr == "" || seen[addr] {
				continue
			}
			seen[addr] = true
			rcpts = append(rcpts, addr)
		}
	}
	return rcpts
}

// Compose renders o into an RFC 5322 message. The body is text/plain,
// text/html or multipart/alternative of both, wrapped in multipart/mixed
// when there are attachments. Bcc is never written to the header.
func Compose(o *Outbound) error {
	if o.Date.IsZero() {
		o.Date = time.Now().UTC()
	}
	if o.MessageID == "" {
		host := utils.DomainOf(o.From)
		if host == "" {
			host = "localhost"
		}
		o.MessageID = "<" + uuid.NewString() + "@" + host + ">"
	}

	var h mail.Header
	h.SetDate(o.Date)
	h.SetSubject(o.Subject)
	h.SetMessageID(strings.Trim(o.MessageID, "<>"))
	h.SetAddressList("From", []*mail.Address{{Name: o.FromName, Address: o.From}})
	if len(o.To) > 0 {
		h.SetAddressList("To", addressList(o.To))
	}
	if len(o.Cc) > 0 {
		h.SetAddressList("Cc", addressList(o.Cc))
	}
	if o.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{strings.Trim(o.InReplyTo, "<>")})
	}
	if len(o.References) > 0 {
		refs := make([]string, 0, len(o.References))
		for _, ref := range o.References {
			refs = append(refs, strings.Trim(ref, "<>"))
		}
		h.SetMsgIDList("References", refs)
	}
	for k, v := range o.Headers {
		h.Set(k, v)
	}
	h.Set("MIME-Version", "1.0")

	var buf bytes.Buffer
	if len(o.Attachments) == 0 {
		setBodyType(&h.Header, o)
		w, err := message.CreateWriter(&buf, h.Header)
		if err != nil {
			return fmt.Errorf("message.CreateWriter: %w", err)
		}
		if err := writeBody(w, o); err != nil {
			return err
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("w.Close: %w", err)
		}
		o.Raw = buf.Bytes()
		return nil
	}

	h.SetContentType("multipart/mixed", nil)
	mw, err := message.CreateWriter(&buf, h.Header)
	if err != nil {
		return fmt.Errorf("message.CreateWriter: %w", err)
	}

	var bh message.Header
	setBodyType(&bh, o)
	bw, err := mw.CreatePart(bh)
	if err != nil {
		return fmt.Errorf("mw.CreatePart: %w", err)
	}
	if err := writeBody(bw, o); err != nil {
		return err
	}
	if err := bw.Close(); err != nil {
		return fmt.Errorf("bw.Close: %w", err)
	}

	for _, att := range o.Attachments {
		var ah mail.AttachmentHeader
		ah.SetContentType(contentTypeOr(att.ContentType), nil)
		ah.SetFilename(att.Filename)
		ah.Set("Content-Transfer-Encoding", "base64")
		aw, err := mw.CreatePart(ah.Header)
		if err != nil {
			return fmt.Errorf("mw.CreatePart: %w", err)
		}
		if _, err := aw.Write(att.Data); err != nil {
			return fmt.Errorf("aw.Write: %w", err)
		}
		if err := aw.Close(); err != nil {
			return fmt.Errorf("aw.Close: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("mw.Close: %w", err)
	}
	o.Raw = buf.Bytes()
	return nil
}

func setBodyType(h *message.Header, o *Outbound) {
	switch {
	case o.Text != "" && o.HTML != "":
		h.SetContentType("multipart/alternative", nil)
	case o.HTML != "":
		h.SetContentType("text/html", map[string]string{"charset": "utf-8"})
		h.Set("Content-Transfer-Encoding", "quoted-printable")
	default:
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		h.Set("Content-Transfer-Encoding", "quoted-printable")
	}
}

// writeBody fills a writer created from a header set by setBodyType.
func writeBody(w *message.Writer, o *Outbound) error {
	if o.Text == "" || o.HTML == "" {
		body := o.Text
		if o.HTML != "" {
			body = o.HTML
		}
		if _, err := io.WriteString(w, body); err != nil {
			return fmt.Errorf("io.WriteString: %w", err)
		}
		return nil
	}
	for _, part := range []struct{ mediaType, body string }{
		{"text/plain", o.Text},
		{"text/html", o.HTML},
	} {
		var ph message.Header
		ph.SetContentType(part.mediaType, map[string]string{"charset": "utf-8"})
		ph.Set("Content-Transfer-Encoding", "quoted-printable")
		pw, err := w.CreatePart(ph)
		if err != nil {
			return fmt.Errorf("w.CreatePart: %w", err)
		}
		if _, err := io.WriteString(pw, part.body); err != nil {
			return fmt.Errorf("io.WriteString: %w", err)
		}
		if err := pw.Close(); err != nil {
			return fmt.Errorf("pw.Close: %w", err)
		}
	}
	return nil
}

func addressList(addrs []string) []*mail.Address {
	list := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		list = append(list, &mail.Address{Address: a})
	}
	return list
}

func contentTypeOr(ct string) string {
	if ct == "" {
		return "application/octet-stream"
	}
	return ct
}
