/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package decoder turns a raw RFC 5322 message into the fields the mailbox
// stores: headers, the first text and HTML bodies, and attachments.
package decoder

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/JB-SelfCompany/mailhub/internal/mailerr"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

const op = "decoder.Decode"

// maxDepth bounds multipart nesting.
const maxDepth = 32

type Part struct {
	Filename    string
	ContentType string
	ContentID   string
	Inline      bool
	Data        []byte
}

type Message struct {
	Subject    string
	From       string
	FromName   string
	To         []string
	Cc         []string
	ReplyTo    string
	MessageID  string
	InReplyTo  string
	References []string
	Date       time.Time

	Text           string
	HTML           string
	Attachments    []Part
	HasAttachments bool

	Raw  []byte
	Size int64
}

// ThreadID derives a thread key from the subject with reply prefixes removed.
func (m *Message) ThreadID() string {
	return GenerateThreadID(NormalizeSubject(m.Subject))
}

// Decode reads the whole message from r.
func Decode(r io.Reader) (*Message, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, mailerr.ParseError(op, err)
	}
	return DecodeBytes(raw)
}

func DecodeBytes(raw []byte) (*Message, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, mailerr.ParseError(op, fmt.Errorf("empty message"))
	}
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !tolerable(err) {
		return nil, mailerr.ParseError(op, err)
	}
	if fields := entity.Header.Fields(); !fields.Next() {
		return nil, mailerr.ParseError(op, fmt.Errorf("message has no header"))
	}

	m := &Message{
		Raw:  raw,
		Size: int64(len(raw)),
	}
	readHeader(m, mail.Header{Header: entity.Header})

	if err := m.walk(entity, 0); err != nil {
		return nil, err
	}
	return m, nil
}

// tolerable reports errors that still leave a usable entity: the body is
// then passed through undecoded.
func tolerable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

func readHeader(m *Message, h mail.Header) {
	if subject, err := h.Subject(); err == nil {
		m.Subject = subject
	} else {
		m.Subject = h.Get("Subject")
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		m.From, m.FromName = strings.ToLower(from[0].Address), from[0].Name
	} else {
		m.From = strings.TrimSpace(h.Get("From"))
	}
	m.To = addresses(h, "To")
	m.Cc = addresses(h, "Cc")
	if replyTo := addresses(h, "Reply-To"); len(replyTo) > 0 {
		m.ReplyTo = replyTo[0]
	}
	if id, err := h.MessageID(); err == nil && id != "" {
		m.MessageID = "<" + id + ">"
	}
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		m.InReplyTo = "<" + ids[0] + ">"
	}
	if ids, err := h.MsgIDList("References"); err == nil {
		for _, id := range ids {
			m.References = append(m.References, "<"+id+">")
		}
	}
	if date, err := h.Date(); err == nil {
		m.Date = date
	}
}

func addresses(h mail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, strings.ToLower(a.Address))
	}
	return out
}

func (m *Message) walk(e *message.Entity, depth int) error {
	if depth > maxDepth {
		return mailerr.ParseError(op, fmt.Errorf("multipart nesting deeper than %d", maxDepth))
	}
	mediaType, params, _ := e.Header.ContentType()
	mediaType = strings.ToLower(mediaType)

	if strings.HasPrefix(mediaType, "multipart/") {
		if params["boundary"] == "" {
			return mailerr.ParseError(op, fmt.Errorf("%s without boundary", mediaType))
		}
		mr := e.MultipartReader()
		if mr == nil {
			return mailerr.ParseError(op, fmt.Errorf("unreadable %s body", mediaType))
		}
		parts := 0
		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil && (p == nil || !tolerable(err)) {
				return mailerr.ParseError(op, err)
			}
			parts++
			if err := m.walk(p, depth+1); err != nil {
				return err
			}
		}
		if parts == 0 {
			return mailerr.ParseError(op, fmt.Errorf("%s with no parts", mediaType))
		}
		return nil
	}

	body, err := io.ReadAll(e.Body)
	if err != nil && !tolerable(err) {
		return mailerr.ParseError(op, err)
	}

	disposition, dparams, _ := e.Header.ContentDisposition()
	disposition = strings.ToLower(disposition)
	if disposition == "attachment" || disposition == "inline" {
		m.HasAttachments = true
		m.Attachments = append(m.Attachments, Part{
			Filename:    filename(e.Header, dparams, params),
			ContentType: contentTypeOr(mediaType),
			ContentID:   strings.Trim(e.Header.Get("Content-Id"), "<> "),
			Inline:      disposition == "inline",
			Data:        body,
		})
		return nil
	}

	switch mediaType {
	case "", "text/plain":
		if m.Text == "" {
			m.Text = string(body)
		}
	case "text/html":
		if m.HTML == "" {
			m.HTML = string(body)
		}
	}
	return nil
}

func filename(h message.Header, dparams, params map[string]string) string {
	ah := mail.AttachmentHeader{Header: h}
	if name, err := ah.Filename(); err == nil && name != "" {
		return name
	}
	if name := dparams["filename"]; name != "" {
		return name
	}
	return params["name"]
}

func contentTypeOr(mediaType string) string {
	if mediaType == "" {
		return "application/octet-stream"
	}
	return mediaType
}
