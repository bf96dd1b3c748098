/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package smtpserver

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/JB-SelfCompany/mailhub/internal/decoder"
	"github.com/JB-SelfCompany/mailhub/internal/mailerr"
	"github.com/JB-SelfCompany/mailhub/internal/metrics"
	"github.com/emersion/go-smtp"
)

// SessionRemote receives mail from other servers for the hosted domains.
// Recipients are checked at RCPT so nothing is accepted that cannot be
// stored.
type SessionRemote struct {
	backend *Backend
	state   *smtp.ConnectionState
	from    string
	rcpt    []string
}

func (s *SessionRemote) Mail(from string, opts smtp.MailOptions) error {
	s.rcpt = s.rcpt[:0]

	// RFC 1870 SIZE: refuse before the data is transferred.
	if limit := s.backend.Config.SMTP.MaxMessageBytes; limit > 0 && int64(opts.Size) > limit {
		s.backend.Log.Printf("REJECTED (MAIL FROM): %s announced %d bytes, limit is %d", from, opts.Size, limit)
		metrics.RecordRejection("size")
		return errTooLarge
	}
	s.from = from
	return nil
}

func (s *SessionRemote) Rcpt(to string) error {
	if len(s.rcpt) >= s.backend.maxRecipients() {
		return errTooManyRcpts
	}
	if err := s.backend.Acceptor.Accept(s.from, to); err != nil {
		s.backend.Log.Debugf("Rejected recipient %s from %s: %v", to, s.from, err)
		metrics.RecordRejection("domain")
		return errDomainRejected
	}
	if _, err := s.backend.Mail.ResolveRecipient(context.Background(), to); err != nil {
		s.backend.Log.Debugf("Rejected recipient %s from %s: %v", to, s.from, err)
		metrics.RecordRejection("mailbox")
		return mailerr.SMTP(err)
	}
	s.rcpt = append(s.rcpt, to)
	return nil
}

func (s *SessionRemote) Data(r io.Reader) error {
	msg, err := decoder.Decode(io.MultiReader(strings.NewReader(s.received()), r))
	if err != nil {
		metrics.RecordRejection("parse")
		return mailerr.SMTP(err)
	}

	// The sender has finished; the commit must not depend on the connection.
	if err := s.backend.Mail.Deliver(context.Background(), s.rcpt, msg); err != nil {
		return mailerr.SMTP(err)
	}
	return nil
}

func (s *SessionRemote) received() string {
	helo, remote := "unknown", "unknown"
	if s.state != nil {
		if s.state.Hostname != "" {
			helo = s.state.Hostname
		}
		if s.state.RemoteAddr != nil {
			remote = s.state.RemoteAddr.String()
		}
	}
	return fmt.Sprintf("Received: from %s (%s)\r\n\tby %s with ESMTP; %s\r\n",
		helo, remote, s.backend.Config.SMTP.Hostname, time.Now().UTC().Format(time.RFC1123Z))
}

func (s *SessionRemote) Reset() {
	s.rcpt = s.rcpt[:0]
	s.from = ""
}

func (s *SessionRemote) Logout() error {
	return nil
}
