/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package smtpserver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/JB-SelfCompany/mailhub/internal/mailerr"
	"github.com/JB-SelfCompany/mailhub/internal/storage/types"
	"github.com/JB-SelfCompany/mailhub/internal/utils"
	"github.com/emersion/go-smtp"
)

// SessionLocal is an authenticated submission session. Users may only send
// as one of their own active aliases.
type SessionLocal struct {
	backend *Backend
	state   *smtp.ConnectionState
	user    *types.User
	alias   *types.Alias
	rcpt    []string
}

func (s *SessionLocal) Mail(from string, opts smtp.MailOptions) error {
	s.rcpt = s.rcpt[:0]
	s.alias = nil

	addr, err := utils.NormalizeAddress(from)
	if err != nil {
		return errBadAddress
	}
	aliases, err := s.backend.Accounts.ListAliases(context.Background(), s.user.ID)
	if err != nil {
		return mailerr.SMTP(err)
	}
	for _, a := range aliases {
		if strings.EqualFold(a.Address, addr) && a.Deliverable() {
			s.alias = a
			return nil
		}
	}
	s.backend.Log.Warnf("User %s tried to send as %s", s.user.Username, from)
	return &smtp.SMTPError{
		Code:         553,
		EnhancedCode: smtp.EnhancedCode{5, 7, 1},
		Message:      fmt.Sprintf("Not allowed to send as %s", from),
	}
}

func (s *SessionLocal) Rcpt(to string) error {
	if len(s.rcpt) >= s.backend.maxRecipients() {
		return errTooManyRcpts
	}
	addr, err := utils.NormalizeAddress(to)
	if err != nil {
		return errBadAddress
	}
	s.rcpt = append(s.rcpt, addr)
	return nil
}

func (s *SessionLocal) Data(r io.Reader) error {
	var b bytes.Buffer
	b.WriteString(s.received())
	if _, err := io.Copy(&b, r); err != nil {
		return fmt.Errorf("failed to read message data: %w", err)
	}

	e, err := s.backend.Mail.Submit(context.Background(), s.user.ID, s.alias, s.rcpt, b.Bytes())
	if err != nil {
		s.backend.Log.Errorf("Submission from %s failed: %v", s.alias.Address, err)
		return mailerr.SMTP(err)
	}
	s.backend.Log.Printf("Accepted submission from %s for %v (EmailID=%d)", s.alias.Address, s.rcpt, e.ID)
	return nil
}

func (s *SessionLocal) received() string {
	remote := "unknown"
	if s.state != nil && s.state.RemoteAddr != nil {
		remote = s.state.RemoteAddr.String()
	}
	return fmt.Sprintf("Received: from %s\r\n\tby %s with ESMTPSA; %s\r\n",
		remote, s.backend.Config.SMTP.Hostname, time.Now().UTC().Format(time.RFC1123Z))
}

func (s *SessionLocal) Reset() {
	s.rcpt = s.rcpt[:0]
	s.alias = nil
}

func (s *SessionLocal) Logout() error {
	return nil
}
