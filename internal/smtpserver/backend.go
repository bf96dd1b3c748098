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

	"github.com/JB-SelfCompany/mailhub/internal/accounts"
	"github.com/JB-SelfCompany/mailhub/internal/config"
	"github.com/JB-SelfCompany/mailhub/internal/mailerr"
	"github.com/JB-SelfCompany/mailhub/internal/mailservice"
	"github.com/emersion/go-smtp"
	"github.com/gologme/log"
)

var (
	errDomainRejected = &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 2}, Message: "Domain not hosted here"}
	errTooManyRcpts   = &smtp.SMTPError{Code: 452, EnhancedCode: smtp.EnhancedCode{4, 5, 3}, Message: "Too many recipients"}
	errTooLarge       = &smtp.SMTPError{Code: 552, EnhancedCode: smtp.EnhancedCode{5, 3, 4}, Message: "Message too big"}
	errBadAddress     = &smtp.SMTPError{Code: 501, EnhancedCode: smtp.EnhancedCode{5, 1, 3}, Message: "Bad address syntax"}
)

// Backend hands anonymous connections an inbound session and authenticated
// ones a submission session.
type Backend struct {
	Log      *log.Logger
	Config   *config.Config
	Acceptor *Acceptor
	Accounts *accounts.Service
	Mail     *mailservice.Service
}

func (b *Backend) Login(state *smtp.ConnectionState, username, password string) (smtp.Session, error) {
	remote := ""
	if state != nil && state.RemoteAddr != nil {
		remote = state.RemoteAddr.String()
	}
	user, err := b.Accounts.Authenticate(context.Background(), username, password, remote)
	if err != nil {
		b.Log.Warnf("SMTP authentication failed for %q from %s", username, remote)
		return nil, mailerr.SMTP(err)
	}
	return &SessionLocal{backend: b, state: state, user: user}, nil
}

func (b *Backend) AnonymousLogin(state *smtp.ConnectionState) (smtp.Session, error) {
	return &SessionRemote{backend: b, state: state}, nil
}

func (b *Backend) maxRecipients() int {
	if b.Config.SMTP.MaxRecipients > 0 {
		return b.Config.SMTP.MaxRecipients
	}
	return 100
}
