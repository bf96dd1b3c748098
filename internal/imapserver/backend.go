/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package imapserver

import (
	"context"

	"github.com/JB-SelfCompany/mailhub/internal/accounts"
	"github.com/JB-SelfCompany/mailhub/internal/mailerr"
	"github.com/JB-SelfCompany/mailhub/internal/mailservice"
	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend"
	"github.com/gologme/log"
)

type Backend struct {
	Log      *log.Logger
	Accounts *accounts.Service
	Mail     *mailservice.Service
}

func (b *Backend) Login(conn *imap.ConnInfo, username, password string) (backend.User, error) {
	remote := ""
	if conn != nil && conn.RemoteAddr != nil {
		remote = conn.RemoteAddr.String()
	}
	u, err := b.Accounts.Authenticate(context.Background(), username, password, remote)
	if mailerr.Is(err, mailerr.Auth) {
		b.Log.Warnf("IMAP authentication failed for %q from %s", username, remote)
		return nil, backend.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	return &User{backend: b, user: u}, nil
}
