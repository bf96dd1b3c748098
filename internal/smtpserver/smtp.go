/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package smtpserver

import (
	"errors"
	"fmt"
	"net"

	"github.com/emersion/go-smtp"
)

type SMTPServer struct {
	server  *smtp.Server
	backend *Backend
}

func NewSMTPServer(backend *Backend) *SMTPServer {
	cfg := backend.Config.SMTP
	srv := smtp.NewServer(backend)
	srv.Addr = cfg.Addr
	srv.Domain = cfg.Hostname
	srv.MaxMessageBytes = int(cfg.MaxMessageBytes)
	srv.MaxRecipients = backend.maxRecipients()
	srv.ReadTimeout = cfg.ReadTimeout
	srv.WriteTimeout = cfg.WriteTimeout
	srv.AllowInsecureAuth = cfg.AllowInsecureAuth
	srv.ErrorLog = backend.Log
	return &SMTPServer{
		server:  srv,
		backend: backend,
	}
}

// Serve accepts connections on l until Close is called.
func (s *SMTPServer) Serve(l net.Listener) error {
	s.backend.Log.Printf("SMTP listening on %s", l.Addr())
	if err := s.server.Serve(l); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("s.server.Serve: %w", err)
	}
	return nil
}

func (s *SMTPServer) Close() error {
	return s.server.Close()
}
