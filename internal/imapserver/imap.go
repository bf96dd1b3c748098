/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package imapserver

import (
	"errors"
	"fmt"
	"net"
	"time"

	idle "github.com/emersion/go-imap-idle"
	move "github.com/emersion/go-imap-move"
	"github.com/emersion/go-imap/server"
	"github.com/emersion/go-sasl"
	"github.com/gologme/log"
)

type IMAPServer struct {
	server  *server.Server
	backend *Backend
	notify  *IMAPNotify
	done    chan struct{}
	log     *log.Logger
}

func NewIMAPServer(backend *Backend, addr string, insecure bool) (*IMAPServer, *IMAPNotify) {
	s := &IMAPServer{
		server:  server.New(backend),
		backend: backend,
		done:    make(chan struct{}),
		log:     backend.Log,
	}
	s.notify = NewIMAPNotify(s.server, backend.Mail.Storage, backend.Log)
	s.server.Addr = addr
	s.server.AllowInsecureAuth = insecure
	s.server.ErrorLog = backend.Log
	s.server.Enable(idle.NewExtension())
	s.server.Enable(move.NewExtension())
	s.server.EnableAuth(sasl.Login, func(conn server.Conn) sasl.Server {
		return sasl.NewLoginServer(func(username, password string) error {
			_, err := s.backend.Login(conn.Info(), username, password)
			return err
		})
	})
	return s, s.notify
}

// Serve accepts connections on l until Close is called.
func (s *IMAPServer) Serve(l net.Listener) error {
	defer close(s.done)
	s.log.Printf("IMAP listening on %s", l.Addr())
	if err := s.server.Serve(l); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("s.server.Serve: %w", err)
	}
	return nil
}

// Close closes the IMAP server and waits for Serve to return.
func (s *IMAPServer) Close() error {
	if err := s.server.Close(); err != nil {
		return err
	}
	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		s.log.Warnf("IMAP server did not exit within timeout")
	}
	return nil
}
