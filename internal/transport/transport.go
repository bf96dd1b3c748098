/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/gologme/log"
)

// Transport dials outbound connections and opens listeners for the mail
// servers.
type Transport interface {
	Dial(ctx context.Context, address string) (net.Conn, error)
	Listen(address string) (net.Listener, error)
}

type TCPTransport struct {
	log *log.Logger

	// DialTimeout bounds connection setup. Zero means no timeout beyond ctx.
	DialTimeout time.Duration

	// IdleTimeout closes connections that see no traffic for this long.
	IdleTimeout time.Duration

	// ClientTLS, when set, wraps dialed connections in TLS (implicit TLS,
	// e.g. port 465). ServerTLS does the same for listeners.
	ClientTLS *tls.Config
	ServerTLS *tls.Config
}

func NewTCPTransport(logger *log.Logger) *TCPTransport {
	return &TCPTransport{
		log:         logger,
		DialTimeout: 30 * time.Second,
		IdleTimeout: 5 * time.Minute,
	}
}

func (t *TCPTransport) Dial(ctx context.Context, address string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: t.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("Transport.Dial %s: %w", address, err)
	}
	if t.ClientTLS != nil {
		cfg := t.ClientTLS.Clone()
		if cfg.ServerName == "" {
			host, _, _ := net.SplitHostPort(address)
			cfg.ServerName = host
		}
		tlsConn := tls.Client(conn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("Transport.Dial %s: tls handshake: %w", address, err)
		}
		conn = tlsConn
	}
	if t.log != nil {
		t.log.Debugln("Connected to", address)
	}
	return newIdleConn(conn, t.IdleTimeout), nil
}

func (t *TCPTransport) Listen(address string) (net.Listener, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("net.Listen: %w", err)
	}
	if t.ServerTLS != nil {
		l = tls.NewListener(l, t.ServerTLS)
	}
	if t.log != nil {
		t.log.Infof("Listening on %s", l.Addr())
	}
	return l, nil
}
