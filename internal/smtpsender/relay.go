/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package smtpsender

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"

	"github.com/JB-SelfCompany/mailhub/internal/config"
	"github.com/JB-SelfCompany/mailhub/internal/mailerr"
	"github.com/JB-SelfCompany/mailhub/internal/transport"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/gologme/log"
)

// Transport hands a message to the outside world. Failures are
// mailerr.Transport errors.
type Transport interface {
	Send(ctx context.Context, o *Outbound) error
}

// Relay delivers every message through one upstream SMTP server.
type Relay struct {
	cfg       config.RelayConfig
	hostname  string
	transport transport.Transport
	log       *log.Logger
}

func NewRelay(cfg config.RelayConfig, hostname string, t transport.Transport, logger *log.Logger) *Relay {
	return &Relay{
		cfg:       cfg,
		hostname:  hostname,
		transport: t,
		log:       logger,
	}
}

func (r *Relay) Send(ctx context.Context, o *Outbound) error {
	const op = "smtpsender.Relay.Send"

	addr := r.cfg.Addr()
	if addr == "" {
		return mailerr.TransportError(op, errors.New("no relay configured"))
	}
	rcpts := o.Recipients()
	if len(rcpts) == 0 {
		return mailerr.Errorf(mailerr.Invalid, op, "no recipients")
	}
	if len(o.Raw) == 0 {
		if err := Compose(o); err != nil {
			return mailerr.E(mailerr.Invalid, op, "compose failed", err)
		}
	}

	if err := r.deliver(ctx, addr, o.From, rcpts, o.Raw); err != nil {
		r.log.Warnf("Relay %s did not accept mail from %s: %v", addr, o.From, err)
		return mailerr.TransportError(op, err)
	}
	r.log.Infof("Relayed mail from %s to %d recipient(s) (%d bytes)", o.From, len(rcpts), len(o.Raw))
	return nil
}

func (r *Relay) deliver(ctx context.Context, addr, from string, rcpts []string, raw []byte) error {
	conn, err := r.transport.Dial(ctx, addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, r.cfg.Host)
	if err != nil {
		return fmt.Errorf("smtp.NewClient: %w", err)
	}
	defer client.Close()

	if err := client.Hello(r.hostname); err != nil {
		return fmt.Errorf("client.Hello: %w", err)
	}

	if r.cfg.StartTLS && !r.cfg.TLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: r.cfg.Host}); err != nil {
				return fmt.Errorf("client.StartTLS: %w", err)
			}
		}
	}

	if r.cfg.Username != "" {
		if ok, _ := client.Extension("AUTH"); !ok {
			return errors.New("relay does not support AUTH")
		}
		if err := client.Auth(sasl.NewPlainClient("", r.cfg.Username, r.cfg.Password)); err != nil {
			return fmt.Errorf("client.Auth: %w", err)
		}
	}

	if err := client.Mail(from, nil); err != nil {
		return fmt.Errorf("client.Mail: %w", err)
	}
	for _, rcpt := range rcpts {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("client.Rcpt %s: %w", rcpt, err)
		}
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("client.Data: %w", err)
	}
	if _, err := writer.Write(raw); err != nil {
		writer.Close()
		return fmt.Errorf("writer.Write: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("writer.Close: %w", err)
	}
	return client.Quit()
}

// isPermanentError reports 5xx replies from the relay. Anything else,
// including network failures, is worth retrying.
func isPermanentError(err error) bool {
	var se *smtp.SMTPError
	if errors.As(err, &se) {
		return se.Code >= 500 && se.Code < 600
	}
	return false
}

// isNetworkError checks if error is network-related (temporary)
func isNetworkError(err error) bool {
	errStr := err.Error()
	return strings.Contains(errStr, "context deadline exceeded") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "network is unreachable") ||
		strings.Contains(errStr, "no route to host") ||
		strings.Contains(errStr, "Transport.Dial") ||
		strings.Contains(errStr, "i/o timeout")
}
