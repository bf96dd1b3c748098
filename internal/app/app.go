/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package app wires storage, services and listeners into one mail server.
package app

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/JB-SelfCompany/mailhub/internal/accounts"
	"github.com/JB-SelfCompany/mailhub/internal/config"
	"github.com/JB-SelfCompany/mailhub/internal/httpapi"
	"github.com/JB-SelfCompany/mailhub/internal/imapserver"
	"github.com/JB-SelfCompany/mailhub/internal/logging"
	"github.com/JB-SelfCompany/mailhub/internal/mailservice"
	"github.com/JB-SelfCompany/mailhub/internal/resettoken"
	"github.com/JB-SelfCompany/mailhub/internal/smtpsender"
	"github.com/JB-SelfCompany/mailhub/internal/smtpserver"
	"github.com/JB-SelfCompany/mailhub/internal/storage"
	"github.com/JB-SelfCompany/mailhub/internal/storage/filestore"
	"github.com/JB-SelfCompany/mailhub/internal/transport"
	"github.com/gologme/log"
)

type Service struct {
	Config *config.Config
	Log    *log.Logger

	Storage   storage.Storage
	FileStore *filestore.FileStore
	Tokens    resettoken.Store
	Transport transport.Transport
	Relay     smtpsender.Transport
	Queue     *smtpsender.Queue
	Mail      *mailservice.Service
	Accounts  *accounts.Service
	Acceptor  *smtpserver.Acceptor

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	smtp     *smtpserver.SMTPServer
	imap     *imapserver.IMAPServer
	http     *httpapi.Server
	smtpAddr net.Addr
	imapAddr net.Addr
	httpAddr net.Addr
}

func New(cfg *config.Config) *Service {
	return &Service{
		Config: cfg,
		Log:    logging.New(os.Stderr, "mailhub", cfg.Log.Levels, cfg.Log.Color),
	}
}

func (s *Service) logger(component string) *log.Logger {
	return logging.New(os.Stderr, component, s.Config.Log.Levels, s.Config.Log.Color)
}

// Initialize opens storage and builds the services. It does not listen.
func (s *Service) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Storage != nil {
		return fmt.Errorf("service already initialized")
	}
	cfg := s.Config

	store, err := storage.NewStorage(cfg, s.logger("storage"))
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	s.Storage = store
	s.Log.Printf("Using %s storage", cfg.Storage.Driver)

	fs, err := filestore.NewFileStore(cfg.Storage.AttachmentPath)
	if err != nil {
		store.Close()
		return fmt.Errorf("failed to initialize file store: %w", err)
	}
	s.FileStore = fs
	s.Log.Printf("Initialized file store at %q", cfg.Storage.AttachmentPath)

	tokens, err := resettoken.New(cfg, s.logger("tokens"))
	if err != nil {
		store.Close()
		return fmt.Errorf("failed to open reset token store: %w", err)
	}
	s.Tokens = tokens

	s.Transport = transport.NewTCPTransport(s.logger("transport"))
	s.Relay = smtpsender.NewRelay(cfg.Relay, cfg.SMTP.Hostname, s.Transport, s.logger("relay"))
	s.Queue = smtpsender.NewQueue(cfg, s.logger("queue"), s.Relay, store)
	s.Mail = mailservice.NewService(cfg, s.logger("mail"), store, fs, s.Relay, s.Queue)
	s.Accounts = accounts.NewService(cfg, s.logger("accounts"), store, tokens, s.Relay)

	ctx := context.Background()
	if cfg.Domain.Default != "" {
		if _, err := s.Storage.DomainSelectByName(ctx, cfg.Domain.Default); err != nil {
			if _, err := s.Accounts.CreateDomain(ctx, cfg.Domain.Default, "default domain"); err != nil {
				s.Log.Warnf("Failed to create default domain %s: %v", cfg.Domain.Default, err)
			}
		}
	}
	domains, err := s.Accounts.AcceptedDomains(ctx)
	if err != nil {
		tokens.Close()
		store.Close()
		return fmt.Errorf("failed to load accepted domains: %w", err)
	}
	s.Acceptor = smtpserver.NewAcceptor(domains)
	s.Accounts.DomainsChanged = s.Acceptor.SetDomains
	s.Log.Printf("Accepting mail for %v", domains)

	return nil
}

// Start listens on the configured addresses and serves until Stop.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("service already running")
	}
	if s.Storage == nil {
		return fmt.Errorf("service not initialized, call Initialize() first")
	}
	cfg := s.Config
	s.cleanupBlobs()

	var listeners []net.Listener
	listen := func(addr string) (net.Listener, error) {
		l, err := s.Transport.Listen(addr)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return nil, err
		}
		listeners = append(listeners, l)
		return l, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	smtpListener, err := listen(cfg.SMTP.Addr)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to listen for SMTP: %w", err)
	}
	s.smtp = smtpserver.NewSMTPServer(&smtpserver.Backend{
		Log:      s.logger("smtp"),
		Config:   cfg,
		Acceptor: s.Acceptor,
		Accounts: s.Accounts,
		Mail:     s.Mail,
	})
	s.smtpAddr = smtpListener.Addr()

	var imapListener, httpListener net.Listener
	if cfg.IMAP.Enabled {
		if imapListener, err = listen(cfg.IMAP.Addr); err != nil {
			cancel()
			return fmt.Errorf("failed to listen for IMAP: %w", err)
		}
		server, notify := imapserver.NewIMAPServer(&imapserver.Backend{
			Log:      s.logger("imap"),
			Accounts: s.Accounts,
			Mail:     s.Mail,
		}, cfg.IMAP.Addr, cfg.SMTP.AllowInsecureAuth)
		s.imap = server
		s.Mail.Notify = notify
		s.imapAddr = imapListener.Addr()
	}
	if cfg.HTTP.Enabled {
		if httpListener, err = listen(cfg.HTTP.Addr); err != nil {
			cancel()
			return fmt.Errorf("failed to listen for HTTP: %w", err)
		}
		s.http = httpapi.NewServer(cfg, s.logger("http"), s.Accounts, s.Mail)
		s.httpAddr = httpListener.Addr()
	}

	s.serve("SMTP", func() error { return s.smtp.Serve(smtpListener) })
	if s.imap != nil {
		s.serve("IMAP", func() error { return s.imap.Serve(imapListener) })
	}
	if s.http != nil {
		s.serve("HTTP", func() error { return s.http.Serve(httpListener) })
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Queue.Run(ctx)
	}()

	s.running = true
	s.Log.Println("Mail service started successfully")
	return nil
}

// cleanupBlobs removes blobs left behind by an interrupted commit. Nothing
// references them, and nothing may store new blobs while it runs.
func (s *Service) cleanupBlobs() {
	paths, err := s.Storage.BlobPaths(context.Background())
	if err != nil {
		s.Log.Warnf("Failed to list referenced blobs: %v", err)
		return
	}
	n, freed, err := s.FileStore.CleanupOrphanedFiles(paths)
	if err != nil {
		s.Log.Warnf("Orphaned blob cleanup failed: %v", err)
		return
	}
	if n > 0 {
		s.Log.Printf("Removed %d orphaned blobs (%d bytes)", n, freed)
	}
}

func (s *Service) serve(name string, fn func() error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(); err != nil {
			s.Log.Errorf("%s server error: %v", name, err)
		}
	}()
}

// Stop closes the listeners and waits for the serving goroutines.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("service not running")
	}
	s.running = false
	s.Log.Println("Stopping mail service...")

	s.cancel()
	if s.http != nil {
		if err := s.http.Shutdown(); err != nil {
			s.Log.Warnf("Error closing HTTP server: %v", err)
		}
	}
	if s.imap != nil {
		if err := s.imap.Close(); err != nil {
			s.Log.Warnf("Error closing IMAP server: %v", err)
		}
	}
	if err := s.smtp.Close(); err != nil {
		s.Log.Warnf("Error closing SMTP server: %v", err)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.Log.Warnf("Timeout waiting for server goroutines (continuing anyway)")
	}

	s.Log.Println("Mail service stopped")
	return nil
}

// Close releases storage. The service must be stopped first.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("service still running, call Stop() first")
	}
	if s.Tokens != nil {
		if err := s.Tokens.Close(); err != nil {
			s.Log.Warnf("Error closing token store: %v", err)
		}
	}
	if s.Storage != nil {
		return s.Storage.Close()
	}
	return nil
}

// SMTPAddr returns the address SMTP is listening on, nil before Start.
func (s *Service) SMTPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.smtpAddr
}

func (s *Service) IMAPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.imapAddr
}

func (s *Service) HTTPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.httpAddr
}
