/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.SMTP.MaxMessageBytes != 25*1024*1024 {
		t.Errorf("MaxMessageBytes = %d, want 25 MiB", cfg.SMTP.MaxMessageBytes)
	}
	if cfg.Storage.DefaultQuotaBytes != 1024*1024*1024 {
		t.Errorf("DefaultQuotaBytes = %d, want 1 GiB", cfg.Storage.DefaultQuotaBytes)
	}
	if cfg.Storage.MaxAttachmentSizeBytes != 10*1024*1024 {
		t.Errorf("MaxAttachmentSizeBytes = %d, want 10 MiB", cfg.Storage.MaxAttachmentSizeBytes)
	}
	if len(cfg.Domain.Allowed) != 2 || cfg.Domain.Allowed[0] != "enterprise.mail" {
		t.Errorf("unexpected allowed domains: %v", cfg.Domain.Allowed)
	}
	if cfg.Reset.TTL != time.Hour {
		t.Errorf("Reset.TTL = %v, want 1h", cfg.Reset.TTL)
	}
	if cfg.Relay.Addr() != "" {
		t.Errorf("relay should be unset by default, got %q", cfg.Relay.Addr())
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mailhub.yaml")
	data := []byte(`
smtp:
  addr: ":2525"
  max_message_size: 5MB
domain:
  allowed:
    - Example.COM
storage:
  driver: sqlite
  path: /tmp/x.db
relay:
  host: relay.example.com
  port: 465
  tls: true
queue:
  interval: 10s
`)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.SMTP.Addr != ":2525" {
		t.Errorf("SMTP.Addr = %q", cfg.SMTP.Addr)
	}
	if cfg.SMTP.MaxMessageBytes != 5*1024*1024 {
		t.Errorf("MaxMessageBytes = %d", cfg.SMTP.MaxMessageBytes)
	}
	if len(cfg.Domain.Allowed) != 1 || cfg.Domain.Allowed[0] != "example.com" {
		t.Errorf("allowed domains not normalised: %v", cfg.Domain.Allowed)
	}
	if cfg.Relay.Addr() != "relay.example.com:465" || !cfg.Relay.TLS {
		t.Errorf("unexpected relay config: %+v", cfg.Relay)
	}
	if cfg.Queue.Interval != 10*time.Second {
		t.Errorf("Queue.Interval = %v", cfg.Queue.Interval)
	}
	// Untouched sections keep their defaults.
	if cfg.IMAP.Addr != ":143" {
		t.Errorf("IMAP.Addr = %q", cfg.IMAP.Addr)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("MAILHUB_SMTP_ADDR", ":10025")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.SMTP.Addr != ":10025" {
		t.Errorf("SMTP.Addr = %q, want env override", cfg.SMTP.Addr)
	}
}

func TestInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  string
		val  string
	}{
		{"bad size", "MAILHUB_STORAGE_DEFAULT_QUOTA", "lots"},
		{"bad driver", "MAILHUB_STORAGE_DRIVER", "mysql"},
		{"bad reset backend", "MAILHUB_RESET_BACKEND", "memcached"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.env, tt.val)
			if _, err := Load(""); err == nil {
				t.Errorf("expected error for %s=%s", tt.env, tt.val)
			}
		})
	}
}
