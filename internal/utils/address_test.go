/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package utils

import (
	"strings"
	"testing"
)

func TestIsValidDomain(t *testing.T) {
	tests := []struct {
		name   string
		domain string
		valid  bool
	}{
		{"simple domain", "example.com", true},
		{"single label", "localhost", true},
		{"uppercase", "EXAMPLE.COM", true},
		{"mixed case", "Enterprise.Mail", true},
		{"with leading space", " company.com", true},
		{"with trailing space", "company.com ", true},
		{"trailing dot", "company.com.", true},
		{"hyphenated label", "mail-hub.example", true},
		{"empty label", "example..com", false},
		{"leading hyphen", "-example.com", false},
		{"underscore", "ex_ample.com", false},
		{"space inside", "exa mple.com", false},
		{"empty string", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsValidDomain(tt.domain)
			if result != tt.valid {
				t.Errorf("IsValidDomain(%q) = %v, want %v", tt.domain, result, tt.valid)
			}
		})
	}
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name       string
		email      string
		wantLocal  string
		wantDomain string
		wantErr    bool
	}{
		{"plain", "jane@example.com", "jane", "example.com", false},
		{"uppercase domain", "jane@EXAMPLE.COM", "jane", "example.com", false},
		{"surrounding space", "  jane@example.com ", "jane", "example.com", false},
		{"display name", "Jane Doe <jane@example.com>", "jane", "example.com", false},
		{"angle brackets only", "<jane@example.com>", "jane", "example.com", false},
		{"plus tag", "jane+news@example.com", "jane+news", "example.com", false},
		{"no @ symbol", "jane", "", "", true},
		{"@ at start", "@example.com", "", "", true},
		{"@ at end", "jane@", "", "", true},
		{"bad domain", "jane@exa mple.com", "", "", true},
		{"empty string", "", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local, domain, err := ParseAddress(tt.email)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseAddress(%q) expected error, got nil", tt.email)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAddress(%q) unexpected error: %v", tt.email, err)
			}
			if local != tt.wantLocal || domain != tt.wantDomain {
				t.Errorf("ParseAddress(%q) = (%q, %q), want (%q, %q)",
					tt.email, local, domain, tt.wantLocal, tt.wantDomain)
			}
		})
	}
}

func TestNormalizeAddress(t *testing.T) {
	got, err := NormalizeAddress(" Jane.Doe@Enterprise.MAIL ")
	if err != nil {
		t.Fatalf("NormalizeAddress failed: %v", err)
	}
	if got != "jane.doe@enterprise.mail" {
		t.Errorf("NormalizeAddress() = %q", got)
	}
}

func TestDomainOf(t *testing.T) {
	if d := DomainOf("bob@Company.com"); d != "company.com" {
		t.Errorf("DomainOf() = %q, want company.com", d)
	}
	if d := DomainOf("not-an-address"); d != "" {
		t.Errorf("DomainOf() = %q, want empty", d)
	}
}

func TestIsNullSender(t *testing.T) {
	tests := []struct {
		email string
		null  bool
	}{
		{"", true},
		{"<>", true},
		{"noreply@example.com", true},
		{"No-Reply@example.com", true},
		{"MAILER-DAEMON@example.com", true},
		{"jane@example.com", false},
		{"garbage", true},
	}

	for _, tt := range tests {
		t.Run(strings.ReplaceAll(tt.email, "@", "_at_"), func(t *testing.T) {
			if got := IsNullSender(tt.email); got != tt.null {
				t.Errorf("IsNullSender(%q) = %v, want %v", tt.email, got, tt.null)
			}
		})
	}
}

func TestParseAddressErrorMessages(t *testing.T) {
	tests := []struct {
		name        string
		email       string
		expectedMsg string
	}{
		{"invalid domain", "abc@bad_domain", "invalid email domain"},
		{"no @ symbol", "abc123", "invalid email address"},
		{"broken display form", "Jane <jane@", "mail.ParseAddress"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseAddress(tt.email)
			if err == nil {
				t.Errorf("ParseAddress(%q) expected error, got nil", tt.email)
				return
			}
			if !strings.Contains(err.Error(), tt.expectedMsg) {
				t.Errorf("ParseAddress(%q) error = %q, want to contain %q",
					tt.email, err.Error(), tt.expectedMsg)
			}
		})
	}
}
