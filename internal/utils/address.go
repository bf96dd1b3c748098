/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package utils

import (
	"fmt"
	"strings"

	"github.com/emersion/go-message/mail"
)

// NormalizeDomain lower-cases and trims a domain, dropping a trailing dot.
func NormalizeDomain(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	return strings.TrimSuffix(d, ".")
}

// IsValidDomain checks that domain looks like a DNS name with at least one
// dot-free label and no empty labels.
func IsValidDomain(domain string) bool {
	d := NormalizeDomain(domain)
	if d == "" || len(d) > 253 {
		return false
	}
	for _, label := range strings.Split(d, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, c := range label {
			switch {
			case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-':
			default:
				return false
			}
		}
	}
	return true
}

// ParseAddress splits an address such as "Jane <jane@Example.com>" into its
// local part and lower-cased domain.
func ParseAddress(email string) (local, domain string, err error) {
	email = strings.TrimSpace(email)
	if strings.ContainsAny(email, "<>") {
		addr, perr := mail.ParseAddress(email)
		if perr != nil {
			return "", "", fmt.Errorf("mail.ParseAddress: %w", perr)
		}
		email = addr.Address
	}
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "", "", fmt.Errorf("invalid email address")
	}

	domain = NormalizeDomain(email[at+1:])
	if !IsValidDomain(domain) {
		return "", "", fmt.Errorf("invalid email domain: %s", email[at+1:])
	}
	return email[:at], domain, nil
}

// NormalizeAddress returns local@domain with the domain lower-cased. Local
// parts are compared case-insensitively by the store, so they are lowered too.
func NormalizeAddress(email string) (string, error) {
	local, domain, err := ParseAddress(email)
	if err != nil {
		return "", err
	}
	return strings.ToLower(local) + "@" + domain, nil
}

// DomainOf returns the normalised domain of an address, or "" if it cannot be
// parsed.
func DomainOf(email string) string {
	_, domain, err := ParseAddress(email)
	if err != nil {
		return ""
	}
	return domain
}

// IsNullSender reports whether an address should never receive automatic
// replies: the null reverse-path and the usual no-reply mailboxes.
func IsNullSender(email string) bool {
	email = strings.TrimSpace(email)
	if email == "" || email == "<>" {
		return true
	}
	local, _, err := ParseAddress(email)
	if err != nil {
		return true
	}
	local = strings.ToLower(local)
	for _, prefix := range []string{"noreply", "no-reply", "no_reply", "donotreply", "do-not-reply", "mailer-daemon", "postmaster"} {
		if strings.HasPrefix(local, prefix) {
			return true
		}
	}
	return false
}
