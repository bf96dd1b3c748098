/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package smtpserver

import (
	"strings"

	"github.com/JB-SelfCompany/mailhub/internal/mailerr"
	"github.com/JB-SelfCompany/mailhub/internal/utils"
	"go.uber.org/atomic"
)

type domainSet map[string]struct{}

// Acceptor decides at RCPT time whether a recipient's domain is hosted here.
// The set of domains is immutable once published and is replaced as a whole,
// so Accept never takes a lock.
type Acceptor struct {
	domains atomic.Value // domainSet
}

func NewAcceptor(domains []string) *Acceptor {
	a := &Acceptor{}
	a.SetDomains(domains)
	return a
}

// SetDomains atomically replaces the accepted domains.
func (a *Acceptor) SetDomains(domains []string) {
	set := make(domainSet, len(domains))
	for _, d := range domains {
		if d = utils.NormalizeDomain(d); d != "" {
			set[d] = struct{}{}
		}
	}
	a.domains.Store(set)
}

// Domains returns the accepted domains in no particular order.
func (a *Acceptor) Domains() []string {
	set, _ := a.domains.Load().(domainSet)
	out := make([]string, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	return out
}

// Accept returns nil if mail for rcpt may be accepted, and a NotFound error
// otherwise.
func (a *Acceptor) Accept(from, rcpt string) error {
	const op = "smtpserver.Accept"
	rcpt = strings.TrimSpace(rcpt)
	at := strings.LastIndex(rcpt, "@")
	if at < 0 {
		return mailerr.Errorf(mailerr.NotFound, op, "no domain in recipient %q", rcpt)
	}
	domain := utils.NormalizeDomain(strings.TrimSuffix(rcpt[at+1:], ">"))
	set, _ := a.domains.Load().(domainSet)
	if _, ok := set[domain]; !ok {
		return mailerr.Errorf(mailerr.NotFound, op, "domain %s is not hosted here", domain)
	}
	return nil
}
