/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package accounts

import (
	"context"
	"sort"

	"github.com/JB-SelfCompany/mailhub/internal/mailerr"
	"github.com/JB-SelfCompany/mailhub/internal/storage/types"
	"github.com/JB-SelfCompany/mailhub/internal/utils"
)

// CreateDomain adds an active hosted domain and refreshes the set of
// accepted domains.
func (s *Service) CreateDomain(ctx context.Context, name, description string) (*types.Domain, error) {
	const op = "accounts.CreateDomain"
	name = utils.NormalizeDomain(name)
	if !utils.IsValidDomain(name) {
		return nil, mailerr.Errorf(mailerr.Invalid, op, "invalid domain %q", name)
	}
	d := &types.Domain{
		Name:        name,
		Description: description,
		Status:      types.DomainActive,
	}
	if _, err := s.Storage.DomainCreate(ctx, d); err != nil {
		return nil, err
	}
	s.Log.Printf("Created domain %s", d.Name)
	s.refreshDomains(ctx)
	return d, nil
}

func (s *Service) ListDomains(ctx context.Context) ([]*types.Domain, error) {
	return s.Storage.DomainList(ctx)
}

// AcceptedDomains returns the configured domains together with every
// active hosted domain, sorted and without duplicates.
func (s *Service) AcceptedDomains(ctx context.Context) ([]string, error) {
	set := map[string]struct{}{}
	for _, d := range s.Config.Domain.Allowed {
		if d != "" {
			set[utils.NormalizeDomain(d)] = struct{}{}
		}
	}
	domains, err := s.Storage.DomainList(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range domains {
		if d.Status == types.DomainActive && !d.Deleted {
			set[utils.NormalizeDomain(d.Name)] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Service) refreshDomains(ctx context.Context) {
	if s.DomainsChanged == nil {
		return
	}
	domains, err := s.AcceptedDomains(ctx)
	if err != nil {
		s.Log.Errorf("Failed to reload accepted domains: %v", err)
		return
	}
	s.DomainsChanged(domains)
}
