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
	"strings"

	"github.com/JB-SelfCompany/mailhub/internal/mailerr"
	"github.com/JB-SelfCompany/mailhub/internal/storage/types"
	"github.com/JB-SelfCompany/mailhub/internal/utils"
)

// updateRetries bounds how often a mutation is retried after losing a
// version race.
const updateRetries = 5

type AliasRequest struct {
	LocalPart   string
	Domain      string
	DisplayName string
	Description string
}

// AliasChanges holds the editable presentation fields. Nil fields are left
// unchanged.
type AliasChanges struct {
	DisplayName *string
	Description *string
	Signature   *string
}

// CreateAlias adds an active standard alias on an existing domain. Addresses
// are unique across all users.
func (s *Service) CreateAlias(ctx context.Context, userID int64, r AliasRequest) (*types.Alias, error) {
	const op = "accounts.CreateAlias"

	address, err := utils.NormalizeAddress(strings.TrimSpace(r.LocalPart) + "@" + r.Domain)
	if err != nil {
		return nil, mailerr.E(mailerr.Invalid, op, "invalid alias address", err)
	}
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	domain, err := s.Storage.DomainSelectByName(ctx, utils.DomainOf(address))
	if mailerr.Is(err, mailerr.NotFound) {
		return nil, mailerr.Errorf(mailerr.Invalid, op, "domain %s is not hosted here", utils.DomainOf(address))
	}
	if err != nil {
		return nil, err
	}
	if domain.MaxAliasesPerUser > 0 {
		existing, err := s.ListAliases(ctx, userID)
		if err != nil {
			return nil, err
		}
		n := 0
		for _, a := range existing {
			if a.DomainID == domain.ID {
				n++
			}
		}
		if n >= domain.MaxAliasesPerUser {
			return nil, mailerr.Errorf(mailerr.Limit, op, "at most %d aliases per user on %s", domain.MaxAliasesPerUser, domain.Name)
		}
	}

	a := &types.Alias{
		Address:     address,
		DisplayName: strings.TrimSpace(r.DisplayName),
		Description: r.Description,
		Status:      types.AliasActive,
		Type:        types.AliasStandard,
		UserID:      u.ID,
		DomainID:    domain.ID,
	}
	if _, err := s.Storage.AliasCreate(ctx, a); err != nil {
		return nil, err
	}
	s.Log.Printf("Created alias %s for user %s", a.Address, u.Username)
	return a, nil
}

// IsAliasAvailable reports whether no alias, including soft deleted ones,
// uses the address.
func (s *Service) IsAliasAvailable(ctx context.Context, address string) (bool, error) {
	addr, err := utils.NormalizeAddress(address)
	if err != nil {
		return false, mailerr.E(mailerr.Invalid, "accounts.IsAliasAvailable", "invalid address", err)
	}
	switch _, err := s.Storage.AliasSelectByAddress(ctx, addr); {
	case err == nil:
		return false, nil
	case mailerr.Is(err, mailerr.NotFound):
		return true, nil
	default:
		return false, err
	}
}

// ListAliases returns the user's aliases that have not been deleted.
func (s *Service) ListAliases(ctx context.Context, userID int64) ([]*types.Alias, error) {
	all, err := s.Storage.AliasListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	aliases := all[:0]
	for _, a := range all {
		if !a.Deleted {
			aliases = append(aliases, a)
		}
	}
	return aliases, nil
}

func (s *Service) GetAlias(ctx context.Context, userID, id int64) (*types.Alias, error) {
	return s.ownedAlias(ctx, "accounts.GetAlias", userID, id)
}

func (s *Service) UpdateAlias(ctx context.Context, userID, id int64, c AliasChanges) (*types.Alias, error) {
	return s.mutateAlias(ctx, "accounts.UpdateAlias", userID, id, func(a *types.Alias) error {
		if c.DisplayName != nil {
			a.DisplayName = strings.TrimSpace(*c.DisplayName)
		}
		if c.Description != nil {
			a.Description = *c.Description
		}
		if c.Signature != nil {
			a.Signature = *c.Signature
		}
		return nil
	})
}

// SetForwarding replaces the forward targets. Targets equal to the alias
// itself are dropped.
func (s *Service) SetForwarding(ctx context.Context, userID, id int64, enabled bool, targets []string) (*types.Alias, error) {
	const op = "accounts.SetForwarding"
	var normalized []string
	seen := map[string]bool{}
	for _, t := range targets {
		if strings.TrimSpace(t) == "" {
			continue
		}
		addr, err := utils.NormalizeAddress(t)
		if err != nil {
			return nil, mailerr.E(mailerr.Invalid, op, "invalid forward address "+t, err)
		}
		if !seen[addr] {
			seen[addr] = true
			normalized = append(normalized, addr)
		}
	}
	return s.mutateAlias(ctx, op, userID, id, func(a *types.Alias) error {
		targets := normalized[:0:0]
		for _, t := range normalized {
			if t != strings.ToLower(a.Address) {
				targets = append(targets, t)
			}
		}
		if enabled && len(targets) == 0 {
			return mailerr.Errorf(mailerr.Invalid, op, "forwarding needs at least one target")
		}
		a.ForwardEnabled = enabled
		a.ForwardTo = targets
		return nil
	})
}

func (s *Service) SetAutoReply(ctx context.Context, userID, id int64, enabled bool, subject, message string) (*types.Alias, error) {
	const op = "accounts.SetAutoReply"
	return s.mutateAlias(ctx, op, userID, id, func(a *types.Alias) error {
		if enabled && strings.TrimSpace(message) == "" {
			return mailerr.Errorf(mailerr.Invalid, op, "auto-reply needs a message")
		}
		a.AutoReplyEnabled = enabled
		a.AutoReplySubject = strings.TrimSpace(subject)
		a.AutoReplyMessage = message
		return nil
	})
}

// ToggleAlias enables or disables delivery to the alias. Suspended aliases
// can only be changed by an administrator.
func (s *Service) ToggleAlias(ctx context.Context, userID, id int64, enabled bool) (*types.Alias, error) {
	const op = "accounts.ToggleAlias"
	return s.mutateAlias(ctx, op, userID, id, func(a *types.Alias) error {
		if a.Status == types.AliasSuspended {
			return mailerr.Errorf(mailerr.Conflict, op, "alias %s is suspended", a.Address)
		}
		if enabled {
			a.Status = types.AliasActive
		} else {
			a.Status = types.AliasInactive
		}
		return nil
	})
}

// DeleteAlias soft deletes the alias. Its address stays reserved.
func (s *Service) DeleteAlias(ctx context.Context, userID, id int64) error {
	a, err := s.mutateAlias(ctx, "accounts.DeleteAlias", userID, id, func(a *types.Alias) error {
		a.Status = types.AliasDeleted
		a.Deleted = true
		return nil
	})
	if err != nil {
		return err
	}
	s.Log.Printf("Deleted alias %s", a.Address)
	return nil
}

func (s *Service) ownedAlias(ctx context.Context, op string, userID, id int64) (*types.Alias, error) {
	a, err := s.Storage.AliasSelect(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.UserID != userID || a.Deleted {
		return nil, mailerr.NotFoundError(op, "alias")
	}
	return a, nil
}

// mutateAlias loads the alias, applies fn and writes it back, reloading and
// retrying when a concurrent update bumped the version first.
func (s *Service) mutateAlias(ctx context.Context, op string, userID, id int64, fn func(*types.Alias) error) (*types.Alias, error) {
	var err error
	for i := 0; i < updateRetries; i++ {
		var a *types.Alias
		if a, err = s.ownedAlias(ctx, op, userID, id); err != nil {
			return nil, err
		}
		if err = fn(a); err != nil {
			return nil, err
		}
		if err = s.Storage.AliasUpdate(ctx, a); err == nil {
			return a, nil
		}
		if !mailerr.Is(err, mailerr.Conflict) {
			return nil, err
		}
	}
	return nil, err
}
