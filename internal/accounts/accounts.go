/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package accounts manages users, hosted domains, aliases and password
// resets.
package accounts

import (
	"context"
	"strings"
	"time"

	"github.com/JB-SelfCompany/mailhub/internal/config"
	"github.com/JB-SelfCompany/mailhub/internal/mailerr"
	"github.com/JB-SelfCompany/mailhub/internal/resettoken"
	"github.com/JB-SelfCompany/mailhub/internal/smtpsender"
	"github.com/JB-SelfCompany/mailhub/internal/storage"
	"github.com/JB-SelfCompany/mailhub/internal/storage/types"
	"github.com/JB-SelfCompany/mailhub/internal/utils"
	"github.com/gologme/log"
	"golang.org/x/crypto/bcrypt"
)

const MinPasswordLength = 8

type Service struct {
	Config    *config.Config
	Log       *log.Logger
	Storage   storage.Storage
	Tokens    resettoken.Store
	Transport smtpsender.Transport

	// DomainsChanged receives the full set of accepted domains whenever a
	// domain is created.
	DomainsChanged func(domains []string)

	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
	now        func() time.Time
}

func NewService(cfg *config.Config, log *log.Logger, store storage.Storage, tokens resettoken.Store, transport smtpsender.Transport) *Service {
	return &Service{
		Config:     cfg,
		Log:        log,
		Storage:    store,
		Tokens:     tokens,
		Transport:  transport,
		BcryptCost: bcrypt.DefaultCost,
		now:        time.Now,
	}
}

// Registration is the input to RegisterUser.
type Registration struct {
	Username  string
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// RegisterUser creates an active user with the default system folders. When
// the email address belongs to a hosted domain it also becomes the user's
// primary alias.
func (s *Service) RegisterUser(ctx context.Context, r Registration) (*types.User, error) {
	const op = "accounts.RegisterUser"

	username := strings.TrimSpace(r.Username)
	if username == "" || strings.ContainsAny(username, " @\t") {
		return nil, mailerr.Errorf(mailerr.Invalid, op, "invalid username %q", r.Username)
	}
	email, err := utils.NormalizeAddress(r.Email)
	if err != nil {
		return nil, mailerr.E(mailerr.Invalid, op, "invalid email address", err)
	}
	hash, err := s.hash(op, r.Password)
	if err != nil {
		return nil, err
	}
	for _, login := range []string{username, email} {
		switch _, err := s.Storage.UserSelectByLogin(ctx, login); {
		case err == nil:
			return nil, mailerr.Errorf(mailerr.Conflict, op, "%s is already registered", login)
		case !mailerr.Is(err, mailerr.NotFound):
			return nil, err
		}
	}

	domain, err := s.Storage.DomainSelectByName(ctx, utils.DomainOf(email))
	switch {
	case mailerr.Is(err, mailerr.NotFound):
		domain = nil
	case err != nil:
		return nil, err
	case domain.Status != types.DomainActive:
		domain = nil
	}
	if domain != nil {
		if ok, err := s.IsAliasAvailable(ctx, email); err != nil {
			return nil, err
		} else if !ok {
			return nil, mailerr.Errorf(mailerr.Conflict, op, "address %s is taken", email)
		}
	}

	u := &types.User{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		FirstName:    strings.TrimSpace(r.FirstName),
		LastName:     strings.TrimSpace(r.LastName),
		Role:         types.RoleUser,
		Status:       types.UserActive,
		StorageQuota: s.Config.Storage.DefaultQuotaBytes,
	}
	if _, err := s.Storage.UserCreate(ctx, u); err != nil {
		return nil, err
	}
	s.Log.Printf("Registered user %s (UserID=%d)", u.Username, u.ID)

	if domain != nil {
		a := &types.Alias{
			Address:     email,
			DisplayName: u.DisplayName(),
			Status:      types.AliasActive,
			Type:        types.AliasStandard,
			IsPrimary:   true,
			UserID:      u.ID,
			DomainID:    domain.ID,
		}
		if _, err := s.Storage.AliasCreate(ctx, a); err != nil {
			return u, err
		}
	}
	return u, nil
}

// Authenticate checks a username or email address and password. Every
// failure is an Auth error, so callers cannot tell which part was wrong.
func (s *Service) Authenticate(ctx context.Context, login, password, remoteIP string) (*types.User, error) {
	const op = "accounts.Authenticate"

	u, err := s.Storage.UserSelectByLogin(ctx, strings.TrimSpace(login))
	if mailerr.Is(err, mailerr.NotFound) {
		return nil, mailerr.Errorf(mailerr.Auth, op, "invalid credentials")
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, mailerr.Errorf(mailerr.Auth, op, "invalid credentials")
	}
	if u.Deleted || u.Status != types.UserActive {
		return nil, mailerr.Errorf(mailerr.Auth, op, "account is %s", strings.ToLower(string(u.Status)))
	}

	now := s.now().UTC()
	if err := s.Storage.UserUpdateLogin(ctx, u.ID, now, remoteIP); err != nil {
		s.Log.Warnf("Failed to record login of %s: %v", u.Username, err)
	} else {
		u.LastLoginAt, u.LastLoginIP = now, remoteIP
	}
	return u, nil
}

func (s *Service) GetUser(ctx context.Context, userID int64) (*types.User, error) {
	u, err := s.Storage.UserSelect(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.Deleted {
		return nil, mailerr.NotFoundError("accounts.GetUser", "user")
	}
	return u, nil
}

// UserByLogin looks a user up by username or email address.
func (s *Service) UserByLogin(ctx context.Context, login string) (*types.User, error) {
	return s.Storage.UserSelectByLogin(ctx, strings.TrimSpace(login))
}

func (s *Service) ChangePassword(ctx context.Context, userID int64, oldPassword, newPassword string) error {
	const op = "accounts.ChangePassword"
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(oldPassword)); err != nil {
		return mailerr.Errorf(mailerr.Invalid, op, "old password does not match")
	}
	if err := s.SetPassword(ctx, userID, newPassword); err != nil {
		return err
	}
	s.Log.Printf("Password changed for user %s", u.Username)
	return nil
}

// SetPassword replaces the password without checking the old one.
func (s *Service) SetPassword(ctx context.Context, userID int64, password string) error {
	hash, err := s.hash("accounts.SetPassword", password)
	if err != nil {
		return err
	}
	return s.Storage.UserUpdatePassword(ctx, userID, hash)
}

func (s *Service) SetUserStatus(ctx context.Context, userID int64, status types.UserStatus) error {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	return s.Storage.UserUpdateStatus(ctx, u.ID, status, false)
}

// DeleteUser soft deletes the user, who can no longer log in or receive
// mail.
func (s *Service) DeleteUser(ctx context.Context, userID int64) error {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.Storage.UserUpdateStatus(ctx, u.ID, types.UserInactive, true); err != nil {
		return err
	}
	s.Log.Printf("Deleted user %s", u.Username)
	return nil
}

func (s *Service) hash(op, password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", mailerr.Errorf(mailerr.Invalid, op, "password must be at least %d characters", MinPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.BcryptCost)
	if err != nil {
		return "", mailerr.E(mailerr.Invalid, op, "cannot hash password", err)
	}
	return string(hash), nil
}
