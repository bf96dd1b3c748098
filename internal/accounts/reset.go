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
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/JB-SelfCompany/mailhub/internal/mailerr"
	"github.com/JB-SelfCompany/mailhub/internal/resettoken"
	"github.com/JB-SelfCompany/mailhub/internal/smtpsender"
	"github.com/google/uuid"
)

const resetText = `Hello %s,

We received a request to reset the password of your mail account. Follow
this link to choose a new password:

%s

The link expires in %s. If you did not ask for a reset, ignore this
message.
`

// RequestPasswordReset issues a reset token for the user with the given
// email address and mails a link to it. A failure to send the mail is only
// logged. The token is returned for callers that deliver it another way.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	const op = "accounts.RequestPasswordReset"

	u, err := s.Storage.UserSelectByLogin(ctx, email)
	if err != nil {
		return "", err
	}
	if u.Deleted || u.Email == "" {
		return "", mailerr.NotFoundError(op, "user")
	}

	ttl := s.resetTTL()
	token := uuid.NewString()
	if err := s.Tokens.Put(ctx, token, u.ID, ttl); err != nil {
		return "", mailerr.StorageError(op, err)
	}

	link := s.Config.HTTP.ResetLinkBase + "?token=" + url.QueryEscape(token)
	o := &smtpsender.Outbound{
		From:    "no-reply@" + s.Config.Domain.Default,
		To:      []string{u.Email},
		Subject: "Password reset",
		Text:    fmt.Sprintf(resetText, u.DisplayName(), link, ttl),
	}
	if err := s.send(ctx, o); err != nil {
		s.Log.Errorf("Failed to send password reset mail to %s: %v", u.Email, err)
	} else {
		s.Log.Printf("Sent password reset mail to %s", u.Email)
	}
	return token, nil
}

func (s *Service) send(ctx context.Context, o *smtpsender.Outbound) error {
	if s.Transport == nil {
		return errors.New("no transport configured")
	}
	if err := smtpsender.Compose(o); err != nil {
		return err
	}
	return s.Transport.Send(ctx, o)
}

// VerifyResetToken checks that the token is still valid without using it.
func (s *Service) VerifyResetToken(ctx context.Context, token string) error {
	_, err := s.Tokens.Peek(ctx, token)
	return s.tokenError("accounts.VerifyResetToken", err)
}

// ResetPassword uses the token once and sets the new password of its user.
func (s *Service) ResetPassword(ctx context.Context, token, password string) error {
	const op = "accounts.ResetPassword"

	// Check the password first so a rejected one does not burn the token.
	if len(password) < MinPasswordLength {
		return mailerr.Errorf(mailerr.Invalid, op, "password must be at least %d characters", MinPasswordLength)
	}
	userID, err := s.Tokens.Take(ctx, token)
	if err := s.tokenError(op, err); err != nil {
		return err
	}
	if err := s.SetPassword(ctx, userID, password); err != nil {
		return err
	}
	s.Log.Printf("Password reset for user %d", userID)
	return nil
}

func (s *Service) tokenError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, resettoken.ErrNotFound):
		return mailerr.Errorf(mailerr.Invalid, op, "invalid or expired reset token")
	default:
		return mailerr.StorageError(op, err)
	}
}

func (s *Service) resetTTL() time.Duration {
	if s.Config.Reset.TTL > 0 {
		return s.Config.Reset.TTL
	}
	return time.Hour
}
