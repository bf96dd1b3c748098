/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package mailservice

import (
	"context"
	"strings"

	"github.com/JB-SelfCompany/mailhub/internal/decoder"
	"github.com/JB-SelfCompany/mailhub/internal/mailerr"
	"github.com/JB-SelfCompany/mailhub/internal/metrics"
	"github.com/JB-SelfCompany/mailhub/internal/smtpsender"
	"github.com/JB-SelfCompany/mailhub/internal/storage/types"
)

// Submit sends a complete message handed over by an authenticated SMTP
// client. Recipients with a local mailbox get it directly, everyone else
// through the relay. The message is recorded in the sender's Sent folder
// once it is out.
func (s *Service) Submit(ctx context.Context, userID int64, alias *types.Alias, rcpts []string, raw []byte) (*types.Email, error) {
	const op = "mailservice.Submit"

	e, err := s.submit(ctx, op, userID, alias, rcpts, raw)
	if err != nil {
		metrics.RecordSend(sendResult(err))
		return nil, err
	}
	metrics.RecordSend("ok")
	return e, nil
}

func (s *Service) submit(ctx context.Context, op string, userID int64, alias *types.Alias, rcpts []string, raw []byte) (*types.Email, error) {
	if alias.UserID != userID || !alias.Deliverable() {
		return nil, mailerr.NotFoundError(op, "alias")
	}
	if len(rcpts) == 0 {
		return nil, mailerr.Errorf(mailerr.Invalid, op, "no recipients")
	}
	msg, err := decoder.DecodeBytes(raw)
	if err != nil {
		return nil, err
	}

	var local, remote []string
	for _, rcpt := range rcpts {
		if _, err := s.ResolveRecipient(ctx, rcpt); err == nil {
			local = append(local, rcpt)
		} else {
			remote = append(remote, rcpt)
		}
	}

	day := s.today()
	if err := s.Storage.AliasReserveSend(ctx, alias.ID, day); err != nil {
		return nil, err
	}
	if len(remote) > 0 {
		o := &smtpsender.Outbound{From: alias.Address, To: remote, Raw: raw}
		if err := s.Transport.Send(ctx, o); err != nil {
			s.releaseSend(alias, day)
			return nil, err
		}
	}
	if len(local) > 0 {
		if err := s.Deliver(ctx, local, msg); err != nil {
			s.Log.Warnf("Local delivery of submitted mail from %s failed: %v", alias.Address, err)
		}
	}

	sent, err := s.Storage.FolderSelectByType(ctx, userID, types.FolderSent)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	sentAt := msg.Date
	if sentAt.IsZero() {
		sentAt = now
	}
	e := &types.Email{
		MessageID:   msg.MessageID,
		Subject:     msg.Subject,
		FromAddress: alias.Address,
		FromName:    msg.FromName,
		To:          msg.To,
		Cc:          msg.Cc,
		Bcc:         blindCopies(rcpts, msg),
		ReplyTo:     msg.ReplyTo,
		Text:        msg.Text,
		HTML:        s.Sanitizer.HTML(msg.HTML),
		Status:      types.StatusRead,
		Type:        types.EmailSent,
		SentAt:      sentAt,
		ReadAt:      now,
		InReplyTo:   msg.InReplyTo,
		References:  strings.Join(msg.References, " "),
		ThreadID:    msg.ThreadID(),
		UserID:      userID,
		AliasID:     alias.ID,
		FolderID:    sent.ID,
		Size:        msg.Size,
	}
	if err := s.commit(ctx, op, e, raw, msg.Attachments); err != nil {
		s.Log.Errorf("Sent mail from %s but failed to record it: %v", alias.Address, err)
		return nil, err
	}
	s.Log.Printf("Submitted mail from %s (local=%d, relayed=%d, EmailID=%d)", alias.Address, len(local), len(remote), e.ID)
	return e, nil
}

// blindCopies returns the envelope recipients that do not appear in the
// To or Cc headers.
func blindCopies(rcpts []string, msg *decoder.Message) []string {
	visible := map[string]bool{}
	for _, addr := range append(append([]string{}, msg.To...), msg.Cc...) {
		visible[strings.ToLower(addr)] = true
	}
	var bcc []string
	for _, rcpt := range rcpts {
		if !visible[strings.ToLower(rcpt)] {
			bcc = append(bcc, rcpt)
		}
	}
	return bcc
}
