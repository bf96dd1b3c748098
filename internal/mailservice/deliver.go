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
	"time"

	"github.com/JB-SelfCompany/mailhub/internal/decoder"
	"github.com/JB-SelfCompany/mailhub/internal/mailerr"
	"github.com/JB-SelfCompany/mailhub/internal/metrics"
	"github.com/JB-SelfCompany/mailhub/internal/smtpsender"
	"github.com/JB-SelfCompany/mailhub/internal/storage/types"
	"github.com/JB-SelfCompany/mailhub/internal/utils"
)

// ResolveRecipient returns the alias that receives mail for rcpt. An address
// with no alias falls back to its domain's catch-all alias when enabled.
// Unknown and inactive aliases are NotFound.
func (s *Service) ResolveRecipient(ctx context.Context, rcpt string) (*types.Alias, error) {
	const op = "mailservice.ResolveRecipient"

	addr, err := utils.NormalizeAddress(rcpt)
	if err != nil {
		return nil, mailerr.NotFoundError(op, "mailbox")
	}
	alias, err := s.Storage.AliasSelectByAddress(ctx, addr)
	if mailerr.Is(err, mailerr.NotFound) {
		alias, err = s.catchAll(ctx, addr)
	}
	if err != nil {
		return nil, err
	}
	if !alias.Deliverable() {
		return nil, mailerr.NotFoundError(op, "mailbox")
	}
	return alias, nil
}

func (s *Service) catchAll(ctx context.Context, addr string) (*types.Alias, error) {
	const op = "mailservice.ResolveRecipient"
	domain, err := s.Storage.DomainSelectByName(ctx, utils.DomainOf(addr))
	if err != nil {
		if mailerr.Is(err, mailerr.NotFound) {
			return nil, mailerr.NotFoundError(op, "mailbox")
		}
		return nil, err
	}
	if !domain.CatchAllEnabled || domain.CatchAllAddress == "" || domain.Status != types.DomainActive {
		return nil, mailerr.NotFoundError(op, "mailbox")
	}
	return s.Storage.AliasSelectByAddress(ctx, strings.ToLower(domain.CatchAllAddress))
}

// Deliver stores msg for every recipient. It fails only when no recipient
// could be stored; partial failures are logged, because after DATA the
// sender cannot be told about individual recipients.
func (s *Service) Deliver(ctx context.Context, rcpts []string, msg *decoder.Message) error {
	var firstErr error
	stored := 0
	for _, rcpt := range rcpts {
		if _, err := s.SaveReceivedEmail(ctx, rcpt, msg); err != nil {
			s.Log.Warnf("Failed to deliver mail from %s to %s: %v", msg.From, rcpt, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		stored++
	}
	if stored == 0 {
		return firstErr
	}
	return nil
}

// SaveReceivedEmail commits a decoded inbound message into the INBOX of the
// alias owner, then queues forwarding and auto-reply.
func (s *Service) SaveReceivedEmail(ctx context.Context, rcpt string, msg *decoder.Message) (*types.Email, error) {
	const op = "mailservice.SaveReceivedEmail"
	start := time.Now()

	e, alias, err := s.saveReceived(ctx, op, rcpt, msg)
	if err != nil {
		metrics.RecordDelivery(deliveryResult(err), time.Since(start))
		return nil, err
	}
	metrics.RecordDelivery("ok", time.Since(start))
	s.Log.Printf("Stored mail from %s for %s (EmailID=%d, Size=%d)", msg.From, alias.Address, e.ID, e.Size)

	s.afterDelivery(ctx, alias, msg)
	return e, nil
}

func (s *Service) saveReceived(ctx context.Context, op, rcpt string, msg *decoder.Message) (*types.Email, *types.Alias, error) {
	alias, err := s.ResolveRecipient(ctx, rcpt)
	if err != nil {
		return nil, nil, err
	}
	user, err := s.Storage.UserSelect(ctx, alias.UserID)
	if err != nil {
		return nil, nil, err
	}
	if user.Deleted {
		return nil, nil, mailerr.NotFoundError(op, "user")
	}
	inbox, err := s.Storage.FolderSelectByType(ctx, user.ID, types.FolderInbox)
	if err != nil {
		return nil, nil, err
	}

	now := s.now().UTC()
	sentAt := msg.Date
	if sentAt.IsZero() {
		sentAt = now
	}
	e := &types.Email{
		MessageID:   msg.MessageID,
		Subject:     msg.Subject,
		FromAddress: msg.From,
		FromName:    msg.FromName,
		To:          msg.To,
		Cc:          msg.Cc,
		ReplyTo:     msg.ReplyTo,
		Text:        msg.Text,
		HTML:        s.Sanitizer.HTML(msg.HTML),
		Status:      types.StatusUnread,
		Type:        types.EmailReceived,
		SentAt:      sentAt,
		ReceivedAt:  now,
		InReplyTo:   msg.InReplyTo,
		References:  strings.Join(msg.References, " "),
		ThreadID:    msg.ThreadID(),
		UserID:      user.ID,
		AliasID:     alias.ID,
		FolderID:    inbox.ID,
		Size:        msg.Size,
	}
	if err := s.commit(ctx, op, e, msg.Raw, msg.Attachments); err != nil {
		return nil, nil, err
	}
	return e, alias, nil
}

// afterDelivery queues forwards and the auto-reply. Failures here never
// undo the delivery.
func (s *Service) afterDelivery(ctx context.Context, alias *types.Alias, msg *decoder.Message) {
	if s.Queue == nil {
		return
	}
	for _, entry := range smtpsender.ForwardEntries(alias, msg.Raw) {
		if err := s.Queue.Enqueue(ctx, entry); err != nil {
			s.Log.Warnf("Failed to queue forward from %s to %s: %v", alias.Address, entry.Rcpt, err)
		}
	}

	sender := msg.From
	if msg.ReplyTo != "" {
		sender = msg.ReplyTo
	}
	entry, err := smtpsender.AutoReplyEntry(alias, sender, msg.Subject, msg.MessageID, s.now())
	if err != nil {
		s.Log.Warnf("Failed to compose auto-reply for %s: %v", alias.Address, err)
		return
	}
	if entry == nil {
		return
	}
	switch err := s.Queue.Enqueue(ctx, entry); {
	case err == nil:
	case mailerr.Is(err, mailerr.Conflict):
		s.Log.Debugf("Auto-reply from %s to %s already sent today", alias.Address, entry.Rcpt)
	default:
		s.Log.Warnf("Failed to queue auto-reply from %s to %s: %v", alias.Address, entry.Rcpt, err)
	}
}

func deliveryResult(err error) string {
	switch {
	case mailerr.Is(err, mailerr.Parse):
		return "parse"
	case mailerr.Is(err, mailerr.NotFound):
		return "not_found"
	case mailerr.IsQuota(err):
		return "quota"
	default:
		return "storage"
	}
}
