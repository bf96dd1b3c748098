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
	"fmt"
	"io"
	"strings"

	"github.com/JB-SelfCompany/mailhub/internal/decoder"
	"github.com/JB-SelfCompany/mailhub/internal/mailerr"
	"github.com/JB-SelfCompany/mailhub/internal/metrics"
	"github.com/JB-SelfCompany/mailhub/internal/smtpsender"
	"github.com/JB-SelfCompany/mailhub/internal/storage/types"
	"github.com/JB-SelfCompany/mailhub/internal/utils"
)

// Compose describes a message written by a user, for sending or as a draft.
type Compose struct {
	AliasID     int64
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	Text        string
	HTML        string
	Attachments []smtpsender.Attachment

	// At most one of these names an existing email of the same user.
	ReplyToID   int64
	ForwardOfID int64

	// DraftID is removed once the message has been sent, or replaced when
	// saving a draft again.
	DraftID int64
}

// Send relays the message through the transport and records it in Sent.
// Nothing is recorded when the transport fails.
func (s *Service) Send(ctx context.Context, userID int64, c *Compose) (*types.Email, error) {
	const op = "mailservice.Send"

	e, err := s.send(ctx, op, userID, c)
	if err != nil {
		metrics.RecordSend(sendResult(err))
		return nil, err
	}
	metrics.RecordSend("ok")
	return e, nil
}

func (s *Service) send(ctx context.Context, op string, userID int64, c *Compose) (*types.Email, error) {
	alias, err := s.senderAlias(ctx, op, userID, c.AliasID)
	if err != nil {
		return nil, err
	}
	o, err := s.outbound(ctx, op, userID, alias, c, true)
	if err != nil {
		return nil, err
	}
	if len(o.Recipients()) == 0 {
		return nil, mailerr.Errorf(mailerr.Invalid, op, "no recipients")
	}
	if c.DraftID != 0 {
		if err := s.appendDraftAttachments(ctx, op, userID, c.DraftID, o); err != nil {
			return nil, err
		}
	}

	day := s.today()
	if err := s.Storage.AliasReserveSend(ctx, alias.ID, day); err != nil {
		return nil, err
	}
	if err := smtpsender.Compose(o); err != nil {
		s.releaseSend(alias, day)
		return nil, mailerr.E(mailerr.Invalid, op, "compose failed", err)
	}
	if err := s.Transport.Send(ctx, o); err != nil {
		s.releaseSend(alias, day)
		return nil, err
	}

	e, err := s.SaveSentEmail(ctx, userID, alias, o)
	if err != nil {
		// The message is already out; only the copy in Sent is missing.
		s.Log.Errorf("Sent mail from %s but failed to record it: %v", alias.Address, err)
		return nil, err
	}
	s.Log.Printf("Sent mail from %s to %v (EmailID=%d)", alias.Address, o.Recipients(), e.ID)

	switch {
	case c.ReplyToID != 0:
		if err := s.MarkReplied(ctx, userID, c.ReplyToID); err != nil {
			s.Log.Warnf("Failed to mark email %d replied: %v", c.ReplyToID, err)
		}
	case c.ForwardOfID != 0:
		if err := s.MarkForwarded(ctx, userID, c.ForwardOfID); err != nil {
			s.Log.Warnf("Failed to mark email %d forwarded: %v", c.ForwardOfID, err)
		}
	}
	if c.DraftID != 0 {
		if err := s.removeEmail(ctx, c.DraftID); err != nil {
			s.Log.Warnf("Failed to remove sent draft %d: %v", c.DraftID, err)
		}
	}
	return e, nil
}

// releaseSend returns the send-cap unit reserved for a message that did not
// go out.
func (s *Service) releaseSend(alias *types.Alias, day string) {
	if err := s.Storage.AliasReleaseSend(context.Background(), alias.ID, day); err != nil {
		s.Log.Warnf("Failed to release send reservation of %s: %v", alias.Address, err)
	}
}

// SaveSentEmail records a composed and relayed message in the alias owner's
// Sent folder, charging its size like any other email.
func (s *Service) SaveSentEmail(ctx context.Context, userID int64, alias *types.Alias, o *smtpsender.Outbound) (*types.Email, error) {
	const op = "mailservice.SaveSentEmail"

	sent, err := s.Storage.FolderSelectByType(ctx, userID, types.FolderSent)
	if err != nil {
		return nil, err
	}
	e := s.emailFromOutbound(o, userID, alias.ID, sent.ID)
	e.Status = types.StatusRead
	e.Type = types.EmailSent
	e.SentAt = o.Date
	e.ReadAt = o.Date
	if err := s.commit(ctx, op, e, o.Raw, partsOf(o.Attachments)); err != nil {
		return nil, err
	}
	return e, nil
}

// SaveDraft stores c in Drafts. Saving with DraftID set replaces that draft
// and keeps its attachments.
func (s *Service) SaveDraft(ctx context.Context, userID int64, c *Compose) (*types.Email, error) {
	const op = "mailservice.SaveDraft"

	alias, err := s.senderAlias(ctx, op, userID, c.AliasID)
	if err != nil {
		return nil, err
	}
	drafts, err := s.Storage.FolderSelectByType(ctx, userID, types.FolderDrafts)
	if err != nil {
		return nil, err
	}
	o, err := s.outbound(ctx, op, userID, alias, c, false)
	if err != nil {
		return nil, err
	}
	if err := smtpsender.Compose(o); err != nil {
		return nil, mailerr.E(mailerr.Invalid, op, "compose failed", err)
	}

	var kept []*types.Attachment
	if c.DraftID != 0 {
		old, err := s.ownedDraft(ctx, op, userID, c.DraftID)
		if err != nil {
			return nil, err
		}
		if kept, err = s.Storage.AttachmentListForEmail(ctx, old.ID); err != nil {
			return nil, err
		}
	}

	e := s.emailFromOutbound(o, userID, alias.ID, drafts.ID)
	e.Status = types.StatusRead
	e.Type = types.EmailDraft
	e.Flags.Draft = true
	e.Size = int64(len(o.Raw))
	for _, a := range kept {
		e.Size += a.Size
	}
	if err := s.commit(ctx, op, e, o.Raw, partsOf(o.Attachments), kept...); err != nil {
		return nil, err
	}
	if c.DraftID != 0 {
		if err := s.removeEmail(ctx, c.DraftID); err != nil {
			s.Log.Warnf("Failed to remove replaced draft %d: %v", c.DraftID, err)
		}
	}
	return e, nil
}

func (s *Service) senderAlias(ctx context.Context, op string, userID, aliasID int64) (*types.Alias, error) {
	alias, err := s.Storage.AliasSelect(ctx, aliasID)
	if err != nil {
		return nil, err
	}
	if alias.UserID != userID || alias.Deleted {
		return nil, mailerr.NotFoundError(op, "alias")
	}
	if alias.Status != types.AliasActive {
		return nil, mailerr.Errorf(mailerr.Invalid, op, "alias %s is not active", alias.Address)
	}
	return alias, nil
}

// outbound builds the message from c, threading it onto the replied or
// forwarded email. The alias signature is appended when sign is set.
func (s *Service) outbound(ctx context.Context, op string, userID int64, alias *types.Alias, c *Compose, sign bool) (*smtpsender.Outbound, error) {
	o := &smtpsender.Outbound{
		From:        alias.Address,
		FromName:    alias.DisplayName,
		Subject:     strings.TrimSpace(c.Subject),
		Text:        c.Text,
		HTML:        s.Sanitizer.HTML(c.HTML),
		Attachments: c.Attachments,
	}
	if limit := s.Config.Storage.MaxAttachmentSizeBytes; limit > 0 {
		for _, a := range c.Attachments {
			if int64(len(a.Data)) > limit {
				return nil, mailerr.Errorf(mailerr.Invalid, op, "attachment %s exceeds %d bytes", a.Filename, limit)
			}
		}
	}
	var err error
	if o.To, err = normalizeList(op, c.To); err != nil {
		return nil, err
	}
	if o.Cc, err = normalizeList(op, c.Cc); err != nil {
		return nil, err
	}
	if o.Bcc, err = normalizeList(op, c.Bcc); err != nil {
		return nil, err
	}
	if sign && alias.Signature != "" {
		o.Text = o.Text + "\n\n-- \n" + alias.Signature
	}

	origID := c.ReplyToID
	if origID == 0 {
		origID = c.ForwardOfID
	}
	if origID != 0 {
		orig, err := s.owned(ctx, op, userID, origID)
		if err != nil {
			return nil, err
		}
		if orig.References != "" {
			o.References = strings.Fields(orig.References)
		}
		if orig.MessageID != "" {
			o.InReplyTo = orig.MessageID
			o.References = append(o.References, orig.MessageID)
		}
	}
	return o, nil
}

// appendDraftAttachments adds the stored attachments of a draft to o.
func (s *Service) appendDraftAttachments(ctx context.Context, op string, userID, draftID int64, o *smtpsender.Outbound) error {
	draft, err := s.ownedDraft(ctx, op, userID, draftID)
	if err != nil {
		return err
	}
	atts, err := s.Storage.AttachmentListForEmail(ctx, draft.ID)
	if err != nil {
		return err
	}
	for _, a := range atts {
		rc, err := s.FileStore.Read(a.StoragePath)
		if err != nil {
			return mailerr.StorageError(op, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return mailerr.StorageError(op, err)
		}
		o.Attachments = append(o.Attachments, smtpsender.Attachment{
			Filename:    a.OriginalName,
			ContentType: a.ContentType,
			Data:        data,
		})
	}
	return nil
}

func (s *Service) emailFromOutbound(o *smtpsender.Outbound, userID, aliasID, folderID int64) *types.Email {
	return &types.Email{
		MessageID:   o.MessageID,
		Subject:     o.Subject,
		FromAddress: o.From,
		FromName:    o.FromName,
		To:          o.To,
		Cc:          o.Cc,
		Bcc:         o.Bcc,
		Text:        o.Text,
		HTML:        o.HTML,
		InReplyTo:   o.InReplyTo,
		References:  strings.Join(o.References, " "),
		ThreadID:    decoder.GenerateThreadID(decoder.NormalizeSubject(o.Subject)),
		UserID:      userID,
		AliasID:     aliasID,
		FolderID:    folderID,
	}
}

func partsOf(atts []smtpsender.Attachment) []decoder.Part {
	parts := make([]decoder.Part, 0, len(atts))
	for _, a := range atts {
		ct := a.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		parts = append(parts, decoder.Part{Filename: a.Filename, ContentType: ct, Data: a.Data})
	}
	return parts
}

func normalizeList(op string, addrs []string) ([]string, error) {
	var out []string
	for _, addr := range addrs {
		if strings.TrimSpace(addr) == "" {
			continue
		}
		norm, err := utils.NormalizeAddress(addr)
		if err != nil {
			return nil, mailerr.E(mailerr.Invalid, op, fmt.Sprintf("invalid address %q", addr), err)
		}
		out = append(out, norm)
	}
	return out, nil
}

func sendResult(err error) string {
	switch mailerr.KindOf(err) {
	case mailerr.Limit:
		return "limit"
	case mailerr.Transport:
		return "transport"
	case mailerr.Storage:
		return "storage"
	default:
		return "invalid"
	}
}
