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
	"github.com/JB-SelfCompany/mailhub/internal/storage/types"
)

func (s *Service) owned(ctx context.Context, op string, userID, id int64) (*types.Email, error) {
	e, err := s.Storage.EmailSelect(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.UserID != userID {
		return nil, mailerr.NotFoundError(op, "email")
	}
	return e, nil
}

func (s *Service) ownedDraft(ctx context.Context, op string, userID, id int64) (*types.Email, error) {
	e, err := s.owned(ctx, op, userID, id)
	if err != nil {
		return nil, err
	}
	if e.Type != types.EmailDraft && !e.Flags.Draft {
		return nil, mailerr.Errorf(mailerr.Conflict, op, "email %d is not a draft", id)
	}
	return e, nil
}

func (s *Service) ownedFolder(ctx context.Context, op string, userID, id int64) (*types.Folder, error) {
	f, err := s.Storage.FolderSelect(ctx, id)
	if err != nil {
		return nil, err
	}
	if f.UserID != userID {
		return nil, mailerr.NotFoundError(op, "folder")
	}
	return f, nil
}

func (s *Service) removeEmail(ctx context.Context, id int64) error {
	_, paths, err := s.Storage.EmailRemove(ctx, id)
	if err != nil {
		return err
	}
	s.removeUnreferenced(paths)
	return nil
}

func (s *Service) GetEmail(ctx context.Context, userID, id int64) (*types.Email, error) {
	return s.owned(ctx, "mailservice.GetEmail", userID, id)
}

// transition moves e to status to along the status machine.
func (s *Service) transition(ctx context.Context, op string, e *types.Email, to types.EmailStatus) error {
	if e.Status == to {
		return nil
	}
	if !e.Status.CanTransition(to) {
		return mailerr.Errorf(mailerr.Conflict, op, "cannot change status from %s to %s", e.Status, to)
	}
	if err := s.Storage.EmailSetStatus(ctx, e.ID, e.Status, to); err != nil {
		return err
	}
	e.Status = to
	return nil
}

// MarkAsRead leaves replied, forwarded and deleted emails as they are.
func (s *Service) MarkAsRead(ctx context.Context, userID, id int64) error {
	const op = "mailservice.MarkAsRead"
	e, err := s.owned(ctx, op, userID, id)
	if err != nil {
		return err
	}
	if e.Status != types.StatusUnread {
		return nil
	}
	return s.transition(ctx, op, e, types.StatusRead)
}

func (s *Service) MarkAsUnread(ctx context.Context, userID, id int64) error {
	const op = "mailservice.MarkAsUnread"
	e, err := s.owned(ctx, op, userID, id)
	if err != nil {
		return err
	}
	return s.transition(ctx, op, e, types.StatusUnread)
}

func (s *Service) MarkReplied(ctx context.Context, userID, id int64) error {
	return s.markAnswered(ctx, "mailservice.MarkReplied", userID, id, types.StatusReplied)
}

func (s *Service) MarkForwarded(ctx context.Context, userID, id int64) error {
	return s.markAnswered(ctx, "mailservice.MarkForwarded", userID, id, types.StatusForwarded)
}

// markAnswered passes an unread email through READ first.
func (s *Service) markAnswered(ctx context.Context, op string, userID, id int64, to types.EmailStatus) error {
	e, err := s.owned(ctx, op, userID, id)
	if err != nil {
		return err
	}
	if e.Status == types.StatusUnread {
		if err := s.transition(ctx, op, e, types.StatusRead); err != nil {
			return err
		}
	}
	return s.transition(ctx, op, e, to)
}

// MoveToFolder moves an email between two folders of its owner. Moving into
// Trash marks it DELETED and moving out of Trash marks it READ.
func (s *Service) MoveToFolder(ctx context.Context, userID, id, folderID int64) error {
	const op = "mailservice.MoveToFolder"
	e, err := s.owned(ctx, op, userID, id)
	if err != nil {
		return err
	}
	dest, err := s.ownedFolder(ctx, op, userID, folderID)
	if err != nil {
		return err
	}
	if dest.ID == e.FolderID {
		return nil
	}

	var status types.EmailStatus
	switch {
	case dest.Type == types.FolderTrash:
		status = types.StatusDeleted
	case e.Status == types.StatusDeleted:
		status = types.StatusRead
	}
	if status != "" && !e.Status.CanTransition(status) {
		return mailerr.Errorf(mailerr.Conflict, op, "cannot change status from %s to %s", e.Status, status)
	}
	return s.Storage.EmailMove(ctx, e.ID, dest.ID, status)
}

// Delete moves the email to Trash. An email already in Trash is removed for
// good.
func (s *Service) Delete(ctx context.Context, userID, id int64) error {
	const op = "mailservice.Delete"
	e, err := s.owned(ctx, op, userID, id)
	if err != nil {
		return err
	}
	trash, err := s.Storage.FolderSelectByType(ctx, userID, types.FolderTrash)
	if err != nil {
		return err
	}
	if e.FolderID == trash.ID {
		return s.removeEmail(ctx, e.ID)
	}
	return s.Storage.EmailMove(ctx, e.ID, trash.ID, types.StatusDeleted)
}

// Restore moves an email out of Trash into the INBOX as READ.
func (s *Service) Restore(ctx context.Context, userID, id int64) error {
	const op = "mailservice.Restore"
	e, err := s.owned(ctx, op, userID, id)
	if err != nil {
		return err
	}
	if e.Status != types.StatusDeleted {
		return mailerr.Errorf(mailerr.Conflict, op, "email %d is not in trash", id)
	}
	inbox, err := s.Storage.FolderSelectByType(ctx, userID, types.FolderInbox)
	if err != nil {
		return err
	}
	return s.Storage.EmailMove(ctx, e.ID, inbox.ID, types.StatusRead)
}

// ToggleStar flips the starred flag and returns the new value.
func (s *Service) ToggleStar(ctx context.Context, userID, id int64) (bool, error) {
	return s.toggle(ctx, "mailservice.ToggleStar", userID, id, func(f *types.Flags) *bool { return &f.Starred })
}

func (s *Service) ToggleImportant(ctx context.Context, userID, id int64) (bool, error) {
	return s.toggle(ctx, "mailservice.ToggleImportant", userID, id, func(f *types.Flags) *bool { return &f.Important })
}

func (s *Service) toggle(ctx context.Context, op string, userID, id int64, flag func(*types.Flags) *bool) (bool, error) {
	e, err := s.owned(ctx, op, userID, id)
	if err != nil {
		return false, err
	}
	v := flag(&e.Flags)
	*v = !*v
	if err := s.Storage.EmailSetFlags(ctx, e.ID, e.Flags); err != nil {
		return false, err
	}
	return *v, nil
}

// SetFlags replaces the independent flags, as IMAP STORE does.
func (s *Service) SetFlags(ctx context.Context, userID, id int64, flags types.Flags) error {
	const op = "mailservice.SetFlags"
	e, err := s.owned(ctx, op, userID, id)
	if err != nil {
		return err
	}
	if e.Flags == flags {
		return nil
	}
	return s.Storage.EmailSetFlags(ctx, e.ID, flags)
}

// MarkSpam flags the email as spam and moves it to the Spam folder.
func (s *Service) MarkSpam(ctx context.Context, userID, id int64) error {
	const op = "mailservice.MarkSpam"
	e, err := s.owned(ctx, op, userID, id)
	if err != nil {
		return err
	}
	spam, err := s.Storage.FolderSelectByType(ctx, userID, types.FolderSpam)
	if err != nil {
		return err
	}
	if !e.Flags.Spam {
		e.Flags.Spam = true
		if err := s.Storage.EmailSetFlags(ctx, e.ID, e.Flags); err != nil {
			return err
		}
	}
	if e.FolderID == spam.ID {
		return nil
	}
	var status types.EmailStatus
	if e.Status == types.StatusDeleted {
		status = types.StatusRead
	}
	return s.Storage.EmailMove(ctx, e.ID, spam.ID, status)
}

func (s *Service) ListFolders(ctx context.Context, userID int64) ([]*types.Folder, error) {
	return s.Storage.FolderList(ctx, userID)
}

func (s *Service) GetFolder(ctx context.Context, userID, folderID int64) (*types.Folder, error) {
	return s.ownedFolder(ctx, "mailservice.GetFolder", userID, folderID)
}

// ListFolder returns one page of the folder, newest first. Pages count
// from zero.
func (s *Service) ListFolder(ctx context.Context, userID, folderID int64, page, size int) ([]*types.Email, error) {
	const op = "mailservice.ListFolder"
	f, err := s.ownedFolder(ctx, op, userID, folderID)
	if err != nil {
		return nil, err
	}
	offset, limit := pageBounds(page, size)
	return s.Storage.EmailList(ctx, f.ID, offset, limit)
}

// Search matches subject, body and sender case-insensitively.
func (s *Service) Search(ctx context.Context, userID int64, term string, page, size int) ([]*types.Email, error) {
	const op = "mailservice.Search"
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, mailerr.Errorf(mailerr.Invalid, op, "empty search term")
	}
	offset, limit := pageBounds(page, size)
	return s.Storage.EmailSearch(ctx, userID, term, offset, limit)
}

func (s *Service) CreateFolder(ctx context.Context, userID int64, name string) (*types.Folder, error) {
	const op = "mailservice.CreateFolder"
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, mailerr.Errorf(mailerr.Invalid, op, "empty folder name")
	}
	meta := types.FolderCustom.Meta()
	f := &types.Folder{
		UserID:     userID,
		Name:       name,
		Icon:       meta.Icon,
		Type:       types.FolderCustom,
		SortOrder:  meta.SortOrder,
		Subscribed: true,
	}
	if _, err := s.Storage.FolderCreate(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Service) RenameFolder(ctx context.Context, userID, folderID int64, name string) error {
	const op = "mailservice.RenameFolder"
	f, err := s.ownedFolder(ctx, op, userID, folderID)
	if err != nil {
		return err
	}
	if f.System {
		return mailerr.Errorf(mailerr.Invalid, op, "system folder %s cannot be renamed", f.Name)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return mailerr.Errorf(mailerr.Invalid, op, "empty folder name")
	}
	return s.Storage.FolderRename(ctx, f.ID, name)
}

func (s *Service) DeleteFolder(ctx context.Context, userID, folderID int64) error {
	const op = "mailservice.DeleteFolder"
	f, err := s.ownedFolder(ctx, op, userID, folderID)
	if err != nil {
		return err
	}
	if f.System {
		return mailerr.Errorf(mailerr.Invalid, op, "system folder %s cannot be deleted", f.Name)
	}
	return s.Storage.FolderDelete(ctx, f.ID)
}

// EmptyTrash permanently removes everything in Trash and returns how many
// emails and bytes were freed.
func (s *Service) EmptyTrash(ctx context.Context, userID int64) (int, int64, error) {
	trash, err := s.Storage.FolderSelectByType(ctx, userID, types.FolderTrash)
	if err != nil {
		return 0, 0, err
	}
	count, freed, paths, err := s.Storage.EmailPurge(ctx, trash.ID)
	if err != nil {
		return 0, 0, err
	}
	s.removeUnreferenced(paths)
	s.Log.Printf("Emptied trash of user %d: %d emails, %d bytes", userID, count, freed)
	return count, freed, nil
}

// Expunge permanently removes one email of the user.
func (s *Service) Expunge(ctx context.Context, userID, id int64) error {
	const op = "mailservice.Expunge"
	e, err := s.owned(ctx, op, userID, id)
	if err != nil {
		return err
	}
	return s.removeEmail(ctx, e.ID)
}

// Import stores a complete message, as IMAP APPEND does, in one of the
// user's folders.
func (s *Service) Import(ctx context.Context, userID, folderID int64, raw []byte, seen bool, flags types.Flags, date time.Time) (*types.Email, error) {
	const op = "mailservice.Import"
	f, err := s.ownedFolder(ctx, op, userID, folderID)
	if err != nil {
		return nil, err
	}
	msg, err := decoder.DecodeBytes(raw)
	if err != nil {
		return nil, err
	}
	if date.IsZero() {
		date = s.now().UTC()
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
		Flags:       flags,
		SentAt:      msg.Date,
		ReceivedAt:  date,
		InReplyTo:   msg.InReplyTo,
		References:  strings.Join(msg.References, " "),
		ThreadID:    msg.ThreadID(),
		UserID:      userID,
		FolderID:    f.ID,
		Size:        msg.Size,
	}
	switch f.Type {
	case types.FolderSent:
		e.Type = types.EmailSent
	case types.FolderDrafts:
		e.Type, e.Flags.Draft = types.EmailDraft, true
	}
	switch {
	case f.Type == types.FolderTrash:
		e.Status = types.StatusDeleted
	case seen || e.Type != types.EmailReceived:
		e.Status = types.StatusRead
	}
	if err := s.commit(ctx, op, e, raw, msg.Attachments); err != nil {
		return nil, err
	}
	return e, nil
}

// Copy duplicates an email into another folder of the same user. The copy
// shares blobs with the original and is charged separately.
func (s *Service) Copy(ctx context.Context, userID, id, folderID int64) (*types.Email, error) {
	const op = "mailservice.Copy"
	e, err := s.owned(ctx, op, userID, id)
	if err != nil {
		return nil, err
	}
	dest, err := s.ownedFolder(ctx, op, userID, folderID)
	if err != nil {
		return nil, err
	}
	atts, err := s.Storage.AttachmentListForEmail(ctx, e.ID)
	if err != nil {
		return nil, err
	}

	cp := *e
	cp.Entity = types.Entity{}
	cp.FolderID = dest.ID
	cp.ReadAt = time.Time{}
	switch {
	case dest.Type == types.FolderTrash:
		cp.Status = types.StatusDeleted
	case cp.Status == types.StatusDeleted:
		cp.Status = types.StatusRead
	}
	copies := make([]*types.Attachment, 0, len(atts))
	for _, a := range atts {
		c := *a
		c.Entity = types.Entity{}
		copies = append(copies, &c)
	}
	s.blobs.RLock()
	_, err = s.Storage.EmailCommit(ctx, &cp, copies)
	s.blobs.RUnlock()
	if err != nil {
		return nil, err
	}
	s.notify(&cp)
	return &cp, nil
}
