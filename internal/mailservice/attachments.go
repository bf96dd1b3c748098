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
	"errors"
	"io"
	"path/filepath"

	"github.com/JB-SelfCompany/mailhub/internal/mailerr"
	"github.com/JB-SelfCompany/mailhub/internal/storage/filestore"
	"github.com/JB-SelfCompany/mailhub/internal/storage/types"
)

// SaveAttachment stores r as a new attachment of one of the user's drafts.
// Uploads over the configured size limit are Invalid.
func (s *Service) SaveAttachment(ctx context.Context, userID, emailID int64, filename, contentType string, r io.Reader) (*types.Attachment, error) {
	const op = "mailservice.SaveAttachment"

	e, err := s.ownedDraft(ctx, op, userID, emailID)
	if err != nil {
		return nil, err
	}
	filename = filepath.Base(filename)
	if filename == "." || filename == string(filepath.Separator) {
		return nil, mailerr.Errorf(mailerr.Invalid, op, "missing file name")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	a, created, err := s.storeAttachment(ctx, op, e.ID, userID, filename, contentType, r)
	if err != nil {
		if created != "" {
			s.removeUnreferenced([]string{created})
		}
		return nil, err
	}
	return a, nil
}

// storeAttachment writes the blob and its row under the shared blob lock and
// returns the path it created, if any.
func (s *Service) storeAttachment(ctx context.Context, op string, emailID, userID int64, filename, contentType string, r io.Reader) (*types.Attachment, string, error) {
	s.blobs.RLock()
	defer s.blobs.RUnlock()

	blob, err := s.FileStore.Store(userID, r, s.Config.Storage.MaxAttachmentSizeBytes)
	if errors.Is(err, filestore.ErrTooLarge) {
		return nil, "", mailerr.Errorf(mailerr.Invalid, op, "attachment exceeds %d bytes", s.Config.Storage.MaxAttachmentSizeBytes)
	}
	if err != nil {
		return nil, "", mailerr.StorageError(op, err)
	}
	var created string
	if blob.Created {
		created = blob.Path
	}

	a := &types.Attachment{
		EmailID:      emailID,
		UserID:       userID,
		FileName:     blob.Checksum,
		OriginalName: filename,
		ContentType:  contentType,
		Size:         blob.Size,
		StoragePath:  blob.Path,
		Checksum:     blob.Checksum,
	}
	if _, err := s.Storage.AttachmentCreate(ctx, a); err != nil {
		return nil, created, err
	}
	return a, "", nil
}

func (s *Service) ListAttachments(ctx context.Context, userID, emailID int64) ([]*types.Attachment, error) {
	e, err := s.owned(ctx, "mailservice.ListAttachments", userID, emailID)
	if err != nil {
		return nil, err
	}
	return s.Storage.AttachmentListForEmail(ctx, e.ID)
}

// OpenAttachment returns the attachment record and its content. The caller
// closes the reader.
func (s *Service) OpenAttachment(ctx context.Context, userID, id int64) (*types.Attachment, io.ReadCloser, error) {
	const op = "mailservice.OpenAttachment"
	a, err := s.ownedAttachment(ctx, op, userID, id)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.FileStore.Read(a.StoragePath)
	if err != nil {
		return nil, nil, mailerr.StorageError(op, err)
	}
	return a, rc, nil
}

// DeleteAttachment removes an attachment from a draft.
func (s *Service) DeleteAttachment(ctx context.Context, userID, id int64) error {
	const op = "mailservice.DeleteAttachment"
	a, err := s.ownedAttachment(ctx, op, userID, id)
	if err != nil {
		return err
	}
	if _, err := s.ownedDraft(ctx, op, userID, a.EmailID); err != nil {
		return err
	}
	paths, err := s.Storage.AttachmentDelete(ctx, a.ID)
	if err != nil {
		return err
	}
	s.removeUnreferenced(paths)
	return nil
}

func (s *Service) ownedAttachment(ctx context.Context, op string, userID, id int64) (*types.Attachment, error) {
	a, err := s.Storage.AttachmentSelect(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.UserID != userID {
		return nil, mailerr.NotFoundError(op, "attachment")
	}
	return a, nil
}
