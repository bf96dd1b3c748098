/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package mailservice stores delivered mail, sends outbound mail and
// implements the mailbox operations shared by IMAP and the JSON API.
package mailservice

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/JB-SelfCompany/mailhub/internal/config"
	"github.com/JB-SelfCompany/mailhub/internal/decoder"
	"github.com/JB-SelfCompany/mailhub/internal/logging"
	"github.com/JB-SelfCompany/mailhub/internal/mailerr"
	"github.com/JB-SelfCompany/mailhub/internal/smtpsender"
	"github.com/JB-SelfCompany/mailhub/internal/storage"
	"github.com/JB-SelfCompany/mailhub/internal/storage/filestore"
	"github.com/JB-SelfCompany/mailhub/internal/storage/types"
	"github.com/gologme/log"
)

// Notifier is told about every email committed to a folder.
type Notifier interface {
	NotifyNew(userID, folderID, emailID int64) error
}

// Enqueuer accepts forwards and auto-replies for later delivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, m *types.QueuedMail) error
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type Service struct {
	Config    *config.Config
	Log       *log.Logger
	Storage   storage.Storage
	FileStore *filestore.FileStore
	Sanitizer *decoder.Sanitizer
	Transport smtpsender.Transport
	Queue     Enqueuer
	Notify    Notifier
	Ops       *logging.Operations
	now       func() time.Time

	// blobs is held shared while blobs are written and referenced, and
	// exclusively while unreferenced blobs are deleted.
	blobs sync.RWMutex
}

func NewService(cfg *config.Config, log *log.Logger, store storage.Storage, fs *filestore.FileStore, transport smtpsender.Transport, queue Enqueuer) *Service {
	return &Service{
		Config:    cfg,
		Log:       log,
		Storage:   store,
		FileStore: fs,
		Sanitizer: decoder.NewSanitizer(),
		Transport: transport,
		Queue:     queue,
		Ops:       logging.NewOperations(log, types.SmallMessageThreshold),
		now:       time.Now,
	}
}

// commit writes blobs for the raw message and the attachments and then
// commits the email together with kept, attachment rows whose blobs already
// exist. Blobs this call created are removed again if the commit fails and
// nothing else references them.
func (s *Service) commit(ctx context.Context, op string, e *types.Email, raw []byte, parts []decoder.Part, kept ...*types.Attachment) error {
	var opID string
	size := int64(len(raw))
	if s.Ops.Tracked(size) {
		opID = fmt.Sprintf("STORE-%d-%d", e.UserID, s.now().UnixNano())
		s.Ops.Start(opID, size, "STORE")
	}

	created, err := s.storeAndCommit(ctx, op, opID, e, raw, parts, kept)
	if err != nil {
		s.removeUnreferenced(created)
		if opID != "" {
			s.Ops.End(opID, 0, err)
		}
		return err
	}
	if opID != "" {
		s.Ops.End(opID, e.ID, nil)
	}
	s.notify(e)
	return nil
}

// storeAndCommit holds the blob lock shared from the first blob write until
// the rows referencing the blobs are committed.
func (s *Service) storeAndCommit(ctx context.Context, op, opID string, e *types.Email, raw []byte, parts []decoder.Part, kept []*types.Attachment) ([]string, error) {
	s.blobs.RLock()
	defer s.blobs.RUnlock()

	var created []string
	size := int64(len(raw))
	if size >= types.SmallMessageThreshold {
		blob, err := s.FileStore.Store(e.UserID, bytes.NewReader(raw), 0)
		if err != nil {
			return created, mailerr.StorageError(op, err)
		}
		if blob.Created {
			created = append(created, blob.Path)
		}
		e.Raw, e.RawFile = nil, blob.Path
		if opID != "" {
			s.Ops.Milestone(opID, "raw_stored", blob.Size, blob.Path)
		}
	} else {
		e.Raw, e.RawFile = raw, ""
	}

	atts := make([]*types.Attachment, 0, len(parts)+len(kept))
	for _, p := range parts {
		blob, err := s.FileStore.Store(e.UserID, bytes.NewReader(p.Data), 0)
		if err != nil {
			return created, mailerr.StorageError(op, err)
		}
		if blob.Created {
			created = append(created, blob.Path)
		}
		atts = append(atts, &types.Attachment{
			UserID:       e.UserID,
			FileName:     blob.Checksum,
			OriginalName: p.Filename,
			ContentType:  p.ContentType,
			Size:         blob.Size,
			StoragePath:  blob.Path,
			Checksum:     blob.Checksum,
			Inline:       p.Inline,
			ContentID:    p.ContentID,
		})
	}
	for _, a := range kept {
		copied := *a
		copied.Entity = types.Entity{}
		copied.EmailID = 0
		atts = append(atts, &copied)
	}
	if e.Size == 0 {
		e.Size = size
	}

	if _, err := s.Storage.EmailCommit(ctx, e, atts); err != nil {
		return created, err
	}
	return nil, nil
}

func (s *Service) notify(e *types.Email) {
	if s.Notify == nil {
		return
	}
	if err := s.Notify.NotifyNew(e.UserID, e.FolderID, e.ID); err != nil {
		s.Log.Warnf("Failed to notify clients of email %d: %v", e.ID, err)
	}
}

// removeUnreferenced deletes the given blobs unless a row still points at
// them. The blob lock is held exclusively, so a commit that is about to
// reference one of the paths either finishes first or writes it again.
func (s *Service) removeUnreferenced(paths []string) {
	if len(paths) == 0 {
		return
	}
	s.blobs.Lock()
	defer s.blobs.Unlock()
	for _, path := range paths {
		inUse, err := s.Storage.PathInUse(context.Background(), path)
		if err != nil {
			s.Log.Warnf("Failed to check blob %s: %v", path, err)
			continue
		}
		if inUse {
			continue
		}
		if err := s.FileStore.Delete(path); err != nil {
			s.Log.Warnf("Failed to delete blob %s: %v", path, err)
		}
	}
}

// RawMessage returns the stored RFC 5322 bytes of e, which must have been
// loaded with EmailSelect.
func (s *Service) RawMessage(e *types.Email) ([]byte, error) {
	const op = "mailservice.RawMessage"
	if e.RawFile == "" {
		return e.Raw, nil
	}
	rc, err := s.FileStore.Read(e.RawFile)
	if err != nil {
		return nil, mailerr.StorageError(op, err)
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, mailerr.StorageError(op, err)
	}
	return raw, nil
}

func pageBounds(page, size int) (offset, limit int) {
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	if page < 0 {
		page = 0
	}
	return page * size, size
}

func (s *Service) today() string {
	return s.now().UTC().Format("2006-01-02")
}
