/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/JB-SelfCompany/mailhub/internal/config"
	"github.com/JB-SelfCompany/mailhub/internal/storage/postgres"
	"github.com/JB-SelfCompany/mailhub/internal/storage/sqlite3"
	"github.com/JB-SelfCompany/mailhub/internal/storage/types"
	"github.com/gologme/log"
)

// Storage is the persistence layer. Methods that change folder membership or
// email status recompute the affected folder counters in the same
// transaction. Missing rows are reported as mailerr.NotFound, unique
// violations as mailerr.Conflict and exhausted quotas as mailerr quota
// errors.
type Storage interface {
	// UserCreate inserts the user together with its system folders.
	UserCreate(ctx context.Context, u *types.User) (int64, error)
	UserSelect(ctx context.Context, id int64) (*types.User, error)
	// UserSelectByLogin matches either the username or the email address.
	UserSelectByLogin(ctx context.Context, login string) (*types.User, error)
	UserUpdatePassword(ctx context.Context, id int64, hash string) error
	UserUpdateStatus(ctx context.Context, id int64, status types.UserStatus, deleted bool) error
	UserUpdateLogin(ctx context.Context, id int64, at time.Time, ip string) error
	// UserRecalculateStorage resets storage_used to the sum of the user's
	// email sizes and returns it.
	UserRecalculateStorage(ctx context.Context, id int64) (int64, error)

	DomainCreate(ctx context.Context, d *types.Domain) (int64, error)
	DomainSelectByName(ctx context.Context, name string) (*types.Domain, error)
	DomainList(ctx context.Context) ([]*types.Domain, error)

	AliasCreate(ctx context.Context, a *types.Alias) (int64, error)
	AliasSelect(ctx context.Context, id int64) (*types.Alias, error)
	AliasSelectByAddress(ctx context.Context, address string) (*types.Alias, error)
	AliasListForUser(ctx context.Context, userID int64) ([]*types.Alias, error)
	// AliasUpdate writes the editable fields if a.Version still matches, and
	// bumps it. A stale version is a Conflict.
	AliasUpdate(ctx context.Context, a *types.Alias) error
	// AliasReserveSend consumes one unit of the alias's daily send cap for
	// the given UTC day. Over cap is a Limit error.
	AliasReserveSend(ctx context.Context, id int64, day string) error
	// AliasReleaseSend gives back a unit reserved on the same day for a
	// message that was never sent.
	AliasReleaseSend(ctx context.Context, id int64, day string) error

	FolderCreate(ctx context.Context, f *types.Folder) (int64, error)
	FolderSelect(ctx context.Context, id int64) (*types.Folder, error)
	FolderSelectByType(ctx context.Context, userID int64, t types.FolderType) (*types.Folder, error)
	FolderSelectByName(ctx context.Context, userID int64, name string) (*types.Folder, error)
	FolderList(ctx context.Context, userID int64) ([]*types.Folder, error)
	FolderRename(ctx context.Context, id int64, name string) error
	// FolderDelete removes an empty custom folder.
	FolderDelete(ctx context.Context, id int64) error
	FolderSetSubscribed(ctx context.Context, id int64, subscribed bool) error

	// EmailCommit stores the email and its attachments, recomputes the
	// folder counters and charges the size to the user and alias.
	EmailCommit(ctx context.Context, e *types.Email, atts []*types.Attachment) (int64, error)
	EmailSelect(ctx context.Context, id int64) (*types.Email, error)
	// EmailList returns a page of the folder, newest first.
	EmailList(ctx context.Context, folderID int64, offset, limit int) ([]*types.Email, error)
	// EmailIDs returns every email id in the folder in ascending order.
	EmailIDs(ctx context.Context, folderID int64) ([]int64, error)
	EmailSearch(ctx context.Context, userID int64, term string, offset, limit int) ([]*types.Email, error)
	// EmailMove moves the email and, when status is not empty, sets it.
	EmailMove(ctx context.Context, id, folderID int64, status types.EmailStatus) error
	// EmailSetStatus changes the status only if it is still from.
	EmailSetStatus(ctx context.Context, id int64, from, to types.EmailStatus) error
	EmailSetFlags(ctx context.Context, id int64, flags types.Flags) error
	// EmailRemove hard deletes one email and releases its size. The
	// returned paths are blobs no longer referenced by any row.
	EmailRemove(ctx context.Context, id int64) (freed int64, paths []string, err error)
	// EmailPurge hard deletes every email in the folder.
	EmailPurge(ctx context.Context, folderID int64) (count int, freed int64, paths []string, err error)

	// AttachmentCreate adds an attachment to an existing email, growing the
	// email size and the owner's storage by the attachment size.
	AttachmentCreate(ctx context.Context, a *types.Attachment) (int64, error)
	AttachmentSelect(ctx context.Context, id int64) (*types.Attachment, error)
	AttachmentListForEmail(ctx context.Context, emailID int64) ([]*types.Attachment, error)
	AttachmentDelete(ctx context.Context, id int64) (paths []string, err error)
	// PathInUse reports whether any email or attachment row references path.
	PathInUse(ctx context.Context, path string) (bool, error)
	// BlobPaths returns every filestore path referenced by a row.
	BlobPaths(ctx context.Context) (map[string]bool, error)

	// QueueInsert adds an outbound entry. A DedupKey that is already present
	// is a Conflict.
	QueueInsert(ctx context.Context, q *types.QueuedMail) (int64, error)
	QueueSelectDue(ctx context.Context, now time.Time, limit int) ([]*types.QueuedMail, error)
	QueueMarkDelivered(ctx context.Context, id int64, at time.Time) error
	QueueReschedule(ctx context.Context, id int64, next time.Time, attempts int, lastErr string) error
	QueueDelete(ctx context.Context, id int64) error
	// QueuePurge removes delivered entries older than before.
	QueuePurge(ctx context.Context, before time.Time) (int, error)

	Stats(ctx context.Context) (*types.StorageStats, error)
	Close() error
}

// NewStorage opens the driver selected by cfg.Storage.Driver.
func NewStorage(cfg *config.Config, logger *log.Logger) (Storage, error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		return sqlite3.NewStorage(cfg.Storage.Path, logger)
	case "postgres":
		return postgres.NewStorage(context.Background(), cfg.Storage.DSN, logger)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Storage.Driver)
	}
}

var (
	_ Storage = (*sqlite3.Storage)(nil)
	_ Storage = (*postgres.Storage)(nil)
)
