/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package sqlite3

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/JB-SelfCompany/mailhub/internal/storage/types"
)

type TableAttachments struct {
	db                *sql.DB
	writer            *Writer
	acct              *accounting
	insertAttachment  *sql.Stmt
	selectAttachment  *sql.Stmt
	selectAttachments *sql.Stmt
	deleteAttachment  *sql.Stmt
	selectEmailOwner  *sql.Stmt
	adjustEmailSize   *sql.Stmt
	selectAttachOwner *sql.Stmt
}

const attachmentsSchema = `
	CREATE TABLE IF NOT EXISTS attachments (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at    INTEGER NOT NULL,
		updated_at    INTEGER NOT NULL,
		email_id      INTEGER NOT NULL REFERENCES emails(id) ON DELETE CASCADE,
		user_id       INTEGER NOT NULL,
		file_name     TEXT NOT NULL DEFAULT '',
		original_name TEXT NOT NULL DEFAULT '',
		content_type  TEXT NOT NULL DEFAULT 'application/octet-stream',
		size          INTEGER NOT NULL DEFAULT 0,
		storage_path  TEXT NOT NULL DEFAULT '',
		checksum      TEXT NOT NULL DEFAULT '',
		inline        BOOLEAN NOT NULL DEFAULT 0,
		content_id    TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS attachments_email ON attachments(email_id);
	CREATE INDEX IF NOT EXISTS attachments_path ON attachments(storage_path);
`

const attachmentColumns = `
	id, created_at, updated_at, email_id, user_id, file_name, original_name,
	content_type, size, storage_path, checksum, inline, content_id
`

const insertAttachmentStmt = `
	INSERT INTO attachments (
		created_at, updated_at, email_id, user_id, file_name, original_name,
		content_type, size, storage_path, checksum, inline, content_id
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	RETURNING id
`

const selectAttachmentStmt = `
	SELECT ` + attachmentColumns + ` FROM attachments WHERE id = $1
`

const selectAttachmentsStmt = `
	SELECT ` + attachmentColumns + ` FROM attachments WHERE email_id = $1 ORDER BY id
`

const deleteAttachmentStmt = `
	DELETE FROM attachments WHERE id = $1
`

const selectEmailOwnerStmt = `
	SELECT user_id, alias_id FROM emails WHERE id = $1
`

// The email's size follows its attachments so that releasing the email
// later frees exactly what was charged.
const adjustEmailSizeStmt = `
	UPDATE emails SET
		size = MAX(size + $1, 0),
		attachment_count = (SELECT COUNT(*) FROM attachments WHERE email_id = $2),
		has_attachments = (SELECT COUNT(*) FROM attachments WHERE email_id = $2) > 0,
		updated_at = $3
	WHERE id = $2
`

const selectAttachOwnerStmt = `
	SELECT a.email_id, a.size, a.storage_path, e.user_id, e.alias_id
	FROM attachments a JOIN emails e ON e.id = a.email_id
	WHERE a.id = $1
`

func NewTableAttachments(db *sql.DB, writer *Writer) (*TableAttachments, error) {
	t := &TableAttachments{
		db:     db,
		writer: writer,
	}
	if _, err := db.Exec(attachmentsSchema); err != nil {
		return nil, fmt.Errorf("db.Exec: %w", err)
	}
	var err error
	if t.acct, err = newAccounting(db); err != nil {
		return nil, err
	}
	err = prepareAll(db, []prepared{
		{&t.insertAttachment, "insertAttachmentStmt", insertAttachmentStmt},
		{&t.selectAttachment, "selectAttachmentStmt", selectAttachmentStmt},
		{&t.selectAttachments, "selectAttachmentsStmt", selectAttachmentsStmt},
		{&t.deleteAttachment, "deleteAttachmentStmt", deleteAttachmentStmt},
		{&t.selectEmailOwner, "selectEmailOwnerStmt", selectEmailOwnerStmt},
		{&t.adjustEmailSize, "adjustEmailSizeStmt", adjustEmailSizeStmt},
		{&t.selectAttachOwner, "selectAttachOwnerStmt", selectAttachOwnerStmt},
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func scanAttachment(row interface{ Scan(...interface{}) error }) (*types.Attachment, error) {
	a := &types.Attachment{}
	var created, updated int64
	err := row.Scan(
		&a.ID, &created, &updated, &a.EmailID, &a.UserID, &a.FileName, &a.OriginalName,
		&a.ContentType, &a.Size, &a.StoragePath, &a.Checksum, &a.Inline, &a.ContentID,
	)
	if err != nil {
		return nil, err
	}
	a.CreatedAt, a.UpdatedAt = fromUnix(created), fromUnix(updated)
	return a, nil
}

// AttachmentCreate adds an attachment to an existing email, growing the
// email's size and charging the owner for it.
func (t *TableAttachments) AttachmentCreate(ctx context.Context, a *types.Attachment) (int64, error) {
	const op = "storage.AttachmentCreate"
	now := time.Now().UTC()
	var id int64
	err := t.writer.Do(t.db, nil, func(txn *sql.Tx) error {
		var userID, aliasID int64
		if err := txn.Stmt(t.selectEmailOwner).QueryRowContext(ctx, a.EmailID).Scan(&userID, &aliasID); err != nil {
			return err
		}
		a.UserID = userID
		if err := txn.Stmt(t.insertAttachment).QueryRowContext(ctx,
			now.Unix(), now.Unix(), a.EmailID, a.UserID, a.FileName, a.OriginalName,
			a.ContentType, a.Size, a.StoragePath, a.Checksum, a.Inline, a.ContentID,
		).Scan(&id); err != nil {
			return err
		}
		if _, err := txn.Stmt(t.adjustEmailSize).ExecContext(ctx, a.Size, a.EmailID, now.Unix()); err != nil {
			return err
		}
		return t.acct.chargeTx(ctx, txn, op, userID, aliasID, a.Size)
	})
	if err != nil {
		return 0, translate(op, "email", err)
	}
	a.ID, a.CreatedAt, a.UpdatedAt = id, now, now
	return id, nil
}

func (t *TableAttachments) AttachmentSelect(ctx context.Context, id int64) (*types.Attachment, error) {
	a, err := scanAttachment(t.selectAttachment.QueryRowContext(ctx, id))
	return a, translate("storage.AttachmentSelect", "attachment", err)
}

func (t *TableAttachments) AttachmentListForEmail(ctx context.Context, emailID int64) ([]*types.Attachment, error) {
	rows, err := t.selectAttachments.QueryContext(ctx, emailID)
	if err != nil {
		return nil, translate("storage.AttachmentListForEmail", "attachment", err)
	}
	defer rows.Close() // nolint:errcheck
	var atts []*types.Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, translate("storage.AttachmentListForEmail", "attachment", err)
		}
		atts = append(atts, a)
	}
	return atts, translate("storage.AttachmentListForEmail", "attachment", rows.Err())
}

// AttachmentDelete removes the row, shrinks the owning email and returns
// the storage path if nothing else refers to it.
func (t *TableAttachments) AttachmentDelete(ctx context.Context, id int64) ([]string, error) {
	const op = "storage.AttachmentDelete"
	var unreferenced []string
	err := t.writer.Do(t.db, nil, func(txn *sql.Tx) error {
		var emailID, size, userID, aliasID int64
		var path string
		if err := txn.Stmt(t.selectAttachOwner).QueryRowContext(ctx, id).Scan(
			&emailID, &size, &path, &userID, &aliasID,
		); err != nil {
			return err
		}
		if _, err := txn.Stmt(t.deleteAttachment).ExecContext(ctx, id); err != nil {
			return err
		}
		if _, err := txn.Stmt(t.adjustEmailSize).ExecContext(ctx, -size, emailID, time.Now().Unix()); err != nil {
			return err
		}
		if err := t.acct.releaseTx(ctx, txn, userID, aliasID, size); err != nil {
			return err
		}
		var err error
		unreferenced, err = t.acct.unreferencedTx(ctx, txn, []string{path})
		return err
	})
	if err != nil {
		return nil, translate(op, "attachment", err)
	}
	return unreferenced, nil
}
