/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package postgres

import (
	"context"
	"time"

	"github.com/JB-SelfCompany/mailhub/internal/storage/types"
	"github.com/jackc/pgx/v5"
)

const attachmentColumns = `
	id, created_at, updated_at, email_id, user_id, file_name, original_name,
	content_type, size, storage_path, checksum, inline, content_id
`

func scanAttachment(row pgx.Row) (*types.Attachment, error) {
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

func insertAttachment(ctx context.Context, tx pgx.Tx, a *types.Attachment, now time.Time) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO attachments (
			created_at, updated_at, email_id, user_id, file_name, original_name,
			content_type, size, storage_path, checksum, inline, content_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		now.Unix(), now.Unix(), a.EmailID, a.UserID, a.FileName, a.OriginalName,
		a.ContentType, a.Size, a.StoragePath, a.Checksum, a.Inline, a.ContentID,
	).Scan(&a.ID)
	if err != nil {
		return err
	}
	a.CreatedAt, a.UpdatedAt = now, now
	return nil
}

func adjustEmailSize(ctx context.Context, tx pgx.Tx, emailID, delta int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE emails SET
			size = GREATEST(size + $1, 0),
			attachment_count = (SELECT COUNT(*) FROM attachments WHERE email_id = $2),
			has_attachments = EXISTS (SELECT 1 FROM attachments WHERE email_id = $2),
			updated_at = $3
		WHERE id = $2`, delta, emailID, time.Now().Unix())
	return err
}

func (s *Storage) AttachmentCreate(ctx context.Context, a *types.Attachment) (int64, error) {
	const op = "storage.AttachmentCreate"
	err := s.tx(ctx, func(tx pgx.Tx) error {
		var aliasID int64
		err := tx.QueryRow(ctx, `SELECT user_id, alias_id FROM emails WHERE id = $1 FOR UPDATE`, a.EmailID).
			Scan(&a.UserID, &aliasID)
		if err != nil {
			return err
		}
		if err := insertAttachment(ctx, tx, a, time.Now().UTC()); err != nil {
			return err
		}
		if err := adjustEmailSize(ctx, tx, a.EmailID, a.Size); err != nil {
			return err
		}
		return charge(ctx, tx, op, a.UserID, aliasID, a.Size)
	})
	if err != nil {
		return 0, translate(op, "email", err)
	}
	return a.ID, nil
}

func (s *Storage) AttachmentSelect(ctx context.Context, id int64) (*types.Attachment, error) {
	a, err := scanAttachment(s.pool.QueryRow(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE id = $1`, id))
	return a, translate("storage.AttachmentSelect", "attachment", err)
}

func (s *Storage) AttachmentListForEmail(ctx context.Context, emailID int64) ([]*types.Attachment, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE email_id = $1 ORDER BY id`, emailID)
	if err != nil {
		return nil, translate("storage.AttachmentListForEmail", "attachment", err)
	}
	defer rows.Close()
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

func (s *Storage) AttachmentDelete(ctx context.Context, id int64) ([]string, error) {
	const op = "storage.AttachmentDelete"
	var paths []string
	err := s.tx(ctx, func(tx pgx.Tx) error {
		var emailID, size, userID, aliasID int64
		var path string
		err := tx.QueryRow(ctx, `
			SELECT a.email_id, a.size, a.storage_path, e.user_id, e.alias_id
			FROM attachments a JOIN emails e ON e.id = a.email_id
			WHERE a.id = $1
			FOR UPDATE OF e`, id).Scan(&emailID, &size, &path, &userID, &aliasID)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM attachments WHERE id = $1`, id); err != nil {
			return err
		}
		if err := adjustEmailSize(ctx, tx, emailID, -size); err != nil {
			return err
		}
		if err := release(ctx, tx, userID, aliasID, size); err != nil {
			return err
		}
		paths, err = unreferenced(ctx, tx, []string{path})
		return err
	})
	if err != nil {
		return nil, translate(op, "attachment", err)
	}
	return paths, nil
}
