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
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/JB-SelfCompany/mailhub/internal/mailerr"
	"github.com/JB-SelfCompany/mailhub/internal/storage/types"
	"github.com/jackc/pgx/v5"
)

const emailColumnsFmt = `
	id, created_at, updated_at, deleted, version, message_id, subject,
	from_address, from_name, to_list, cc_list, bcc_list, reply_to, body_text,
	body_html, %s, raw_file, status, type, starred, important, spam, draft,
	has_attachments, attachment_count, size, sent_at, received_at, read_at,
	in_reply_to, refs, thread_id, user_id, alias_id, folder_id
`

var (
	emailColumns     = fmt.Sprintf(emailColumnsFmt, "raw")
	emailListColumns = fmt.Sprintf(emailColumnsFmt, "NULL::BYTEA")
)

func scanEmail(row pgx.Row) (*types.Email, error) {
	e := &types.Email{}
	var created, updated, sent, received, read int64
	err := row.Scan(
		&e.ID, &created, &updated, &e.Deleted, &e.Version, &e.MessageID, &e.Subject,
		&e.FromAddress, &e.FromName, &e.To, &e.Cc, &e.Bcc, &e.ReplyTo, &e.Text,
		&e.HTML, &e.Raw, &e.RawFile, &e.Status, &e.Type, &e.Flags.Starred,
		&e.Flags.Important, &e.Flags.Spam, &e.Flags.Draft, &e.HasAttachments,
		&e.AttachmentCount, &e.Size, &sent, &received, &read, &e.InReplyTo,
		&e.References, &e.ThreadID, &e.UserID, &e.AliasID, &e.FolderID,
	)
	if err != nil {
		return nil, err
	}
	e.CreatedAt, e.UpdatedAt = fromUnix(created), fromUnix(updated)
	e.SentAt, e.ReceivedAt, e.ReadAt = fromUnix(sent), fromUnix(received), fromUnix(read)
	return e, nil
}

// lockFolder serialises every change to one folder's membership so that the
// recount that follows sees a stable set of rows.
func lockFolder(ctx context.Context, tx pgx.Tx, ids ...int64) error {
	// Lock in id order so two moves in opposite directions cannot deadlock.
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for _, id := range sorted {
		var got int64
		if err := tx.QueryRow(ctx, `SELECT id FROM folders WHERE id = $1 FOR UPDATE`, id).Scan(&got); err != nil {
			return err
		}
	}
	return nil
}

func recount(ctx context.Context, tx pgx.Tx, folderID int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE folders SET
			unread_count = (SELECT COUNT(*) FROM emails WHERE folder_id = $1 AND NOT deleted AND status = 'UNREAD'),
			total_count = (SELECT COUNT(*) FROM emails WHERE folder_id = $1 AND NOT deleted),
			updated_at = $2
		WHERE id = $1`, folderID, time.Now().Unix())
	return err
}

func charge(ctx context.Context, tx pgx.Tx, op string, userID, aliasID, size int64) error {
	tag, err := tx.Exec(ctx, `
		UPDATE users SET storage_used = storage_used + $1
		WHERE id = $2 AND (storage_quota <= 0 OR storage_used + $1 <= storage_quota)`,
		size, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return mailerr.QuotaError(op)
	}
	if aliasID == 0 {
		return nil
	}
	tag, err = tx.Exec(ctx, `
		UPDATE aliases SET used_bytes = used_bytes + $1
		WHERE id = $2 AND (quota_bytes <= 0 OR used_bytes + $1 <= quota_bytes)`,
		size, aliasID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return mailerr.QuotaError(op)
	}
	return nil
}

func release(ctx context.Context, tx pgx.Tx, userID, aliasID, size int64) error {
	if _, err := tx.Exec(ctx, `
		UPDATE users SET storage_used = GREATEST(storage_used - $1, 0) WHERE id = $2`,
		size, userID); err != nil {
		return err
	}
	if aliasID == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `
		UPDATE aliases SET used_bytes = GREATEST(used_bytes - $1, 0) WHERE id = $2`,
		size, aliasID)
	return err
}

func unreferenced(ctx context.Context, tx pgx.Tx, paths []string) ([]string, error) {
	var out []string
	seen := map[string]bool{}
	for _, p := range paths {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		var inUse bool
		err := tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM emails WHERE raw_file = $1)
			    OR EXISTS (SELECT 1 FROM attachments WHERE storage_path = $1)`, p).Scan(&inUse)
		if err != nil {
			return nil, err
		}
		if !inUse {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Storage) EmailCommit(ctx context.Context, e *types.Email, atts []*types.Attachment) (int64, error) {
	const op = "storage.EmailCommit"
	now := time.Now().UTC()
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = now
	}
	if e.Status == "" {
		e.Status = types.StatusUnread
	}
	var raw []byte
	if e.RawFile == "" {
		raw = e.Raw
		if raw == nil {
			raw = []byte{}
		}
	}
	e.AttachmentCount = len(atts)
	e.HasAttachments = e.HasAttachments || len(atts) > 0

	var id int64
	err := s.tx(ctx, func(tx pgx.Tx) error {
		if err := lockFolder(ctx, tx, e.FolderID); err != nil {
			return err
		}
		err := tx.QueryRow(ctx, `
			INSERT INTO emails (
				created_at, updated_at, message_id, subject, from_address, from_name,
				to_list, cc_list, bcc_list, reply_to, body_text, body_html, raw,
				raw_file, status, type, starred, important, spam, draft,
				has_attachments, attachment_count, size, sent_at, received_at, read_at,
				in_reply_to, refs, thread_id, user_id, alias_id, folder_id
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
				$17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30,
				$31, $32
			)
			RETURNING id`,
			now.Unix(), now.Unix(), e.MessageID, e.Subject, e.FromAddress, e.FromName,
			list(e.To), list(e.Cc), list(e.Bcc), e.ReplyTo, e.Text, e.HTML, raw,
			e.RawFile, string(e.Status), string(e.Type), e.Flags.Starred, e.Flags.Important, e.Flags.Spam, e.Flags.Draft,
			e.HasAttachments, e.AttachmentCount, e.Size, toUnix(e.SentAt), toUnix(e.ReceivedAt), toUnix(e.ReadAt),
			e.InReplyTo, e.References, e.ThreadID, e.UserID, e.AliasID, e.FolderID,
		).Scan(&id)
		if err != nil {
			return err
		}
		for _, a := range atts {
			a.EmailID, a.UserID = id, e.UserID
			if err := insertAttachment(ctx, tx, a, now); err != nil {
				return err
			}
		}
		if err := recount(ctx, tx, e.FolderID); err != nil {
			return err
		}
		return charge(ctx, tx, op, e.UserID, e.AliasID, e.Size)
	})
	if err != nil {
		return 0, translate(op, "email", err)
	}
	e.ID, e.CreatedAt, e.UpdatedAt = id, now, now
	return id, nil
}

func (s *Storage) EmailSelect(ctx context.Context, id int64) (*types.Email, error) {
	e, err := scanEmail(s.pool.QueryRow(ctx, `SELECT `+emailColumns+` FROM emails WHERE id = $1`, id))
	return e, translate("storage.EmailSelect", "email", err)
}

func (s *Storage) EmailList(ctx context.Context, folderID int64, offset, limit int) ([]*types.Email, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+emailListColumns+` FROM emails
		WHERE folder_id = $1 AND NOT deleted
		ORDER BY received_at DESC, id DESC
		LIMIT $2 OFFSET $3`, folderID, limit, offset)
	if err != nil {
		return nil, translate("storage.EmailList", "email", err)
	}
	return collectEmails(rows, "storage.EmailList")
}

func (s *Storage) EmailSearch(ctx context.Context, userID int64, term string, offset, limit int) ([]*types.Email, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+emailListColumns+` FROM emails
		WHERE user_id = $1 AND NOT deleted AND (
			subject ILIKE $2 OR body_text ILIKE $2 OR from_address ILIKE $2 OR from_name ILIKE $2
		)
		ORDER BY received_at DESC, id DESC
		LIMIT $3 OFFSET $4`, userID, likePattern(term), limit, offset)
	if err != nil {
		return nil, translate("storage.EmailSearch", "email", err)
	}
	return collectEmails(rows, "storage.EmailSearch")
}

func collectEmails(rows pgx.Rows, op string) ([]*types.Email, error) {
	defer rows.Close()
	emails := []*types.Email{}
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, translate(op, "email", err)
		}
		emails = append(emails, e)
	}
	return emails, translate(op, "email", rows.Err())
}

func (s *Storage) EmailIDs(ctx context.Context, folderID int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM emails WHERE folder_id = $1 AND NOT deleted ORDER BY id`, folderID)
	if err != nil {
		return nil, translate("storage.EmailIDs", "email", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	return ids, translate("storage.EmailIDs", "email", err)
}

// errFolderChanged means the email left the folder read at the start of the
// transaction before that folder was locked.
var errFolderChanged = errors.New("email changed folder")

// folderRetries bounds how often emailTx starts over after errFolderChanged.
const folderRetries = 5

// lockEmail locks the folder holding email id and the extra folders, then
// the email row, and returns the holding folder. Folders are locked before
// the email, the same order EmailCommit and EmailPurge use.
func lockEmail(ctx context.Context, tx pgx.Tx, op string, id int64, extra ...int64) (int64, error) {
	var from int64
	if err := tx.QueryRow(ctx, `SELECT folder_id FROM emails WHERE id = $1`, id).Scan(&from); err != nil {
		return 0, err
	}
	if err := lockFolder(ctx, tx, append([]int64{from}, extra...)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, mailerr.NotFoundError(op, "folder")
		}
		return 0, err
	}
	var current int64
	if err := tx.QueryRow(ctx, `SELECT folder_id FROM emails WHERE id = $1 FOR UPDATE`, id).Scan(&current); err != nil {
		return 0, err
	}
	if current != from {
		return 0, errFolderChanged
	}
	return from, nil
}

// emailTx runs f in a transaction, starting over while a concurrent move
// keeps changing the email's folder under it.
func (s *Storage) emailTx(ctx context.Context, op string, f func(pgx.Tx) error) error {
	for i := 0; i < folderRetries; i++ {
		if err := s.tx(ctx, f); !errors.Is(err, errFolderChanged) {
			return err
		}
	}
	return mailerr.Errorf(mailerr.Conflict, op, "email moved concurrently")
}

func (s *Storage) EmailMove(ctx context.Context, id, folderID int64, status types.EmailStatus) error {
	const op = "storage.EmailMove"
	err := s.emailTx(ctx, op, func(tx pgx.Tx) error {
		from, err := lockEmail(ctx, tx, op, id, folderID)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			UPDATE emails SET
				folder_id = $1,
				status = CASE WHEN $2 = '' THEN status ELSE $2 END,
				read_at = CASE WHEN $2 = 'READ' AND read_at = 0 THEN $3 ELSE read_at END,
				updated_at = $3
			WHERE id = $4 AND user_id = (SELECT user_id FROM folders WHERE id = $1)`,
			folderID, string(status), time.Now().Unix(), id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return mailerr.NotFoundError(op, "destination folder")
		}
		if err := recount(ctx, tx, from); err != nil {
			return err
		}
		if from == folderID {
			return nil
		}
		return recount(ctx, tx, folderID)
	})
	return translate(op, "email", err)
}

func (s *Storage) EmailSetStatus(ctx context.Context, id int64, from, to types.EmailStatus) error {
	const op = "storage.EmailSetStatus"
	err := s.emailTx(ctx, op, func(tx pgx.Tx) error {
		folderID, err := lockEmail(ctx, tx, op, id)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			UPDATE emails SET
				status = $1,
				read_at = CASE WHEN $1 != 'UNREAD' AND read_at = 0 THEN $2 ELSE read_at END,
				updated_at = $2
			WHERE id = $3 AND status = $4`,
			string(to), time.Now().Unix(), id, string(from))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return mailerr.Errorf(mailerr.Conflict, op, "email status changed concurrently")
		}
		return recount(ctx, tx, folderID)
	})
	return translate(op, "email", err)
}

func (s *Storage) EmailSetFlags(ctx context.Context, id int64, flags types.Flags) error {
	return s.exec(ctx, "storage.EmailSetFlags", "email", `
		UPDATE emails SET starred = $1, important = $2, spam = $3, draft = $4, updated_at = $5
		WHERE id = $6`,
		flags.Starred, flags.Important, flags.Spam, flags.Draft, time.Now().Unix(), id)
}

// remove deletes one email row, which cascades to its attachments, and
// releases its size. Attachment paths must be read before calling it.
func remove(ctx context.Context, tx pgx.Tx, id int64) (int64, string, error) {
	var userID, aliasID, size int64
	var rawFile string
	err := tx.QueryRow(ctx, `
		DELETE FROM emails WHERE id = $1
		RETURNING user_id, alias_id, size, raw_file`, id).Scan(&userID, &aliasID, &size, &rawFile)
	if err != nil {
		return 0, "", err
	}
	if err := release(ctx, tx, userID, aliasID, size); err != nil {
		return 0, "", err
	}
	return size, rawFile, nil
}

// attachmentPaths returns the blob paths held by the email's attachments.
func attachmentPaths(ctx context.Context, tx pgx.Tx, emailIDs []int64) ([]string, error) {
	rows, err := tx.Query(ctx, `SELECT storage_path FROM attachments WHERE email_id = ANY($1)`, emailIDs)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Storage) EmailRemove(ctx context.Context, id int64) (int64, []string, error) {
	const op = "storage.EmailRemove"
	var freed int64
	var paths []string
	err := s.emailTx(ctx, op, func(tx pgx.Tx) error {
		folderID, err := lockEmail(ctx, tx, op, id)
		if err != nil {
			return err
		}
		attPaths, err := attachmentPaths(ctx, tx, []int64{id})
		if err != nil {
			return err
		}
		size, rawFile, err := remove(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := recount(ctx, tx, folderID); err != nil {
			return err
		}
		freed = size
		paths, err = unreferenced(ctx, tx, append(attPaths, rawFile))
		return err
	})
	if err != nil {
		return 0, nil, translate(op, "email", err)
	}
	return freed, paths, nil
}

func (s *Storage) EmailPurge(ctx context.Context, folderID int64) (int, int64, []string, error) {
	const op = "storage.EmailPurge"
	var count int
	var freed int64
	var paths []string
	err := s.tx(ctx, func(tx pgx.Tx) error {
		count, freed, paths = 0, 0, nil
		if err := lockFolder(ctx, tx, folderID); err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM emails WHERE folder_id = $1`, folderID)
		if err != nil {
			return err
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
		if err != nil {
			return err
		}
		held, err := attachmentPaths(ctx, tx, ids)
		if err != nil {
			return err
		}
		for _, id := range ids {
			size, rawFile, err := remove(ctx, tx, id)
			if err != nil {
				return err
			}
			count++
			freed += size
			held = append(held, rawFile)
		}
		if err := recount(ctx, tx, folderID); err != nil {
			return err
		}
		paths, err = unreferenced(ctx, tx, held)
		return err
	})
	if err != nil {
		return 0, 0, nil, translate(op, "folder", err)
	}
	return count, freed, paths, nil
}

func (s *Storage) PathInUse(ctx context.Context, path string) (bool, error) {
	var inUse bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM emails WHERE raw_file = $1)
		    OR EXISTS (SELECT 1 FROM attachments WHERE storage_path = $1)`, path).Scan(&inUse)
	return inUse, translate("storage.PathInUse", "path", err)
}

func (s *Storage) BlobPaths(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT raw_file FROM emails WHERE raw_file != ''
		UNION
		SELECT storage_path FROM attachments WHERE storage_path != ''`)
	if err != nil {
		return nil, translate("storage.BlobPaths", "path", err)
	}
	found, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, translate("storage.BlobPaths", "path", err)
	}
	paths := make(map[string]bool, len(found))
	for _, p := range found {
		paths[p] = true
	}
	return paths, nil
}

func likePattern(term string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.TrimSpace(term)) + "%"
}
