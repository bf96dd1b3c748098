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
	"strings"
	"time"

	"github.com/JB-SelfCompany/mailhub/internal/mailerr"
	"github.com/JB-SelfCompany/mailhub/internal/storage/types"
)

type TableEmails struct {
	db              *sql.DB
	writer          *Writer
	acct            *accounting
	insertEmail     *sql.Stmt
	insertAtt       *sql.Stmt
	selectEmail     *sql.Stmt
	selectEmails    *sql.Stmt
	selectEmailIDs  *sql.Stmt
	searchEmails    *sql.Stmt
	moveEmail       *sql.Stmt
	setStatus       *sql.Stmt
	setFlags        *sql.Stmt
	selectForRemove *sql.Stmt
	selectAttPaths  *sql.Stmt
	deleteEmail     *sql.Stmt
	selectFolderIDs *sql.Stmt
	existsEmail     *sql.Stmt
	selectFolderOf  *sql.Stmt
	selectAllPaths  *sql.Stmt
}

const emailsSchema = `
	CREATE TABLE IF NOT EXISTS emails (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at       INTEGER NOT NULL,
		updated_at       INTEGER NOT NULL,
		deleted          BOOLEAN NOT NULL DEFAULT 0,
		version          INTEGER NOT NULL DEFAULT 0,
		message_id       TEXT NOT NULL DEFAULT '',
		subject          TEXT NOT NULL DEFAULT '',
		from_address     TEXT NOT NULL DEFAULT '',
		from_name        TEXT NOT NULL DEFAULT '',
		to_list          TEXT NOT NULL DEFAULT '',
		cc_list          TEXT NOT NULL DEFAULT '',
		bcc_list         TEXT NOT NULL DEFAULT '',
		reply_to         TEXT NOT NULL DEFAULT '',
		body_text        TEXT NOT NULL DEFAULT '',
		body_html        TEXT NOT NULL DEFAULT '',
		raw              BLOB,
		raw_file         TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL DEFAULT 'UNREAD',
		type             TEXT NOT NULL DEFAULT 'RECEIVED',
		starred          BOOLEAN NOT NULL DEFAULT 0,
		important        BOOLEAN NOT NULL DEFAULT 0,
		spam             BOOLEAN NOT NULL DEFAULT 0,
		draft            BOOLEAN NOT NULL DEFAULT 0,
		has_attachments  BOOLEAN NOT NULL DEFAULT 0,
		attachment_count INTEGER NOT NULL DEFAULT 0,
		size             INTEGER NOT NULL DEFAULT 0,
		sent_at          INTEGER NOT NULL DEFAULT 0,
		received_at      INTEGER NOT NULL DEFAULT 0,
		read_at          INTEGER NOT NULL DEFAULT 0,
		in_reply_to      TEXT NOT NULL DEFAULT '',
		refs             TEXT NOT NULL DEFAULT '',
		thread_id        TEXT NOT NULL DEFAULT '',
		user_id          INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		alias_id         INTEGER NOT NULL DEFAULT 0,
		folder_id        INTEGER NOT NULL REFERENCES folders(id),
		CHECK ((raw IS NOT NULL AND raw_file = '') OR (raw IS NULL AND raw_file != ''))
	);
	CREATE INDEX IF NOT EXISTS emails_folder ON emails(folder_id, received_at);
	CREATE INDEX IF NOT EXISTS emails_user ON emails(user_id);
	CREATE INDEX IF NOT EXISTS emails_message_id ON emails(message_id);
	CREATE INDEX IF NOT EXISTS emails_raw_file ON emails(raw_file) WHERE raw_file != '';
`

const emailColumnsNoRaw = `
	id, created_at, updated_at, deleted, version, message_id, subject,
	from_address, from_name, to_list, cc_list, bcc_list, reply_to, body_text,
	body_html, %s, raw_file, status, type, starred, important, spam, draft,
	has_attachments, attachment_count, size, sent_at, received_at, read_at,
	in_reply_to, refs, thread_id, user_id, alias_id, folder_id
`

var (
	emailColumns     = fmt.Sprintf(emailColumnsNoRaw, "raw")
	emailListColumns = fmt.Sprintf(emailColumnsNoRaw, "NULL")
)

const insertEmailStmt = `
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
	RETURNING id
`

var selectEmailStmt = `SELECT ` + emailColumns + ` FROM emails WHERE id = $1`

var selectEmailsStmt = `
	SELECT ` + emailListColumns + ` FROM emails
	WHERE folder_id = $1 AND deleted = 0
	ORDER BY received_at DESC, id DESC
	LIMIT $2 OFFSET $3
`

const selectEmailIDsStmt = `
	SELECT id FROM emails WHERE folder_id = $1 AND deleted = 0 ORDER BY id
`

var searchEmailsStmt = `
	SELECT ` + emailListColumns + ` FROM emails
	WHERE user_id = $1 AND deleted = 0 AND (
		subject LIKE $2 ESCAPE '\' OR body_text LIKE $2 ESCAPE '\'
		OR from_address LIKE $2 ESCAPE '\' OR from_name LIKE $2 ESCAPE '\'
	)
	ORDER BY received_at DESC, id DESC
	LIMIT $3 OFFSET $4
`

// The destination must belong to the email's owner.
const moveEmailStmt = `
	UPDATE emails SET
		folder_id = $1,
		status = CASE WHEN $2 = '' THEN status ELSE $2 END,
		read_at = CASE WHEN $2 = 'READ' AND read_at = 0 THEN $3 ELSE read_at END,
		updated_at = $3
	WHERE id = $4 AND user_id = (SELECT user_id FROM folders WHERE id = $1)
`

const setStatusStmt = `
	UPDATE emails SET
		status = $1,
		read_at = CASE WHEN $1 != 'UNREAD' AND read_at = 0 THEN $2 ELSE read_at END,
		updated_at = $2
	WHERE id = $3 AND status = $4
`

const setFlagsStmt = `
	UPDATE emails SET starred = $1, important = $2, spam = $3, draft = $4, updated_at = $5
	WHERE id = $6
`

const selectForRemoveStmt = `
	SELECT folder_id, user_id, alias_id, size, raw_file FROM emails WHERE id = $1
`

const selectAttPathsStmt = `
	SELECT storage_path FROM attachments WHERE email_id = $1
`

const deleteEmailStmt = `
	DELETE FROM emails WHERE id = $1
`

const selectFolderIDsStmt = `
	SELECT id FROM emails WHERE folder_id = $1
`

const existsEmailStmt = `
	SELECT COUNT(*) FROM emails WHERE id = $1
`

const selectFolderOfStmt = `
	SELECT folder_id FROM emails WHERE id = $1
`

const selectAllPathsStmt = `
	SELECT raw_file FROM emails WHERE raw_file != ''
	UNION
	SELECT storage_path FROM attachments WHERE storage_path != ''
`

func NewTableEmails(db *sql.DB, writer *Writer) (*TableEmails, error) {
	t := &TableEmails{
		db:     db,
		writer: writer,
	}
	if _, err := db.Exec(emailsSchema); err != nil {
		return nil, fmt.Errorf("db.Exec: %w", err)
	}
	var err error
	if t.acct, err = newAccounting(db); err != nil {
		return nil, err
	}
	err = prepareAll(db, []prepared{
		{&t.insertEmail, "insertEmailStmt", insertEmailStmt},
		{&t.insertAtt, "insertAttachmentStmt", insertAttachmentStmt},
		{&t.selectEmail, "selectEmailStmt", selectEmailStmt},
		{&t.selectEmails, "selectEmailsStmt", selectEmailsStmt},
		{&t.selectEmailIDs, "selectEmailIDsStmt", selectEmailIDsStmt},
		{&t.searchEmails, "searchEmailsStmt", searchEmailsStmt},
		{&t.moveEmail, "moveEmailStmt", moveEmailStmt},
		{&t.setStatus, "setStatusStmt", setStatusStmt},
		{&t.setFlags, "setFlagsStmt", setFlagsStmt},
		{&t.selectForRemove, "selectForRemoveStmt", selectForRemoveStmt},
		{&t.selectAttPaths, "selectAttPathsStmt", selectAttPathsStmt},
		{&t.deleteEmail, "deleteEmailStmt", deleteEmailStmt},
		{&t.selectFolderIDs, "selectFolderIDsStmt", selectFolderIDsStmt},
		{&t.existsEmail, "existsEmailStmt", existsEmailStmt},
		{&t.selectFolderOf, "selectFolderOfStmt", selectFolderOfStmt},
		{&t.selectAllPaths, "selectAllPathsStmt", selectAllPathsStmt},
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func scanEmail(row interface{ Scan(...interface{}) error }) (*types.Email, error) {
	e := &types.Email{}
	var created, updated, sent, received, read int64
	var to, cc, bcc string
	err := row.Scan(
		&e.ID, &created, &updated, &e.Deleted, &e.Version, &e.MessageID, &e.Subject,
		&e.FromAddress, &e.FromName, &to, &cc, &bcc, &e.ReplyTo, &e.Text,
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
	e.To, e.Cc, e.Bcc = splitList(to), splitList(cc), splitList(bcc)
	return e, nil
}

func (t *TableEmails) EmailCommit(ctx context.Context, e *types.Email, atts []*types.Attachment) (int64, error) {
	const op = "storage.EmailCommit"
	now := time.Now().UTC()
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = now
	}
	if e.Status == "" {
		e.Status = types.StatusUnread
	}
	var raw interface{}
	if e.RawFile == "" {
		raw = e.Raw
		if e.Raw == nil {
			raw = []byte{}
		}
	}
	e.AttachmentCount = len(atts)
	e.HasAttachments = e.HasAttachments || len(atts) > 0

	var id int64
	err := t.writer.Do(t.db, nil, func(txn *sql.Tx) error {
		err := txn.Stmt(t.insertEmail).QueryRowContext(ctx,
			now.Unix(), now.Unix(), e.MessageID, e.Subject, e.FromAddress, e.FromName,
			joinList(e.To), joinList(e.Cc), joinList(e.Bcc), e.ReplyTo, e.Text, e.HTML, raw,
			e.RawFile, e.Status, e.Type, e.Flags.Starred, e.Flags.Important, e.Flags.Spam, e.Flags.Draft,
			e.HasAttachments, e.AttachmentCount, e.Size, toUnix(e.SentAt), toUnix(e.ReceivedAt), toUnix(e.ReadAt),
			e.InReplyTo, e.References, e.ThreadID, e.UserID, e.AliasID, e.FolderID,
		).Scan(&id)
		if err != nil {
			return err
		}
		for _, a := range atts {
			a.EmailID, a.UserID = id, e.UserID
			if err := txn.Stmt(t.insertAtt).QueryRowContext(ctx,
				now.Unix(), now.Unix(), a.EmailID, a.UserID, a.FileName, a.OriginalName,
				a.ContentType, a.Size, a.StoragePath, a.Checksum, a.Inline, a.ContentID,
			).Scan(&a.ID); err != nil {
				return err
			}
		}
		if err := t.acct.recountTx(ctx, txn, e.FolderID); err != nil {
			return err
		}
		return t.acct.chargeTx(ctx, txn, op, e.UserID, e.AliasID, e.Size)
	})
	if err != nil {
		return 0, translate(op, "email", err)
	}
	e.ID, e.CreatedAt, e.UpdatedAt = id, now, now
	return id, nil
}

func (t *TableEmails) EmailSelect(ctx context.Context, id int64) (*types.Email, error) {
	e, err := scanEmail(t.selectEmail.QueryRowContext(ctx, id))
	return e, translate("storage.EmailSelect", "email", err)
}

func (t *TableEmails) EmailList(ctx context.Context, folderID int64, offset, limit int) ([]*types.Email, error) {
	rows, err := t.selectEmails.QueryContext(ctx, folderID, limit, offset)
	if err != nil {
		return nil, translate("storage.EmailList", "email", err)
	}
	return collectEmails(rows, "storage.EmailList")
}

func (t *TableEmails) EmailSearch(ctx context.Context, userID int64, term string, offset, limit int) ([]*types.Email, error) {
	rows, err := t.searchEmails.QueryContext(ctx, userID, likePattern(term), limit, offset)
	if err != nil {
		return nil, translate("storage.EmailSearch", "email", err)
	}
	return collectEmails(rows, "storage.EmailSearch")
}

func collectEmails(rows *sql.Rows, op string) ([]*types.Email, error) {
	defer rows.Close() // nolint:errcheck
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

func (t *TableEmails) EmailIDs(ctx context.Context, folderID int64) ([]int64, error) {
	rows, err := t.selectEmailIDs.QueryContext(ctx, folderID)
	if err != nil {
		return nil, translate("storage.EmailIDs", "email", err)
	}
	defer rows.Close() // nolint:errcheck
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, translate("storage.EmailIDs", "email", err)
		}
		ids = append(ids, id)
	}
	return ids, translate("storage.EmailIDs", "email", rows.Err())
}

func (t *TableEmails) EmailMove(ctx context.Context, id, folderID int64, status types.EmailStatus) error {
	const op = "storage.EmailMove"
	err := t.writer.Do(t.db, nil, func(txn *sql.Tx) error {
		var from int64
		if err := txn.Stmt(t.selectFolderOf).QueryRowContext(ctx, id).Scan(&from); err != nil {
			return err
		}
		res, err := txn.Stmt(t.moveEmail).ExecContext(ctx, folderID, string(status), time.Now().Unix(), id)
		if err != nil {
			return err
		}
		if err := affected(res, op, "destination folder"); err != nil {
			return err
		}
		if err := t.acct.recountTx(ctx, txn, from); err != nil {
			return err
		}
		if from == folderID {
			return nil
		}
		return t.acct.recountTx(ctx, txn, folderID)
	})
	return translate(op, "email", err)
}

func (t *TableEmails) EmailSetStatus(ctx context.Context, id int64, from, to types.EmailStatus) error {
	const op = "storage.EmailSetStatus"
	err := t.writer.Do(t.db, nil, func(txn *sql.Tx) error {
		var folderID int64
		if err := txn.Stmt(t.selectFolderOf).QueryRowContext(ctx, id).Scan(&folderID); err != nil {
			return err
		}
		res, err := txn.Stmt(t.setStatus).ExecContext(ctx, string(to), time.Now().Unix(), id, string(from))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return mailerr.Errorf(mailerr.Conflict, op, "email status changed concurrently")
		}
		return t.acct.recountTx(ctx, txn, folderID)
	})
	return translate(op, "email", err)
}

func (t *TableEmails) EmailSetFlags(ctx context.Context, id int64, flags types.Flags) error {
	const op = "storage.EmailSetFlags"
	err := t.writer.Do(t.db, nil, func(txn *sql.Tx) error {
		res, err := txn.Stmt(t.setFlags).ExecContext(ctx,
			flags.Starred, flags.Important, flags.Spam, flags.Draft, time.Now().Unix(), id)
		if err != nil {
			return err
		}
		return affected(res, op, "email")
	})
	return translate(op, "email", err)
}

// removeTx deletes one email and its attachments, releasing its size. It
// returns the folder, the bytes freed and the blob paths the rows held.
func (t *TableEmails) removeTx(ctx context.Context, txn *sql.Tx, id int64) (int64, int64, []string, error) {
	var folderID, userID, aliasID, size int64
	var rawFile string
	err := txn.Stmt(t.selectForRemove).QueryRowContext(ctx, id).Scan(&folderID, &userID, &aliasID, &size, &rawFile)
	if err != nil {
		return 0, 0, nil, err
	}
	paths := []string{rawFile}
	rows, err := txn.Stmt(t.selectAttPaths).QueryContext(ctx, id)
	if err != nil {
		return 0, 0, nil, err
	}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close() // nolint:errcheck
			return 0, 0, nil, err
		}
		paths = append(paths, p)
	}
	rows.Close() // nolint:errcheck

	// Attachments go with the email through ON DELETE CASCADE.
	if _, err := txn.Stmt(t.deleteEmail).ExecContext(ctx, id); err != nil {
		return 0, 0, nil, err
	}
	if err := t.acct.releaseTx(ctx, txn, userID, aliasID, size); err != nil {
		return 0, 0, nil, err
	}
	return folderID, size, paths, nil
}

func (t *TableEmails) EmailRemove(ctx context.Context, id int64) (int64, []string, error) {
	const op = "storage.EmailRemove"
	var freed int64
	var unreferenced []string
	err := t.writer.Do(t.db, nil, func(txn *sql.Tx) error {
		folderID, size, paths, err := t.removeTx(ctx, txn, id)
		if err != nil {
			return err
		}
		if err := t.acct.recountTx(ctx, txn, folderID); err != nil {
			return err
		}
		freed = size
		unreferenced, err = t.acct.unreferencedTx(ctx, txn, paths)
		return err
	})
	if err != nil {
		return 0, nil, translate(op, "email", err)
	}
	return freed, unreferenced, nil
}

func (t *TableEmails) EmailPurge(ctx context.Context, folderID int64) (int, int64, []string, error) {
	const op = "storage.EmailPurge"
	var count int
	var freed int64
	var unreferenced []string
	err := t.writer.Do(t.db, nil, func(txn *sql.Tx) error {
		count, freed, unreferenced = 0, 0, nil
		rows, err := txn.Stmt(t.selectFolderIDs).QueryContext(ctx, folderID)
		if err != nil {
			return err
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close() // nolint:errcheck
				return err
			}
			ids = append(ids, id)
		}
		rows.Close() // nolint:errcheck

		var paths []string
		for _, id := range ids {
			_, size, p, err := t.removeTx(ctx, txn, id)
			if err != nil {
				return err
			}
			count++
			freed += size
			paths = append(paths, p...)
		}
		if err := t.acct.recountTx(ctx, txn, folderID); err != nil {
			return err
		}
		unreferenced, err = t.acct.unreferencedTx(ctx, txn, paths)
		return err
	})
	if err != nil {
		return 0, 0, nil, translate(op, "folder", err)
	}
	return count, freed, unreferenced, nil
}

func (t *TableEmails) PathInUse(ctx context.Context, path string) (bool, error) {
	var refs int
	if err := t.acct.pathRefs.QueryRowContext(ctx, path).Scan(&refs); err != nil {
		return false, translate("storage.PathInUse", "path", err)
	}
	return refs > 0, nil
}

func (t *TableEmails) BlobPaths(ctx context.Context) (map[string]bool, error) {
	rows, err := t.selectAllPaths.QueryContext(ctx)
	if err != nil {
		return nil, translate("storage.BlobPaths", "path", err)
	}
	defer rows.Close() // nolint:errcheck
	paths := map[string]bool{}
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, translate("storage.BlobPaths", "path", err)
		}
		paths[p] = true
	}
	return paths, translate("storage.BlobPaths", "path", rows.Err())
}

func likePattern(term string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.TrimSpace(term)) + "%"
}
