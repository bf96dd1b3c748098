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

	"github.com/JB-SelfCompany/mailhub/internal/mailerr"
	"github.com/JB-SelfCompany/mailhub/internal/storage/types"
)

type TableFolders struct {
	db                 *sql.DB
	writer             *Writer
	insertFolder       *sql.Stmt
	selectFolder       *sql.Stmt
	selectFolderByType *sql.Stmt
	selectFolderByName *sql.Stmt
	selectFolders      *sql.Stmt
	renameFolder       *sql.Stmt
	deleteFolder       *sql.Stmt
	subscribeFolder    *sql.Stmt
	countFolderEmails  *sql.Stmt
}

const foldersSchema = `
	CREATE TABLE IF NOT EXISTS folders (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL,
		deleted      BOOLEAN NOT NULL DEFAULT 0,
		version      INTEGER NOT NULL DEFAULT 0,
		user_id      INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		parent_id    INTEGER NOT NULL DEFAULT 0,
		name         TEXT NOT NULL,
		description  TEXT NOT NULL DEFAULT '',
		icon         TEXT NOT NULL DEFAULT '',
		color        TEXT NOT NULL DEFAULT '',
		type         TEXT NOT NULL,
		sort_order   INTEGER NOT NULL DEFAULT 0,
		system       BOOLEAN NOT NULL DEFAULT 0,
		subscribed   BOOLEAN NOT NULL DEFAULT 1,
		unread_count INTEGER NOT NULL DEFAULT 0,
		total_count  INTEGER NOT NULL DEFAULT 0,
		UNIQUE (user_id, name)
	);
	CREATE INDEX IF NOT EXISTS folders_user_type ON folders(user_id, type);
`

const folderColumns = `
	id, created_at, updated_at, deleted, version, user_id, parent_id, name,
	description, icon, color, type, sort_order, system, subscribed,
	unread_count, total_count
`

const insertFolderStmt = `
	INSERT INTO folders (
		created_at, updated_at, user_id, parent_id, name, description, icon,
		color, type, sort_order, system, subscribed
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	RETURNING id
`

const selectFolderStmt = `
	SELECT ` + folderColumns + ` FROM folders WHERE id = $1
`

const selectFolderByTypeStmt = `
	SELECT ` + folderColumns + ` FROM folders WHERE user_id = $1 AND type = $2
	ORDER BY id LIMIT 1
`

const selectFolderByNameStmt = `
	SELECT ` + folderColumns + ` FROM folders WHERE user_id = $1 AND name = $2 COLLATE NOCASE
	ORDER BY id LIMIT 1
`

const selectFoldersStmt = `
	SELECT ` + folderColumns + ` FROM folders WHERE user_id = $1
	ORDER BY sort_order, name
`

const renameFolderStmt = `
	UPDATE folders SET name = $1, updated_at = $2, version = version + 1 WHERE id = $3
`

const deleteFolderStmt = `
	DELETE FROM folders WHERE id = $1 AND system = 0
`

const subscribeFolderStmt = `
	UPDATE folders SET subscribed = $1, updated_at = $2 WHERE id = $3
`

// The counters are always recomputed from the rows rather than adjusted, so
// they cannot drift.
const recountFolderStmt = `
	UPDATE folders SET
		unread_count = (SELECT COUNT(*) FROM emails WHERE folder_id = $1 AND deleted = 0 AND status = 'UNREAD'),
		total_count = (SELECT COUNT(*) FROM emails WHERE folder_id = $1 AND deleted = 0),
		updated_at = $2
	WHERE id = $1
`

const countFolderEmailsStmt = `
	SELECT COUNT(*) FROM emails WHERE folder_id = $1
`

func NewTableFolders(db *sql.DB, writer *Writer) (*TableFolders, error) {
	t := &TableFolders{
		db:     db,
		writer: writer,
	}
	if _, err := db.Exec(foldersSchema); err != nil {
		return nil, fmt.Errorf("db.Exec: %w", err)
	}
	err := prepareAll(db, []prepared{
		{&t.insertFolder, "insertFolderStmt", insertFolderStmt},
		{&t.selectFolder, "selectFolderStmt", selectFolderStmt},
		{&t.selectFolderByType, "selectFolderByTypeStmt", selectFolderByTypeStmt},
		{&t.selectFolderByName, "selectFolderByNameStmt", selectFolderByNameStmt},
		{&t.selectFolders, "selectFoldersStmt", selectFoldersStmt},
		{&t.renameFolder, "renameFolderStmt", renameFolderStmt},
		{&t.deleteFolder, "deleteFolderStmt", deleteFolderStmt},
		{&t.subscribeFolder, "subscribeFolderStmt", subscribeFolderStmt},
		{&t.countFolderEmails, "countFolderEmailsStmt", countFolderEmailsStmt},
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func scanFolder(row interface{ Scan(...interface{}) error }) (*types.Folder, error) {
	f := &types.Folder{}
	var created, updated int64
	err := row.Scan(
		&f.ID, &created, &updated, &f.Deleted, &f.Version, &f.UserID, &f.ParentID,
		&f.Name, &f.Description, &f.Icon, &f.Color, &f.Type, &f.SortOrder,
		&f.System, &f.Subscribed, &f.UnreadCount, &f.TotalCount,
	)
	if err != nil {
		return nil, err
	}
	f.CreatedAt, f.UpdatedAt = fromUnix(created), fromUnix(updated)
	return f, nil
}

func (t *TableFolders) insertTx(ctx context.Context, txn *sql.Tx, f *types.Folder) (int64, error) {
	now := time.Now().UTC()
	var id int64
	err := txn.Stmt(t.insertFolder).QueryRowContext(ctx,
		now.Unix(), now.Unix(), f.UserID, f.ParentID, f.Name, f.Description, f.Icon,
		f.Color, f.Type, f.SortOrder, f.System, f.Subscribed,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	f.ID, f.CreatedAt, f.UpdatedAt = id, now, now
	return id, nil
}

func (t *TableFolders) FolderCreate(ctx context.Context, f *types.Folder) (int64, error) {
	if f.Type == "" {
		f.Type = types.FolderCustom
	}
	var id int64
	err := t.writer.Do(t.db, nil, func(txn *sql.Tx) error {
		var err error
		id, err = t.insertTx(ctx, txn, f)
		return err
	})
	return id, translate("storage.FolderCreate", "folder", err)
}

func (t *TableFolders) FolderSelect(ctx context.Context, id int64) (*types.Folder, error) {
	f, err := scanFolder(t.selectFolder.QueryRowContext(ctx, id))
	return f, translate("storage.FolderSelect", "folder", err)
}

func (t *TableFolders) FolderSelectByType(ctx context.Context, userID int64, ft types.FolderType) (*types.Folder, error) {
	f, err := scanFolder(t.selectFolderByType.QueryRowContext(ctx, userID, ft))
	return f, translate("storage.FolderSelectByType", "folder", err)
}

func (t *TableFolders) FolderSelectByName(ctx context.Context, userID int64, name string) (*types.Folder, error) {
	f, err := scanFolder(t.selectFolderByName.QueryRowContext(ctx, userID, name))
	return f, translate("storage.FolderSelectByName", "folder", err)
}

func (t *TableFolders) FolderList(ctx context.Context, userID int64) ([]*types.Folder, error) {
	rows, err := t.selectFolders.QueryContext(ctx, userID)
	if err != nil {
		return nil, translate("storage.FolderList", "folder", err)
	}
	defer rows.Close() // nolint:errcheck
	var folders []*types.Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, translate("storage.FolderList", "folder", err)
		}
		folders = append(folders, f)
	}
	return folders, translate("storage.FolderList", "folder", rows.Err())
}

func (t *TableFolders) FolderRename(ctx context.Context, id int64, name string) error {
	err := t.writer.Do(t.db, nil, func(txn *sql.Tx) error {
		res, err := txn.Stmt(t.renameFolder).ExecContext(ctx, name, time.Now().Unix(), id)
		if err != nil {
			return err
		}
		return affected(res, "storage.FolderRename", "folder")
	})
	return translate("storage.FolderRename", "folder", err)
}

func (t *TableFolders) FolderDelete(ctx context.Context, id int64) error {
	err := t.writer.Do(t.db, nil, func(txn *sql.Tx) error {
		var count int
		if err := txn.Stmt(t.countFolderEmails).QueryRowContext(ctx, id).Scan(&count); err != nil {
			return err
		}
		if count > 0 {
			return mailerr.Errorf(mailerr.Conflict, "storage.FolderDelete", "folder is not empty")
		}
		res, err := txn.Stmt(t.deleteFolder).ExecContext(ctx, id)
		if err != nil {
			return err
		}
		// Either missing or a system folder.
		return affected(res, "storage.FolderDelete", "custom folder")
	})
	return translate("storage.FolderDelete", "folder", err)
}

func (t *TableFolders) FolderSetSubscribed(ctx context.Context, id int64, subscribed bool) error {
	err := t.writer.Do(t.db, nil, func(txn *sql.Tx) error {
		res, err := txn.Stmt(t.subscribeFolder).ExecContext(ctx, subscribed, time.Now().Unix(), id)
		if err != nil {
			return err
		}
		return affected(res, "storage.FolderSetSubscribed", "folder")
	})
	return translate("storage.FolderSetSubscribed", "folder", err)
}
