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

type TableUsers struct {
	db                 *sql.DB
	writer             *Writer
	folders            *TableFolders
	insertUser         *sql.Stmt
	selectUser         *sql.Stmt
	selectUserByLogin  *sql.Stmt
	updatePassword     *sql.Stmt
	updateStatus       *sql.Stmt
	updateLogin        *sql.Stmt
	recalculateStorage *sql.Stmt
}

const usersSchema = `
	CREATE TABLE IF NOT EXISTS users (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at     INTEGER NOT NULL,
		updated_at     INTEGER NOT NULL,
		deleted        BOOLEAN NOT NULL DEFAULT 0,
		version        INTEGER NOT NULL DEFAULT 0,
		username       TEXT NOT NULL UNIQUE COLLATE NOCASE,
		email          TEXT NOT NULL UNIQUE COLLATE NOCASE,
		password_hash  TEXT NOT NULL,
		first_name     TEXT NOT NULL DEFAULT '',
		last_name      TEXT NOT NULL DEFAULT '',
		phone_number   TEXT NOT NULL DEFAULT '',
		role           TEXT NOT NULL DEFAULT 'USER',
		status         TEXT NOT NULL DEFAULT 'ACTIVE',
		email_verified BOOLEAN NOT NULL DEFAULT 0,
		last_login_at  INTEGER NOT NULL DEFAULT 0,
		last_login_ip  TEXT NOT NULL DEFAULT '',
		storage_quota  INTEGER NOT NULL DEFAULT 0,
		storage_used   INTEGER NOT NULL DEFAULT 0 CHECK (storage_used >= 0)
	);
`

const userColumns = `
	id, created_at, updated_at, deleted, version, username, email, password_hash,
	first_name, last_name, phone_number, role, status, email_verified,
	last_login_at, last_login_ip, storage_quota, storage_used
`

const insertUserStmt = `
	INSERT INTO users (
		created_at, updated_at, username, email, password_hash, first_name,
		last_name, phone_number, role, status, email_verified, storage_quota
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	RETURNING id
`

const selectUserStmt = `
	SELECT ` + userColumns + ` FROM users WHERE id = $1
`

const selectUserByLoginStmt = `
	SELECT ` + userColumns + ` FROM users WHERE username = $1 OR email = $1
	ORDER BY id LIMIT 1
`

const updatePasswordStmt = `
	UPDATE users SET password_hash = $1, updated_at = $2, version = version + 1 WHERE id = $3
`

const updateStatusStmt = `
	UPDATE users SET status = $1, deleted = $2, updated_at = $3, version = version + 1 WHERE id = $4
`

const updateLoginStmt = `
	UPDATE users SET last_login_at = $1, last_login_ip = $2 WHERE id = $3
`

const recalculateStorageStmt = `
	UPDATE users SET storage_used = (
		SELECT IFNULL(SUM(size), 0) FROM emails WHERE user_id = $1
	) WHERE id = $1
	RETURNING storage_used
`

func NewTableUsers(db *sql.DB, writer *Writer) (*TableUsers, error) {
	t := &TableUsers{
		db:     db,
		writer: writer,
	}
	if _, err := db.Exec(usersSchema); err != nil {
		return nil, fmt.Errorf("db.Exec: %w", err)
	}
	err := prepareAll(db, []prepared{
		{&t.insertUser, "insertUserStmt", insertUserStmt},
		{&t.selectUser, "selectUserStmt", selectUserStmt},
		{&t.selectUserByLogin, "selectUserByLoginStmt", selectUserByLoginStmt},
		{&t.updatePassword, "updatePasswordStmt", updatePasswordStmt},
		{&t.updateStatus, "updateStatusStmt", updateStatusStmt},
		{&t.updateLogin, "updateLoginStmt", updateLoginStmt},
		{&t.recalculateStorage, "recalculateStorageStmt", recalculateStorageStmt},
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func scanUser(row interface{ Scan(...interface{}) error }) (*types.User, error) {
	u := &types.User{}
	var created, updated, lastLogin int64
	err := row.Scan(
		&u.ID, &created, &updated, &u.Deleted, &u.Version, &u.Username, &u.Email,
		&u.PasswordHash, &u.FirstName, &u.LastName, &u.PhoneNumber, &u.Role,
		&u.Status, &u.EmailVerified, &lastLogin, &u.LastLoginIP, &u.StorageQuota,
		&u.StorageUsed,
	)
	if err != nil {
		return nil, err
	}
	u.CreatedAt, u.UpdatedAt, u.LastLoginAt = fromUnix(created), fromUnix(updated), fromUnix(lastLogin)
	return u, nil
}

func (t *TableUsers) UserCreate(ctx context.Context, u *types.User) (int64, error) {
	now := time.Now().UTC()
	var id int64
	err := t.writer.Do(t.db, nil, func(txn *sql.Tx) error {
		err := txn.Stmt(t.insertUser).QueryRowContext(ctx,
			now.Unix(), now.Unix(), u.Username, u.Email, u.PasswordHash, u.FirstName,
			u.LastName, u.PhoneNumber, u.Role, u.Status, u.EmailVerified, u.StorageQuota,
		).Scan(&id)
		if err != nil {
			return err
		}
		for _, ft := range types.SystemFolders {
			if _, err := t.folders.insertTx(ctx, txn, types.NewSystemFolder(id, ft)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, translate("storage.UserCreate", "user", err)
	}
	u.ID, u.CreatedAt, u.UpdatedAt = id, now, now
	return id, nil
}

func (t *TableUsers) UserSelect(ctx context.Context, id int64) (*types.User, error) {
	u, err := scanUser(t.selectUser.QueryRowContext(ctx, id))
	return u, translate("storage.UserSelect", "user", err)
}

func (t *TableUsers) UserSelectByLogin(ctx context.Context, login string) (*types.User, error) {
	u, err := scanUser(t.selectUserByLogin.QueryRowContext(ctx, login))
	return u, translate("storage.UserSelectByLogin", "user", err)
}

func (t *TableUsers) UserUpdatePassword(ctx context.Context, id int64, hash string) error {
	return t.exec(ctx, "storage.UserUpdatePassword", t.updatePassword, hash, time.Now().Unix(), id)
}

func (t *TableUsers) UserUpdateStatus(ctx context.Context, id int64, status types.UserStatus, deleted bool) error {
	return t.exec(ctx, "storage.UserUpdateStatus", t.updateStatus, status, deleted, time.Now().Unix(), id)
}

func (t *TableUsers) UserUpdateLogin(ctx context.Context, id int64, at time.Time, ip string) error {
	return t.exec(ctx, "storage.UserUpdateLogin", t.updateLogin, toUnix(at), ip, id)
}

func (t *TableUsers) UserRecalculateStorage(ctx context.Context, id int64) (int64, error) {
	var used int64
	err := t.writer.Do(t.db, nil, func(txn *sql.Tx) error {
		return txn.Stmt(t.recalculateStorage).QueryRowContext(ctx, id).Scan(&used)
	})
	return used, translate("storage.UserRecalculateStorage", "user", err)
}

func (t *TableUsers) exec(ctx context.Context, op string, stmt *sql.Stmt, args ...interface{}) error {
	return t.writer.Do(t.db, nil, func(txn *sql.Tx) error {
		res, err := txn.Stmt(stmt).ExecContext(ctx, args...)
		if err != nil {
			return translate(op, "user", err)
		}
		return affected(res, op, "user")
	})
}
