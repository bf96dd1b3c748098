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
	"time"

	"github.com/JB-SelfCompany/mailhub/internal/mailerr"
)

// accounting holds the statements that keep folder counters and storage
// usage in step with the emails table. All of them run inside a writer
// transaction.
type accounting struct {
	recount      *sql.Stmt
	chargeUser   *sql.Stmt
	chargeAlias  *sql.Stmt
	releaseUser  *sql.Stmt
	releaseAlias *sql.Stmt
	pathRefs     *sql.Stmt
}

const chargeUserStmt = `
	UPDATE users SET storage_used = storage_used + $1
	WHERE id = $2 AND (storage_quota <= 0 OR storage_used + $1 <= storage_quota)
`

const chargeAliasStmt = `
	UPDATE aliases SET used_bytes = used_bytes + $1
	WHERE id = $2 AND (quota_bytes <= 0 OR used_bytes + $1 <= quota_bytes)
`

const releaseUserStmt = `
	UPDATE users SET storage_used = MAX(storage_used - $1, 0) WHERE id = $2
`

const releaseAliasStmt = `
	UPDATE aliases SET used_bytes = MAX(used_bytes - $1, 0) WHERE id = $2
`

const pathRefsStmt = `
	SELECT (SELECT COUNT(*) FROM emails WHERE raw_file = $1)
	     + (SELECT COUNT(*) FROM attachments WHERE storage_path = $1)
`

func newAccounting(db *sql.DB) (*accounting, error) {
	a := &accounting{}
	err := prepareAll(db, []prepared{
		{&a.recount, "recountFolderStmt", recountFolderStmt},
		{&a.chargeUser, "chargeUserStmt", chargeUserStmt},
		{&a.chargeAlias, "chargeAliasStmt", chargeAliasStmt},
		{&a.releaseUser, "releaseUserStmt", releaseUserStmt},
		{&a.releaseAlias, "releaseAliasStmt", releaseAliasStmt},
		{&a.pathRefs, "pathRefsStmt", pathRefsStmt},
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *accounting) recountTx(ctx context.Context, txn *sql.Tx, folderID int64) error {
	res, err := txn.Stmt(a.recount).ExecContext(ctx, folderID, time.Now().Unix())
	if err != nil {
		return err
	}
	return affected(res, "storage.recount", "folder")
}

// chargeTx adds size to the user's and, if set, the alias's usage. Either
// guard failing is a quota error and the caller's transaction must roll back.
func (a *accounting) chargeTx(ctx context.Context, txn *sql.Tx, op string, userID, aliasID, size int64) error {
	res, err := txn.Stmt(a.chargeUser).ExecContext(ctx, size, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return mailerr.QuotaError(op)
	}
	if aliasID == 0 {
		return nil
	}
	res, err = txn.Stmt(a.chargeAlias).ExecContext(ctx, size, aliasID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return mailerr.QuotaError(op)
	}
	return nil
}

func (a *accounting) releaseTx(ctx context.Context, txn *sql.Tx, userID, aliasID, size int64) error {
	if _, err := txn.Stmt(a.releaseUser).ExecContext(ctx, size, userID); err != nil {
		return err
	}
	if aliasID == 0 {
		return nil
	}
	_, err := txn.Stmt(a.releaseAlias).ExecContext(ctx, size, aliasID)
	return err
}

// unreferencedTx filters paths down to those no row points at any more.
func (a *accounting) unreferencedTx(ctx context.Context, txn *sql.Tx, paths []string) ([]string, error) {
	var out []string
	seen := map[string]bool{}
	for _, p := range paths {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		var refs int
		if err := txn.Stmt(a.pathRefs).QueryRowContext(ctx, p).Scan(&refs); err != nil {
			return nil, err
		}
		if refs == 0 {
			out = append(out, p)
		}
	}
	return out, nil
}
