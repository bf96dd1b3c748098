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

type TableAliases struct {
	db                   *sql.DB
	writer               *Writer
	insertAlias          *sql.Stmt
	selectAlias          *sql.Stmt
	selectAliasByAddress *sql.Stmt
	selectAliasesForUser *sql.Stmt
	updateAlias          *sql.Stmt
	reserveSend          *sql.Stmt
	releaseSend          *sql.Stmt
	existsAlias          *sql.Stmt
}

const aliasesSchema = `
	CREATE TABLE IF NOT EXISTS aliases (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at         INTEGER NOT NULL,
		updated_at         INTEGER NOT NULL,
		deleted            BOOLEAN NOT NULL DEFAULT 0,
		version            INTEGER NOT NULL DEFAULT 0,
		address            TEXT NOT NULL UNIQUE COLLATE NOCASE,
		display_name       TEXT NOT NULL DEFAULT '',
		description        TEXT NOT NULL DEFAULT '',
		signature          TEXT NOT NULL DEFAULT '',
		status             TEXT NOT NULL DEFAULT 'ACTIVE',
		type               TEXT NOT NULL DEFAULT 'STANDARD',
		is_primary         BOOLEAN NOT NULL DEFAULT 0,
		forward_enabled    BOOLEAN NOT NULL DEFAULT 0,
		forward_to         TEXT NOT NULL DEFAULT '',
		auto_reply_enabled BOOLEAN NOT NULL DEFAULT 0,
		auto_reply_subject TEXT NOT NULL DEFAULT '',
		auto_reply_message TEXT NOT NULL DEFAULT '',
		quota_bytes        INTEGER NOT NULL DEFAULT 0,
		used_bytes         INTEGER NOT NULL DEFAULT 0,
		max_send_per_day   INTEGER NOT NULL DEFAULT 0,
		sent_today         INTEGER NOT NULL DEFAULT 0,
		sent_day           TEXT NOT NULL DEFAULT '',
		user_id            INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		domain_id          INTEGER NOT NULL REFERENCES domains(id)
	);
	CREATE INDEX IF NOT EXISTS aliases_user ON aliases(user_id);
`

const aliasColumns = `
	id, created_at, updated_at, deleted, version, address, display_name,
	description, signature, status, type, is_primary, forward_enabled,
	forward_to, auto_reply_enabled, auto_reply_subject, auto_reply_message,
	quota_bytes, used_bytes, max_send_per_day, sent_today, sent_day, user_id,
	domain_id
`

const insertAliasStmt = `
	INSERT INTO aliases (
		created_at, updated_at, address, display_name, description, signature,
		status, type, is_primary, forward_enabled, forward_to,
		auto_reply_enabled, auto_reply_subject, auto_reply_message,
		quota_bytes, max_send_per_day, user_id, domain_id
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	RETURNING id
`

const selectAliasStmt = `
	SELECT ` + aliasColumns + ` FROM aliases WHERE id = $1
`

const selectAliasByAddressStmt = `
	SELECT ` + aliasColumns + ` FROM aliases WHERE address = $1
`

const selectAliasesForUserStmt = `
	SELECT ` + aliasColumns + ` FROM aliases WHERE user_id = $1 AND deleted = 0
	ORDER BY is_primary DESC, address
`

const updateAliasStmt = `
	UPDATE aliases SET
		display_name = $1, description = $2, signature = $3, status = $4,
		is_primary = $5, forward_enabled = $6, forward_to = $7,
		auto_reply_enabled = $8, auto_reply_subject = $9, auto_reply_message = $10,
		quota_bytes = $11, max_send_per_day = $12, deleted = $13,
		updated_at = $14, version = version + 1
	WHERE id = $15 AND version = $16
`

// The counter restarts on the first send of a new day. The WHERE clause
// makes the check and the increment a single step.
const reserveSendStmt = `
	UPDATE aliases SET
		sent_today = CASE WHEN sent_day = $1 THEN sent_today + 1 ELSE 1 END,
		sent_day = $1
	WHERE id = $2
	AND (max_send_per_day <= 0 OR sent_day != $1 OR sent_today < max_send_per_day)
`

const releaseSendStmt = `
	UPDATE aliases SET sent_today = sent_today - 1
	WHERE id = $2 AND sent_day = $1 AND sent_today > 0
`

const existsAliasStmt = `
	SELECT COUNT(*) FROM aliases WHERE id = $1
`

func NewTableAliases(db *sql.DB, writer *Writer) (*TableAliases, error) {
	t := &TableAliases{
		db:     db,
		writer: writer,
	}
	if _, err := db.Exec(aliasesSchema); err != nil {
		return nil, fmt.Errorf("db.Exec: %w", err)
	}
	err := prepareAll(db, []prepared{
		{&t.insertAlias, "insertAliasStmt", insertAliasStmt},
		{&t.selectAlias, "selectAliasStmt", selectAliasStmt},
		{&t.selectAliasByAddress, "selectAliasByAddressStmt", selectAliasByAddressStmt},
		{&t.selectAliasesForUser, "selectAliasesForUserStmt", selectAliasesForUserStmt},
		{&t.updateAlias, "updateAliasStmt", updateAliasStmt},
		{&t.reserveSend, "reserveSendStmt", reserveSendStmt},
		{&t.releaseSend, "releaseSendStmt", releaseSendStmt},
		{&t.existsAlias, "existsAliasStmt", existsAliasStmt},
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func scanAlias(row interface{ Scan(...interface{}) error }) (*types.Alias, error) {
	a := &types.Alias{}
	var created, updated int64
	var forwardTo string
	err := row.Scan(
		&a.ID, &created, &updated, &a.Deleted, &a.Version, &a.Address, &a.DisplayName,
		&a.Description, &a.Signature, &a.Status, &a.Type, &a.IsPrimary,
		&a.ForwardEnabled, &forwardTo, &a.AutoReplyEnabled, &a.AutoReplySubject,
		&a.AutoReplyMessage, &a.QuotaBytes, &a.UsedBytes, &a.MaxSendPerDay,
		&a.SentToday, &a.SentDay, &a.UserID, &a.DomainID,
	)
	if err != nil {
		return nil, err
	}
	a.CreatedAt, a.UpdatedAt = fromUnix(created), fromUnix(updated)
	a.ForwardTo = splitList(forwardTo)
	return a, nil
}

func (t *TableAliases) AliasCreate(ctx context.Context, a *types.Alias) (int64, error) {
	now := time.Now().UTC()
	var id int64
	err := t.writer.Do(t.db, nil, func(txn *sql.Tx) error {
		return txn.Stmt(t.insertAlias).QueryRowContext(ctx,
			now.Unix(), now.Unix(), a.Address, a.DisplayName, a.Description, a.Signature,
			a.Status, a.Type, a.IsPrimary, a.ForwardEnabled, joinList(a.ForwardTo),
			a.AutoReplyEnabled, a.AutoReplySubject, a.AutoReplyMessage,
			a.QuotaBytes, a.MaxSendPerDay, a.UserID, a.DomainID,
		).Scan(&id)
	})
	if err != nil {
		return 0, translate("storage.AliasCreate", "alias", err)
	}
	a.ID, a.CreatedAt, a.UpdatedAt = id, now, now
	return id, nil
}

func (t *TableAliases) AliasSelect(ctx context.Context, id int64) (*types.Alias, error) {
	a, err := scanAlias(t.selectAlias.QueryRowContext(ctx, id))
	return a, translate("storage.AliasSelect", "alias", err)
}

func (t *TableAliases) AliasSelectByAddress(ctx context.Context, address string) (*types.Alias, error) {
	a, err := scanAlias(t.selectAliasByAddress.QueryRowContext(ctx, address))
	return a, translate("storage.AliasSelectByAddress", "alias", err)
}

func (t *TableAliases) AliasListForUser(ctx context.Context, userID int64) ([]*types.Alias, error) {
	rows, err := t.selectAliasesForUser.QueryContext(ctx, userID)
	if err != nil {
		return nil, translate("storage.AliasListForUser", "alias", err)
	}
	defer rows.Close() // nolint:errcheck
	var aliases []*types.Alias
	for rows.Next() {
		a, err := scanAlias(rows)
		if err != nil {
			return nil, translate("storage.AliasListForUser", "alias", err)
		}
		aliases = append(aliases, a)
	}
	return aliases, translate("storage.AliasListForUser", "alias", rows.Err())
}

func (t *TableAliases) AliasUpdate(ctx context.Context, a *types.Alias) error {
	now := time.Now().UTC()
	err := t.writer.Do(t.db, nil, func(txn *sql.Tx) error {
		res, err := txn.Stmt(t.updateAlias).ExecContext(ctx,
			a.DisplayName, a.Description, a.Signature, a.Status,
			a.IsPrimary, a.ForwardEnabled, joinList(a.ForwardTo),
			a.AutoReplyEnabled, a.AutoReplySubject, a.AutoReplyMessage,
			a.QuotaBytes, a.MaxSendPerDay, a.Deleted,
			now.Unix(), a.ID, a.Version,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
		return t.missingOr(ctx, txn, a.ID, "storage.AliasUpdate",
			mailerr.Errorf(mailerr.Conflict, "storage.AliasUpdate", "alias was modified concurrently"))
	})
	if err != nil {
		return translate("storage.AliasUpdate", "alias", err)
	}
	a.Version++
	a.UpdatedAt = now
	return nil
}

func (t *TableAliases) AliasReserveSend(ctx context.Context, id int64, day string) error {
	err := t.writer.Do(t.db, nil, func(txn *sql.Tx) error {
		res, err := txn.Stmt(t.reserveSend).ExecContext(ctx, day, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
		return t.missingOr(ctx, txn, id, "storage.AliasReserveSend",
			mailerr.Errorf(mailerr.Limit, "storage.AliasReserveSend", "daily send limit reached"))
	})
	return translate("storage.AliasReserveSend", "alias", err)
}

// AliasReleaseSend is a no-op once the day has rolled over.
func (t *TableAliases) AliasReleaseSend(ctx context.Context, id int64, day string) error {
	err := t.writer.Do(t.db, nil, func(txn *sql.Tx) error {
		_, err := txn.Stmt(t.releaseSend).ExecContext(ctx, day, id)
		return err
	})
	return translate("storage.AliasReleaseSend", "alias", err)
}

// missingOr returns NotFound when the alias row does not exist, and
// otherwise when it does.
func (t *TableAliases) missingOr(ctx context.Context, txn *sql.Tx, id int64, op string, otherwise error) error {
	var count int
	if err := txn.Stmt(t.existsAlias).QueryRowContext(ctx, id).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		return mailerr.NotFoundError(op, "alias")
	}
	return otherwise
}
