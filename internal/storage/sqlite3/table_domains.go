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

type TableDomains struct {
	db                 *sql.DB
	writer             *Writer
	insertDomain       *sql.Stmt
	selectDomainByName *sql.Stmt
	selectDomains      *sql.Stmt
}

const domainsSchema = `
	CREATE TABLE IF NOT EXISTS domains (
		id                   INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at           INTEGER NOT NULL,
		updated_at           INTEGER NOT NULL,
		deleted              BOOLEAN NOT NULL DEFAULT 0,
		version              INTEGER NOT NULL DEFAULT 0,
		name                 TEXT NOT NULL UNIQUE COLLATE NOCASE,
		description          TEXT NOT NULL DEFAULT '',
		status               TEXT NOT NULL DEFAULT 'ACTIVE',
		verified             BOOLEAN NOT NULL DEFAULT 0,
		is_default           BOOLEAN NOT NULL DEFAULT 0,
		catch_all_enabled    BOOLEAN NOT NULL DEFAULT 0,
		catch_all_address    TEXT NOT NULL DEFAULT '',
		mx_record            TEXT NOT NULL DEFAULT '',
		spf_record           TEXT NOT NULL DEFAULT '',
		dkim_selector        TEXT NOT NULL DEFAULT '',
		dkim_public_key      TEXT NOT NULL DEFAULT '',
		dkim_private_key     TEXT NOT NULL DEFAULT '',
		dmarc_record         TEXT NOT NULL DEFAULT '',
		max_users            INTEGER NOT NULL DEFAULT 0,
		max_aliases_per_user INTEGER NOT NULL DEFAULT 0,
		max_storage_gb       INTEGER NOT NULL DEFAULT 0
	);
`

const domainColumns = `
	id, created_at, updated_at, deleted, version, name, description, status,
	verified, is_default, catch_all_enabled, catch_all_address, mx_record,
	spf_record, dkim_selector, dkim_public_key, dkim_private_key, dmarc_record,
	max_users, max_aliases_per_user, max_storage_gb
`

const insertDomainStmt = `
	INSERT INTO domains (
		created_at, updated_at, name, description, status, verified, is_default,
		catch_all_enabled, catch_all_address, mx_record, spf_record,
		dkim_selector, dkim_public_key, dkim_private_key, dmarc_record,
		max_users, max_aliases_per_user, max_storage_gb
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	RETURNING id
`

const selectDomainByNameStmt = `
	SELECT ` + domainColumns + ` FROM domains WHERE name = $1
`

const selectDomainsStmt = `
	SELECT ` + domainColumns + ` FROM domains WHERE deleted = 0 ORDER BY name
`

func NewTableDomains(db *sql.DB, writer *Writer) (*TableDomains, error) {
	t := &TableDomains{
		db:     db,
		writer: writer,
	}
	if _, err := db.Exec(domainsSchema); err != nil {
		return nil, fmt.Errorf("db.Exec: %w", err)
	}
	err := prepareAll(db, []prepared{
		{&t.insertDomain, "insertDomainStmt", insertDomainStmt},
		{&t.selectDomainByName, "selectDomainByNameStmt", selectDomainByNameStmt},
		{&t.selectDomains, "selectDomainsStmt", selectDomainsStmt},
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func scanDomain(row interface{ Scan(...interface{}) error }) (*types.Domain, error) {
	d := &types.Domain{}
	var created, updated int64
	err := row.Scan(
		&d.ID, &created, &updated, &d.Deleted, &d.Version, &d.Name, &d.Description,
		&d.Status, &d.Verified, &d.IsDefault, &d.CatchAllEnabled, &d.CatchAllAddress,
		&d.MXRecord, &d.SPFRecord, &d.DKIMSelector, &d.DKIMPublicKey,
		&d.DKIMPrivateKey, &d.DMARCRecord, &d.MaxUsers, &d.MaxAliasesPerUser,
		&d.MaxStorageGB,
	)
	if err != nil {
		return nil, err
	}
	d.CreatedAt, d.UpdatedAt = fromUnix(created), fromUnix(updated)
	return d, nil
}

func (t *TableDomains) DomainCreate(ctx context.Context, d *types.Domain) (int64, error) {
	now := time.Now().UTC()
	var id int64
	err := t.writer.Do(t.db, nil, func(txn *sql.Tx) error {
		return txn.Stmt(t.insertDomain).QueryRowContext(ctx,
			now.Unix(), now.Unix(), d.Name, d.Description, d.Status, d.Verified, d.IsDefault,
			d.CatchAllEnabled, d.CatchAllAddress, d.MXRecord, d.SPFRecord,
			d.DKIMSelector, d.DKIMPublicKey, d.DKIMPrivateKey, d.DMARCRecord,
			d.MaxUsers, d.MaxAliasesPerUser, d.MaxStorageGB,
		).Scan(&id)
	})
	if err != nil {
		return 0, translate("storage.DomainCreate", "domain", err)
	}
	d.ID, d.CreatedAt, d.UpdatedAt = id, now, now
	return id, nil
}

func (t *TableDomains) DomainSelectByName(ctx context.Context, name string) (*types.Domain, error) {
	d, err := scanDomain(t.selectDomainByName.QueryRowContext(ctx, name))
	return d, translate("storage.DomainSelectByName", "domain", err)
}

func (t *TableDomains) DomainList(ctx context.Context) ([]*types.Domain, error) {
	rows, err := t.selectDomains.QueryContext(ctx)
	if err != nil {
		return nil, translate("storage.DomainList", "domain", err)
	}
	defer rows.Close() // nolint:errcheck
	var domains []*types.Domain
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, translate("storage.DomainList", "domain", err)
		}
		domains = append(domains, d)
	}
	return domains, translate("storage.DomainList", "domain", rows.Err())
}
