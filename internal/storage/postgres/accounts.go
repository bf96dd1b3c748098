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

	"github.com/JB-SelfCompany/mailhub/internal/mailerr"
	"github.com/JB-SelfCompany/mailhub/internal/storage/types"
	"github.com/jackc/pgx/v5"
)

const userColumns = `
	id, created_at, updated_at, deleted, version, username, email, password_hash,
	first_name, last_name, phone_number, role, status, email_verified,
	last_login_at, last_login_ip, storage_quota, storage_used
`

func scanUser(row pgx.Row) (*types.User, error) {
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

func (s *Storage) UserCreate(ctx context.Context, u *types.User) (int64, error) {
	now := time.Now().UTC()
	var id int64
	err := s.tx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO users (
				created_at, updated_at, username, email, password_hash, first_name,
				last_name, phone_number, role, status, email_verified, storage_quota
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			RETURNING id`,
			now.Unix(), now.Unix(), u.Username, u.Email, u.PasswordHash, u.FirstName,
			u.LastName, u.PhoneNumber, string(u.Role), string(u.Status), u.EmailVerified, u.StorageQuota,
		).Scan(&id)
		if err != nil {
			return err
		}
		for _, ft := range types.SystemFolders {
			if _, err := insertFolder(ctx, tx, types.NewSystemFolder(id, ft)); err != nil {
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

func (s *Storage) UserSelect(ctx context.Context, id int64) (*types.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	return u, translate("storage.UserSelect", "user", err)
}

func (s *Storage) UserSelectByLogin(ctx context.Context, login string) (*types.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE LOWER(username) = LOWER($1) OR LOWER(email) = LOWER($1)
		ORDER BY id LIMIT 1`, login))
	return u, translate("storage.UserSelectByLogin", "user", err)
}

func (s *Storage) UserUpdatePassword(ctx context.Context, id int64, hash string) error {
	return s.exec(ctx, "storage.UserUpdatePassword", "user", `
		UPDATE users SET password_hash = $1, updated_at = $2, version = version + 1 WHERE id = $3`,
		hash, time.Now().Unix(), id)
}

func (s *Storage) UserUpdateStatus(ctx context.Context, id int64, status types.UserStatus, deleted bool) error {
	return s.exec(ctx, "storage.UserUpdateStatus", "user", `
		UPDATE users SET status = $1, deleted = $2, updated_at = $3, version = version + 1 WHERE id = $4`,
		string(status), deleted, time.Now().Unix(), id)
}

func (s *Storage) UserUpdateLogin(ctx context.Context, id int64, at time.Time, ip string) error {
	return s.exec(ctx, "storage.UserUpdateLogin", "user", `
		UPDATE users SET last_login_at = $1, last_login_ip = $2 WHERE id = $3`,
		toUnix(at), ip, id)
}

func (s *Storage) UserRecalculateStorage(ctx context.Context, id int64) (int64, error) {
	var used int64
	err := s.pool.QueryRow(ctx, `
		UPDATE users SET storage_used = (
			SELECT COALESCE(SUM(size), 0) FROM emails WHERE user_id = $1
		) WHERE id = $1
		RETURNING storage_used`, id).Scan(&used)
	return used, translate("storage.UserRecalculateStorage", "user", err)
}

const domainColumns = `
	id, created_at, updated_at, deleted, version, name, description, status,
	verified, is_default, catch_all_enabled, catch_all_address, mx_record,
	spf_record, dkim_selector, dkim_public_key, dkim_private_key, dmarc_record,
	max_users, max_aliases_per_user, max_storage_gb
`

func scanDomain(row pgx.Row) (*types.Domain, error) {
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

func (s *Storage) DomainCreate(ctx context.Context, d *types.Domain) (int64, error) {
	now := time.Now().UTC()
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO domains (
			created_at, updated_at, name, description, status, verified, is_default,
			catch_all_enabled, catch_all_address, mx_record, spf_record,
			dkim_selector, dkim_public_key, dkim_private_key, dmarc_record,
			max_users, max_aliases_per_user, max_storage_gb
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING id`,
		now.Unix(), now.Unix(), d.Name, d.Description, string(d.Status), d.Verified, d.IsDefault,
		d.CatchAllEnabled, d.CatchAllAddress, d.MXRecord, d.SPFRecord,
		d.DKIMSelector, d.DKIMPublicKey, d.DKIMPrivateKey, d.DMARCRecord,
		d.MaxUsers, d.MaxAliasesPerUser, d.MaxStorageGB,
	).Scan(&id)
	if err != nil {
		return 0, translate("storage.DomainCreate", "domain", err)
	}
	d.ID, d.CreatedAt, d.UpdatedAt = id, now, now
	return id, nil
}

func (s *Storage) DomainSelectByName(ctx context.Context, name string) (*types.Domain, error) {
	d, err := scanDomain(s.pool.QueryRow(ctx,
		`SELECT `+domainColumns+` FROM domains WHERE LOWER(name) = LOWER($1)`, name))
	return d, translate("storage.DomainSelectByName", "domain", err)
}

func (s *Storage) DomainList(ctx context.Context) ([]*types.Domain, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+domainColumns+` FROM domains WHERE NOT deleted ORDER BY name`)
	if err != nil {
		return nil, translate("storage.DomainList", "domain", err)
	}
	defer rows.Close()
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

const aliasColumns = `
	id, created_at, updated_at, deleted, version, address, display_name,
	description, signature, status, type, is_primary, forward_enabled,
	forward_to, auto_reply_enabled, auto_reply_subject, auto_reply_message,
	quota_bytes, used_bytes, max_send_per_day, sent_today, sent_day, user_id,
	domain_id
`

func scanAlias(row pgx.Row) (*types.Alias, error) {
	a := &types.Alias{}
	var created, updated int64
	err := row.Scan(
		&a.ID, &created, &updated, &a.Deleted, &a.Version, &a.Address, &a.DisplayName,
		&a.Description, &a.Signature, &a.Status, &a.Type, &a.IsPrimary,
		&a.ForwardEnabled, &a.ForwardTo, &a.AutoReplyEnabled, &a.AutoReplySubject,
		&a.AutoReplyMessage, &a.QuotaBytes, &a.UsedBytes, &a.MaxSendPerDay,
		&a.SentToday, &a.SentDay, &a.UserID, &a.DomainID,
	)
	if err != nil {
		return nil, err
	}
	a.CreatedAt, a.UpdatedAt = fromUnix(created), fromUnix(updated)
	return a, nil
}

func (s *Storage) AliasCreate(ctx context.Context, a *types.Alias) (int64, error) {
	now := time.Now().UTC()
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO aliases (
			created_at, updated_at, address, display_name, description, signature,
			status, type, is_primary, forward_enabled, forward_to,
			auto_reply_enabled, auto_reply_subject, auto_reply_message,
			quota_bytes, max_send_per_day, user_id, domain_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING id`,
		now.Unix(), now.Unix(), a.Address, a.DisplayName, a.Description, a.Signature,
		string(a.Status), string(a.Type), a.IsPrimary, a.ForwardEnabled, list(a.ForwardTo),
		a.AutoReplyEnabled, a.AutoReplySubject, a.AutoReplyMessage,
		a.QuotaBytes, a.MaxSendPerDay, a.UserID, a.DomainID,
	).Scan(&id)
	if err != nil {
		return 0, translate("storage.AliasCreate", "alias", err)
	}
	a.ID, a.CreatedAt, a.UpdatedAt = id, now, now
	return id, nil
}

func (s *Storage) AliasSelect(ctx context.Context, id int64) (*types.Alias, error) {
	a, err := scanAlias(s.pool.QueryRow(ctx, `SELECT `+aliasColumns+` FROM aliases WHERE id = $1`, id))
	return a, translate("storage.AliasSelect", "alias", err)
}

func (s *Storage) AliasSelectByAddress(ctx context.Context, address string) (*types.Alias, error) {
	a, err := scanAlias(s.pool.QueryRow(ctx,
		`SELECT `+aliasColumns+` FROM aliases WHERE LOWER(address) = LOWER($1)`, address))
	return a, translate("storage.AliasSelectByAddress", "alias", err)
}

func (s *Storage) AliasListForUser(ctx context.Context, userID int64) ([]*types.Alias, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+aliasColumns+` FROM aliases WHERE user_id = $1 AND NOT deleted
		ORDER BY is_primary DESC, address`, userID)
	if err != nil {
		return nil, translate("storage.AliasListForUser", "alias", err)
	}
	defer rows.Close()
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

func (s *Storage) AliasUpdate(ctx context.Context, a *types.Alias) error {
	const op = "storage.AliasUpdate"
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE aliases SET
			display_name = $1, description = $2, signature = $3, status = $4,
			is_primary = $5, forward_enabled = $6, forward_to = $7,
			auto_reply_enabled = $8, auto_reply_subject = $9, auto_reply_message = $10,
			quota_bytes = $11, max_send_per_day = $12, deleted = $13,
			updated_at = $14, version = version + 1
		WHERE id = $15 AND version = $16`,
		a.DisplayName, a.Description, a.Signature, string(a.Status),
		a.IsPrimary, a.ForwardEnabled, list(a.ForwardTo),
		a.AutoReplyEnabled, a.AutoReplySubject, a.AutoReplyMessage,
		a.QuotaBytes, a.MaxSendPerDay, a.Deleted,
		now.Unix(), a.ID, a.Version,
	)
	if err != nil {
		return translate(op, "alias", err)
	}
	if tag.RowsAffected() == 0 {
		return s.aliasMissingOr(ctx, a.ID, op,
			mailerr.Errorf(mailerr.Conflict, op, "alias was modified concurrently"))
	}
	a.Version++
	a.UpdatedAt = now
	return nil
}

func (s *Storage) AliasReserveSend(ctx context.Context, id int64, day string) error {
	const op = "storage.AliasReserveSend"
	tag, err := s.pool.Exec(ctx, `
		UPDATE aliases SET
			sent_today = CASE WHEN sent_day = $1 THEN sent_today + 1 ELSE 1 END,
			sent_day = $1
		WHERE id = $2
		AND (max_send_per_day <= 0 OR sent_day != $1 OR sent_today < max_send_per_day)`,
		day, id)
	if err != nil {
		return translate(op, "alias", err)
	}
	if tag.RowsAffected() == 0 {
		return s.aliasMissingOr(ctx, id, op,
			mailerr.Errorf(mailerr.Limit, op, "daily send limit reached"))
	}
	return nil
}

func (s *Storage) AliasReleaseSend(ctx context.Context, id int64, day string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE aliases SET sent_today = sent_today - 1
		WHERE id = $2 AND sent_day = $1 AND sent_today > 0`,
		day, id)
	return translate("storage.AliasReleaseSend", "alias", err)
}

func (s *Storage) aliasMissingOr(ctx context.Context, id int64, op string, otherwise error) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM aliases WHERE id = $1)`, id).Scan(&exists); err != nil {
		return translate(op, "alias", err)
	}
	if !exists {
		return mailerr.NotFoundError(op, "alias")
	}
	return otherwise
}

const folderColumns = `
	id, created_at, updated_at, deleted, version, user_id, parent_id, name,
	description, icon, color, type, sort_order, system, subscribed,
	unread_count, total_count
`

func scanFolder(row pgx.Row) (*types.Folder, error) {
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

func insertFolder(ctx context.Context, tx pgx.Tx, f *types.Folder) (int64, error) {
	now := time.Now().UTC()
	var id int64
	err := tx.QueryRow(ctx, `
		INSERT INTO folders (
			created_at, updated_at, user_id, parent_id, name, description, icon,
			color, type, sort_order, system, subscribed
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		now.Unix(), now.Unix(), f.UserID, f.ParentID, f.Name, f.Description, f.Icon,
		f.Color, string(f.Type), f.SortOrder, f.System, f.Subscribed,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	f.ID, f.CreatedAt, f.UpdatedAt = id, now, now
	return id, nil
}

func (s *Storage) FolderCreate(ctx context.Context, f *types.Folder) (int64, error) {
	if f.Type == "" {
		f.Type = types.FolderCustom
	}
	var id int64
	err := s.tx(ctx, func(tx pgx.Tx) error {
		var err error
		id, err = insertFolder(ctx, tx, f)
		return err
	})
	return id, translate("storage.FolderCreate", "folder", err)
}

func (s *Storage) FolderSelect(ctx context.Context, id int64) (*types.Folder, error) {
	f, err := scanFolder(s.pool.QueryRow(ctx, `SELECT `+folderColumns+` FROM folders WHERE id = $1`, id))
	return f, translate("storage.FolderSelect", "folder", err)
}

func (s *Storage) FolderSelectByType(ctx context.Context, userID int64, ft types.FolderType) (*types.Folder, error) {
	f, err := scanFolder(s.pool.QueryRow(ctx, `
		SELECT `+folderColumns+` FROM folders WHERE user_id = $1 AND type = $2
		ORDER BY id LIMIT 1`, userID, string(ft)))
	return f, translate("storage.FolderSelectByType", "folder", err)
}

func (s *Storage) FolderSelectByName(ctx context.Context, userID int64, name string) (*types.Folder, error) {
	f, err := scanFolder(s.pool.QueryRow(ctx, `
		SELECT `+folderColumns+` FROM folders WHERE user_id = $1 AND LOWER(name) = LOWER($2)
		ORDER BY id LIMIT 1`, userID, name))
	return f, translate("storage.FolderSelectByName", "folder", err)
}

func (s *Storage) FolderList(ctx context.Context, userID int64) ([]*types.Folder, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+folderColumns+` FROM folders WHERE user_id = $1
		ORDER BY sort_order, name`, userID)
	if err != nil {
		return nil, translate("storage.FolderList", "folder", err)
	}
	defer rows.Close()
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

func (s *Storage) FolderRename(ctx context.Context, id int64, name string) error {
	return s.exec(ctx, "storage.FolderRename", "folder", `
		UPDATE folders SET name = $1, updated_at = $2, version = version + 1 WHERE id = $3`,
		name, time.Now().Unix(), id)
}

func (s *Storage) FolderDelete(ctx context.Context, id int64) error {
	const op = "storage.FolderDelete"
	err := s.tx(ctx, func(tx pgx.Tx) error {
		if err := lockFolder(ctx, tx, id); err != nil {
			return err
		}
		var count int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM emails WHERE folder_id = $1`, id).Scan(&count); err != nil {
			return err
		}
		if count > 0 {
			return mailerr.Errorf(mailerr.Conflict, op, "folder is not empty")
		}
		tag, err := tx.Exec(ctx, `DELETE FROM folders WHERE id = $1 AND NOT system`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return mailerr.NotFoundError(op, "custom folder")
		}
		return nil
	})
	return translate(op, "folder", err)
}

func (s *Storage) FolderSetSubscribed(ctx context.Context, id int64, subscribed bool) error {
	return s.exec(ctx, "storage.FolderSetSubscribed", "folder", `
		UPDATE folders SET subscribed = $1, updated_at = $2 WHERE id = $3`,
		subscribed, time.Now().Unix(), id)
}
