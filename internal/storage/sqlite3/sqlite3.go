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
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JB-SelfCompany/mailhub/internal/mailerr"
	"github.com/JB-SelfCompany/mailhub/internal/storage/filestore"
	"github.com/JB-SelfCompany/mailhub/internal/storage/types"
	"github.com/gologme/log"
	gosqlite "github.com/mattn/go-sqlite3"
)

type Storage struct {
	*TableUsers
	*TableDomains
	*TableAliases
	*TableFolders
	*TableEmails
	*TableAttachments
	*TableQueue
	db     *sql.DB
	writer *Writer
	log    *log.Logger
}

// NewStorage opens (or creates) the database at path and brings the schema up
// to date. Use ":memory:" for a throwaway database.
func NewStorage(path string, logger *log.Logger) (*Storage, error) {
	dsn := "file:" + path + "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL"
	if path == ":memory:" {
		dsn = "file::memory:?_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	if path == ":memory:" {
		// Every connection to a private memory database is a new database.
		db.SetMaxOpenConns(1)
	}
	s := &Storage{
		db:     db,
		writer: NewWriter(),
		log:    logger,
	}
	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("RunMigrations: %w", err)
	}
	// Statements join across tables, so every table must exist before any
	// of them is prepared.
	for _, schema := range []string{
		usersSchema, domainsSchema, aliasesSchema, foldersSchema,
		emailsSchema, attachmentsSchema, queueSchema,
	} {
		if _, err := db.Exec(schema); err != nil {
			db.Close()
			return nil, fmt.Errorf("db.Exec: %w", err)
		}
	}
	if s.TableUsers, err = NewTableUsers(db, s.writer); err != nil {
		db.Close()
		return nil, fmt.Errorf("NewTableUsers: %w", err)
	}
	if s.TableDomains, err = NewTableDomains(db, s.writer); err != nil {
		db.Close()
		return nil, fmt.Errorf("NewTableDomains: %w", err)
	}
	if s.TableAliases, err = NewTableAliases(db, s.writer); err != nil {
		db.Close()
		return nil, fmt.Errorf("NewTableAliases: %w", err)
	}
	if s.TableFolders, err = NewTableFolders(db, s.writer); err != nil {
		db.Close()
		return nil, fmt.Errorf("NewTableFolders: %w", err)
	}
	if s.TableEmails, err = NewTableEmails(db, s.writer); err != nil {
		db.Close()
		return nil, fmt.Errorf("NewTableEmails: %w", err)
	}
	if s.TableAttachments, err = NewTableAttachments(db, s.writer); err != nil {
		db.Close()
		return nil, fmt.Errorf("NewTableAttachments: %w", err)
	}
	if s.TableQueue, err = NewTableQueue(db, s.writer); err != nil {
		db.Close()
		return nil, fmt.Errorf("NewTableQueue: %w", err)
	}
	// Users are created with their folders in one transaction.
	s.TableUsers.folders = s.TableFolders
	return s, nil
}

// DB exposes the handle for maintenance jobs such as MigrateLargeMessagesToFiles.
func (s *Storage) DB() *sql.DB {
	return s.db
}

func (s *Storage) Stats(ctx context.Context) (*types.StorageStats, error) {
	return GetStorageStats(ctx, s.db)
}

// MigrateLargeMessages moves raw messages at or above threshold into fs.
func (s *Storage) MigrateLargeMessages(fs *filestore.FileStore, threshold int64) error {
	return MigrateLargeMessagesToFiles(s.db, s.writer, fs, threshold, s.log)
}

func (s *Storage) Close() error {
	return s.db.Close()
}

type prepared struct {
	dst  **sql.Stmt
	name string
	stmt string
}

func prepareAll(db *sql.DB, stmts []prepared) error {
	for _, p := range stmts {
		s, err := db.Prepare(p.stmt)
		if err != nil {
			return fmt.Errorf("db.Prepare(%s): %w", p.name, err)
		}
		*p.dst = s
	}
	return nil
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}

func joinList(v []string) string {
	return strings.Join(v, ",")
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// translate maps driver errors onto mailerr kinds.
func translate(op, what string, err error) error {
	if err == nil {
		return nil
	}
	var me *mailerr.Error
	if errors.As(err, &me) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return mailerr.NotFoundError(op, what)
	}
	var se gosqlite.Error
	if errors.As(err, &se) && se.Code == gosqlite.ErrConstraint {
		switch se.ExtendedCode {
		case gosqlite.ErrConstraintUnique, gosqlite.ErrConstraintPrimaryKey:
			return mailerr.E(mailerr.Conflict, op, what+" already exists", err)
		case gosqlite.ErrConstraintForeignKey:
			return mailerr.E(mailerr.NotFound, op, "referenced row not found", err)
		}
	}
	return mailerr.StorageError(op, err)
}

func affected(res sql.Result, op, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return mailerr.StorageError(op, err)
	}
	if n == 0 {
		return mailerr.NotFoundError(op, what)
	}
	return nil
}
