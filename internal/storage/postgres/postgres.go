/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package postgres is the shared-database storage driver. It keeps the same
// schema shape and semantics as the sqlite3 driver; row locks take the
// place of the single writer goroutine.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JB-SelfCompany/mailhub/internal/mailerr"
	"github.com/JB-SelfCompany/mailhub/internal/storage/types"
	"github.com/gologme/log"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Storage struct {
	pool *pgxpool.Pool
	log  *log.Logger
}

func NewStorage(ctx context.Context, dsn string, logger *log.Logger) (*Storage, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	logger.Debugln("PostgreSQL schema ready")
	return &Storage{pool: pool, log: logger}, nil
}

func (s *Storage) Close() error {
	s.pool.Close()
	return nil
}

func (s *Storage) Stats(ctx context.Context) (*types.StorageStats, error) {
	stats := &types.StorageStats{}
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(size), 0), COALESCE(MAX(size), 0)
		FROM emails WHERE raw IS NOT NULL AND raw_file = ''
	`).Scan(&stats.BlobCount, &stats.BlobSize, &stats.LargestBlob)
	if err != nil {
		return nil, translate("storage.Stats", "stats", err)
	}
	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(size), 0), COALESCE(MAX(size), 0)
		FROM emails WHERE raw_file != ''
	`).Scan(&stats.FileCount, &stats.FileSize, &stats.LargestFile)
	if err != nil {
		return nil, translate("storage.Stats", "stats", err)
	}
	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(size), 0) FROM attachments
	`).Scan(&stats.AttachmentCount, &stats.AttachmentSize)
	if err != nil {
		return nil, translate("storage.Stats", "stats", err)
	}
	stats.TotalCount = stats.BlobCount + stats.FileCount
	stats.TotalSize = stats.BlobSize + stats.FileSize
	return stats, nil
}

// tx runs f in a transaction.
func (s *Storage) tx(ctx context.Context, f func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, f)
}

func (s *Storage) exec(ctx context.Context, op, what, query string, args ...interface{}) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return translate(op, what, err)
	}
	if tag.RowsAffected() == 0 {
		return mailerr.NotFoundError(op, what)
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

// list keeps empty address lists as '{}' rather than NULL.
func list(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func translate(op, what string, err error) error {
	if err == nil {
		return nil
	}
	var me *mailerr.Error
	if errors.As(err, &me) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return mailerr.NotFoundError(op, what)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return mailerr.E(mailerr.Conflict, op, what+" already exists", err)
		case "23503": // foreign_key_violation
			return mailerr.E(mailerr.NotFound, op, "referenced row not found", err)
		}
	}
	return mailerr.StorageError(op, err)
}
