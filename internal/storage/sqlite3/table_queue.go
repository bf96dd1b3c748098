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

type TableQueue struct {
	db             *sql.DB
	writer         *Writer
	insertQueued   *sql.Stmt
	selectDue      *sql.Stmt
	markDelivered  *sql.Stmt
	rescheduleMail *sql.Stmt
	deleteQueued   *sql.Stmt
	purgeQueued    *sql.Stmt
}

// Delivered entries are kept until purged so that their dedup keys keep
// suppressing repeats.
const queueSchema = `
	CREATE TABLE IF NOT EXISTS queue (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at   INTEGER NOT NULL,
		from_address TEXT NOT NULL,
		rcpt         TEXT NOT NULL,
		content      BLOB NOT NULL,
		attempts     INTEGER NOT NULL DEFAULT 0,
		next_attempt INTEGER NOT NULL,
		last_error   TEXT NOT NULL DEFAULT '',
		delivered_at INTEGER NOT NULL DEFAULT 0,
		kind         TEXT NOT NULL DEFAULT 'forward',
		dedup_key    TEXT UNIQUE
	);
	CREATE INDEX IF NOT EXISTS queue_due ON queue(delivered_at, next_attempt);
`

const queueColumns = `
	id, created_at, from_address, rcpt, content, attempts, next_attempt,
	last_error, delivered_at, kind, COALESCE(dedup_key, '')
`

const insertQueuedStmt = `
	INSERT INTO queue (
		created_at, from_address, rcpt, content, next_attempt, kind, dedup_key
	) VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
	RETURNING id
`

const selectDueStmt = `
	SELECT ` + queueColumns + ` FROM queue
	WHERE delivered_at = 0 AND next_attempt <= $1
	ORDER BY next_attempt, id
	LIMIT $2
`

const markDeliveredStmt = `
	UPDATE queue SET delivered_at = $1, content = X'' WHERE id = $2
`

const rescheduleMailStmt = `
	UPDATE queue SET next_attempt = $1, attempts = $2, last_error = $3 WHERE id = $4
`

const deleteQueuedStmt = `
	DELETE FROM queue WHERE id = $1
`

const purgeQueuedStmt = `
	DELETE FROM queue WHERE delivered_at != 0 AND delivered_at < $1
`

func NewTableQueue(db *sql.DB, writer *Writer) (*TableQueue, error) {
	t := &TableQueue{
		db:     db,
		writer: writer,
	}
	if _, err := db.Exec(queueSchema); err != nil {
		return nil, fmt.Errorf("db.Exec: %w", err)
	}
	err := prepareAll(db, []prepared{
		{&t.insertQueued, "insertQueuedStmt", insertQueuedStmt},
		{&t.selectDue, "selectDueStmt", selectDueStmt},
		{&t.markDelivered, "markDeliveredStmt", markDeliveredStmt},
		{&t.rescheduleMail, "rescheduleMailStmt", rescheduleMailStmt},
		{&t.deleteQueued, "deleteQueuedStmt", deleteQueuedStmt},
		{&t.purgeQueued, "purgeQueuedStmt", purgeQueuedStmt},
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// QueueInsert stores a new outbound message. A repeated non-empty DedupKey
// is reported as a conflict.
func (t *TableQueue) QueueInsert(ctx context.Context, q *types.QueuedMail) (int64, error) {
	now := time.Now().UTC()
	if q.NextAttempt.IsZero() {
		q.NextAttempt = now
	}
	if q.Kind == "" {
		q.Kind = "forward"
	}
	var id int64
	err := t.writer.Do(t.db, nil, func(txn *sql.Tx) error {
		return txn.Stmt(t.insertQueued).QueryRowContext(ctx,
			now.Unix(), q.From, q.Rcpt, q.Content, q.NextAttempt.Unix(), q.Kind, q.DedupKey,
		).Scan(&id)
	})
	if err != nil {
		return 0, translate("storage.QueueInsert", "queued message", err)
	}
	q.ID, q.CreatedAt = id, now
	return id, nil
}

func (t *TableQueue) QueueSelectDue(ctx context.Context, now time.Time, limit int) ([]*types.QueuedMail, error) {
	rows, err := t.selectDue.QueryContext(ctx, now.Unix(), limit)
	if err != nil {
		return nil, translate("storage.QueueSelectDue", "queued message", err)
	}
	defer rows.Close() // nolint:errcheck
	var due []*types.QueuedMail
	for rows.Next() {
		q := &types.QueuedMail{}
		var created, next, delivered int64
		if err := rows.Scan(
			&q.ID, &created, &q.From, &q.Rcpt, &q.Content, &q.Attempts, &next,
			&q.LastError, &delivered, &q.Kind, &q.DedupKey,
		); err != nil {
			return nil, translate("storage.QueueSelectDue", "queued message", err)
		}
		q.CreatedAt, q.NextAttempt, q.DeliveredAt = fromUnix(created), fromUnix(next), fromUnix(delivered)
		due = append(due, q)
	}
	return due, translate("storage.QueueSelectDue", "queued message", rows.Err())
}

func (t *TableQueue) QueueMarkDelivered(ctx context.Context, id int64, at time.Time) error {
	err := t.writer.Do(t.db, nil, func(txn *sql.Tx) error {
		res, err := txn.Stmt(t.markDelivered).ExecContext(ctx, at.Unix(), id)
		if err != nil {
			return err
		}
		return affected(res, "storage.QueueMarkDelivered", "queued message")
	})
	return translate("storage.QueueMarkDelivered", "queued message", err)
}

func (t *TableQueue) QueueReschedule(ctx context.Context, id int64, next time.Time, attempts int, lastErr string) error {
	err := t.writer.Do(t.db, nil, func(txn *sql.Tx) error {
		res, err := txn.Stmt(t.rescheduleMail).ExecContext(ctx, next.Unix(), attempts, lastErr, id)
		if err != nil {
			return err
		}
		return affected(res, "storage.QueueReschedule", "queued message")
	})
	return translate("storage.QueueReschedule", "queued message", err)
}

func (t *TableQueue) QueueDelete(ctx context.Context, id int64) error {
	err := t.writer.Do(t.db, nil, func(txn *sql.Tx) error {
		_, err := txn.Stmt(t.deleteQueued).ExecContext(ctx, id)
		return err
	})
	return translate("storage.QueueDelete", "queued message", err)
}

// QueuePurge drops delivered entries older than before and returns how many
// went.
func (t *TableQueue) QueuePurge(ctx context.Context, before time.Time) (int, error) {
	var n int64
	err := t.writer.Do(t.db, nil, func(txn *sql.Tx) error {
		res, err := txn.Stmt(t.purgeQueued).ExecContext(ctx, before.Unix())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), translate("storage.QueuePurge", "queued message", err)
}
