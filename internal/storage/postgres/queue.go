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

	"github.com/JB-SelfCompany/mailhub/internal/storage/types"
)

func (s *Storage) QueueInsert(ctx context.Context, q *types.QueuedMail) (int64, error) {
	now := time.Now().UTC()
	if q.NextAttempt.IsZero() {
		q.NextAttempt = now
	}
	if q.Kind == "" {
		q.Kind = "forward"
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO queue (
			created_at, from_address, rcpt, content, next_attempt, kind, dedup_key
		) VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
		RETURNING id`,
		now.Unix(), q.From, q.Rcpt, q.Content, q.NextAttempt.Unix(), q.Kind, q.DedupKey,
	).Scan(&id)
	if err != nil {
		return 0, translate("storage.QueueInsert", "queued message", err)
	}
	q.ID, q.CreatedAt = id, now
	return id, nil
}

func (s *Storage) QueueSelectDue(ctx context.Context, now time.Time, limit int) ([]*types.QueuedMail, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, created_at, from_address, rcpt, content, attempts, next_attempt,
			last_error, delivered_at, kind, COALESCE(dedup_key, '')
		FROM queue
		WHERE delivered_at = 0 AND next_attempt <= $1
		ORDER BY next_attempt, id
		LIMIT $2`, now.Unix(), limit)
	if err != nil {
		return nil, translate("storage.QueueSelectDue", "queued message", err)
	}
	defer rows.Close()
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

func (s *Storage) QueueMarkDelivered(ctx context.Context, id int64, at time.Time) error {
	return s.exec(ctx, "storage.QueueMarkDelivered", "queued message", `
		UPDATE queue SET delivered_at = $1, content = ''::BYTEA WHERE id = $2`, at.Unix(), id)
}

func (s *Storage) QueueReschedule(ctx context.Context, id int64, next time.Time, attempts int, lastErr string) error {
	return s.exec(ctx, "storage.QueueReschedule", "queued message", `
		UPDATE queue SET next_attempt = $1, attempts = $2, last_error = $3 WHERE id = $4`,
		next.Unix(), attempts, lastErr, id)
}

func (s *Storage) QueueDelete(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM queue WHERE id = $1`, id)
	return translate("storage.QueueDelete", "queued message", err)
}

func (s *Storage) QueuePurge(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM queue WHERE delivered_at != 0 AND delivered_at < $1`, before.Unix())
	if err != nil {
		return 0, translate("storage.QueuePurge", "queued message", err)
	}
	return int(tag.RowsAffected()), nil
}
