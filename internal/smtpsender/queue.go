/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package smtpsender

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/JB-SelfCompany/mailhub/internal/config"
	"github.com/JB-SelfCompany/mailhub/internal/metrics"
	"github.com/JB-SelfCompany/mailhub/internal/storage"
	"github.com/JB-SelfCompany/mailhub/internal/storage/types"
	"github.com/gologme/log"
	"go.uber.org/atomic"
)

const (
	// Retries at roughly 60, 180, 420, 900, 1860 seconds from the first
	// failure, then every hour.
	MIN_BACKOFF_SECONDS = 60
	MAX_BACKOFF_SECONDS = 3600
	BACKOFF_MULTIPLIER  = 2.0

	// Entries picked up per pass.
	QUEUE_BATCH_SIZE = 100
)

// Queue delivers forwards and auto-replies stored in the queue table. Entries
// survive restarts; delivered ones are kept, without content, until they are
// older than the configured max age so their dedup keys keep working.
type Queue struct {
	Config    *config.Config
	Log       *log.Logger
	Transport Transport
	Storage   storage.Storage
	running   atomic.Bool
	triggerCh chan struct{} // Channel to trigger immediate queue processing
	now       func() time.Time
}

func NewQueue(config *config.Config, log *log.Logger, transport Transport, storage storage.Storage) *Queue {
	return &Queue{
		Config:    config,
		Log:       log,
		Transport: transport,
		Storage:   storage,
		triggerCh: make(chan struct{}, 1), // Buffered channel to avoid blocking
		now:       time.Now,
	}
}

// Run processes the queue every interval, or sooner when triggered, until
// ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	interval := q.Config.Queue.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := q.Process(ctx); err != nil {
			q.Log.Errorf("Queue processing failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-q.triggerCh:
		}
	}
}

// Enqueue stores an entry and wakes the manager. An entry whose DedupKey is
// already present is a mailerr.Conflict.
func (q *Queue) Enqueue(ctx context.Context, m *types.QueuedMail) error {
	if _, err := q.Storage.QueueInsert(ctx, m); err != nil {
		return err
	}
	q.Trigger()
	return nil
}

func (q *Queue) Trigger() {
	select {
	case q.triggerCh <- struct{}{}:
	default:
		// Channel already has a trigger pending, skip
	}
}

// Process makes one pass over the due entries and returns how many were
// delivered. Only one pass runs at a time; a concurrent call returns 0.
func (q *Queue) Process(ctx context.Context) (int, error) {
	if !q.running.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer q.running.Store(false)

	now := q.now()
	if q.Config.Queue.MaxAge > 0 {
		if n, err := q.Storage.QueuePurge(ctx, now.Add(-q.Config.Queue.MaxAge)); err != nil {
			q.Log.Warnf("Failed to purge delivered queue entries: %v", err)
		} else if n > 0 {
			q.Log.Debugf("Purged %d delivered queue entries", n)
		}
	}

	due, err := q.Storage.QueueSelectDue(ctx, now, QUEUE_BATCH_SIZE)
	if err != nil {
		return 0, fmt.Errorf("q.Storage.QueueSelectDue: %w", err)
	}

	delivered := 0
	for _, m := range due {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}

		// Check if message has been undeliverable for too long
		if age := now.Sub(m.CreatedAt); q.Config.Queue.MaxAge > 0 && age > q.Config.Queue.MaxAge {
			q.Log.Warnf("Queued %s %d to %s is undeliverable (age: %v, max: %v), dropping",
				m.Kind, m.ID, m.Rcpt, age.Round(time.Second), q.Config.Queue.MaxAge)
			q.drop(ctx, m)
			continue
		}

		err := q.Transport.Send(ctx, &Outbound{
			From: m.From,
			To:   []string{m.Rcpt},
			Raw:  m.Content,
		})
		switch {
		case err == nil:
			if err := q.Storage.QueueMarkDelivered(ctx, m.ID, q.now()); err != nil {
				q.Log.Errorf("Failed to mark queued %s %d delivered: %v", m.Kind, m.ID, err)
			}
			metrics.RecordQueueAttempt(m.Kind, "ok")
			q.Log.Println("Sent", m.Kind, "from", m.From, "to", m.Rcpt)
			delivered++

		case isPermanentError(err):
			q.Log.Warnf("Permanent error sending %s %d to %s, stopping retries: %v", m.Kind, m.ID, m.Rcpt, err)
			q.drop(ctx, m)

		default:
			attempts := m.Attempts + 1
			wait := time.Duration(calculateBackoff(attempts)) * time.Second
			if isNetworkError(err) {
				q.Log.Printf("Network error sending %s %d to %s (retry %d in %v): %v",
					m.Kind, m.ID, m.Rcpt, attempts, wait, err)
			} else {
				q.Log.Printf("Failed to send %s %d to %s (retry %d in %v): %v",
					m.Kind, m.ID, m.Rcpt, attempts, wait, err)
			}
			if err := q.Storage.QueueReschedule(ctx, m.ID, q.now().Add(wait), attempts, err.Error()); err != nil {
				q.Log.Errorf("Failed to reschedule queued %s %d: %v", m.Kind, m.ID, err)
			}
			metrics.RecordQueueAttempt(m.Kind, "retry")
		}
	}
	return delivered, nil
}

func (q *Queue) drop(ctx context.Context, m *types.QueuedMail) {
	if err := q.Storage.QueueDelete(ctx, m.ID); err != nil {
		q.Log.Errorf("Failed to remove queued %s %d: %v", m.Kind, m.ID, err)
	}
	metrics.RecordQueueAttempt(m.Kind, "dropped")
}

// calculateBackoff calculates exponential backoff with jitter
func calculateBackoff(retryCount int) int {
	backoff := float64(MIN_BACKOFF_SECONDS) * math.Pow(BACKOFF_MULTIPLIER, float64(retryCount-1))

	// Cap at maximum
	if backoff > float64(MAX_BACKOFF_SECONDS) {
		backoff = float64(MAX_BACKOFF_SECONDS)
	}

	// Add jitter (±20%) to prevent thundering herd
	jitter := rand.Float64()*0.4 - 0.2
	backoff = backoff * (1.0 + jitter)

	return int(backoff)
}
