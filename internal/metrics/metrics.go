/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhub_deliveries_total",
			Help: "Inbound deliveries by result",
		},
		[]string{"result"}, // ok, parse, not_found, quota, storage
	)

	Rejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhub_rcpt_rejections_total",
			Help: "Recipients rejected before DATA",
		},
		[]string{"reason"}, // domain, alias
	)

	CommitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailhub_commit_duration_seconds",
			Help:    "Time taken to commit a delivered email",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
	)

	Sends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhub_sends_total",
			Help: "Outbound sends by result",
		},
		[]string{"result"}, // ok, limit, transport, storage
	)

	QueueAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhub_queue_attempts_total",
			Help: "Forward and auto-reply delivery attempts",
		},
		[]string{"kind", "result"}, // result: ok, retry, dropped
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailhub_http_request_duration_seconds",
			Help:    "JSON API request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "route", "status"},
	)
)

func RecordDelivery(result string, duration time.Duration) {
	Deliveries.WithLabelValues(result).Inc()
	if result == "ok" {
		CommitDuration.Observe(duration.Seconds())
	}
}

func RecordRejection(reason string) {
	Rejections.WithLabelValues(reason).Inc()
}

func RecordSend(result string) {
	Sends.WithLabelValues(result).Inc()
}

func RecordQueueAttempt(kind, result string) {
	QueueAttempts.WithLabelValues(kind, result).Inc()
}

func RecordHTTPRequest(method, route, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, route, status).Observe(duration.Seconds())
}
