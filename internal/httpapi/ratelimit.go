/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package httpapi

import (
	"sync"
	"time"

	"github.com/JB-SelfCompany/mailhub/internal/mailerr"
	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"
)

// idleClientAge is how long a client may stay silent before its limiter is
// forgotten.
const idleClientAge = 10 * time.Minute

// ipLimiter keeps one token bucket per client IP.
type ipLimiter struct {
	every time.Duration
	burst int

	mu        sync.Mutex
	clients   map[string]*client
	lastSweep time.Time
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(every time.Duration, burst int) *ipLimiter {
	if every <= 0 {
		every = time.Minute
	}
	if burst <= 0 {
		burst = 1
	}
	return &ipLimiter{
		every:     every,
		burst:     burst,
		clients:   make(map[string]*client),
		lastSweep: time.Now(),
	}
}

func (l *ipLimiter) allow(ip string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > idleClientAge {
		for key, c := range l.clients {
			if now.Sub(c.lastSeen) > idleClientAge {
				delete(l.clients, key)
			}
		}
		l.lastSweep = now
	}

	cl, ok := l.clients[ip]
	if !ok {
		cl = &client{limiter: rate.NewLimiter(rate.Every(l.every), l.burst)}
		l.clients[ip] = cl
	}
	cl.lastSeen = now
	return cl.limiter.AllowN(now, 1)
}

func (s *Server) forgotLimit(c *fiber.Ctx) error {
	if !s.forgot.allow(c.IP()) {
		return mailerr.Errorf(mailerr.Limit, "httpapi.forgotPassword", "too many reset requests, try again later")
	}
	return c.Next()
}
