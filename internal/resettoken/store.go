/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package resettoken keeps password reset tokens until they expire or are
// used.
package resettoken

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/JB-SelfCompany/mailhub/internal/config"
	"github.com/gologme/log"
)

// ErrNotFound is returned for tokens that were never issued, have expired
// or have already been taken.
var ErrNotFound = errors.New("reset token not found")

// ErrExists is returned by Put when the token is already present.
var ErrExists = errors.New("reset token already exists")

// Store maps tokens to user IDs. Take is an atomic check-and-remove: of any
// number of concurrent callers for one token, at most one succeeds.
type Store interface {
	Put(ctx context.Context, token string, userID int64, ttl time.Duration) error
	Peek(ctx context.Context, token string) (int64, error)
	Take(ctx context.Context, token string) (int64, error)
	Close() error
}

const keyPrefix = "mailhub:reset:"

func key(token string) string {
	return keyPrefix + token
}

func encodeUserID(id int64) []byte {
	return []byte(strconv.FormatInt(id, 10))
}

func decodeUserID(v []byte) (int64, error) {
	id, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("resettoken: corrupt value %q: %w", v, err)
	}
	return id, nil
}

// New opens the backend selected by cfg.Reset.Backend.
func New(cfg *config.Config, logger *log.Logger) (Store, error) {
	switch cfg.Reset.Backend {
	case "redis":
		return NewRedisStore(cfg.Reset.RedisAddr, cfg.Reset.RedisPassword, cfg.Reset.RedisDB)
	case "badger":
		return NewBadgerStore(cfg.Reset.BadgerPath, logger)
	default:
		return nil, fmt.Errorf("unsupported reset token backend: %s", cfg.Reset.Backend)
	}
}
