/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package resettoken

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares tokens between instances. Expiry is left to redis.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("rdb.Ping: %w", err)
	}
	return &RedisStore{rdb: rdb}, nil
}

func (s *RedisStore) Put(ctx context.Context, token string, userID int64, ttl time.Duration) error {
	ok, err := s.rdb.SetNX(ctx, key(token), encodeUserID(userID), ttl).Result()
	if err != nil {
		return fmt.Errorf("rdb.SetNX: %w", err)
	}
	if !ok {
		return ErrExists
	}
	return nil
}

func (s *RedisStore) Peek(ctx context.Context, token string) (int64, error) {
	v, err := s.rdb.Get(ctx, key(token)).Bytes()
	return s.result(v, err)
}

// Take uses GETDEL, so the read and the removal are one command.
func (s *RedisStore) Take(ctx context.Context, token string) (int64, error) {
	v, err := s.rdb.GetDel(ctx, key(token)).Bytes()
	return s.result(v, err)
}

func (s *RedisStore) result(v []byte, err error) (int64, error) {
	switch {
	case errors.Is(err, redis.Nil):
		return 0, ErrNotFound
	case err != nil:
		return 0, fmt.Errorf("redis: %w", err)
	}
	return decodeUserID(v)
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
