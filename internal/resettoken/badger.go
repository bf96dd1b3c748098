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

	badger "github.com/dgraph-io/badger/v3"
	"github.com/gologme/log"
)

// BadgerStore keeps tokens in an embedded badger database. An empty path
// runs it in memory, which suits single-node deployments and tests.
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(path string, logger *log.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	if logger != nil {
		opts = opts.WithLogger(badgerLogger{logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger.Open: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Put(ctx context.Context, token string, userID int64, ttl time.Duration) error {
	return s.db.Update(func(txn *badger.Txn) error {
		switch _, err := txn.Get([]byte(key(token))); {
		case err == nil:
			return ErrExists
		case !errors.Is(err, badger.ErrKeyNotFound):
			return fmt.Errorf("txn.Get: %w", err)
		}
		e := badger.NewEntry([]byte(key(token)), encodeUserID(userID)).WithTTL(ttl)
		if err := txn.SetEntry(e); err != nil {
			return fmt.Errorf("txn.SetEntry: %w", err)
		}
		return nil
	})
}

func (s *BadgerStore) Peek(ctx context.Context, token string) (int64, error) {
	var id int64
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		id, err = get(txn, token)
		return err
	})
	return id, err
}

// Take reads and deletes the token in one transaction. When two callers race,
// the loser's commit conflicts and it sees the token as absent.
func (s *BadgerStore) Take(ctx context.Context, token string) (int64, error) {
	var id int64
	err := s.db.Update(func(txn *badger.Txn) error {
		var err error
		if id, err = get(txn, token); err != nil {
			return err
		}
		if err := txn.Delete([]byte(key(token))); err != nil {
			return fmt.Errorf("txn.Delete: %w", err)
		}
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		return 0, ErrNotFound
	}
	return id, err
}

func get(txn *badger.Txn, token string) (int64, error) {
	item, err := txn.Get([]byte(key(token)))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("txn.Get: %w", err)
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return 0, fmt.Errorf("item.ValueCopy: %w", err)
	}
	return decodeUserID(v)
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// badgerLogger routes badger's own messages to our logger. Badger is chatty
// at info level, so that goes to debug.
type badgerLogger struct {
	log *log.Logger
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.log.Errorf("Badger: "+f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.log.Warnf("Badger: "+f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.log.Debugf("Badger: "+f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.log.Debugf("Badger: "+f, v...) }
