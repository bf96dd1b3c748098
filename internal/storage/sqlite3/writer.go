/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package sqlite3

import (
	"database/sql"
	"fmt"

	"go.uber.org/atomic"
)

// Writer executes every write on a single goroutine, one transaction at a
// time, so sqlite never sees concurrent writers. f must not call Do again.
type Writer struct {
	running atomic.Bool
	todo    chan writerTask
}

type writerTask struct {
	db   *sql.DB
	txn  *sql.Tx
	f    func(txn *sql.Tx) error
	wait chan error
}

func NewWriter() *Writer {
	return &Writer{
		todo: make(chan writerTask),
	}
}

// Do runs f. With a db and no txn, f runs inside a new transaction that is
// committed when f returns nil and rolled back otherwise. With a txn, f runs
// in it unchanged.
func (w *Writer) Do(db *sql.DB, txn *sql.Tx, f func(txn *sql.Tx) error) error {
	if w.running.CompareAndSwap(false, true) {
		go w.run()
	}
	task := writerTask{
		db:   db,
		txn:  txn,
		f:    f,
		wait: make(chan error, 1),
	}
	w.todo <- task
	return <-task.wait
}

func (w *Writer) run() {
	for task := range w.todo {
		switch {
		case task.txn != nil:
			task.wait <- task.f(task.txn)
		case task.db != nil:
			task.wait <- withTransaction(task.db, task.f)
		default:
			task.wait <- task.f(nil)
		}
		close(task.wait)
	}
}

func withTransaction(db *sql.DB, f func(txn *sql.Tx) error) (err error) {
	txn, err := db.Begin()
	if err != nil {
		return fmt.Errorf("db.Begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			txn.Rollback() // nolint:errcheck
			panic(p)
		}
		if err != nil {
			txn.Rollback() // nolint:errcheck
			return
		}
		if cerr := txn.Commit(); cerr != nil {
			err = fmt.Errorf("txn.Commit: %w", cerr)
		}
	}()
	return f(txn)
}
