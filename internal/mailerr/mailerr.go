/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package mailerr carries the failure kinds shared by the delivery, send and
// account paths, and maps them onto SMTP replies and HTTP statuses.
package mailerr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/emersion/go-smtp"
)

type Kind int

const (
	Other Kind = iota
	Parse
	NotFound
	Storage
	Transport
	Conflict
	Invalid
	Limit
	Auth
)

func (k Kind) String() string {
	switch k {
	case Parse:
		return "parse"
	case NotFound:
		return "not found"
	case Storage:
		return "storage"
	case Transport:
		return "transport"
	case Conflict:
		return "conflict"
	case Invalid:
		return "invalid"
	case Limit:
		return "limit"
	case Auth:
		return "auth"
	default:
		return "error"
	}
}

// ErrQuota is wrapped by storage errors caused by an exhausted quota.
var ErrQuota = errors.New("storage quota exceeded")

type Error struct {
	Kind Kind
	Op   string // e.g. "mailservice.SaveReceivedEmail"
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", msg, e.Err)
	default:
		return msg
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: NotFound})
// works as well as KindOf.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == "" && t.Err == nil
}

func E(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

func Errorf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func ParseError(op string, err error) *Error {
	return &Error{Kind: Parse, Op: op, Msg: "malformed message", Err: err}
}

func NotFoundError(op, what string) *Error {
	return &Error{Kind: NotFound, Op: op, Msg: what + " not found"}
}

func StorageError(op string, err error) *Error {
	return &Error{Kind: Storage, Op: op, Err: err}
}

func QuotaError(op string) *Error {
	return &Error{Kind: Storage, Op: op, Err: ErrQuota}
}

func TransportError(op string, err error) *Error {
	return &Error{Kind: Transport, Op: op, Msg: "delivery to relay failed", Err: err}
}

// KindOf returns the kind of the outermost *Error in the chain, or Other.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Other
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func IsQuota(err error) bool {
	return Is(err, Storage) && errors.Is(err, ErrQuota)
}

// SMTP converts err into the reply a go-smtp session should return. Errors
// that are already *smtp.SMTPError pass through unchanged.
func SMTP(err error) error {
	if err == nil {
		return nil
	}
	var se *smtp.SMTPError
	if errors.As(err, &se) {
		return se
	}
	switch KindOf(err) {
	case Parse:
		return &smtp.SMTPError{Code: 554, EnhancedCode: smtp.EnhancedCode{5, 6, 0}, Message: "Message could not be parsed"}
	case NotFound:
		return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "Mailbox does not exist"}
	case Storage:
		if IsQuota(err) {
			return &smtp.SMTPError{Code: 552, EnhancedCode: smtp.EnhancedCode{5, 2, 2}, Message: "Mailbox full"}
		}
		return &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 3, 0}, Message: "Temporary storage failure"}
	case Transport:
		return &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 4, 1}, Message: "Upstream relay unavailable"}
	case Limit:
		return &smtp.SMTPError{Code: 452, EnhancedCode: smtp.EnhancedCode{4, 5, 3}, Message: "Sending limit reached"}
	case Auth:
		return &smtp.SMTPError{Code: 535, EnhancedCode: smtp.EnhancedCode{5, 7, 8}, Message: "Authentication failed"}
	case Invalid, Conflict:
		return &smtp.SMTPError{Code: 501, EnhancedCode: smtp.EnhancedCode{5, 5, 4}, Message: "Invalid arguments"}
	default:
		return &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 0, 0}, Message: "Local error in processing"}
	}
}

// HTTPStatus maps err onto a response status for the JSON API.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Parse, Invalid:
		return http.StatusBadRequest
	case Auth:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Limit:
		return http.StatusTooManyRequests
	case Storage:
		if IsQuota(err) {
			return http.StatusInsufficientStorage
		}
		return http.StatusInternalServerError
	case Transport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
