/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package mailerr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/emersion/go-smtp"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := NotFoundError("storage.AliasSelectByAddress", "alias")
	wrapped := fmt.Errorf("smtpserver.Rcpt: %w", base)

	if !Is(wrapped, NotFound) {
		t.Fatalf("expected wrapped error to be NotFound, got %v", KindOf(wrapped))
	}
	if !errors.Is(wrapped, &Error{Kind: NotFound}) {
		t.Fatalf("errors.Is did not match kind sentinel")
	}
	if errors.Is(wrapped, &Error{Kind: Storage}) {
		t.Fatalf("errors.Is matched the wrong kind")
	}
	if Is(errors.New("plain"), NotFound) {
		t.Fatalf("plain error reported as NotFound")
	}
}

func TestQuotaDetection(t *testing.T) {
	q := fmt.Errorf("commit: %w", QuotaError("storage.EmailCommit"))
	if !IsQuota(q) {
		t.Fatalf("quota error not detected")
	}
	if IsQuota(StorageError("storage.EmailCommit", errors.New("disk full"))) {
		t.Fatalf("io error detected as quota")
	}
}

func TestSMTPMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		enh  smtp.EnhancedCode
	}{
		{"parse", ParseError("decoder.Decode", errors.New("bad")), 554, smtp.EnhancedCode{5, 6, 0}},
		{"not found", NotFoundError("op", "alias"), 550, smtp.EnhancedCode{5, 1, 1}},
		{"quota", QuotaError("op"), 552, smtp.EnhancedCode{5, 2, 2}},
		{"storage io", StorageError("op", errors.New("io")), 451, smtp.EnhancedCode{4, 3, 0}},
		{"transport", TransportError("op", errors.New("refused")), 451, smtp.EnhancedCode{4, 4, 1}},
		{"limit", Errorf(Limit, "op", "daily cap"), 452, smtp.EnhancedCode{4, 5, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var se *smtp.SMTPError
			if !errors.As(SMTP(tt.err), &se) {
				t.Fatalf("SMTP() did not return *smtp.SMTPError")
			}
			if se.Code != tt.code || se.EnhancedCode != tt.enh {
				t.Errorf("SMTP() = %d %v, want %d %v", se.Code, se.EnhancedCode, tt.code, tt.enh)
			}
		})
	}
}

func TestSMTPPassthrough(t *testing.T) {
	orig := &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 2}, Message: "domain"}
	if got := SMTP(orig); got != orig {
		t.Fatalf("SMTPError was not passed through")
	}
	if SMTP(nil) != nil {
		t.Fatalf("nil error mapped to non-nil")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{Errorf(Invalid, "op", "bad"), http.StatusBadRequest},
		{ParseError("op", nil), http.StatusBadRequest},
		{Errorf(Auth, "op", "bad credentials"), http.StatusUnauthorized},
		{NotFoundError("op", "email"), http.StatusNotFound},
		{Errorf(Conflict, "op", "exists"), http.StatusConflict},
		{Errorf(Limit, "op", "cap"), http.StatusTooManyRequests},
		{QuotaError("op"), http.StatusInsufficientStorage},
		{TransportError("op", nil), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got := HTTPStatus(tt.err); got != tt.status {
				t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.status)
			}
		})
	}
}
