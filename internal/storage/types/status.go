/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package types

type EmailStatus string

const (
	StatusUnread    EmailStatus = "UNREAD"
	StatusRead      EmailStatus = "READ"
	StatusReplied   EmailStatus = "REPLIED"
	StatusForwarded EmailStatus = "FORWARDED"
	StatusDeleted   EmailStatus = "DELETED"
)

var statusTransitions = map[EmailStatus][]EmailStatus{
	StatusUnread:    {StatusRead, StatusDeleted},
	StatusRead:      {StatusUnread, StatusReplied, StatusForwarded, StatusDeleted},
	StatusReplied:   {StatusUnread, StatusForwarded, StatusDeleted},
	StatusForwarded: {StatusUnread, StatusReplied, StatusDeleted},
	StatusDeleted:   {StatusRead},
}

// CanTransition reports whether an email may move from s to next. Staying in
// the same status is always allowed.
func (s EmailStatus) CanTransition(next EmailStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s EmailStatus) Valid() bool {
	_, ok := statusTransitions[s]
	return ok
}

// Seen maps the status onto the IMAP \Seen flag.
func (s EmailStatus) Seen() bool {
	return s != StatusUnread
}
