/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package smtpsender

import (
	"fmt"
	"strings"
	"time"

	"github.com/JB-SelfCompany/mailhub/internal/storage/types"
	"github.com/JB-SelfCompany/mailhub/internal/utils"
)

const (
	KindForward   = "forward"
	KindAutoReply = "autoreply"
)

// ForwardEntries returns one queue entry per forwarding target of the alias.
// The raw message is forwarded unchanged with the alias as envelope sender.
func ForwardEntries(alias *types.Alias, raw []byte) []*types.QueuedMail {
	if !alias.ForwardEnabled {
		return nil
	}
	var entries []*types.QueuedMail
	for _, target := range alias.ForwardTo {
		target = strings.ToLower(strings.TrimSpace(target))
		if target == "" || target == alias.Address {
			continue
		}
		entries = append(entries, &types.QueuedMail{
			From:    alias.Address,
			Rcpt:    target,
			Content: raw,
			Kind:    KindForward,
		})
	}
	return entries
}

// AutoReplyKey allows one auto-reply per sender per alias per UTC day.
func AutoReplyKey(aliasID int64, sender string, day string) string {
	return fmt.Sprintf("autoreply:%d:%s:%s", aliasID, strings.ToLower(sender), day)
}

// AutoReplyEntry composes the auto-reply for a message from sender, or
// returns nil when none should be sent.
func AutoReplyEntry(alias *types.Alias, sender, subject, messageID string, now time.Time) (*types.QueuedMail, error) {
	if !alias.AutoReplyEnabled || utils.IsNullSender(sender) {
		return nil, nil
	}
	if strings.EqualFold(sender, alias.Address) {
		return nil, nil
	}

	replySubject := alias.AutoReplySubject
	if replySubject == "" {
		replySubject = "Auto: " + subject
	}
	o := &Outbound{
		From:     alias.Address,
		FromName: alias.DisplayName,
		To:       []string{sender},
		Subject:  replySubject,
		Text:     alias.AutoReplyMessage,
		Headers: map[string]string{
			"Auto-Submitted": "auto-replied",
		},
		Date: now.UTC(),
	}
	if messageID != "" {
		o.InReplyTo = messageID
		o.References = []string{messageID}
	}
	if err := Compose(o); err != nil {
		return nil, err
	}
	return &types.QueuedMail{
		From:     "", // null reverse-path so the reply cannot bounce back
		Rcpt:     strings.ToLower(sender),
		Content:  o.Raw,
		Kind:     KindAutoReply,
		DedupKey: AutoReplyKey(alias.ID, sender, now.UTC().Format("2006-01-02")),
	}, nil
}
