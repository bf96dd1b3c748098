/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package imapserver

import (
	"context"
	"fmt"

	"github.com/JB-SelfCompany/mailhub/internal/storage"
	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/server"
	"github.com/gologme/log"
)

// IMAPNotify pushes EXISTS to clients that have the folder of a new email
// selected, which wakes up IDLE sessions.
type IMAPNotify struct {
	server  *server.Server
	storage storage.Storage
	log     *log.Logger
}

func NewIMAPNotify(s *server.Server, store storage.Storage, log *log.Logger) *IMAPNotify {
	return &IMAPNotify{
		server:  s,
		storage: store,
		log:     log,
	}
}

func (ext *IMAPNotify) NotifyNew(userID, folderID, emailID int64) error {
	folder, err := ext.storage.FolderSelect(context.Background(), folderID)
	if err != nil {
		return fmt.Errorf("ext.storage.FolderSelect: %w", err)
	}

	ext.server.ForEachConn(func(c server.Conn) {
		ctx := c.Context()
		user, ok := ctx.User.(*User)
		if !ok || user.user.ID != userID {
			return
		}
		mbox, ok := ctx.Mailbox.(*Mailbox)
		if !ok || mbox.folder.ID != folderID {
			return
		}
		ext.log.Debugf("Sending EXISTS %d for email %d to %s", folder.TotalCount, emailID, user.Username())
		_ = c.WriteResp(&imap.StatusResp{
			Type: imap.StatusRespType(fmt.Sprintf("%d EXISTS", folder.TotalCount)),
		})
	})
	return nil
}
