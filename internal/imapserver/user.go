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
	"strings"

	"github.com/JB-SelfCompany/mailhub/internal/mailerr"
	"github.com/JB-SelfCompany/mailhub/internal/storage/types"
	"github.com/emersion/go-imap/backend"
)

type User struct {
	backend *Backend
	user    *types.User
}

func (u *User) Username() string {
	return u.user.Username
}

// mailboxName is the IMAP name of a folder. The inbox is always "INBOX".
func mailboxName(f *types.Folder) string {
	if f.Type == types.FolderInbox {
		return "INBOX"
	}
	return f.Name
}

func (u *User) ListMailboxes(subscribed bool) ([]backend.Mailbox, error) {
	folders, err := u.backend.Mail.ListFolders(context.Background(), u.user.ID)
	if err != nil {
		return nil, err
	}
	var boxes []backend.Mailbox
	for _, f := range folders {
		if subscribed && !f.Subscribed {
			continue
		}
		boxes = append(boxes, &Mailbox{backend: u.backend, user: u, folder: f})
	}
	return boxes, nil
}

func (u *User) folder(name string) (*types.Folder, error) {
	ctx := context.Background()
	if strings.EqualFold(name, "INBOX") {
		return u.backend.Mail.Storage.FolderSelectByType(ctx, u.user.ID, types.FolderInbox)
	}
	f, err := u.backend.Mail.Storage.FolderSelectByName(ctx, u.user.ID, name)
	if mailerr.Is(err, mailerr.NotFound) {
		return nil, backend.ErrNoSuchMailbox
	}
	return f, err
}

func (u *User) GetMailbox(name string) (backend.Mailbox, error) {
	f, err := u.folder(name)
	if err != nil {
		return nil, err
	}
	return &Mailbox{backend: u.backend, user: u, folder: f}, nil
}

func (u *User) CreateMailbox(name string) error {
	if strings.EqualFold(name, "INBOX") {
		return backend.ErrMailboxAlreadyExists
	}
	_, err := u.backend.Mail.CreateFolder(context.Background(), u.user.ID, name)
	if mailerr.Is(err, mailerr.Conflict) {
		return backend.ErrMailboxAlreadyExists
	}
	return err
}

func (u *User) DeleteMailbox(name string) error {
	f, err := u.folder(name)
	if err != nil {
		return err
	}
	return u.backend.Mail.DeleteFolder(context.Background(), u.user.ID, f.ID)
}

func (u *User) RenameMailbox(existingName, newName string) error {
	f, err := u.folder(existingName)
	if err != nil {
		return err
	}
	return u.backend.Mail.RenameFolder(context.Background(), u.user.ID, f.ID, newName)
}

func (u *User) Logout() error {
	return nil
}
