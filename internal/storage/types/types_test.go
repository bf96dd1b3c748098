/*
 *  Copyright (c) 2021 Neil Alexander
 *
 *  This Source Code Form is subject to the terms of the Mozilla Public
 *  License, v. 2.0. If a copy of the MPL was not distributed with this
 *  file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package types

import "testing"

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from EmailStatus
		to   EmailStatus
		ok   bool
	}{
		{StatusUnread, StatusRead, true},
		{StatusUnread, StatusDeleted, true},
		{StatusUnread, StatusReplied, false},
		{StatusUnread, StatusForwarded, false},
		{StatusRead, StatusReplied, true},
		{StatusRead, StatusForwarded, true},
		{StatusRead, StatusUnread, true},
		{StatusReplied, StatusForwarded, true},
		{StatusForwarded, StatusReplied, true},
		{StatusReplied, StatusDeleted, true},
		{StatusDeleted, StatusRead, true},
		{StatusDeleted, StatusUnread, false},
		{StatusDeleted, StatusReplied, false},
		{StatusRead, StatusRead, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.ok {
				t.Errorf("%s.CanTransition(%s) = %v, want %v", tt.from, tt.to, got, tt.ok)
			}
		})
	}
}

func TestFolderMetaLookup(t *testing.T) {
	tests := []struct {
		folder     FolderType
		name       string
		icon       string
		specialUse string
	}{
		{FolderInbox, "Inbox", "inbox", ""},
		{FolderSent, "Sent", "send", "\\Sent"},
		{FolderDrafts, "Drafts", "drafts", "\\Drafts"},
		{FolderTrash, "Trash", "delete", "\\Trash"},
		{FolderSpam, "Spam", "report", "\\Junk"},
		{FolderArchive, "Archive", "archive", "\\Archive"},
		{FolderType("BOGUS"), "Folder", "folder", ""},
	}

	for _, tt := range tests {
		t.Run(string(tt.folder), func(t *testing.T) {
			meta := tt.folder.Meta()
			if meta.Name != tt.name || meta.Icon != tt.icon || meta.SpecialUse != tt.specialUse {
				t.Errorf("Meta(%s) = %+v", tt.folder, meta)
			}
		})
	}
}

func TestSystemFoldersOrder(t *testing.T) {
	for i, ft := range SystemFolders {
		f := NewSystemFolder(7, ft)
		if f.SortOrder != i {
			t.Errorf("folder %s has sort order %d, want %d", ft, f.SortOrder, i)
		}
		if !f.System || f.UserID != 7 || !f.Subscribed {
			t.Errorf("folder %s not initialised as a system folder: %+v", ft, f)
		}
	}
}

func TestUserDisplayName(t *testing.T) {
	u := &User{Username: "jdoe"}
	if got := u.DisplayName(); got != "jdoe" {
		t.Errorf("DisplayName() = %q, want %q", got, "jdoe")
	}
	u.FirstName, u.LastName = "Jane", "Doe"
	if got := u.DisplayName(); got != "Jane Doe" {
		t.Errorf("DisplayName() = %q, want %q", got, "Jane Doe")
	}
}
